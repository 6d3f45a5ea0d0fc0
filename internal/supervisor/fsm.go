// Package supervisor watches companion application after successful boot.
// Companion configures monitored variables and period, then must refresh
// with every variable in range before deadline, else it gets reset.
package supervisor

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

const (
	DefaultBusTimeout      = 5 * time.Second
	DefaultResponseRetries = 5
	DefaultInitialTimeout  = 10 * time.Second
)

type State uint8

const (
	StateUninitialized State = iota
	StateAwaitingConfiguration
	StateSettingVariableCount
	StateSettingVariables
	StateSettingPeriod
	StateAwaitingRefresh
	StateCheckVariables
	StateResetting
)

var stateNames = [...]string{"uninitialized", "awaiting-configuration", "setting-variable-count",
	"setting-variables", "setting-period", "awaiting-refresh", "check-variables", "resetting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state%d", uint8(s))
}

type Command byte

const (
	CmdInit Command = iota + 1
	CmdSetVariableCount
	CmdSetVariable
	CmdSetPeriod
	CmdRefresh
	CmdReconfigure
)

const (
	respNack byte = 0
	respAck  byte = 1
)

type Variable struct {
	Min     int32
	Max     int32
	Checked bool
}

// Timer arms (replacing previous) deadline, expiry calls FSM.OnTimerElapsed.
type Timer interface {
	Arm(d time.Duration)
}

type Resetter interface {
	Reset() error
}

type Config struct {
	BusTimeout      time.Duration
	ResponseRetries int
	InitialTimeout  time.Duration
}

type FSM struct {
	bus    spibus.Bus
	reset  Resetter
	timer  Timer
	clock  clock.Clock
	config Config
	log    *log2.Log

	expired uint32
	state   State
	vars    []Variable
	slot    int
	period  time.Duration
}

func New(bus spibus.Bus, reset Resetter, timer Timer, clk clock.Clock, config Config, log *log2.Log) *FSM {
	if config.BusTimeout == 0 {
		config.BusTimeout = DefaultBusTimeout
	}
	if config.InitialTimeout == 0 {
		config.InitialTimeout = DefaultInitialTimeout
	}
	config.ResponseRetries = helpers.IntDefault(config.ResponseRetries, DefaultResponseRetries)
	if clk == nil {
		clk = clock.WallClock
	}
	return &FSM{
		bus:    bus,
		reset:  reset,
		timer:  timer,
		clock:  clk,
		config: config,
		log:    log,
	}
}

// Start begins new session waiting for companion Init.
func (self *FSM) Start() {
	atomic.StoreUint32(&self.expired, 0)
	self.setState(StateUninitialized)
	self.vars = nil
	self.slot = 0
	self.timer.Arm(self.config.InitialTimeout)
}

// OnTimerElapsed is safe to call from any goroutine, only marks expiry.
func (self *FSM) OnTimerElapsed() { atomic.StoreUint32(&self.expired, 1) }

func (self *FSM) State() State {
	if atomic.LoadUint32(&self.expired) == 1 {
		return StateResetting
	}
	return self.state
}

func (self *FSM) Period() time.Duration { return self.period }

func (self *FSM) Variables() []Variable { return append([]Variable(nil), self.vars...) }

func (self *FSM) setState(s State) {
	if s != self.state {
		self.log.Debugf("supervisor %s -> %s", self.state, s)
	}
	self.state = s
}

// Step runs one exchange with companion. Never returns error:
// bad input is answered with NACK, silence ends with reset.
func (self *FSM) Step() {
	if atomic.SwapUint32(&self.expired, 0) == 1 {
		self.log.Infof("supervisor deadline expired state=%s", self.state)
		self.setState(StateResetting)
	}

	switch self.state {
	case StateUninitialized:
		switch self.receiveCommand() {
		case 0:
		case CmdInit:
			self.respond(true)
			self.timer.Arm(self.config.InitialTimeout)
			self.setState(StateAwaitingConfiguration)
		default:
			self.respond(false)
		}

	case StateAwaitingConfiguration:
		switch self.receiveCommand() {
		case 0:
		case CmdSetVariableCount:
			self.respond(true)
			self.timer.Arm(self.config.InitialTimeout)
			self.vars = nil
			self.slot = 0
			self.setState(StateSettingVariableCount)
		case CmdSetPeriod:
			self.respond(true)
			self.timer.Arm(self.config.InitialTimeout)
			self.setState(StateSettingPeriod)
		default:
			self.respond(false)
		}

	case StateSettingVariableCount:
		var b [1]byte
		if err := self.receive(b[:]); err != nil || b[0] == 0 {
			self.respond(false)
			self.setState(StateAwaitingConfiguration)
			return
		}
		self.vars = make([]Variable, b[0])
		self.slot = 0
		self.respond(true)
		self.timer.Arm(self.config.InitialTimeout)
		self.setState(StateSettingVariables)

	case StateSettingVariables:
		self.stepSetVariable()

	case StateSettingPeriod:
		v, err := self.receiveInt32()
		if err != nil || v == 0 {
			self.respond(false)
			return
		}
		self.period = time.Duration(uint32(v)) * time.Millisecond
		self.respond(true)
		self.timer.Arm(self.period)
		self.setState(StateAwaitingRefresh)

	case StateAwaitingRefresh:
		switch self.receiveCommand() {
		case 0:
		case CmdRefresh:
			self.respond(true)
			if len(self.vars) != 0 {
				self.slot = 0
				self.setState(StateCheckVariables)
			} else {
				self.timer.Arm(self.period)
			}
		case CmdReconfigure:
			self.respond(true)
			self.timer.Arm(self.config.InitialTimeout)
			self.setState(StateAwaitingConfiguration)
		default:
			self.respond(false)
		}

	case StateCheckVariables:
		self.stepCheckVariable()

	case StateResetting:
		if err := self.reset.Reset(); err != nil {
			self.log.Error(errors.Annotate(err, "supervisor reset"))
		}
		self.setState(StateUninitialized)
		self.timer.Arm(self.config.InitialTimeout)

	default:
		self.setState(StateUninitialized)
	}
}

// {min, max} each acknowledged, failed receive keeps slot for retry.
func (self *FSM) stepSetVariable() {
	if self.slot >= len(self.vars) {
		self.setState(StateAwaitingConfiguration)
		return
	}
	lo, err := self.receiveInt32()
	if err != nil {
		self.respond(false)
		return
	}
	self.respond(true)
	hi, err := self.receiveInt32()
	if err != nil {
		self.respond(false)
		return
	}
	self.respond(true)
	self.vars[self.slot] = Variable{Min: lo, Max: hi}
	self.log.Debugf("supervisor variable=%d range=[%d,%d]", self.slot, lo, hi)
	self.slot++
	self.timer.Arm(self.config.InitialTimeout)
	if self.slot >= len(self.vars) {
		self.setState(StateAwaitingConfiguration)
	}
}

// One value per step. Out of range clears progress and waits for next
// Refresh without rearming deadline.
func (self *FSM) stepCheckVariable() {
	if self.slot >= len(self.vars) {
		self.setState(StateAwaitingRefresh)
		return
	}
	v, err := self.receiveInt32()
	vr := &self.vars[self.slot]
	if err != nil || v < vr.Min || v > vr.Max {
		self.log.Infof("supervisor variable=%d value=%d out of range [%d,%d] err=%v", self.slot, v, vr.Min, vr.Max, err)
		self.respond(false)
		self.clearChecked()
		self.setState(StateAwaitingRefresh)
		return
	}
	vr.Checked = true
	self.respond(true)
	self.slot++
	for _, x := range self.vars {
		if !x.Checked {
			return
		}
	}
	self.timer.Arm(self.period)
	self.clearChecked()
	self.setState(StateAwaitingRefresh)
}

func (self *FSM) clearChecked() {
	for i := range self.vars {
		self.vars[i].Checked = false
	}
}

func (self *FSM) receive(b []byte) error {
	return self.bus.Receive(b, self.config.BusTimeout)
}

// receiveCommand returns 0 on silence, no response is due then.
func (self *FSM) receiveCommand() Command {
	var b [1]byte
	if err := self.receive(b[:]); err != nil {
		if !errors.IsTimeout(err) {
			self.log.Debugf("supervisor receive err=%v", err)
		}
		return 0
	}
	return Command(b[0])
}

func (self *FSM) receiveInt32() (int32, error) {
	var b [4]byte
	if err := self.receive(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (self *FSM) respond(ack bool) {
	b := []byte{respNack}
	if ack {
		b[0] = respAck
	}
	err := retry.Call(retry.CallArgs{
		Func:     func() error { return self.bus.Transmit(b, self.config.BusTimeout) },
		Attempts: self.config.ResponseRetries,
		Delay:    time.Millisecond,
		Clock:    self.clock,
	})
	if err != nil {
		self.log.Errorf("supervisor respond ack=%t err=%v", ack, retry.LastError(err))
	}
}
