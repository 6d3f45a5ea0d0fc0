package spibus

// Public API to easy script SPI exchanges in tests.
import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/temoto/fvc/helpers"
)

const (
	OpTransmit = 't'
	OpReceive  = 'r'
)

type MockCall struct {
	Op   byte
	Data []byte
	Err  error
}

// Mock replays expected exchanges in order, fails test on mismatch.
// Pin changes are recorded, not scripted.
type Mock struct {
	t       testing.TB
	mu      sync.Mutex
	expects []MockCall
	index   int
	pins    []string
}

var _ BusPins = &Mock{}

func NewMock(t testing.TB) *Mock {
	return &Mock{t: t, expects: make([]MockCall, 0, 64)}
}

func (self *Mock) ExpectTx(hex string) {
	self.push(MockCall{Op: OpTransmit, Data: helpers.MustHex(hex)})
}
func (self *Mock) ExpectTxError(hex string, err error) {
	self.push(MockCall{Op: OpTransmit, Data: helpers.MustHex(hex), Err: err})
}
func (self *Mock) ExpectRx(hex string) {
	self.push(MockCall{Op: OpReceive, Data: helpers.MustHex(hex)})
}
func (self *Mock) ExpectRxError(err error) {
	self.push(MockCall{Op: OpReceive, Err: err})
}
func (self *Mock) push(c MockCall) {
	self.mu.Lock()
	self.expects = append(self.expects, c)
	self.mu.Unlock()
}

func (self *Mock) next(op byte) (MockCall, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.index >= len(self.expects) {
		msg := fmt.Sprintf("spibus.Mock premature end of expects, op=%c", op)
		self.t.Error(msg)
		return MockCall{}, errors.Timeoutf("%s", msg)
	}
	c := self.expects[self.index]
	self.index++
	if c.Op != op {
		self.t.Errorf("spibus.Mock call #%d expected op=%c actual=%c", self.index, c.Op, op)
	}
	return c, nil
}

func (self *Mock) Transmit(b []byte, timeout time.Duration) error {
	c, err := self.next(OpTransmit)
	if err != nil {
		return err
	}
	assert.Equal(self.t, helpers.HexSpaced(c.Data), helpers.HexSpaced(b), "spibus.Mock transmit #%d", self.index)
	return c.Err
}

func (self *Mock) Receive(b []byte, timeout time.Duration) error {
	c, err := self.next(OpReceive)
	if err != nil {
		return err
	}
	if c.Err != nil {
		return c.Err
	}
	assert.Equal(self.t, len(c.Data), len(b), "spibus.Mock receive #%d length", self.index)
	copy(b, c.Data)
	return nil
}

func (self *Mock) SetReset(high bool) error {
	self.pinEvent("reset", high)
	return nil
}
func (self *Mock) SetBootSelect(high bool) error {
	self.pinEvent("boot", high)
	return nil
}
func (self *Mock) pinEvent(name string, high bool) {
	v := 0
	if high {
		v = 1
	}
	self.mu.Lock()
	self.pins = append(self.pins, fmt.Sprintf("%s=%d", name, v))
	self.mu.Unlock()
}

func (self *Mock) Pins() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.pins...)
}

// ExpectationsWereMet fails test if some scripted calls were not consumed.
func (self *Mock) ExpectationsWereMet() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.index != len(self.expects) {
		self.t.Errorf("spibus.Mock unconsumed expects: %d of %d", len(self.expects)-self.index, len(self.expects))
	}
}
