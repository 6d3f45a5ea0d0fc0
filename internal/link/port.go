package link

import (
	"bufio"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

// Handler receives frames while async receive is armed.
// err is set when bytes on wire did not form valid frame.
type Handler func(f Frame, err error)

// FrameTimeout bounds pause between bytes of one frame,
// after that partial frame is dropped.
const FrameTimeout = 500 * time.Millisecond

type result struct {
	f Frame
	e error
}

// Port owns UART reader goroutine. Frames go to async handler when armed,
// otherwise to synchronous Receive.
type Port struct {
	u       Uarter
	r       *bufio.Reader
	id      byte
	log     *log2.Log
	clock   clock.Clock
	alive   *alive.Alive
	wmu     sync.Mutex
	armed   uint32
	handler Handler
	syncCh  chan result
}

func NewPort(u Uarter, id byte, clk clock.Clock, log *log2.Log) *Port {
	if clk == nil {
		clk = clock.WallClock
	}
	self := &Port{
		u:      u,
		r:      bufio.NewReaderSize(u, 4096),
		id:     id,
		log:    log,
		clock:  clk,
		alive:  alive.NewAlive(),
		syncCh: make(chan result, 4),
	}
	self.alive.Add(1)
	go self.readLoop()
	return self
}

func (self *Port) Close() error {
	self.alive.Stop()
	err := self.u.Close()
	self.alive.Wait()
	return err
}

// Alive stops reader loop, pending Receive returns error.
func (self *Port) Alive() *alive.Alive { return self.alive }

// SetHandler must be called before ArmReceive.
func (self *Port) SetHandler(h Handler) { self.handler = h }

func (self *Port) ArmReceive() { atomic.StoreUint32(&self.armed, 1) }

// AbortReceive stops async delivery and drops stale frames.
func (self *Port) AbortReceive() {
	atomic.StoreUint32(&self.armed, 0)
	for {
		select {
		case <-self.syncCh:
		default:
			return
		}
	}
}

func (self *Port) Receive(timeout time.Duration) (Frame, error) {
	select {
	case r := <-self.syncCh:
		return r.f, r.e
	case <-self.clock.After(timeout):
		return Frame{}, errors.Timeoutf("link receive timeout=%s", timeout)
	case <-self.alive.StopChan():
		return Frame{}, errors.Errorf("link closed")
	}
}

func (self *Port) Send(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	self.wmu.Lock()
	defer self.wmu.Unlock()
	self.log.Debugf("link send %s", f)
	return errors.Annotate(helpers.WriteAll(self.u, b), "link send")
}

func (self *Port) Respond(ack bool) error {
	t := Nack
	if ack {
		t = Ack
	}
	return self.Send(Frame{Src: self.id, Dst: HostID, Type: t})
}

func (self *Port) readLoop() {
	defer self.alive.Done()
	for self.alive.IsRunning() {
		if _, err := self.r.Peek(1); err != nil {
			if !errors.IsTimeout(err) && self.alive.IsRunning() {
				self.log.Errorf("link read err=%v", err)
				<-self.clock.After(100 * time.Millisecond)
			}
			continue
		}
		f, err := ReadFrame(&frameReader{port: self, deadline: self.clock.Now().Add(FrameTimeout)})
		if err != nil {
			self.r.Discard(self.r.Buffered()) //nolint:errcheck
			self.log.Debugf("link bad frame err=%v", err)
		} else {
			self.log.Debugf("link recv %s", f)
		}
		self.deliver(result{f: f, e: err})
	}
}

func (self *Port) deliver(r result) {
	if atomic.LoadUint32(&self.armed) == 1 && self.handler != nil {
		self.handler(r.f, r.e)
		return
	}
	select {
	case self.syncCh <- r:
	default:
		self.log.Errorf("link receive queue full, dropped %s", r.f)
	}
}

// frameReader rides over UART poll timeouts inside one frame.
type frameReader struct {
	port     *Port
	deadline time.Time
}

func (self *frameReader) Read(p []byte) (int, error) {
	for {
		n, err := self.port.r.Read(p)
		if n > 0 || err == nil || !errors.IsTimeout(err) {
			return n, err
		}
		if !self.port.alive.IsRunning() || !self.port.clock.Now().Before(self.deadline) {
			return 0, errors.Annotatef(err, "link frame deadline=%s", FrameTimeout)
		}
	}
}
