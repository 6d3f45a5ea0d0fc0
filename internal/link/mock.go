package link

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// Mock is in-memory link for tests: Receive pops pushed frames,
// empty queue is immediate timeout.
type Mock struct {
	mu       sync.Mutex
	id       byte
	incoming []result
	sent     []Frame
	armed    bool
	aborts   int

	// OnSend is called after each Send, outside of lock.
	OnSend func(m *Mock, f Frame)
}

func NewMock(id byte) *Mock { return &Mock{id: id} }

func (self *Mock) Push(f Frame) {
	self.mu.Lock()
	self.incoming = append(self.incoming, result{f: f})
	self.mu.Unlock()
}

func (self *Mock) PushError(err error) {
	self.mu.Lock()
	self.incoming = append(self.incoming, result{e: err})
	self.mu.Unlock()
}

func (self *Mock) Receive(timeout time.Duration) (Frame, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.incoming) == 0 {
		return Frame{}, errors.Timeoutf("link mock receive timeout=%s", timeout)
	}
	r := self.incoming[0]
	self.incoming = self.incoming[1:]
	return r.f, r.e
}

func (self *Mock) Send(f Frame) error {
	if _, err := f.Encode(); err != nil {
		return err
	}
	self.mu.Lock()
	self.sent = append(self.sent, f)
	onSend := self.OnSend
	self.mu.Unlock()
	if onSend != nil {
		onSend(self, f)
	}
	return nil
}

func (self *Mock) Respond(ack bool) error {
	t := Nack
	if ack {
		t = Ack
	}
	return self.Send(Frame{Src: self.id, Dst: HostID, Type: t})
}

func (self *Mock) ArmReceive() {
	self.mu.Lock()
	self.armed = true
	self.mu.Unlock()
}

func (self *Mock) AbortReceive() {
	self.mu.Lock()
	self.armed = false
	self.aborts++
	self.mu.Unlock()
}

func (self *Mock) Armed() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.armed
}

func (self *Mock) Aborts() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.aborts
}

func (self *Mock) Sent() []Frame {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Frame(nil), self.sent...)
}

func (self *Mock) SentTypes() []Type {
	self.mu.Lock()
	defer self.mu.Unlock()
	ts := make([]Type, len(self.sent))
	for i, f := range self.sent {
		ts[i] = f.Type
	}
	return ts
}

func (self *Mock) Pending() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.incoming)
}
