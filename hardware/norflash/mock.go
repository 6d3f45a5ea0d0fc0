package norflash

import (
	"sync"

	"github.com/juju/errors"
)

// Mem is in-memory NOR: erase sets 0xff, program only clears bits.
type Mem struct {
	mu   sync.Mutex
	data []byte
	busy int

	// Busy polls reported after each program or erase.
	BusyPolls int
	// Fail returns error for operation "read", "program" or "erase".
	Fail func(op string, offset uint32) error
}

var _ Flash = &Mem{}

func NewMem(size uint32) *Mem {
	m := &Mem{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xff
	}
	return m
}

func (self *Mem) Size() uint32 { return uint32(len(self.data)) }

func (self *Mem) fail(op string, offset uint32) error {
	if self.Fail != nil {
		return self.Fail(op, offset)
	}
	return nil
}

func (self *Mem) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(self, off, len(p)); err != nil {
		return 0, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.fail("read", uint32(off)); err != nil {
		return 0, err
	}
	return copy(p, self.data[off:]), nil
}

func (self *Mem) Program(offset uint32, b []byte) error {
	if err := checkPage(self, offset, b); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.busy > 0 {
		return errors.Errorf("norflash mem program while busy")
	}
	if err := self.fail("program", offset); err != nil {
		return err
	}
	for i, x := range b {
		self.data[int(offset)+i] &= x
	}
	self.busy = self.BusyPolls
	return nil
}

func (self *Mem) EraseAll() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.fail("erase", 0); err != nil {
		return err
	}
	for i := range self.data {
		self.data[i] = 0xff
	}
	self.busy = self.BusyPolls
	return nil
}

func (self *Mem) IsBusy() (bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.busy > 0 {
		self.busy--
		return true, nil
	}
	return false, nil
}

// Bytes returns copy of whole content.
func (self *Mem) Bytes() []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]byte(nil), self.data...)
}
