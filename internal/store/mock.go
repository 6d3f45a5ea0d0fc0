package store

import (
	"sync"

	"github.com/juju/errors"
)

// Mem is volatile Store for tests.
type Mem struct {
	mu     sync.Mutex
	values slots
	Writes int
	// Fail makes Set return error for given key.
	Fail func(k Key) error
}

var _ Store = &Mem{}

func NewMem() *Mem { return &Mem{values: make(slots)} }

func (self *Mem) Get(k Key) (uint32, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	v, ok := self.values[k]
	if !ok {
		return 0, errors.NotFoundf("store slot %s", k)
	}
	return v, nil
}

func (self *Mem) Set(k Key, v uint32) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Fail != nil {
		if err := self.Fail(k); err != nil {
			return err
		}
	}
	if old, ok := self.values[k]; ok && old == v {
		return nil
	}
	self.values[k] = v
	self.Writes++
	return nil
}

func (self *Mem) Delete(k Key) {
	self.mu.Lock()
	delete(self.values, k)
	self.mu.Unlock()
}
