package supervisor

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// ClockTimer calls f once per Arm after d, unless rearmed before.
type ClockTimer struct {
	clock clock.Clock
	f     func()

	mu    sync.Mutex
	gen   uint64
	timer clock.Timer
}

func NewClockTimer(clk clock.Clock, f func()) *ClockTimer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ClockTimer{clock: clk, f: f}
}

func (self *ClockTimer) Arm(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.timer != nil {
		self.timer.Stop()
	}
	self.gen++
	gen := self.gen
	self.timer = self.clock.AfterFunc(d, func() {
		self.mu.Lock()
		current := gen == self.gen
		self.mu.Unlock()
		if current {
			self.f()
		}
	})
}

func (self *ClockTimer) Stop() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.gen++
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
