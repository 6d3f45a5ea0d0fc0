// Package spibus is the single transport shared by bootloader client and
// supervisor, plus reset and boot-select lines of the companion.
package spibus

import (
	"sync"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

type Bus interface {
	Transmit(b []byte, timeout time.Duration) error
	Receive(b []byte, timeout time.Duration) error
}

type Pins interface {
	SetReset(high bool) error
	SetBootSelect(high bool) error
}

type BusPins interface {
	Bus
	Pins
}

// Port is SPI master to companion. Receive clocks out zeros,
// optionally waits for companion ready line first.
type Port struct {
	hw  hardware
	log *log2.Log
	mu  sync.Mutex
	buf [256 + 16]byte
}

var _ BusPins = &Port{}

func Open(c *Config, log *log2.Log) (*Port, error) {
	self := &Port{log: log}
	if err := self.hw.open(c); err != nil {
		_ = self.hw.Close()
		return nil, errors.Annotate(err, "spibus open")
	}
	return self, nil
}

func (self *Port) Close() error { return self.hw.Close() }

func (self *Port) Transmit(b []byte, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.log.Debugf("spi tx=%s", helpers.HexSpaced(b))
	for len(b) > 0 {
		n := copy(self.buf[:], b)
		if err := self.hw.spiTx(b[:n], self.buf[:n]); err != nil {
			return errors.Annotate(err, "spi transmit")
		}
		b = b[n:]
	}
	return nil
}

func (self *Port) Receive(b []byte, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.waitReady(timeout); err != nil {
		return err
	}
	for off := 0; off < len(b); {
		n := len(b) - off
		if n > len(self.buf) {
			n = len(self.buf)
		}
		zero := self.buf[:n]
		for i := range zero {
			zero[i] = 0
		}
		if err := self.hw.spiTx(zero, b[off:off+n]); err != nil {
			return errors.Annotate(err, "spi receive")
		}
		off += n
	}
	self.log.Debugf("spi rx=%s", helpers.HexSpaced(b))
	return nil
}

func (self *Port) waitReady(timeout time.Duration) error {
	if self.hw.ready == nil {
		return nil
	}
	if v, err := self.hw.ready.Read(); err == nil && v != 0 {
		return nil
	}
	_, err := self.hw.ready.Wait(timeout)
	if gpio.IsTimeout(err) {
		return errors.Timeoutf("spi ready line timeout=%s", timeout)
	}
	return errors.Annotate(err, "spi ready line")
}

func (self *Port) SetReset(high bool) error {
	return self.setLine(self.hw.reset, high)
}

func (self *Port) SetBootSelect(high bool) error {
	return self.setLine(self.hw.boot, high)
}

func (self *Port) setLine(f gpio.LineSetFunc, high bool) error {
	var v byte
	if high {
		v = 1
	}
	f(v)
	return errors.Annotate(self.hw.lines.Flush(), "gpio flush")
}
