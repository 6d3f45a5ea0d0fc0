package state

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/hardware/norflash"
	"github.com/temoto/fvc/log2"
)

// IdleUart never delivers bytes, reads time out until closed.
type IdleUart struct{ stop chan struct{} }

func NewIdleUart() *IdleUart { return &IdleUart{stop: make(chan struct{})} }

func (self *IdleUart) Read(p []byte) (int, error) {
	select {
	case <-self.stop:
		return 0, errors.New("uart closed")
	case <-time.After(5 * time.Millisecond):
		return 0, errors.Timeoutf("uart read")
	}
}
func (self *IdleUart) Write(p []byte) (int, error) { return len(p), nil }
func (self *IdleUart) Close() error {
	select {
	case <-self.stop:
	default:
		close(self.stop)
	}
	return nil
}

// NewTestContext wires Global over simulated companion and memory flash.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global, *bootloader.Device) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	dev := bootloader.NewDevice(32 * 1024)
	g.Hardware.Bus = dev
	g.Hardware.Flash = norflash.NewMem(64 * 1024)
	g.Hardware.Uart = NewIdleUart()
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	t.Cleanup(func() {
		if err := g.Close(); err != nil {
			t.Error(err)
		}
	})
	return ctx, g, dev
}
