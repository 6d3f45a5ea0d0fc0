// Package norflash is external SPI NOR flash holding backup image.
package norflash

import (
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

const PageSize = 256

type Flash interface {
	io.ReaderAt
	// Program writes at most one page, must not cross page boundary.
	Program(offset uint32, b []byte) error
	EraseAll() error
	IsBusy() (bool, error)
	Size() uint32
}

// WaitReady polls IsBusy every delay until ready or timeout.
func WaitReady(f Flash, clk clock.Clock, delay, timeout time.Duration) error {
	deadline := clk.Now().Add(timeout)
	for {
		busy, err := f.IsBusy()
		if err != nil {
			return errors.Annotate(err, "norflash status")
		}
		if !busy {
			return nil
		}
		if clk.Now().After(deadline) {
			return errors.Timeoutf("norflash busy timeout=%s", timeout)
		}
		<-clk.After(delay)
	}
}

// ProgramAll splits b into page programs starting at offset,
// waiting while flash is busy after each page.
func ProgramAll(f Flash, clk clock.Clock, offset uint32, b []byte) error {
	for len(b) > 0 {
		n := PageSize - int(offset%PageSize)
		if n > len(b) {
			n = len(b)
		}
		if err := f.Program(offset, b[:n]); err != nil {
			return errors.Annotatef(err, "norflash program offset=%d", offset)
		}
		if err := WaitReady(f, clk, time.Millisecond, time.Second); err != nil {
			return err
		}
		offset += uint32(n)
		b = b[n:]
	}
	return nil
}

func checkRange(f Flash, offset int64, n int) error {
	if offset < 0 || offset+int64(n) > int64(f.Size()) {
		return errors.NotValidf("norflash range offset=%d length=%d size=%d", offset, n, f.Size())
	}
	return nil
}

func checkPage(f Flash, offset uint32, b []byte) error {
	if len(b) == 0 || len(b) > PageSize || int(offset%PageSize)+len(b) > PageSize {
		return errors.QuotaLimitExceededf("norflash page program offset=%d length=%d", offset, len(b))
	}
	return checkRange(f, int64(offset), len(b))
}
