package link

import (
	"io"
	"os"
	"syscall"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Uarter reads with short internal timeout, returning timeout error
// when no byte arrived, so reader loop can check for stop.
type Uarter interface {
	io.ReadWriteCloser
}

type fileUart struct {
	f       *os.File
	fd      int
	timeout time.Duration
}

var bauds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func OpenUart(path string, baud int, readTimeout time.Duration) (Uarter, error) {
	speed, ok := bauds[baud]
	if !ok {
		return nil, errors.NotSupportedf("uart baud=%d", baud)
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open %s", path)
	}
	u := &fileUart{f: f, fd: int(f.Fd()), timeout: readTimeout}
	t := unix.Termios{
		Iflag:  unix.IGNBRK | unix.IGNPAR,
		Cflag:  unix.CS8 | unix.CREAD | unix.CLOCAL | speed,
		Ispeed: speed,
		Ospeed: speed,
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err = unix.IoctlSetTermios(u.fd, unix.TCSETS, &t); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart termios %s", path)
	}
	if err = unix.IoctlSetInt(u.fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart flush %s", path)
	}
	return u, nil
}

func (self *fileUart) Read(p []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(self.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(self.timeout/time.Millisecond))
	if err == unix.EINTR {
		return 0, errors.Timeoutf("uart read interrupted")
	}
	if err != nil {
		return 0, errors.Annotate(err, "uart poll")
	}
	if n == 0 {
		return 0, errors.Timeoutf("uart read")
	}
	return unix.Read(self.fd, p)
}

func (self *fileUart) Write(p []byte) (int, error) { return self.f.Write(p) }

func (self *fileUart) Close() error { return self.f.Close() }
