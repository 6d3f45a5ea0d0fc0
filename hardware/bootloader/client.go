// Package bootloader drives companion's ROM serial bootloader over SPI.
// Every operation is fail-fast: missing ACK aborts with error,
// retry policy belongs to caller.
package bootloader

import (
	"encoding/binary"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

const (
	DefaultAckRetries   = 100
	DefaultPollDelay    = 1 * time.Millisecond
	DefaultSyncAttempts = 5
	DefaultSyncDelay    = 10 * time.Millisecond
	DefaultResetDelay   = 50 * time.Millisecond
	DefaultReleaseDelay = 25 * time.Millisecond
	DefaultBusTimeout   = 100 * time.Millisecond
)

// Zero values mean defaults, negative delay means none.
type Config struct {
	AckRetries   int
	PollDelay    time.Duration
	SyncAttempts int
	SyncDelay    time.Duration
	ResetDelay   time.Duration
	ReleaseDelay time.Duration
	BusTimeout   time.Duration
}

func (c *Config) setDefaults() {
	c.AckRetries = helpers.IntDefault(c.AckRetries, DefaultAckRetries)
	c.SyncAttempts = helpers.IntDefault(c.SyncAttempts, DefaultSyncAttempts)
	if c.PollDelay < 0 {
		c.PollDelay = 0
	} else if c.PollDelay == 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.SyncDelay <= 0 {
		c.SyncDelay = DefaultSyncDelay
	}
	if c.ResetDelay == 0 {
		c.ResetDelay = DefaultResetDelay
	}
	if c.ReleaseDelay == 0 {
		c.ReleaseDelay = DefaultReleaseDelay
	}
	if c.BusTimeout == 0 {
		c.BusTimeout = DefaultBusTimeout
	}
}

type Client struct {
	bus    spibus.Bus
	pins   spibus.Pins
	clock  clock.Clock
	config Config
	log    *log2.Log

	version   byte
	supported []Command
}

func NewClient(bus spibus.Bus, pins spibus.Pins, clk clock.Clock, config Config, log *log2.Log) *Client {
	config.setDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	return &Client{
		bus:    bus,
		pins:   pins,
		clock:  clk,
		config: config,
		log:    log,
	}
}

func (self *Client) Version() byte { return self.version }

func (self *Client) Supported() []Command { return append([]Command(nil), self.supported...) }

func (self *Client) Supports(c Command) bool {
	for _, x := range self.supported {
		if x == c {
			return true
		}
	}
	return false
}

func (self *Client) sleep(d time.Duration) {
	if d > 0 {
		<-self.clock.After(d)
	}
}

// Enter restarts companion into bootloader and learns its capabilities.
func (self *Client) Enter() error {
	if err := self.Synchronize(); err != nil {
		return errors.Annotate(err, "bootloader enter")
	}
	if err := self.GetCapabilities(); err != nil {
		return errors.Annotate(err, "bootloader enter")
	}
	return nil
}

// Hold companion in reset, e.g. when no valid program to run.
func (self *Client) HoldReset() error {
	return errors.Annotate(self.pins.SetReset(false), "bootloader hold reset")
}

// Reset restarts companion into its application.
func (self *Client) Reset() error {
	if err := self.pins.SetBootSelect(false); err != nil {
		return errors.Annotate(err, "bootloader reset")
	}
	if err := self.pins.SetReset(false); err != nil {
		return errors.Annotate(err, "bootloader reset")
	}
	self.sleep(self.config.ResetDelay)
	return errors.Annotate(self.pins.SetReset(true), "bootloader reset")
}

func (self *Client) Synchronize() error {
	if err := self.resetIntoBootloader(); err != nil {
		return errors.Annotate(err, "bootloader synchronize")
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := self.bus.Transmit([]byte{Sync}, self.config.BusTimeout); err != nil {
				return err
			}
			return self.AwaitResponse()
		},
		NotifyFunc: func(err error, attempt int) {
			self.log.Debugf("bootloader sync attempt=%d err=%v", attempt, err)
		},
		Attempts: self.config.SyncAttempts,
		Delay:    self.config.SyncDelay,
		Clock:    self.clock,
	})
	self.sleep(self.config.ReleaseDelay)
	if perr := self.pins.SetBootSelect(false); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return errors.Annotatef(err, "bootloader synchronize attempts=%d", self.config.SyncAttempts)
	}
	self.log.Debugf("bootloader synchronized")
	return nil
}

func (self *Client) resetIntoBootloader() error {
	if err := self.pins.SetBootSelect(true); err != nil {
		return err
	}
	if err := self.pins.SetReset(false); err != nil {
		return err
	}
	self.sleep(self.config.ResetDelay)
	if err := self.pins.SetReset(true); err != nil {
		return err
	}
	self.sleep(self.config.ResetDelay)
	return nil
}

// AwaitResponse polls for ACK or NACK and echoes it back.
// Other bytes and bus errors keep polling until retries run out.
func (self *Client) AwaitResponse() error {
	var b [1]byte
	for i := 0; i < self.config.AckRetries; i++ {
		self.sleep(self.config.PollDelay)
		b[0] = 0
		if err := self.bus.Receive(b[:], self.config.BusTimeout); err != nil {
			self.log.Debugf("bootloader poll err=%v", err)
			continue
		}
		switch b[0] {
		case Ack:
			return errors.Annotate(self.bus.Transmit(b[:], self.config.BusTimeout), "bootloader ack echo")
		case Nack:
			if err := self.bus.Transmit(b[:], self.config.BusTimeout); err != nil {
				return errors.Annotate(err, "bootloader nack echo")
			}
			return errors.NotValidf("bootloader NACK")
		}
	}
	return errors.Timeoutf("bootloader response retries=%d", self.config.AckRetries)
}

// SendCommand refuses anything but GET unless companion reported support.
func (self *Client) SendCommand(c Command) error {
	if c != CmdGet && !self.Supports(c) {
		return errors.NotSupportedf("bootloader command %s", c)
	}
	f := commandFrame(c)
	return errors.Annotatef(self.bus.Transmit(f[:], self.config.BusTimeout), "bootloader send %s", c)
}

func (self *Client) command(c Command) error {
	if err := self.SendCommand(c); err != nil {
		return err
	}
	return errors.Annotatef(self.AwaitResponse(), "bootloader %s", c)
}

func (self *Client) transmitAwait(b []byte, tag string) error {
	if err := self.bus.Transmit(b, self.config.BusTimeout); err != nil {
		return errors.Annotate(err, tag)
	}
	return errors.Annotate(self.AwaitResponse(), tag)
}

// waits for data marker up to 3 reads
func (self *Client) awaitMarker() error {
	var b [1]byte
	for i := 0; i < 3; i++ {
		if err := self.bus.Receive(b[:], self.config.BusTimeout); err != nil {
			return errors.Annotate(err, "bootloader data marker")
		}
		if b[0] == Marker {
			return nil
		}
	}
	return errors.NotValidf("bootloader data marker absent, last=%02x", b[0])
}

// marker, n, n+1 bytes, ACK
func (self *Client) receiveList(c Command) ([]byte, error) {
	if err := self.command(c); err != nil {
		return nil, err
	}
	if err := self.awaitMarker(); err != nil {
		return nil, errors.Annotatef(err, "bootloader %s", c)
	}
	var n [1]byte
	if err := self.bus.Receive(n[:], self.config.BusTimeout); err != nil {
		return nil, errors.Annotatef(err, "bootloader %s length", c)
	}
	list := make([]byte, int(n[0])+1)
	if err := self.bus.Receive(list, self.config.BusTimeout); err != nil {
		return nil, errors.Annotatef(err, "bootloader %s data", c)
	}
	if err := self.AwaitResponse(); err != nil {
		return nil, errors.Annotatef(err, "bootloader %s end", c)
	}
	return list, nil
}

func (self *Client) GetCapabilities() error {
	list, err := self.receiveList(CmdGet)
	if err != nil {
		return err
	}
	self.version = list[0]
	self.supported = self.supported[:0]
	for _, x := range list[1:] {
		self.supported = append(self.supported, Command(x))
	}
	self.log.Debugf("bootloader version=%02x commands=%s", self.version, helpers.HexSpaced(list[1:]))
	return nil
}

func (self *Client) GetID() (uint16, error) {
	list, err := self.receiveList(CmdGetID)
	if err != nil {
		return 0, err
	}
	if len(list) < 2 {
		return 0, errors.NotValidf("bootloader product id length=%d", len(list))
	}
	return binary.BigEndian.Uint16(list), nil
}

func checkLength(n int) error {
	if n == 0 || n > MaxTransfer {
		return errors.QuotaLimitExceededf("bootloader transfer length=%d max=%d", n, MaxTransfer)
	}
	return nil
}

// Read fills buf (1..256 bytes) from companion memory at addr.
func (self *Client) Read(addr uint32, buf []byte) error {
	if err := checkLength(len(buf)); err != nil {
		return err
	}
	if err := self.command(CmdRead); err != nil {
		return err
	}
	af := addressFrame(addr)
	if err := self.transmitAwait(af[:], "bootloader READ address"); err != nil {
		return err
	}
	n := byte(len(buf) - 1)
	if err := self.transmitAwait([]byte{n, ^n}, "bootloader READ length"); err != nil {
		return err
	}
	// marker must come first, junk byte here means data is shifted
	var m [1]byte
	if err := self.bus.Receive(m[:], self.config.BusTimeout); err != nil {
		return errors.Annotatef(err, "bootloader READ marker addr=%08x", addr)
	}
	if m[0] != Marker {
		return errors.NotValidf("bootloader READ addr=%08x marker=%02x", addr, m[0])
	}
	return errors.Annotatef(self.bus.Receive(buf, self.config.BusTimeout), "bootloader READ addr=%08x", addr)
}

// Write programs data (1..256 bytes) at addr.
func (self *Client) Write(addr uint32, data []byte) error {
	if err := checkLength(len(data)); err != nil {
		return err
	}
	if err := self.command(CmdWrite); err != nil {
		return err
	}
	af := addressFrame(addr)
	if err := self.transmitAwait(af[:], "bootloader WRITE address"); err != nil {
		return err
	}
	var frame [1 + MaxTransfer + 1]byte
	n := byte(len(data) - 1)
	frame[0] = n
	copy(frame[1:], data)
	frame[1+len(data)] = xorSum(n, data)
	return errors.Annotatef(self.transmitAwait(frame[:len(data)+2], "bootloader WRITE data"), "addr=%08x", addr)
}

// Erase count sectors starting at begin, or whole flash with count=MassErase.
// Wire length is count-1, followed by count sector indices.
func (self *Client) Erase(count, begin uint16) error {
	if count == 0 {
		return errors.NotValidf("bootloader ERASE count=0")
	}
	n := count
	if count < specialErase {
		n = count - 1
		if int(begin)+int(count) > 0x10000 {
			return errors.NotValidf("bootloader ERASE begin=%d count=%d", begin, count)
		}
	}
	if err := self.command(CmdErase); err != nil {
		return err
	}
	hdr := []byte{byte(n >> 8), byte(n)}
	if n >= specialErase {
		return self.transmitAwait(append(hdr, ^byte(n)), "bootloader ERASE special")
	}
	if err := self.transmitAwait(append(hdr, xorSum(0, hdr)), "bootloader ERASE length"); err != nil {
		return err
	}
	list := make([]byte, 0, 2*int(count)+1)
	for i := 0; i < int(count); i++ {
		sector := begin + uint16(i)
		list = append(list, byte(sector>>8), byte(sector))
	}
	list = append(list, xorSum(0, list))
	return self.transmitAwait(list, "bootloader ERASE sectors")
}

// Jump starts program at addr. After success companion leaves bootloader.
func (self *Client) Jump(addr uint32) error {
	if err := self.command(CmdGo); err != nil {
		return err
	}
	af := addressFrame(addr)
	return self.transmitAwait(af[:], "bootloader GO address")
}
