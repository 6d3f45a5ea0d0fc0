package bootloader

// Device simulates companion ROM bootloader byte by byte,
// to test upper layers without hardware.
import (
	"sync"
	"time"

	"github.com/temoto/fvc/hardware/spibus"
)

const (
	DefaultBase       uint32 = 0x08000000
	DefaultSectorSize        = 2048
)

type Device struct {
	mu sync.Mutex

	Base       uint32
	SectorSize int
	Flash      []byte
	Version    byte
	Commands   []Command
	ProductID  uint16

	// Fault returns true to NACK command. Called with lock held.
	Fault func(c Command, addr uint32) bool
	// Corrupt modifies READ output. Called with lock held.
	Corrupt func(addr uint32, b []byte)
	// Mute ignores this many SYNC bytes before answering.
	Mute int

	Running  bool // application started
	JumpAddr uint32
	Resets   int
	Log      []Command

	// WriteSizes of every accepted WRITE.
	WriteSizes []int

	reset   bool
	boot    bool
	synced  bool
	inBoot  bool
	echoes  int
	in      []byte
	out     []byte
	want    int
	handler func(b []byte)
	addr    uint32
	cmd     Command
}

var _ spibus.BusPins = &Device{}

func NewDevice(flashSize int) *Device {
	d := &Device{
		Base:       DefaultBase,
		SectorSize: DefaultSectorSize,
		Flash:      make([]byte, flashSize),
		Version:    0x11,
		Commands:   []Command{CmdGet, CmdGetVersion, CmdGetID, CmdRead, CmdGo, CmdWrite, CmdErase},
		ProductID:  0x0415,
		reset:      true,
		Running:    true,
	}
	for i := range d.Flash {
		d.Flash[i] = 0xff
	}
	return d
}

// Program places image as if flashed earlier.
func (self *Device) Program(offset int, b []byte) {
	self.mu.Lock()
	copy(self.Flash[offset:], b)
	self.mu.Unlock()
}

func (self *Device) Image(offset, length int) []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]byte(nil), self.Flash[offset:offset+length]...)
}

func (self *Device) SetFault(f func(c Command, addr uint32) bool) {
	self.mu.Lock()
	self.Fault = f
	self.mu.Unlock()
}

func (self *Device) IsRunning() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.Running
}

func (self *Device) SetReset(high bool) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !high && self.reset {
		self.Resets++
		self.Running = false
		self.inBoot = false
	}
	if high && !self.reset {
		self.inBoot = self.boot
		self.Running = !self.boot
		self.synced = false
		self.echoes = 0
		self.in = self.in[:0]
		self.out = self.out[:0]
		self.handler = nil
	}
	self.reset = high
	return nil
}

func (self *Device) SetBootSelect(high bool) error {
	self.mu.Lock()
	self.boot = high
	self.mu.Unlock()
	return nil
}

func (self *Device) Transmit(b []byte, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.inBoot {
		return nil
	}
	for _, x := range b {
		self.input(x)
	}
	return nil
}

// Receive returns 0x00 when device has nothing to say, like idle SPI slave.
func (self *Device) Receive(b []byte, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := copy(b, self.out)
	self.out = self.out[n:]
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
	return nil
}

func (self *Device) input(x byte) {
	if self.echoes > 0 {
		self.echoes--
		return
	}
	if !self.synced {
		if x != Sync {
			return
		}
		if self.Mute > 0 {
			self.Mute--
			return
		}
		self.synced = true
		self.ack()
		self.expect(3, self.onCommand)
		return
	}
	if self.handler == nil {
		return
	}
	self.in = append(self.in, x)
	if len(self.in) < self.want {
		return
	}
	h := self.handler
	chunk := append([]byte(nil), self.in[:self.want]...)
	self.in = self.in[:0]
	self.handler = nil
	h(chunk)
	if self.handler == nil && self.inBoot {
		self.expect(3, self.onCommand)
	}
}

func (self *Device) expect(n int, h func([]byte)) {
	self.want = n
	self.handler = h
}

func (self *Device) ack() {
	self.out = append(self.out, Ack)
	self.echoes++
}

func (self *Device) nack() {
	self.out = append(self.out, Nack)
	self.echoes++
}

func (self *Device) supports(c Command) bool {
	for _, x := range self.Commands {
		if x == c {
			return true
		}
	}
	return false
}

func (self *Device) fault(c Command, addr uint32) bool {
	return self.Fault != nil && self.Fault(c, addr)
}

func (self *Device) onCommand(b []byte) {
	c := Command(b[1])
	if b[0] != Sync || b[2] != ^b[1] || !self.supports(c) || self.fault(c, 0) {
		self.nack()
		return
	}
	self.cmd = c
	self.Log = append(self.Log, c)
	self.ack()
	switch c {
	case CmdGet:
		self.out = append(self.out, Marker, byte(len(self.Commands)), self.Version)
		for _, x := range self.Commands {
			self.out = append(self.out, byte(x))
		}
		self.ack()
	case CmdGetVersion:
		self.out = append(self.out, self.Version)
		self.ack()
	case CmdGetID:
		self.out = append(self.out, Marker, 1, byte(self.ProductID>>8), byte(self.ProductID))
		self.ack()
	case CmdRead, CmdWrite, CmdGo:
		self.expect(5, self.onAddress)
	case CmdErase:
		self.expect(3, self.onEraseLength)
	}
}

// offset of [addr, addr+n) in flash or -1
func (self *Device) offset(addr uint32, n int) int {
	if addr < self.Base {
		return -1
	}
	off := int(addr - self.Base)
	if off+n > len(self.Flash) {
		return -1
	}
	return off
}

func (self *Device) onAddress(b []byte) {
	if xorSum(0, b[:4]) != b[4] {
		self.nack()
		return
	}
	self.addr = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if self.offset(self.addr, 1) < 0 || self.fault(self.cmd, self.addr) {
		self.nack()
		return
	}
	self.ack()
	switch self.cmd {
	case CmdRead:
		self.expect(2, self.onReadLength)
	case CmdWrite:
		self.expect(1, self.onWriteLength)
	case CmdGo:
		self.JumpAddr = self.addr
		self.Running = true
		self.inBoot = false
		self.handler = nil
	}
}

func (self *Device) onReadLength(b []byte) {
	n := int(b[0]) + 1
	off := self.offset(self.addr, n)
	if b[1] != ^b[0] || off < 0 {
		self.nack()
		return
	}
	self.ack()
	data := append([]byte(nil), self.Flash[off:off+n]...)
	if self.Corrupt != nil {
		self.Corrupt(self.addr, data)
	}
	self.out = append(self.out, Marker)
	self.out = append(self.out, data...)
}

func (self *Device) onWriteLength(b []byte) {
	n := int(b[0]) + 1
	self.expect(n+1, func(data []byte) {
		payload := data[:n]
		off := self.offset(self.addr, n)
		if xorSum(b[0], payload) != data[n] || off < 0 {
			self.nack()
			return
		}
		// NOR semantics, programming only clears bits
		for i, x := range payload {
			self.Flash[off+i] &= x
		}
		self.WriteSizes = append(self.WriteSizes, n)
		self.ack()
	})
}

func (self *Device) onEraseLength(b []byte) {
	n := uint16(b[0])<<8 | uint16(b[1])
	if n >= specialErase {
		if b[2] != ^b[1] {
			self.nack()
			return
		}
		for i := range self.Flash {
			self.Flash[i] = 0xff
		}
		self.ack()
		return
	}
	if b[2] != b[0]^b[1] {
		self.nack()
		return
	}
	self.ack()
	count := int(n) + 1
	self.expect(2*count+1, func(list []byte) {
		if xorSum(0, list[:2*count]) != list[2*count] {
			self.nack()
			return
		}
		for i := 0; i < count; i++ {
			sector := int(list[2*i])<<8 | int(list[2*i+1])
			start := sector * self.SectorSize
			if start+self.SectorSize > len(self.Flash) {
				self.nack()
				return
			}
			for j := start; j < start+self.SectorSize; j++ {
				self.Flash[j] = 0xff
			}
		}
		self.ack()
	})
}
