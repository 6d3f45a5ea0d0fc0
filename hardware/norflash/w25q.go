package norflash

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/log2"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

const (
	cmdWriteEnable = 0x06
	cmdReadStatus1 = 0x05
	cmdPageProgram = 0x02
	cmdRead        = 0x03
	cmdChipErase   = 0xc7
	cmdJedecID     = 0x9f

	statusBusy = 0x01

	maxReadChunk = 4096
	DefaultSpeed = 10 * physic.MegaHertz
)

type Config struct {
	SpiBus   string
	SpiMode  int
	SpiSpeed string
	Size     uint32
}

// W25Q is Winbond style 24-bit address SPI NOR.
type W25Q struct {
	mu   sync.Mutex
	tx   spibus.SpiTxFunc
	port spi.PortCloser
	size uint32
	log  *log2.Log
	buf  [4 + maxReadChunk]byte
}

var _ Flash = &W25Q{}

func Open(c *Config, log *log2.Log) (*W25Q, error) {
	port, tx, err := spibus.OpenSPI(c.SpiBus, c.SpiMode, c.SpiSpeed, DefaultSpeed)
	if err != nil {
		return nil, errors.Annotate(err, "norflash open")
	}
	f := NewW25Q(tx, c.Size, log)
	f.port = port
	id, err := f.JedecID()
	if err != nil {
		_ = port.Close()
		return nil, errors.Annotate(err, "norflash open")
	}
	log.Debugf("norflash jedec id=%06x size=%d", id, c.Size)
	return f, nil
}

func NewW25Q(tx spibus.SpiTxFunc, size uint32, log *log2.Log) *W25Q {
	if size == 0 || size > 1<<24 {
		size = 1 << 24
	}
	return &W25Q{tx: tx, size: size, log: log}
}

func (self *W25Q) Close() error {
	if self.port == nil {
		return nil
	}
	return self.port.Close()
}

func (self *W25Q) Size() uint32 { return self.size }

func (self *W25Q) JedecID() (uint32, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	b := self.buf[:4]
	b[0], b[1], b[2], b[3] = cmdJedecID, 0, 0, 0
	if err := self.tx(b, b); err != nil {
		return 0, errors.Annotate(err, "norflash jedec id")
	}
	id := uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if id == 0 || id == 0xffffff {
		return id, errors.NotFoundf("norflash chip, jedec id=%06x", id)
	}
	return id, nil
}

func (self *W25Q) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(self, off, len(p)); err != nil {
		return 0, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	done := 0
	for done < len(p) {
		n := len(p) - done
		if n > maxReadChunk {
			n = maxReadChunk
		}
		b := self.buf[:4+n]
		setCmdAddr(b, cmdRead, uint32(off)+uint32(done))
		for i := 4; i < len(b); i++ {
			b[i] = 0
		}
		if err := self.tx(b, b); err != nil {
			return done, errors.Annotatef(err, "norflash read offset=%d", off)
		}
		copy(p[done:], b[4:])
		done += n
	}
	return done, nil
}

func (self *W25Q) Program(offset uint32, data []byte) error {
	if err := checkPage(self, offset, data); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.writeEnable(); err != nil {
		return err
	}
	b := self.buf[:4+len(data)]
	setCmdAddr(b, cmdPageProgram, offset)
	copy(b[4:], data)
	return errors.Annotatef(self.tx(b, b), "norflash program offset=%d", offset)
}

func (self *W25Q) EraseAll() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.writeEnable(); err != nil {
		return err
	}
	b := self.buf[:1]
	b[0] = cmdChipErase
	self.log.Debugf("norflash chip erase")
	return errors.Annotate(self.tx(b, b), "norflash chip erase")
}

func (self *W25Q) IsBusy() (bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	b := self.buf[:2]
	b[0], b[1] = cmdReadStatus1, 0
	if err := self.tx(b, b); err != nil {
		return false, errors.Annotate(err, "norflash status")
	}
	return b[1]&statusBusy != 0, nil
}

func (self *W25Q) writeEnable() error {
	b := self.buf[:1]
	b[0] = cmdWriteEnable
	return errors.Annotate(self.tx(b, b), "norflash write enable")
}

func setCmdAddr(b []byte, cmd byte, addr uint32) {
	b[0] = cmd
	b[1] = byte(addr >> 16)
	b[2] = byte(addr >> 8)
	b[3] = byte(addr)
}
