// Package update owns BoardStatus: boot validation, firmware update
// received over link, rollback from backup.
package update

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/fvc/crc"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/internal/backup"
	"github.com/temoto/fvc/internal/link"
	"github.com/temoto/fvc/internal/store"
	"github.com/temoto/fvc/log2"
)

const (
	Chunk                = bootloader.MaxTransfer
	Fill            byte = 0xff
	DefaultPacketTimeout = 5 * time.Second
	DefaultPacketRetries = 3
	DefaultChunkRetries  = 8
	DefaultReadRetries   = 3
)

type Bootloader interface {
	Enter() error
	HoldReset() error
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	Erase(count, begin uint16) error
	Jump(addr uint32) error
}

type Link interface {
	AbortReceive()
	ArmReceive()
	Receive(timeout time.Duration) (link.Frame, error)
	Send(f link.Frame) error
	Respond(ack bool) error
}

type Backup interface {
	Create() error
	Validate(compareWithCurrent bool) error
	Record() (backup.Record, error)
	ReadAt(p []byte, off int64) (int, error)
}

type Config struct {
	BoardID       byte
	AppAddr       uint32
	FlashSize     uint32
	HMACKey       []byte
	PacketTimeout time.Duration
	PacketRetries int
	ChunkRetries  int
	ReadRetries   int
}

type Controller struct {
	boot   Bootloader
	link   Link
	backup Backup // nil when disabled
	store  store.Store
	clock  clock.Clock
	config Config
	log    *log2.Log

	mu       sync.Mutex
	status   Status
	onStatus func(Status)
	active   uint32
}

func New(boot Bootloader, l Link, b Backup, st store.Store, clk clock.Clock, config Config, log *log2.Log) *Controller {
	if config.AppAddr == 0 {
		config.AppAddr = bootloader.DefaultBase
	}
	if config.PacketTimeout == 0 {
		config.PacketTimeout = DefaultPacketTimeout
	}
	config.PacketRetries = helpers.IntDefault(config.PacketRetries, DefaultPacketRetries)
	config.ChunkRetries = helpers.IntDefault(config.ChunkRetries, DefaultChunkRetries)
	config.ReadRetries = helpers.IntDefault(config.ReadRetries, DefaultReadRetries)
	if clk == nil {
		clk = clock.WallClock
	}
	return &Controller{
		boot:   boot,
		link:   l,
		backup: b,
		store:  st,
		clock:  clk,
		config: config,
		log:    log,
		status: StatusWaitingForNewProgram,
	}
}

func (self *Controller) Status() Status {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.status
}

// SetStatusFunc is called on every status change.
func (self *Controller) SetStatusFunc(f func(Status)) {
	self.mu.Lock()
	self.onStatus = f
	self.mu.Unlock()
}

func (self *Controller) setStatus(s Status) {
	self.mu.Lock()
	old := self.status
	self.status = s
	f := self.onStatus
	self.mu.Unlock()
	if old != s {
		self.log.Infof("board status %s -> %s", old, s)
		if f != nil {
			f(s)
		}
	}
}


// ValidateBoot checks installed image against persisted record and starts it.
func (self *Controller) ValidateBoot() error {
	if err := self.boot.Enter(); err != nil {
		self.setStatus(StatusBootloaderError)
		if rerr := self.boot.HoldReset(); rerr != nil {
			self.log.Error(errors.Annotate(rerr, "validate boot"))
		}
		return errors.Annotate(err, "validate boot")
	}
	length, sum, err := store.Pair(self.store, store.FirmwareLength, store.FirmwareCRC)
	if err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "validate boot")
	}
	if length == 0 || (self.config.FlashSize != 0 && length > self.config.FlashSize) {
		self.setStatus(StatusProgramInvalid)
		return errors.QuotaLimitExceededf("validate boot firmware length=%d flash size=%d", length, self.config.FlashSize)
	}
	actual, err := self.checksum(length)
	if err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "validate boot")
	}
	if actual != sum {
		self.setStatus(StatusProgramInvalid)
		return errors.NotValidf("validate boot crc=%08x expected=%08x", actual, sum)
	}
	if err = self.boot.Jump(self.config.AppAddr); err != nil {
		self.setStatus(StatusExecutionError)
		return errors.Annotate(err, "validate boot jump")
	}
	self.setStatus(StatusOk)
	return nil
}

// checksum reads installed image by windows, folding CRC over unpadded length.
func (self *Controller) checksum(length uint32) (uint32, error) {
	sum := crc.CRC32_INIT
	var buf [Chunk]byte
	for off := uint32(0); off < length; off += Chunk {
		n := length - off
		if n > Chunk {
			n = Chunk
		}
		addr := self.config.AppAddr + off
		var err error
		for i := 0; i < self.config.ReadRetries; i++ {
			if i > 0 {
				if err = self.boot.Enter(); err != nil {
					continue
				}
			}
			if err = self.boot.Read(addr, buf[:n]); err == nil {
				break
			}
			self.log.Debugf("validate read addr=%08x attempt=%d err=%v", addr, i+1, err)
		}
		if err != nil {
			return 0, errors.Annotatef(err, "read addr=%08x", addr)
		}
		sum = crc.CRC32(sum, buf[:n])
	}
	return sum, nil
}

type session struct {
	req      link.UpdateRequestPayload
	image    FirmwareImage
	mac      hash.Hash
	packet   uint32
	failures int
}

// HandleUpdateRequest runs whole update session synchronously.
// Link async receive is suspended for the duration.
func (self *Controller) HandleUpdateRequest(req link.UpdateRequestPayload) error {
	if !atomic.CompareAndSwapUint32(&self.active, 0, 1) {
		return errors.BadRequestf("update session already active")
	}
	defer atomic.StoreUint32(&self.active, 0)
	self.link.AbortReceive()
	defer self.link.ArmReceive()

	self.log.Infof("update request firmware=%d packets=%d", req.FirmwareID, req.PacketCount)
	maxPackets := (self.config.FlashSize + link.MaxProgramData - 1) / link.MaxProgramData
	if req.PacketCount == 0 || (self.config.FlashSize != 0 && req.PacketCount > maxPackets) {
		self.respond(false)
		return errors.QuotaLimitExceededf("update packets=%d max=%d", req.PacketCount, maxPackets)
	}

	wasOk := self.Status() == StatusOk
	if err := self.boot.Enter(); err != nil {
		self.respond(false)
		return self.fatal(StatusBootloaderError, errors.Annotate(err, "update enter"))
	}
	if wasOk && self.backup != nil {
		if err := self.backup.Validate(true); err != nil {
			self.log.Infof("update backup not valid, creating: %v", err)
			if err = self.backup.Create(); err != nil {
				self.respond(false)
				// installed program is still fine
				if jerr := self.boot.Jump(self.config.AppAddr); jerr != nil {
					self.setStatus(StatusExecutionError)
				}
				return errors.Annotate(err, "update backup")
			}
		}
	}
	if err := self.boot.Erase(bootloader.MassErase, 0); err != nil {
		self.respond(false)
		return self.fatal(StatusBootloaderError, errors.Annotate(err, "update erase"))
	}
	self.setStatus(StatusWaitingForNewProgram)
	self.respond(true)

	s := &session{
		req:   req,
		image: FirmwareImage{Base: self.config.AppAddr, CRC: crc.CRC32_INIT, HMAC: req.HMAC},
		mac:   hmac.New(sha256.New, self.config.HMACKey),
	}
	for s.packet = 0; s.packet < req.PacketCount; {
		data, err := self.receivePacket(s)
		if err != nil {
			s.failures++
			self.log.Errorf("update packet=%d failure=%d err=%v", s.packet, s.failures, err)
			self.respond(false)
			if s.failures >= self.config.PacketRetries {
				return self.fatal(StatusProgramInvalid, errors.Annotatef(err, "update packet=%d", s.packet))
			}
			continue
		}
		if self.config.FlashSize != 0 && s.image.Length+uint32(len(data)) > self.config.FlashSize {
			self.respond(false)
			return self.fatal(StatusProgramInvalid, errors.QuotaLimitExceededf("update image length=%d flash size=%d",
				s.image.Length+uint32(len(data)), self.config.FlashSize))
		}
		if err = self.program(s.image.Base+s.image.Length, data); err != nil {
			self.respond(false)
			return self.fatal(StatusBootloaderError, errors.Annotatef(err, "update packet=%d", s.packet))
		}
		s.image.Length += uint32(len(data))
		s.image.CRC = crc.CRC32(s.image.CRC, data)
		s.mac.Write(data) //nolint:errcheck
		s.failures = 0
		s.packet++
		self.respond(true)
	}

	if sum := s.mac.Sum(nil); !hmac.Equal(sum, req.HMAC[:]) {
		return self.fatal(StatusProgramInvalid, errors.NotValidf("update HMAC mismatch"))
	}
	return self.commit(s)
}

// receivePacket returns payload of next program data frame.
// Only last packet may be shorter than a whole number of chunks.
func (self *Controller) receivePacket(s *session) ([]byte, error) {
	f, err := self.link.Receive(self.config.PacketTimeout)
	if err != nil {
		return nil, err
	}
	if f.Dst != self.config.BoardID || f.Type != link.ProgramData {
		return nil, errors.NotValidf("update unexpected frame %s", f)
	}
	n := len(f.Payload)
	if n == 0 || n > link.MaxProgramData {
		return nil, errors.QuotaLimitExceededf("update packet length=%d", n)
	}
	if s.packet+1 < s.req.PacketCount && n%Chunk != 0 {
		return nil, errors.NotValidf("update packet=%d length=%d not multiple of %d", s.packet, n, Chunk)
	}
	return f.Payload, nil
}

// program writes data padded with 0xff chunk by chunk, verifying each
// by read back. Failed chunk re-enters bootloader and retries.
func (self *Controller) program(addr uint32, data []byte) error {
	var chunk, check [Chunk]byte
	for off := 0; off < len(data); off += Chunk {
		n := copy(chunk[:], data[off:])
		for i := n; i < Chunk; i++ {
			chunk[i] = Fill
		}
		a := addr + uint32(off)
		var err error
		for attempt := 0; attempt < self.config.ChunkRetries; attempt++ {
			if attempt > 0 {
				self.log.Debugf("update chunk addr=%08x attempt=%d err=%v", a, attempt, err)
				if err = self.boot.Enter(); err != nil {
					continue
				}
			}
			if err = self.boot.Write(a, chunk[:]); err != nil {
				continue
			}
			if err = self.boot.Read(a, check[:]); err != nil {
				continue
			}
			if !bytes.Equal(chunk[:], check[:]) {
				err = errors.NotValidf("verify addr=%08x", a)
				continue
			}
			break
		}
		if err != nil {
			return errors.Annotatef(err, "chunk addr=%08x attempts=%d", a, self.config.ChunkRetries)
		}
	}
	return nil
}

func (self *Controller) commit(s *session) error {
	self.log.Infof("update commit firmware=%d %s", s.req.FirmwareID, s.image)
	err := helpers.FoldErrors([]error{
		self.store.Set(store.FirmwareVersion, s.req.FirmwareID),
		self.store.Set(store.FirmwareLength, s.image.Length),
		self.store.Set(store.FirmwareCRC, s.image.CRC),
	})
	if err != nil {
		return self.fatal(StatusProgramInvalid, errors.Annotate(err, "update commit"))
	}
	if err = self.boot.Jump(s.image.Base); err != nil {
		self.setStatus(StatusExecutionError)
		self.finished(link.UpdateFailed)
		return errors.Annotate(err, "update jump")
	}
	self.setStatus(StatusOk)
	self.finished(link.UpdateOk)
	return nil
}

// fatal aborts update session and rolls back to backup.
func (self *Controller) fatal(status Status, err error) error {
	self.log.Errorf("update failed status=%s err=%v", status, err)
	self.setStatus(status)
	if rerr := self.Restore(); rerr != nil {
		self.log.Errorf("restore err=%v", rerr)
		self.finished(link.UpdateFailed)
		return errors.Annotatef(err, "restore failed (%v)", rerr)
	}
	self.finished(link.UpdateRestored)
	return err
}

// Restore writes backup image into companion, trusting backup CRC.
func (self *Controller) Restore() error {
	if self.backup == nil {
		return errors.NotSupportedf("restore without backup")
	}
	if err := self.backup.Validate(false); err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "restore")
	}
	rec, err := self.backup.Record()
	if err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "restore")
	}
	self.log.Infof("restore backup %s", rec)
	if err = self.boot.Enter(); err != nil {
		self.setStatus(StatusBootloaderError)
		return errors.Annotate(err, "restore enter")
	}
	if err = self.boot.Erase(bootloader.MassErase, 0); err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "restore erase")
	}
	var buf [Chunk]byte
	for off := uint32(0); off < rec.Length; off += Chunk {
		n := rec.Length - off
		if n > Chunk {
			n = Chunk
		}
		if _, err = self.backup.ReadAt(buf[:n], int64(off)); err == nil {
			// tail chunk padded like program packets
			for i := n; i < Chunk; i++ {
				buf[i] = Fill
			}
			err = self.writeChunk(self.config.AppAddr+off, buf[:])
		}
		if err != nil {
			self.setStatus(StatusProgramInvalid)
			return errors.Annotatef(err, "restore offset=%d", off)
		}
	}
	err = helpers.FoldErrors([]error{
		self.store.Set(store.FirmwareLength, rec.Length),
		self.store.Set(store.FirmwareCRC, rec.CRC),
	})
	if err != nil {
		self.setStatus(StatusProgramInvalid)
		return errors.Annotate(err, "restore")
	}
	if err = self.boot.Jump(self.config.AppAddr); err != nil {
		self.setStatus(StatusExecutionError)
		return errors.Annotate(err, "restore jump")
	}
	self.setStatus(StatusOk)
	return nil
}

// writeChunk without read back, re-entering bootloader on failure.
func (self *Controller) writeChunk(addr uint32, b []byte) error {
	var err error
	for attempt := 0; attempt < self.config.ChunkRetries; attempt++ {
		if attempt > 0 {
			if err = self.boot.Enter(); err != nil {
				continue
			}
		}
		if err = self.boot.Write(addr, b); err == nil {
			return nil
		}
	}
	return err
}

func (self *Controller) respond(ack bool) {
	if err := self.link.Respond(ack); err != nil {
		self.log.Error(errors.Annotate(err, "update respond"))
	}
}

func (self *Controller) finished(outcome byte) {
	f := link.Frame{Src: self.config.BoardID, Dst: link.HostID, Type: link.UpdateFinished, Payload: []byte{outcome}}
	if err := self.link.Send(f); err != nil {
		self.log.Error(errors.Annotate(err, "update finished"))
	}
}
