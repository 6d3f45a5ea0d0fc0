// Package backup keeps last known good companion firmware
// mirrored in external NOR flash, from offset 0.
// Record {length, crc} is persisted only after full mirror pass.
package backup

import (
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/temoto/fvc/crc"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/hardware/norflash"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/internal/store"
	"github.com/temoto/fvc/log2"
)

const (
	Window             = bootloader.MaxTransfer
	DefaultReadRetries = 3
	DefaultBusyTimeout = 60 * time.Second
)

// Bootloader is subset of bootloader.Client used to read current image.
type Bootloader interface {
	Enter() error
	Read(addr uint32, buf []byte) error
}

type Config struct {
	AppAddr     uint32
	ReadRetries int
	BusyTimeout time.Duration
}

type Record struct {
	Length uint32
	CRC    uint32
}

func (r Record) String() string { return fmt.Sprintf("length=%d crc=%08x", r.Length, r.CRC) }

type Store struct {
	flash  norflash.Flash
	boot   Bootloader
	store  store.Store
	clock  clock.Clock
	config Config
	log    *log2.Log
}

func New(flash norflash.Flash, boot Bootloader, st store.Store, clk clock.Clock, config Config, log *log2.Log) *Store {
	config.ReadRetries = helpers.IntDefault(config.ReadRetries, DefaultReadRetries)
	if config.BusyTimeout == 0 {
		config.BusyTimeout = DefaultBusyTimeout
	}
	if config.AppAddr == 0 {
		config.AppAddr = bootloader.DefaultBase
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		flash:  flash,
		boot:   boot,
		store:  st,
		clock:  clk,
		config: config,
		log:    log,
	}
}

// Record returns persisted backup record, errors.NotFound if never created.
func (self *Store) Record() (Record, error) {
	l, c, err := store.Pair(self.store, store.BackupLength, store.BackupCRC)
	return Record{Length: l, CRC: c}, errors.Annotate(err, "backup record")
}

// Current returns persisted record of installed firmware.
func (self *Store) Current() (Record, error) {
	l, c, err := store.Pair(self.store, store.FirmwareLength, store.FirmwareCRC)
	return Record{Length: l, CRC: c}, errors.Annotate(err, "firmware record")
}

func (self *Store) ReadAt(p []byte, off int64) (int, error) {
	return self.flash.ReadAt(p, off)
}

// Create mirrors installed firmware into external flash.
// Companion must be in bootloader, read failure re-enters it.
func (self *Store) Create() error {
	cur, err := self.Current()
	if err != nil {
		return errors.Annotate(err, "backup create")
	}
	if cur.Length == 0 || cur.Length > self.flash.Size() {
		return errors.QuotaLimitExceededf("backup create firmware length=%d flash size=%d", cur.Length, self.flash.Size())
	}
	self.log.Infof("backup create %s", cur)

	if err = self.flash.EraseAll(); err != nil {
		return errors.Annotate(err, "backup erase")
	}
	if err = norflash.WaitReady(self.flash, self.clock, 10*time.Millisecond, self.config.BusyTimeout); err != nil {
		return errors.Annotate(err, "backup erase")
	}

	sum := crc.CRC32_INIT
	var buf [Window]byte
	for off := uint32(0); off < cur.Length; off += Window {
		n := cur.Length - off
		if n > Window {
			n = Window
		}
		chunk := buf[:n]
		if err = self.readCompanion(self.config.AppAddr+off, chunk); err != nil {
			return errors.Annotatef(err, "backup create offset=%d", off)
		}
		if err = norflash.ProgramAll(self.flash, self.clock, off, chunk); err != nil {
			return errors.Annotatef(err, "backup create offset=%d", off)
		}
		sum = crc.CRC32(sum, chunk)
	}
	if sum != cur.CRC {
		return errors.NotValidf("backup create crc=%08x firmware crc=%08x", sum, cur.CRC)
	}

	// length last, partially written record must not validate
	if err = self.store.Set(store.BackupCRC, sum); err != nil {
		return errors.Annotate(err, "backup create")
	}
	if err = self.store.Set(store.BackupLength, cur.Length); err != nil {
		return errors.Annotate(err, "backup create")
	}
	self.log.Infof("backup created %s", cur)
	return nil
}

func (self *Store) readCompanion(addr uint32, b []byte) error {
	attempt := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			if attempt > 1 {
				if err := self.boot.Enter(); err != nil {
					return err
				}
			}
			return self.boot.Read(addr, b)
		},
		NotifyFunc: func(err error, i int) {
			self.log.Debugf("backup read addr=%08x attempt=%d err=%v", addr, i, err)
		},
		Attempts: self.config.ReadRetries,
		Delay:    time.Millisecond,
		Clock:    self.clock,
	})
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	return err
}

// Validate recomputes CRC over backup content. With compareWithCurrent
// backup must also be the image presently installed.
func (self *Store) Validate(compareWithCurrent bool) error {
	rec, err := self.Record()
	if err != nil {
		return errors.Annotate(err, "backup validate")
	}
	if rec.Length == 0 || rec.Length > self.flash.Size() {
		return errors.NotValidf("backup record %s", rec)
	}
	if compareWithCurrent {
		cur, err := self.Current()
		if err != nil {
			return errors.Annotate(err, "backup validate")
		}
		if cur != rec {
			return errors.NotValidf("backup %s differs from firmware %s", rec, cur)
		}
	}
	sum, err := self.Checksum(rec.Length)
	if err != nil {
		return errors.Annotate(err, "backup validate")
	}
	if sum != rec.CRC {
		return errors.NotValidf("backup crc=%08x record %s", sum, rec)
	}
	return nil
}

// Checksum folds CRC-32 over first length bytes of external flash.
func (self *Store) Checksum(length uint32) (uint32, error) {
	sum := crc.CRC32_INIT
	var buf [4096]byte
	for off := uint32(0); off < length; {
		n := length - off
		if n > uint32(len(buf)) {
			n = uint32(len(buf))
		}
		if _, err := self.flash.ReadAt(buf[:n], int64(off)); err != nil {
			return 0, errors.Annotatef(err, "backup read offset=%d", off)
		}
		sum = crc.CRC32(sum, buf[:n])
		off += n
	}
	return sum, nil
}
