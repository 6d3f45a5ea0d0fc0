// Package board owns operating mode of the controller: which of
// idle, update or supervision currently uses the companion bus.
// Asynchronous agents only call OnFrameReceived and OnTimerElapsed,
// all work happens in Tick.
package board

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/internal/link"
	"github.com/temoto/fvc/internal/store"
	"github.com/temoto/fvc/internal/update"
	"github.com/temoto/fvc/log2"
)

type Mode uint8

const (
	ModeIdle Mode = iota
	ModeUpdate
	ModeSupervise
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeUpdate:
		return "update"
	case ModeSupervise:
		return "supervise"
	}
	return fmt.Sprintf("mode%d", uint8(m))
}

type Updater interface {
	Status() update.Status
	ValidateBoot() error
	HandleUpdateRequest(req link.UpdateRequestPayload) error
	Restore() error
}

type Supervisor interface {
	Start()
	Step()
	OnTimerElapsed()
}

type Backup interface {
	Create() error
	Validate(compareWithCurrent bool) error
}

type Bootloader interface {
	Enter() error
	Jump(addr uint32) error
}

type Config struct {
	BoardID             byte
	ConfigByte          uint32
	AppAddr             uint32
	CreateBackupAtStart bool
	RestoreAtBoot       bool
}

type Board struct {
	config Config
	log    *log2.Log
	link   update.Link
	update Updater
	super  Supervisor // nil when disabled
	backup Backup     // nil when disabled
	boot   Bootloader
	store  store.Store

	mu         sync.Mutex
	pending    link.Frame
	pendingErr error
	hasPending bool
	mode       Mode
}

func New(config Config, l update.Link, u Updater, sup Supervisor, b Backup, boot Bootloader, st store.Store, log *log2.Log) *Board {
	if config.AppAddr == 0 {
		config.AppAddr = bootloader.DefaultBase
	}
	return &Board{
		config: config,
		log:    log,
		link:   l,
		update: u,
		super:  sup,
		backup: b,
		boot:   boot,
		store:  st,
	}
}

func (self *Board) ID() byte { return self.config.BoardID }

func (self *Board) Mode() Mode {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.mode
}

func (self *Board) setMode(m Mode) {
	self.mu.Lock()
	old := self.mode
	self.mode = m
	self.mu.Unlock()
	if old != m {
		self.log.Infof("board mode %s -> %s", old, m)
	}
}

// Init persists board identity, validates installed program and
// picks initial mode. Program problems are not errors, status tells.
func (self *Board) Init() error {
	if err := self.store.Set(store.BoardID, uint32(self.config.BoardID)); err != nil {
		return errors.Annotate(err, "board init")
	}
	if err := self.store.Set(store.Config, self.config.ConfigByte); err != nil {
		return errors.Annotate(err, "board init")
	}
	if v, err := self.store.Get(store.FirmwareVersion); err == nil {
		self.log.Infof("board id=%d firmware version=%d", self.config.BoardID, v)
	}

	if err := self.update.ValidateBoot(); err != nil {
		self.log.Errorf("board program could not be started: %v", err)
		if self.config.RestoreAtBoot && self.backup != nil {
			if err = self.update.Restore(); err != nil {
				self.log.Errorf("board restore: %v", err)
			}
		}
	}
	if self.update.Status() == update.StatusOk && self.config.CreateBackupAtStart && self.backup != nil {
		if err := self.ensureBackup(); err != nil {
			self.log.Errorf("board backup: %v", err)
		}
	}
	self.idle()
	return nil
}

// ensureBackup mirrors running program if backup does not match it.
func (self *Board) ensureBackup() error {
	if err := self.backup.Validate(true); err == nil {
		return nil
	}
	if err := self.boot.Enter(); err != nil {
		return err
	}
	err := self.backup.Create()
	if jerr := self.boot.Jump(self.config.AppAddr); jerr != nil && err == nil {
		err = jerr
	}
	return err
}

// idle returns to supervision when program runs, link receive is async.
func (self *Board) idle() {
	self.link.ArmReceive()
	if self.update.Status() == update.StatusOk && self.super != nil {
		self.setMode(ModeSupervise)
		self.super.Start()
		return
	}
	self.setMode(ModeIdle)
}

// OnFrameReceived is called from link reader. Single pending slot,
// frame arriving while previous is not processed gets NACK.
func (self *Board) OnFrameReceived(f link.Frame, err error) {
	self.mu.Lock()
	busy := self.hasPending
	if !busy {
		self.pending, self.pendingErr, self.hasPending = f, err, true
	}
	self.mu.Unlock()
	if busy {
		self.log.Debugf("board busy, drop %s", f)
		self.respond(false)
	}
}

func (self *Board) OnTimerElapsed() {
	if self.super != nil {
		self.super.OnTimerElapsed()
	}
}

// Tick is one main loop iteration.
func (self *Board) Tick() {
	self.mu.Lock()
	f, err, ok := self.pending, self.pendingErr, self.hasPending
	self.hasPending = false
	self.mu.Unlock()
	if ok {
		self.dispatch(f, err)
	}
	if self.Mode() == ModeSupervise {
		self.super.Step()
	}
}

func (self *Board) dispatch(f link.Frame, err error) {
	if err != nil {
		self.log.Debugf("board bad frame: %v", err)
		self.respond(false)
		return
	}
	if f.Dst != self.config.BoardID {
		return
	}
	switch f.Type {
	case link.IdReq:
		self.send(link.Frame{Type: link.IdResp, Dst: f.Src, Payload: []byte{self.config.BoardID}})

	case link.CliData:
		self.log.Infof("board cli from=%d: %s", f.Src, f.Payload)
		self.respond(true)

	case link.UpdateRequest:
		req, err := link.ParseUpdateRequest(f.Payload)
		if err != nil {
			self.respond(false)
			return
		}
		self.setMode(ModeUpdate)
		if err = self.update.HandleUpdateRequest(req); err != nil {
			self.log.Errorf("board update: %s", errors.ErrorStack(err))
		}
		self.log.Infof("board update done status=%s", self.update.Status())
		self.idle()

	case link.EepromRead:
		e, err := link.ParseEeprom(f.Payload)
		k := store.Key(e.Key)
		if err != nil || !k.Valid() {
			self.respond(false)
			return
		}
		v, err := self.store.Get(k)
		if err != nil {
			self.log.Debugf("board eeprom read %s: %v", k, err)
			self.respond(false)
			return
		}
		self.send(link.Frame{Type: link.EepromRead, Dst: f.Src, Payload: link.EepromPayload{Key: e.Key, Value: v}.Bytes()})

	case link.EepromWrite:
		e, err := link.ParseEeprom(f.Payload)
		k := store.Key(e.Key)
		// firmware and backup records are owned by update
		if err != nil || (k != store.BoardID && k != store.Config) {
			self.respond(false)
			return
		}
		if err = self.store.Set(k, e.Value); err != nil {
			self.log.Error(errors.Annotate(err, "board eeprom write"))
			self.respond(false)
			return
		}
		self.respond(true)

	default:
		self.respond(false)
	}
}

func (self *Board) send(f link.Frame) {
	f.Src = self.config.BoardID
	if err := self.link.Send(f); err != nil {
		self.log.Error(errors.Annotatef(err, "board send %s", f.Type))
	}
}

func (self *Board) respond(ack bool) {
	if err := self.link.Respond(ack); err != nil {
		self.log.Error(errors.Annotate(err, "board respond"))
	}
}
