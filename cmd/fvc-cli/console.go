package main

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

type console struct {
	client  *bootloader.Client
	log     *log2.Log
	bootLog *log2.Log
	appAddr uint32
}

func (self *console) execute(line string) {
	if err := self.do(line); err != nil {
		self.log.Errorf(errors.ErrorStack(err))
	}
}

func parseUint(s string, bits int) (uint64, error) {
	x, err := strconv.ParseUint(s, 0, bits)
	return x, errors.Annotatef(err, "number=%s", s)
}

func (self *console) do(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	switch {
	case cmd == "help":
		self.log.Infof(usage)
	case cmd == "log=yes":
		self.bootLog.SetLevel(log2.LDebug)
	case cmd == "log=no":
		self.bootLog.SetLevel(log2.LInfo)
	case cmd == "enter":
		return self.client.Enter()
	case cmd == "get":
		if err := self.client.GetCapabilities(); err != nil {
			return err
		}
		self.log.Infof("version=%02x commands=%v", self.client.Version(), self.client.Supported())
	case cmd == "id":
		id, err := self.client.GetID()
		if err != nil {
			return err
		}
		self.log.Infof("product id=%04x", id)
	case cmd == "read":
		if len(args) != 2 {
			return errors.NotValidf("usage: read ADDR N")
		}
		addr, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		n, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if err = self.client.Read(uint32(addr), buf); err != nil {
			return err
		}
		self.log.Infof("%08x: %s", addr, helpers.HexSpaced(buf))
	case cmd == "write":
		if len(args) != 2 {
			return errors.NotValidf("usage: write ADDR XX...")
		}
		addr, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return errors.Annotate(err, "write data")
		}
		return self.client.Write(uint32(addr), data)
	case cmd == "erase":
		if len(args) < 1 || len(args) > 2 {
			return errors.NotValidf("usage: erase N [BEGIN]")
		}
		if args[0] == "all" {
			return self.client.Erase(bootloader.MassErase, 0)
		}
		count, err := parseUint(args[0], 16)
		if err != nil {
			return err
		}
		begin := uint64(0)
		if len(args) == 2 {
			if begin, err = parseUint(args[1], 16); err != nil {
				return err
			}
		}
		return self.client.Erase(uint16(count), uint16(begin))
	case cmd == "jump":
		addr := uint64(self.appAddr)
		if addr == 0 {
			addr = uint64(bootloader.DefaultBase)
		}
		if len(args) == 1 {
			var err error
			if addr, err = parseUint(args[0], 32); err != nil {
				return err
			}
		}
		return self.client.Jump(uint32(addr))
	case cmd == "reset":
		return self.client.Reset()
	case cmd == "hold":
		return self.client.HoldReset()
	case cmd[0] == 's':
		ms, err := parseUint(cmd[1:], 32)
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
	default:
		return errors.NotSupportedf("command=%s", cmd)
	}
	return nil
}
