// Interactive console to companion ROM bootloader.
package main

import (
	"flag"
	"os"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/helpers/cli"
	"github.com/temoto/fvc/internal/state"
	"github.com/temoto/fvc/log2"
)

const usage = `syntax: one command per line, numbers accept 0x prefix
(main)
- enter              reset into bootloader, sync, GET capabilities
- get                show bootloader version and commands
- id                 GET_ID product id
- read ADDR N        read N bytes, N<=256
- write ADDR XX...   write hex bytes
- erase N [BEGIN]    erase N sectors from BEGIN, N=all for mass erase
- jump [ADDR]        start program, default application address
- reset              restart companion into application
- hold               hold companion in reset
- sN                 pause N milliseconds

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
`

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "fvc.hcl", "hardware section is used")
	spiBus := cmdline.String("spi", "", "override hardware.spi.bus")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	hw := &config.Hardware
	if *spiBus != "" {
		hw.Spi.Bus = *spiBus
	}
	port, err := spibus.Open(&spibus.Config{
		SpiBus:   hw.Spi.Bus,
		SpiMode:  hw.Spi.Mode,
		SpiSpeed: hw.Spi.Speed,
		PinChip:  hw.Pins.Chip,
		ResetPin: hw.Pins.Reset,
		BootPin:  hw.Pins.Boot,
		ReadyPin: hw.Pins.Ready,
	}, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer port.Close()

	bootLog := log.Clone(log2.LInfo)
	c := &console{
		client: bootloader.NewClient(port, port, nil, bootloader.Config{
			AckRetries:   config.Bootloader.AckRetries,
			SyncAttempts: config.Bootloader.SyncAttempts,
		}, bootLog),
		log:     log,
		bootLog: bootLog,
		appAddr: uint32(config.Board.AppAddr),
	}
	onInterrupt := func() {
		if err := c.client.Reset(); err != nil {
			log.Error(err)
		}
		_ = port.Close()
	}
	cli.MainLoop("fvc-cli", c.execute, newCompleter(), onInterrupt)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "enter", Description: "reset into bootloader and sync"},
		{Text: "get", Description: "bootloader version and commands"},
		{Text: "id", Description: "product id"},
		{Text: "read", Description: "read ADDR N"},
		{Text: "write", Description: "write ADDR XX..."},
		{Text: "erase", Description: "erase N [BEGIN] | erase all"},
		{Text: "jump", Description: "start program [ADDR]"},
		{Text: "reset", Description: "restart into application"},
		{Text: "hold", Description: "hold in reset"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "help", Description: "show usage"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
