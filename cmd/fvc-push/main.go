// Host updater: sends firmware image to board over UART link.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/fvc/internal/link"
	"github.com/temoto/fvc/internal/push"
	"github.com/temoto/fvc/log2"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	device := cmdline.String("device", "/dev/ttyUSB0", "")
	baud := cmdline.Int("baud", 115200, "")
	board := cmdline.Uint("board", 1, "board id")
	firmware := cmdline.Uint("firmware", 0, "firmware version id")
	key := cmdline.String("key", "secret_key", "HMAC key")
	retransfers := cmdline.Int("retransfers", push.DefaultRetransfers, "per packet")
	debug := cmdline.Bool("debug", false, "")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)
	if !*debug {
		log.SetLevel(log2.LInfo)
	}
	if cmdline.NArg() != 1 {
		log.Fatal("usage: fvc-push [flags] image.bin")
	}
	image, err := os.ReadFile(cmdline.Arg(0))
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	uart, err := link.OpenUart(*device, *baud, 50*time.Millisecond)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	port := link.NewPort(uart, link.HostID, nil, log.Tag("link"))
	defer port.Close()

	p := push.New(port, push.Config{
		BoardID:     byte(*board),
		FirmwareID:  uint32(*firmware),
		HMACKey:     []byte(*key),
		Retransfers: *retransfers,
	}, log)
	outcome, err := p.Push(image)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	switch outcome {
	case link.UpdateOk:
		log.Infof("update ok")
	case link.UpdateRestored:
		log.Errorf("update failed, board restored backup")
		os.Exit(2)
	default:
		log.Errorf("update failed outcome=%d", outcome)
		os.Exit(3)
	}
}
