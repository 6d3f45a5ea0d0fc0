// Daemon supervising companion MCU: boot validation, firmware update
// over UART link, health-check watchdog.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/fvc/internal/state"
	"github.com/temoto/fvc/log2"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "fvc.hcl", "")
	flagTick := flag.Duration("tick", 10*time.Millisecond, "main loop period")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	if !*flagDebug {
		log.SetLevel(log2.LInfo)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log)
	g.MustInit(ctx, config)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigch
		log.Infof("signal=%v stopping", sig)
		g.Alive.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	log.Infof("fvc board=%d running", config.Board.Id)
	err := g.Run(ctx, *flagTick)
	sdnotify(daemon.SdNotifyStopping)
	if cerr := g.Close(); cerr != nil {
		log.Error(errors.Annotate(cerr, "close"))
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
