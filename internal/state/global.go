package state

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/hardware/norflash"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/internal/backup"
	"github.com/temoto/fvc/internal/board"
	"github.com/temoto/fvc/internal/link"
	"github.com/temoto/fvc/internal/report"
	"github.com/temoto/fvc/internal/store"
	"github.com/temoto/fvc/internal/supervisor"
	"github.com/temoto/fvc/internal/update"
	"github.com/temoto/fvc/log2"
)

const ContextKey = "run/state-global"

type Global struct {
	Alive  *alive.Alive
	Clock  clock.Clock
	Config *Config
	Log    *log2.Log

	// Set before Init to skip opening real devices.
	Hardware struct {
		Bus   spibus.BusPins
		Flash norflash.Flash
		Uart  link.Uarter
	}

	Boot       *bootloader.Client
	Store      store.Store
	Link       *link.Port
	Backup     *backup.Store
	Update     *update.Controller
	Supervisor *supervisor.FSM
	Board      *board.Board
	Report     report.Reporter

	lk      sync.Mutex
	timer   *supervisor.ClockTimer
	closers []io.Closer
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error state.NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Clock: clock.WallClock,
		Log:   log,
	}

	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.Config = cfg

	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = "./tmp-fvc-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	if err := g.initReport(); err != nil {
		return errors.Annotate(err, "report init")
	}

	errs := make([]error, 0, 4)
	steps := []func() error{g.initStore, g.initBootloader, g.initLink, g.initBackup}
	for _, step := range steps {
		if err := step(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}
	g.initUpdate()
	g.initSupervisor()
	g.initBoard()
	// event() reads wired components, install only after all are set
	g.Log.SetErrorFunc(func(err error) {
		e := g.event()
		e.Error = err.Error()
		g.Report.Report(e)
	})
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

// Close stops timers and releases devices in reverse open order.
func (g *Global) Close() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	errs := make([]error, 0, len(g.closers))
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	if g.Report != nil {
		g.Report.Close()
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) event() report.Event {
	e := report.Event{
		BoardID: byte(g.Config.Board.Id),
		Time:    g.Clock.Now().Unix(),
	}
	if g.Update != nil {
		e.Status = g.Update.Status().String()
	}
	if g.Board != nil {
		e.Mode = g.Board.Mode().String()
	}
	return e
}

func (g *Global) initReport() error {
	// may be set by tests
	if g.Report != nil {
		return nil
	}
	c := &g.Config.Report
	r, err := report.New(report.Config{
		Enable:    c.Enable,
		Broker:    c.MqttBroker,
		Topic:     c.Topic,
		ClientID:  fmt.Sprintf("fvc-%d", g.Config.Board.Id),
		KeepAlive: helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second),
	}, g.Log.Tag("report"))
	if err != nil {
		return err
	}
	g.Report = r
	return nil
}

func (g *Global) initStore() error {
	st, err := store.Open(g.Config.Persist.Root, "store", g.Log.Tag("store"))
	if err != nil {
		return errors.Annotatef(err, "config: persist.root=%s", g.Config.Persist.Root)
	}
	g.Store = st
	return nil
}

func (g *Global) initBootloader() error {
	hw := &g.Config.Hardware
	if g.Hardware.Bus == nil {
		port, err := spibus.Open(&spibus.Config{
			SpiBus:   hw.Spi.Bus,
			SpiMode:  hw.Spi.Mode,
			SpiSpeed: hw.Spi.Speed,
			PinChip:  hw.Pins.Chip,
			ResetPin: hw.Pins.Reset,
			BootPin:  hw.Pins.Boot,
			ReadyPin: hw.Pins.Ready,
		}, g.Log.Tag("spibus"))
		if err != nil {
			return errors.Annotatef(err, "config: hardware.spi=%v", hw.Spi)
		}
		g.Hardware.Bus = port
		g.closers = append(g.closers, port)
	}

	bootLog := g.Log.Clone(log2.LInfo).Tag("bootloader")
	if g.Config.Bootloader.LogDebug {
		bootLog.SetLevel(log2.LDebug)
	}
	bc := bootloader.Config{
		AckRetries:   g.Config.Bootloader.AckRetries,
		SyncAttempts: g.Config.Bootloader.SyncAttempts,
	}
	if g.Config.Bootloader.PollDelayMs < 0 {
		bc.PollDelay = -1
	} else {
		bc.PollDelay = time.Duration(g.Config.Bootloader.PollDelayMs) * time.Millisecond
	}
	g.Boot = bootloader.NewClient(g.Hardware.Bus, g.Hardware.Bus, g.Clock, bc, bootLog)
	return nil
}

func (g *Global) initLink() error {
	u := &g.Config.Hardware.Uart
	if g.Hardware.Uart == nil {
		uart, err := link.OpenUart(u.Device, helpers.IntDefault(u.Baud, 115200),
			helpers.IntMillisecondDefault(u.ReadTimeoutMs, 50*time.Millisecond))
		if err != nil {
			return errors.Annotatef(err, "config: hardware.uart.device=%s", u.Device)
		}
		g.Hardware.Uart = uart
	}
	g.Link = link.NewPort(g.Hardware.Uart, byte(g.Config.Board.Id), g.Clock, g.Log.Tag("link"))
	go helpers.AliveSub(g.Alive, g.Link.Alive())
	g.closers = append(g.closers, g.Link)
	return nil
}

func (g *Global) initBackup() error {
	if !g.Config.Backup.Enable {
		return nil
	}
	fc := &g.Config.Hardware.Flash
	if g.Hardware.Flash == nil {
		f, err := norflash.Open(&norflash.Config{
			SpiBus:   fc.Spi.Bus,
			SpiMode:  fc.Spi.Mode,
			SpiSpeed: fc.Spi.Speed,
			Size:     uint32(fc.Size),
		}, g.Log.Tag("norflash"))
		if err != nil {
			return errors.Annotatef(err, "config: hardware.flash.spi=%v", fc.Spi)
		}
		g.Hardware.Flash = f
		g.closers = append(g.closers, f)
	}
	g.Backup = backup.New(g.Hardware.Flash, g.Boot, g.Store, g.Clock, backup.Config{
		AppAddr:     uint32(g.Config.Board.AppAddr),
		ReadRetries: g.Config.Update.ReadRetries,
	}, g.Log.Tag("backup"))
	return nil
}

func (g *Global) initUpdate() {
	uc := &g.Config.Update
	var b update.Backup
	if g.Backup != nil {
		b = g.Backup
	}
	g.Update = update.New(g.Boot, g.Link, b, g.Store, g.Clock, update.Config{
		BoardID:       byte(g.Config.Board.Id),
		AppAddr:       uint32(g.Config.Board.AppAddr),
		FlashSize:     uint32(g.Config.Board.FlashSize),
		HMACKey:       []byte(g.Config.Board.HmacKey),
		PacketTimeout: time.Duration(uc.PacketTimeoutMs) * time.Millisecond,
		PacketRetries: uc.PacketRetries,
		ChunkRetries:  uc.ChunkRetries,
		ReadRetries:   uc.ReadRetries,
	}, g.Log.Tag("update"))
	g.Update.SetStatusFunc(func(update.Status) { g.Report.Report(g.event()) })
}

func (g *Global) initSupervisor() {
	sc := &g.Config.Supervisor
	if !sc.Enable {
		return
	}
	var fsm *supervisor.FSM
	g.timer = supervisor.NewClockTimer(g.Clock, func() { fsm.OnTimerElapsed() })
	fsm = supervisor.New(g.Hardware.Bus, g.Boot, g.timer, g.Clock, supervisor.Config{
		BusTimeout:      time.Duration(sc.BusTimeoutMs) * time.Millisecond,
		ResponseRetries: sc.ResponseRetries,
		InitialTimeout:  time.Duration(sc.InitialTimeoutMs) * time.Millisecond,
	}, g.Log.Tag("supervisor"))
	g.Supervisor = fsm
}

func (g *Global) initBoard() {
	// typed nil pointers must not leak into interfaces
	var (
		sup board.Supervisor
		b   board.Backup
	)
	if g.Supervisor != nil {
		sup = g.Supervisor
	}
	if g.Backup != nil {
		b = g.Backup
	}
	g.Board = board.New(board.Config{
		BoardID:             byte(g.Config.Board.Id),
		ConfigByte:          uint32(g.Config.Board.Config),
		AppAddr:             uint32(g.Config.Board.AppAddr),
		CreateBackupAtStart: g.Config.Backup.CreateAtStart,
		RestoreAtBoot:       g.Config.Backup.RestoreAtBoot,
	}, g.Link, g.Update, sup, b, g.Boot, g.Store, g.Log.Tag("board"))
	g.Link.SetHandler(g.Board.OnFrameReceived)
}

// Run initializes board and ticks main loop until Alive stops.
func (g *Global) Run(ctx context.Context, tick time.Duration) error {
	if err := g.Board.Init(); err != nil {
		return errors.Annotate(err, "board init")
	}
	g.Report.Report(g.event())
	for {
		select {
		case <-g.Alive.StopChan():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-g.Clock.After(tick):
			g.Board.Tick()
		}
	}
}
