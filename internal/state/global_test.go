package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/crc"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/hardware/norflash"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/internal/board"
	"github.com/temoto/fvc/internal/report"
	"github.com/temoto/fvc/internal/store"
	"github.com/temoto/fvc/internal/update"
	"github.com/temoto/fvc/log2"
)

func testConfig(t testing.TB) string {
	return fmt.Sprintf(`
board { id = 1 config = 3 flash_size = 32768 hmac_key = "secret_key" }
bootloader { ack_retries = 3 poll_delay_ms = -1 }
backup { enable = true create_at_start = true }
supervisor { enable = true }
persist { root = "%s" }
`, t.TempDir())
}

func installImage(t testing.TB, g *Global, dev interface{ Program(int, []byte) }, n int) []byte {
	image := make([]byte, n)
	helpers.RandUnix().Read(image)
	dev.Program(0, image)
	require.NoError(t, g.Store.Set(store.FirmwareLength, uint32(n)))
	require.NoError(t, g.Store.Set(store.FirmwareCRC, crc.CRC32(crc.CRC32_INIT, image)))
	return image
}

func TestGetGlobal(t *testing.T) {
	t.Parallel()
	ctx, g, _ := NewTestContext(t, testConfig(t))
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Panics(t, func() { GetGlobal(context.Background()) })
}

func TestGlobalWiring(t *testing.T) {
	t.Parallel()
	_, g, _ := NewTestContext(t, testConfig(t))
	require.NotNil(t, g.Boot)
	require.NotNil(t, g.Link)
	require.NotNil(t, g.Backup)
	require.NotNil(t, g.Update)
	require.NotNil(t, g.Supervisor)
	require.NotNil(t, g.Board)
	assert.Equal(t, byte(1), g.Board.ID())
	assert.Equal(t, update.StatusWaitingForNewProgram, g.Update.Status())
}

func TestGlobalBoardInit(t *testing.T) {
	t.Parallel()
	_, g, dev := NewTestContext(t, testConfig(t))

	require.NoError(t, g.Board.Init())
	assert.Equal(t, update.StatusProgramInvalid, g.Update.Status())
	assert.Equal(t, board.ModeIdle, g.Board.Mode())
	boardID, err := g.Store.Get(store.BoardID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), boardID)

	installImage(t, g, dev, 3000)
	require.NoError(t, g.Board.Init())
	assert.Equal(t, update.StatusOk, g.Update.Status())
	assert.Equal(t, board.ModeSupervise, g.Board.Mode())
	assert.NoError(t, g.Backup.Validate(true))
	assert.True(t, dev.IsRunning())
}

func TestGlobalDisabledParts(t *testing.T) {
	t.Parallel()
	_, g, dev := NewTestContext(t, fmt.Sprintf(`
board { id = 2 hmac_key = "k" }
bootloader { ack_retries = 3 poll_delay_ms = -1 }
persist { root = "%s" }
`, t.TempDir()))
	assert.Nil(t, g.Backup)
	assert.Nil(t, g.Supervisor)

	installImage(t, g, dev, 1024)
	require.NoError(t, g.Board.Init())
	assert.Equal(t, update.StatusOk, g.Update.Status())
	assert.Equal(t, board.ModeIdle, g.Board.Mode())
}

func TestGlobalRun(t *testing.T) {
	t.Parallel()
	ctx, g, dev := NewTestContext(t, testConfig(t))
	installImage(t, g, dev, 512)

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, time.Millisecond) }()
	assert.Eventually(t, func() bool { return g.Board.Mode() == board.ModeSupervise }, 5*time.Second, time.Millisecond)
	g.Alive.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Eventually(t, func() bool { return !g.Link.Alive().IsRunning() }, 5*time.Second, time.Millisecond)
}

type recordReporter struct {
	sync.Mutex
	events []report.Event
}

func (self *recordReporter) Report(e report.Event) {
	self.Lock()
	self.events = append(self.events, e)
	self.Unlock()
}
func (self *recordReporter) Close() {}
func (self *recordReporter) Events() []report.Event {
	self.Lock()
	defer self.Unlock()
	return append([]report.Event(nil), self.events...)
}

func TestGlobalErrorReport(t *testing.T) {
	t.Parallel()
	fs := NewMockFullReader(map[string]string{"test-inline": testConfig(t)})
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	g.Hardware.Bus = bootloader.NewDevice(32 * 1024)
	g.Hardware.Flash = norflash.NewMem(64 * 1024)
	g.Hardware.Uart = NewIdleUart()
	rec := &recordReporter{}
	g.Report = rec
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	defer g.Close()

	// error callback sees fully wired components
	for _, e := range rec.Events() {
		assert.Empty(t, e.Error, "no error reported during init")
	}
	g.Log.Errorf("trouble code=%d", 7)
	events := rec.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "trouble code=7", last.Error)
	assert.Equal(t, g.Update.Status().String(), last.Status)
	assert.Equal(t, g.Board.Mode().String(), last.Mode)
	assert.Equal(t, byte(1), last.BoardID)
}
