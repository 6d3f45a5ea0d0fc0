package main

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/hardware/bootloader"
	"github.com/temoto/fvc/helpers/cli"
	"github.com/temoto/fvc/log2"
)

func TestConsoleScript(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	dev := bootloader.NewDevice(8 * 1024)
	c := &console{
		client: bootloader.NewClient(dev, dev, nil, bootloader.Config{
			AckRetries: 3, PollDelay: -1, SyncDelay: time.Millisecond, ResetDelay: -1, ReleaseDelay: -1,
		}, log),
		log:     log,
		bootLog: log,
	}
	errs := 0
	exec := func(line string) {
		if err := c.do(line); err != nil {
			t.Logf("line=%s err=%v", line, err)
			errs++
		}
	}
	script := `
# comment
enter
get
id
erase 1 0
write 0x08000000 c0ffee
read 0x08000000 3
jump
`
	require.NoError(t, cli.RunScript(strings.NewReader(script), exec))
	assert.Equal(t, 0, errs)
	assert.Equal(t, []byte{0xc0, 0xff, 0xee}, dev.Image(0, 3))
	assert.True(t, dev.IsRunning())
	assert.Equal(t, bootloader.DefaultBase, dev.JumpAddr)
}

func TestConsoleErrors(t *testing.T) {
	t.Parallel()
	dev := bootloader.NewDevice(1024)
	c := &console{client: bootloader.NewClient(dev, dev, nil, bootloader.Config{PollDelay: -1}, nil)}
	assert.True(t, errors.IsNotSupported(c.do("bogus")))
	assert.True(t, errors.IsNotValid(c.do("read 0x08000000")))
	assert.Error(t, c.do("read zz 1"))
	assert.NoError(t, c.do("   "))
}
