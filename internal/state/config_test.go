package state

import (
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/log2"
)

const baseConfig = `board { id = 1 hmac_key = "secret_key" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"minimal", baseConfig, func(t testing.TB, c *Config) {
			assert.Equal(t, 1, c.Board.Id)
			assert.Equal(t, "secret_key", c.Board.HmacKey)
			assert.False(t, c.Supervisor.Enable)
		}, ""},

		{"hardware", baseConfig + `
hardware {
	spi { bus = "/dev/spidev0.0" mode = 0 speed = "2MHz" }
	pins { chip = "gpiochip0" reset = "17" boot = "27" }
	flash { spi { bus = "/dev/spidev0.1" } size = 1048576 }
	uart { device = "/dev/ttyS1" baud = 115200 }
}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "/dev/spidev0.0", c.Hardware.Spi.Bus)
				assert.Equal(t, "2MHz", c.Hardware.Spi.Speed)
				assert.Equal(t, "27", c.Hardware.Pins.Boot)
				assert.Equal(t, "", c.Hardware.Pins.Ready)
				assert.Equal(t, 1<<20, c.Hardware.Flash.Size)
				assert.Equal(t, "/dev/ttyS1", c.Hardware.Uart.Device)
			}, ""},

		{"supervisor", baseConfig + `supervisor { enable = true response_retries = 7 }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Supervisor.Enable)
				assert.Equal(t, 7, c.Supervisor.ResponseRetries)
			}, ""},

		{"include-normalize", baseConfig + `include "./empty" {}`, nil, ""},

		{"include-optional", `
include "board-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Board.Id)
			}, ""},

		{"include-overwrites", baseConfig + `include "board-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Board.Id)
				assert.Equal(t, "secret_key", c.Board.HmacKey)
			}, ""},

		{"error-required", baseConfig + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", baseConfig + `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-board-id", `board { hmac_key = "k" }`, nil, "board.id=0 must be 1..254"},
		{"error-hmac-key", `board { id = 3 }`, nil, "board.hmac_key=empty"},
		{"error-flash-size", baseConfig + `
board { flash_size = 65536 }
backup { enable = true }
hardware { flash { size = 4096 } }`, nil, "smaller than board.flash_size"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"board-7":      `board { id = 7 hmac_key = "secret_key" }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err, errors.ErrorStack(err))
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../fvc.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), "../../fvc.hcl")
	assert.NotEqual(t, "", c.Hardware.Uart.Device)
}
