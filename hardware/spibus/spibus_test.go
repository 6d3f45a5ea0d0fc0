package spibus

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

type spiTxCall struct {
	s []byte
	r []byte
}

type tenv struct {
	calls  []spiTxCall
	index  int
	lines  *gpio_mock.MockLines
	ready  *gpio_mock.MockEvent
	levels map[string]byte
	config Config
}

func testEnv(t *testing.T, withReady bool) *tenv {
	env := &tenv{
		lines:  &gpio_mock.MockLines{},
		levels: make(map[string]byte),
	}
	env.lines.On("Flush").Return(nil)
	env.lines.On("Close").Return(nil)
	hw := &hardware{
		spiTx: func(send, recv []byte) error {
			require.Less(t, env.index, len(env.calls), "premature end of spi calls")
			c := env.calls[env.index]
			env.index++
			assert.Equal(t, c.s, send)
			copy(recv, c.r)
			return nil
		},
		lines: env.lines,
		reset: func(v byte) { env.levels["reset"] = v },
		boot:  func(v byte) { env.levels["boot"] = v },
	}
	if withReady {
		env.ready = &gpio_mock.MockEvent{}
		env.ready.On("Close").Return(nil)
		hw.ready = env.ready
	}
	env.config = Config{ResetPin: "17", BootPin: "27", testhw: hw}
	return env
}

func (env *tenv) push(sendHex, recvHex string) {
	env.calls = append(env.calls, spiTxCall{s: helpers.MustHex(sendHex), r: helpers.MustHex(recvHex)})
}

func TestPortTransmitReceive(t *testing.T) {
	t.Parallel()
	env := testEnv(t, false)
	env.push("5a00ff", "000000")
	env.push("0000", "79a5")
	p, err := Open(&env.config, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	require.NoError(t, p.Transmit([]byte{0x5a, 0x00, 0xff}, time.Second))
	buf := make([]byte, 2)
	require.NoError(t, p.Receive(buf, time.Second))
	assert.Equal(t, []byte{0x79, 0xa5}, buf)
	assert.Equal(t, len(env.calls), env.index)
	require.NoError(t, p.Close())
}

func TestPortPins(t *testing.T) {
	t.Parallel()
	env := testEnv(t, false)
	p, err := Open(&env.config, nil)
	require.NoError(t, err)
	require.NoError(t, p.SetReset(false))
	require.NoError(t, p.SetBootSelect(true))
	assert.Equal(t, byte(0), env.levels["reset"])
	assert.Equal(t, byte(1), env.levels["boot"])
	env.lines.AssertNumberOfCalls(t, "Flush", 2)
}

func TestPortReadyTimeout(t *testing.T) {
	t.Parallel()
	env := testEnv(t, true)
	env.ready.On("Read").Return(byte(0), nil)
	env.ready.On("Wait", mock.AnythingOfType("time.Duration")).Return(gpio.EventData{}, gpio.ErrTimeout)
	p, err := Open(&env.config, nil)
	require.NoError(t, err)
	err = p.Receive(make([]byte, 1), 5*time.Millisecond)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
}

func TestPortReadyHigh(t *testing.T) {
	t.Parallel()
	env := testEnv(t, true)
	env.ready.On("Read").Return(byte(1), nil)
	env.push("00", "01")
	p, err := Open(&env.config, nil)
	require.NoError(t, err)
	buf := []byte{0xee}
	require.NoError(t, p.Receive(buf, time.Second))
	assert.Equal(t, byte(1), buf[0])
	env.ready.AssertNotCalled(t, "Wait", mock.Anything)
}

func TestOpenInvalidPin(t *testing.T) {
	t.Parallel()
	_, err := Open(&Config{ResetPin: "PA1", BootPin: "2"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset pin")
}

func TestMock(t *testing.T) {
	t.Parallel()
	m := NewMock(t)
	m.ExpectTx("5a")
	m.ExpectRx("79")
	m.ExpectRxError(errors.Timeoutf("test"))
	require.NoError(t, m.Transmit([]byte{0x5a}, 0))
	b := make([]byte, 1)
	require.NoError(t, m.Receive(b, 0))
	assert.Equal(t, byte(0x79), b[0])
	assert.True(t, errors.IsTimeout(m.Receive(b, 0)))
	require.NoError(t, m.SetReset(false))
	require.NoError(t, m.SetReset(true))
	assert.Equal(t, []string{"reset=0", "reset=1"}, m.Pins())
	m.ExpectationsWereMet()
}
