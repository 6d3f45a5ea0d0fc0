package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/hardware/spibus"
	"github.com/temoto/fvc/log2"
)

type fakeTimer struct{ armed []time.Duration }

func (self *fakeTimer) Arm(d time.Duration) { self.armed = append(self.armed, d) }
func (self *fakeTimer) last() time.Duration {
	if len(self.armed) == 0 {
		return 0
	}
	return self.armed[len(self.armed)-1]
}

type fakeReset struct{ n int }

func (self *fakeReset) Reset() error { self.n++; return nil }

type env struct {
	bus   *spibus.Mock
	timer *fakeTimer
	reset *fakeReset
	fsm   *FSM
}

func newEnv(t testing.TB) *env {
	e := &env{
		bus:   spibus.NewMock(t),
		timer: &fakeTimer{},
		reset: &fakeReset{},
	}
	e.fsm = New(e.bus, e.reset, e.timer, clock.WallClock, Config{}, log2.NewTest(t, log2.LDebug))
	e.fsm.Start()
	return e
}

func le32(v int32) string {
	u := uint32(v)
	return fmt.Sprintf("%02x%02x%02x%02x", byte(u), byte(u>>8), byte(u>>16), byte(u>>24))
}

// exchange scripts one companion transfer and supervisor response.
func (e *env) exchange(rx string, ack bool) {
	e.bus.ExpectRx(rx)
	if ack {
		e.bus.ExpectTx("01")
	} else {
		e.bus.ExpectTx("00")
	}
	e.fsm.Step()
}

func (e *env) command(c Command, ack bool) { e.exchange(fmt.Sprintf("%02x", byte(c)), ack) }

// configure runs companion configuration up to AwaitingRefresh.
func (e *env) configure(t testing.TB, ranges [][2]int32, periodMs int32) {
	e.command(CmdInit, true)
	require.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	if len(ranges) != 0 {
		e.command(CmdSetVariableCount, true)
		e.exchange(fmt.Sprintf("%02x", len(ranges)), true)
		require.Equal(t, StateSettingVariables, e.fsm.State())
		for _, r := range ranges {
			e.bus.ExpectRx(le32(r[0]))
			e.bus.ExpectTx("01")
			e.bus.ExpectRx(le32(r[1]))
			e.bus.ExpectTx("01")
			e.fsm.Step()
		}
		require.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	}
	e.command(CmdSetPeriod, true)
	e.exchange(le32(periodMs), true)
	require.Equal(t, StateAwaitingRefresh, e.fsm.State())
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	assert.Equal(t, []time.Duration{DefaultInitialTimeout}, e.timer.armed)
	e.configure(t, [][2]int32{{-5, 5}, {0, 100}}, 1500)
	assert.Equal(t, []Variable{{Min: -5, Max: 5}, {Min: 0, Max: 100}}, e.fsm.Variables())
	assert.Equal(t, 1500*time.Millisecond, e.fsm.Period())
	assert.Equal(t, 1500*time.Millisecond, e.timer.last())
	e.bus.ExpectationsWereMet()
}

// 2 of 3 values in range: NACK on 3rd, all checked flags clear,
// period deadline not rearmed.
func TestCheckOutOfRange(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.configure(t, [][2]int32{{0, 10}, {0, 10}, {-100, -50}}, 1000)
	arms := len(e.timer.armed)

	e.command(CmdRefresh, true)
	require.Equal(t, StateCheckVariables, e.fsm.State())
	e.exchange(le32(5), true)
	e.exchange(le32(10), true)
	vars := e.fsm.Variables()
	assert.True(t, vars[0].Checked)
	assert.True(t, vars[1].Checked)
	e.exchange(le32(-49), false)

	assert.Equal(t, StateAwaitingRefresh, e.fsm.State())
	for i, v := range e.fsm.Variables() {
		assert.False(t, v.Checked, "variable=%d", i)
	}
	assert.Equal(t, arms, len(e.timer.armed))

	// next refresh cycle succeeds and rearms period
	e.command(CmdRefresh, true)
	e.exchange(le32(0), true)
	e.exchange(le32(1), true)
	e.exchange(le32(-100), true)
	assert.Equal(t, StateAwaitingRefresh, e.fsm.State())
	assert.Equal(t, arms+1, len(e.timer.armed))
	assert.Equal(t, time.Second, e.timer.last())
	for _, v := range e.fsm.Variables() {
		assert.False(t, v.Checked)
	}
	e.bus.ExpectationsWereMet()
}

// Expiry from any state resets companion exactly once
// and rearms initial deadline.
func TestDeadlineExpiry(t *testing.T) {
	t.Parallel()
	for s := StateUninitialized; s < StateResetting; s++ {
		s := s
		t.Run(s.String(), func(t *testing.T) {
			e := newEnv(t)
			e.fsm.state = s
			e.fsm.vars = make([]Variable, 2)
			e.fsm.period = time.Second
			e.fsm.OnTimerElapsed()
			assert.Equal(t, StateResetting, e.fsm.State())
			e.fsm.Step()
			assert.Equal(t, 1, e.reset.n)
			assert.Equal(t, StateUninitialized, e.fsm.State())
			assert.Equal(t, DefaultInitialTimeout, e.timer.last())
			e.bus.ExpectationsWereMet()

			// silence, no second reset
			e.bus.ExpectRxError(errors.Timeoutf("spi"))
			e.fsm.Step()
			assert.Equal(t, 1, e.reset.n)
		})
	}
}

func TestUnexpectedCommand(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.command(CmdRefresh, false)
	e.exchange("ff", false)
	assert.Equal(t, StateUninitialized, e.fsm.State())
	// zero byte and silence get no response
	e.bus.ExpectRx("00")
	e.fsm.Step()
	e.bus.ExpectRxError(errors.Timeoutf("spi"))
	e.fsm.Step()
	e.command(CmdInit, true)
	e.command(CmdRefresh, false)
	assert.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	e.bus.ExpectationsWereMet()
}

func TestRejectZero(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.command(CmdInit, true)
	e.command(CmdSetVariableCount, true)
	e.exchange("00", false)
	assert.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	assert.Empty(t, e.fsm.Variables())

	e.command(CmdSetPeriod, true)
	e.exchange(le32(0), false)
	assert.Equal(t, StateSettingPeriod, e.fsm.State())
	e.exchange(le32(200), true)
	assert.Equal(t, StateAwaitingRefresh, e.fsm.State())
	e.bus.ExpectationsWereMet()
}

func TestRefreshWithoutVariables(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.configure(t, nil, 300)
	arms := len(e.timer.armed)
	e.command(CmdRefresh, true)
	assert.Equal(t, StateAwaitingRefresh, e.fsm.State())
	assert.Equal(t, arms+1, len(e.timer.armed))
	assert.Equal(t, 300*time.Millisecond, e.timer.last())

	e.command(CmdReconfigure, true)
	assert.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	assert.Equal(t, DefaultInitialTimeout, e.timer.last())
	e.bus.ExpectationsWereMet()
}

func TestSetVariableReceiveError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.command(CmdInit, true)
	e.command(CmdSetVariableCount, true)
	e.exchange("01", true)
	e.bus.ExpectRxError(errors.Timeoutf("spi"))
	e.bus.ExpectTx("00")
	e.fsm.Step()
	assert.Equal(t, StateSettingVariables, e.fsm.State())
	e.bus.ExpectRx(le32(1))
	e.bus.ExpectTx("01")
	e.bus.ExpectRx(le32(2))
	e.bus.ExpectTx("01")
	e.fsm.Step()
	assert.Equal(t, StateAwaitingConfiguration, e.fsm.State())
	assert.Equal(t, []Variable{{Min: 1, Max: 2}}, e.fsm.Variables())
	e.bus.ExpectationsWereMet()
}

func TestResponseRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.bus.ExpectRx("01")
	e.bus.ExpectTxError("01", errors.Timeoutf("spi"))
	e.bus.ExpectTxError("01", errors.Timeoutf("spi"))
	e.bus.ExpectTx("01")
	e.fsm.Step()
	assert.Equal(t, StateAwaitingConfiguration, e.fsm.State())

	// gives up after 5 attempts, state still advances
	e.bus.ExpectRx(fmt.Sprintf("%02x", byte(CmdSetPeriod)))
	for i := 0; i < DefaultResponseRetries; i++ {
		e.bus.ExpectTxError("01", errors.Timeoutf("spi"))
	}
	e.fsm.Step()
	assert.Equal(t, StateSettingPeriod, e.fsm.State())
	e.bus.ExpectationsWereMet()
}
