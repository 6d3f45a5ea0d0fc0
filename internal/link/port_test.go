package link

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/log2"
)

// chanUart delivers written chunks to reader, read times out like real UART.
type chanUart struct {
	in      chan []byte
	pending []byte
	mu      sync.Mutex
	written []byte
}

func newChanUart() *chanUart { return &chanUart{in: make(chan []byte, 16)} }

func (self *chanUart) Read(p []byte) (int, error) {
	if len(self.pending) == 0 {
		select {
		case b, ok := <-self.in:
			if !ok {
				return 0, io.EOF
			}
			self.pending = b
		case <-time.After(5 * time.Millisecond):
			return 0, errors.Timeoutf("uart read")
		}
	}
	n := copy(p, self.pending)
	self.pending = self.pending[n:]
	return n, nil
}

func (self *chanUart) Write(p []byte) (int, error) {
	self.mu.Lock()
	self.written = append(self.written, p...)
	self.mu.Unlock()
	return len(p), nil
}

func (self *chanUart) Close() error { return nil }

func (self *chanUart) feed(t testing.TB, f Frame) {
	b, err := f.Encode()
	require.NoError(t, err)
	self.in <- b
}

func TestPortSyncReceive(t *testing.T) {
	t.Parallel()
	u := newChanUart()
	p := NewPort(u, 1, clock.WallClock, log2.NewTest(t, log2.LDebug))
	defer p.Close()

	_, err := p.Receive(10 * time.Millisecond)
	assert.True(t, errors.IsTimeout(err))

	u.feed(t, Frame{Src: 0, Dst: 1, Type: ProgramData, Payload: []byte{1, 2}})
	f, err := p.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProgramData, f.Type)
	assert.Equal(t, []byte{1, 2}, f.Payload)

	bad, err := Frame{Src: 0, Dst: 1, Type: Ack}.Encode()
	require.NoError(t, err)
	bad[len(bad)-1] ^= 0xff
	u.in <- bad
	_, err = p.Receive(time.Second)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}

func TestPortAsync(t *testing.T) {
	t.Parallel()
	u := newChanUart()
	p := NewPort(u, 1, nil, nil)
	defer p.Close()
	got := make(chan Frame, 1)
	p.SetHandler(func(f Frame, err error) {
		assert.NoError(t, err)
		got <- f
	})
	p.ArmReceive()
	u.feed(t, Frame{Src: 0, Dst: 1, Type: IdReq})
	select {
	case f := <-got:
		assert.Equal(t, IdReq, f.Type)
	case <-time.After(time.Second):
		t.Fatal("async handler not called")
	}

	p.AbortReceive()
	u.feed(t, Frame{Src: 0, Dst: 1, Type: IdReq})
	f, err := p.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdReq, f.Type)
}

func TestPortRespond(t *testing.T) {
	t.Parallel()
	u := newChanUart()
	p := NewPort(u, 5, nil, nil)
	require.NoError(t, p.Respond(true))
	require.NoError(t, p.Respond(false))
	require.NoError(t, p.Close())
	ack, _ := Frame{Src: 5, Type: Ack}.Encode()
	nack, _ := Frame{Src: 5, Type: Nack}.Encode()
	assert.Equal(t, append(ack, nack...), u.written)
}

func TestPortSplitFrame(t *testing.T) {
	t.Parallel()
	u := newChanUart()
	p := NewPort(u, 1, clock.WallClock, log2.NewTest(t, log2.LDebug))
	defer p.Close()

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	b, err := Frame{Src: 0, Dst: 1, Type: ProgramData, Payload: payload}.Encode()
	require.NoError(t, err)
	u.in <- b[:100]
	// several uart poll timeouts inside frame
	time.Sleep(30 * time.Millisecond)
	u.in <- b[100:]

	f, err := p.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ProgramData, f.Type)
	assert.Equal(t, payload, f.Payload)
}

func TestPortStalledFrame(t *testing.T) {
	t.Parallel()
	u := newChanUart()
	p := NewPort(u, 1, clock.WallClock, log2.NewTest(t, log2.LDebug))
	defer p.Close()

	b, err := Frame{Src: 0, Dst: 1, Type: ProgramData, Payload: make([]byte, 64)}.Encode()
	require.NoError(t, err)
	u.in <- b[:10]
	_, err = p.Receive(FrameTimeout + time.Second)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)

	u.feed(t, Frame{Src: 0, Dst: 1, Type: IdReq})
	f, err := p.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, IdReq, f.Type)
}
