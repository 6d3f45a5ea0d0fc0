package report

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/log2"
)

type fakeToken struct{ mqtt.Token }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mqtt.Client
	connected bool
	ch        chan published
}

func (self *fakeClient) IsConnected() bool { return self.connected }
func (self *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	self.ch <- published{topic, retained, payload.([]byte)}
	return fakeToken{}
}
func (self *fakeClient) Disconnect(uint) {}

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Noop{}, r)
	r.Report(Event{Status: "ok"})
	r.Close()

	_, err = New(Config{Enable: true}, nil)
	assert.True(t, errors.IsNotValid(err))
}

func TestMqttReport(t *testing.T) {
	t.Parallel()
	c := &fakeClient{connected: true, ch: make(chan published, 4)}
	r := &Mqtt{log: log2.NewTest(t, log2.LDebug), m: c, topic: "fvc/1/status"}

	r.Report(Event{BoardID: 1, Status: "ok", Mode: "supervise", Time: 1700000000})
	p := <-c.ch
	assert.Equal(t, "fvc/1/status", p.topic)
	assert.True(t, p.retained)
	assert.Equal(t, `{"board":1,"status":"ok","mode":"supervise","time":1700000000}`, string(p.payload))

	c.connected = false
	r.Report(Event{BoardID: 1, Error: "lost"})
	assert.Len(t, c.ch, 0)

	r.Close()
	p = <-c.ch
	assert.Equal(t, "fvc/1/status/c", p.topic)
	assert.Equal(t, []byte{0}, p.payload)
}
