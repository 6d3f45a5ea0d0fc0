// Package report publishes board status to MQTT broker for remote monitoring.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/fvc/log2"
)

type Event struct {
	BoardID byte   `json:"board"`
	Status  string `json:"status,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Error   string `json:"error,omitempty"`
	Time    int64  `json:"time"`
}

func (e Event) Bytes() []byte {
	b, _ := json.Marshal(e)
	return b
}

type Reporter interface {
	Report(e Event)
	Close()
}

type Config struct {
	Enable    bool
	Broker    string
	Topic     string
	ClientID  string
	KeepAlive time.Duration
}

type Noop struct{}

func (Noop) Report(Event) {}
func (Noop) Close()       {}

// New returns Noop when disabled. Broker unavailable at start is not
// an error, client keeps reconnecting.
func New(c Config, log *log2.Log) (Reporter, error) {
	if !c.Enable {
		return Noop{}, nil
	}
	if c.Broker == "" || c.Topic == "" {
		return nil, errors.NotValidf("report broker=%q topic=%q", c.Broker, c.Topic)
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	self := &Mqtt{log: log, topic: c.Topic}
	opt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(c.KeepAlive).
		SetPingTimeout(c.KeepAlive/2).
		SetBinaryWill(c.Topic+"/c", []byte{0x00}, 1, true).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)
	self.m = mqtt.NewClient(opt)
	if t := self.m.Connect(); t.WaitTimeout(5*time.Second) && t.Error() != nil {
		log.Errorf("report mqtt connect broker=%s err=%v", c.Broker, t.Error())
	}
	return self, nil
}

type Mqtt struct {
	log   *log2.Log
	m     mqtt.Client
	topic string
}

func (self *Mqtt) Report(e Event) {
	if e.Time == 0 {
		e.Time = time.Now().Unix()
	}
	if !self.m.IsConnected() {
		self.log.Debugf("report not connected, drop %s", e.Bytes())
		return
	}
	// never log errors here, error log is forwarded to Report
	t := self.m.Publish(self.topic, 1, true, e.Bytes())
	go func() {
		if t.WaitTimeout(10*time.Second) && t.Error() != nil {
			self.log.Debugf("report publish err=%v", t.Error())
		}
	}()
}

func (self *Mqtt) Close() {
	self.m.Publish(self.topic+"/c", 1, true, []byte{0x00}).WaitTimeout(time.Second)
	self.m.Disconnect(250)
}

func (self *Mqtt) onConnect(c mqtt.Client) {
	self.log.Infof("report mqtt connected")
	c.Publish(self.topic+"/c", 1, true, []byte{0x01})
}

func (self *Mqtt) onConnectionLost(c mqtt.Client, err error) {
	self.log.Infof("report mqtt connection lost: %v", err)
}

func (self *Mqtt) String() string { return fmt.Sprintf("mqtt topic=%s", self.topic) }
