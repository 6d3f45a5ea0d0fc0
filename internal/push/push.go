// Package push is host side of firmware update: it signs an image,
// announces it with UpdateRequest and streams ProgramData packets.
package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/fvc/internal/link"
	"github.com/temoto/fvc/log2"
)

const (
	DefaultPacketSize      = link.MaxProgramData
	DefaultRetransfers     = 5
	DefaultResponseTimeout = 10 * time.Second
	DefaultFinishTimeout   = 60 * time.Second
)

type Link interface {
	Send(f link.Frame) error
	Receive(timeout time.Duration) (link.Frame, error)
}

type Config struct {
	BoardID         byte
	FirmwareID      uint32
	HMACKey         []byte
	PacketSize      int
	Retransfers     int
	ResponseTimeout time.Duration
	FinishTimeout   time.Duration
}

type Pusher struct {
	link   Link
	config Config
	log    *log2.Log
}

func New(l Link, config Config, log *log2.Log) *Pusher {
	if config.PacketSize <= 0 || config.PacketSize > link.MaxProgramData {
		config.PacketSize = DefaultPacketSize
	}
	if config.Retransfers <= 0 {
		config.Retransfers = DefaultRetransfers
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.FinishTimeout == 0 {
		config.FinishTimeout = DefaultFinishTimeout
	}
	return &Pusher{link: l, config: config, log: log}
}

// Sign returns HMAC-SHA256 over image bytes as sent, without padding.
func Sign(key, image []byte) [32]byte {
	var sum [32]byte
	mac := hmac.New(sha256.New, key)
	mac.Write(image) //nolint:errcheck
	copy(sum[:], mac.Sum(nil))
	return sum
}

// Push transfers image and returns board reported outcome.
// Board may end session early with UpdateFinished, that is not an error.
func (self *Pusher) Push(image []byte) (byte, error) {
	if len(image) == 0 {
		return 0, errors.NotValidf("push image length=0")
	}
	size := self.config.PacketSize
	count := (len(image) + size - 1) / size
	req := link.UpdateRequestPayload{
		FirmwareID:  self.config.FirmwareID,
		PacketCount: uint32(count),
		HMAC:        Sign(self.config.HMACKey, image),
	}
	self.log.Infof("push firmware=%d length=%d packets=%d", req.FirmwareID, len(image), count)

	// board may need time to mirror backup and erase before ACK
	ok, outcome, err := self.exchange(link.Frame{Type: link.UpdateRequest, Payload: req.Bytes()}, self.config.FinishTimeout)
	if err != nil {
		return 0, errors.Annotate(err, "push request")
	}
	if outcome != nil {
		return *outcome, nil
	}
	if !ok {
		return 0, errors.Errorf("push request rejected")
	}

	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if end > len(image) {
			end = len(image)
		}
		f := link.Frame{Type: link.ProgramData, Payload: image[i*size : end]}
		sent := false
		for try := 0; try <= self.config.Retransfers; try++ {
			ok, outcome, err = self.exchange(f, self.config.ResponseTimeout)
			if err != nil {
				return 0, errors.Annotatef(err, "push packet=%d", i)
			}
			if outcome != nil {
				self.log.Errorf("push packet=%d session ended outcome=%d", i, *outcome)
				return *outcome, nil
			}
			if ok {
				sent = true
				break
			}
			self.log.Infof("push packet=%d nack, retransfer=%d", i, try+1)
		}
		if !sent {
			return 0, errors.Errorf("push packet=%d retransfers exhausted", i)
		}
	}
	return self.awaitFinished()
}

// exchange sends f and waits for ACK, NACK or UpdateFinished from board.
func (self *Pusher) exchange(f link.Frame, timeout time.Duration) (bool, *byte, error) {
	f.Src, f.Dst = link.HostID, self.config.BoardID
	if err := self.link.Send(f); err != nil {
		return false, nil, err
	}
	for {
		r, err := self.link.Receive(timeout)
		if err != nil {
			return false, nil, err
		}
		switch {
		case r.Src != self.config.BoardID:
			self.log.Debugf("push ignore %s", r)
		case r.Type == link.Ack:
			return true, nil, nil
		case r.Type == link.Nack:
			return false, nil, nil
		case r.Type == link.UpdateFinished:
			outcome := r.Payload[0]
			return false, &outcome, nil
		default:
			self.log.Debugf("push ignore %s", r)
		}
	}
}

func (self *Pusher) awaitFinished() (byte, error) {
	for {
		r, err := self.link.Receive(self.config.FinishTimeout)
		if err != nil {
			return 0, errors.Annotate(err, "push await finished")
		}
		if r.Src == self.config.BoardID && r.Type == link.UpdateFinished {
			return r.Payload[0], nil
		}
		self.log.Debugf("push ignore %s", r)
	}
}
