// Package link is application frame protocol between host and board:
// {src, dst, type, [len u16 BE, payload], crc8}. Payload shape depends on type.
package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/fvc/crc"
)

type Type byte

const (
	Nack Type = iota
	Ack
	FatalError
	IdReq
	IdResp
	CliData
	UpdateRequest
	ProgramData
	UpdateFinished
	EepromRead
	EepromWrite
	typeTop
)

const (
	HostID          byte = 0
	MaxPayload           = 16 * 1024
	MaxProgramData       = 2 * 1024
	UpdateRequestLen     = 40
	EepromLen            = 5
	headerLen            = 3
)

var typeNames = [...]string{"nack", "ack", "fatal-error", "id-req", "id-resp", "cli-data",
	"update-request", "program-data", "update-finished", "eeprom-read", "eeprom-write"}

func (t Type) String() string {
	if t < typeTop {
		return typeNames[t]
	}
	return fmt.Sprintf("type%d", byte(t))
}

// payload length for fixed types, -1 for length-prefixed
func (t Type) fixedLen() int {
	switch t {
	case Nack, Ack, FatalError, IdReq:
		return 0
	case IdResp, UpdateFinished:
		return 1
	case UpdateRequest:
		return UpdateRequestLen
	case EepromRead, EepromWrite:
		return EepromLen
	}
	return -1
}

type Frame struct {
	Src     byte
	Dst     byte
	Type    Type
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %d->%d len=%d", f.Type, f.Src, f.Dst, len(f.Payload))
}

func (f Frame) Encode() ([]byte, error) {
	if f.Type >= typeTop {
		return nil, errors.NotValidf("link frame type=%d", byte(f.Type))
	}
	n := f.Type.fixedLen()
	var b []byte
	if n >= 0 {
		if len(f.Payload) != n {
			return nil, errors.NotValidf("link frame %s payload length=%d expected=%d", f.Type, len(f.Payload), n)
		}
		b = make([]byte, 0, headerLen+n+1)
		b = append(b, f.Src, f.Dst, byte(f.Type))
	} else {
		if len(f.Payload) > MaxPayload {
			return nil, errors.QuotaLimitExceededf("link frame %s payload length=%d", f.Type, len(f.Payload))
		}
		b = make([]byte, 0, headerLen+2+len(f.Payload)+1)
		b = append(b, f.Src, f.Dst, byte(f.Type), byte(len(f.Payload)>>8), byte(len(f.Payload)))
	}
	b = append(b, f.Payload...)
	b = append(b, crc.CRC8Frame(b))
	return b, nil
}

func Decode(b []byte) (Frame, error) {
	f, n, err := decode(b)
	if err == nil && n != len(b) {
		err = errors.NotValidf("link frame trailing bytes=%d", len(b)-n)
	}
	return f, err
}

func decode(b []byte) (Frame, int, error) {
	if len(b) < headerLen+1 {
		return Frame{}, 0, errors.NotValidf("link frame short length=%d", len(b))
	}
	f := Frame{Src: b[0], Dst: b[1], Type: Type(b[2])}
	if f.Type >= typeTop {
		return f, 0, errors.NotValidf("link frame type=%d", b[2])
	}
	i := headerLen
	n := f.Type.fixedLen()
	if n < 0 {
		if len(b) < headerLen+2 {
			return f, 0, errors.NotValidf("link frame short length=%d", len(b))
		}
		n = int(binary.BigEndian.Uint16(b[headerLen:]))
		i += 2
	}
	if len(b) < i+n+1 {
		return f, 0, errors.NotValidf("link frame %s short length=%d", f.Type, len(b))
	}
	if sum := crc.CRC8Frame(b[:i+n]); sum != b[i+n] {
		return f, 0, errors.NotValidf("link frame crc=%02x expected=%02x", b[i+n], sum)
	}
	if n > 0 {
		f.Payload = append([]byte(nil), b[i:i+n]...)
	}
	return f, i + n + 1, nil
}

// ReadFrame reads exactly one frame, length known from type.
func ReadFrame(r io.Reader) (Frame, error) {
	var buf [headerLen + 2 + MaxPayload + 1]byte
	if _, err := io.ReadFull(r, buf[:headerLen]); err != nil {
		return Frame{}, err
	}
	t := Type(buf[2])
	if t >= typeTop {
		return Frame{}, errors.NotValidf("link frame type=%d", buf[2])
	}
	i := headerLen
	n := t.fixedLen()
	if n < 0 {
		if _, err := io.ReadFull(r, buf[i:i+2]); err != nil {
			return Frame{}, errors.Annotate(err, "link frame length")
		}
		n = int(binary.BigEndian.Uint16(buf[i:]))
		i += 2
		if n > MaxPayload {
			return Frame{}, errors.QuotaLimitExceededf("link frame %s payload length=%d", t, n)
		}
	}
	if _, err := io.ReadFull(r, buf[i:i+n+1]); err != nil {
		return Frame{}, errors.Annotatef(err, "link frame %s body", t)
	}
	f, _, err := decode(buf[:i+n+1])
	return f, err
}
