package link

import (
	"encoding/binary"

	"github.com/juju/errors"
)

type UpdateRequestPayload struct {
	FirmwareID  uint32
	PacketCount uint32
	HMAC        [32]byte
}

func ParseUpdateRequest(b []byte) (UpdateRequestPayload, error) {
	var r UpdateRequestPayload
	if len(b) != UpdateRequestLen {
		return r, errors.NotValidf("update request length=%d", len(b))
	}
	r.FirmwareID = binary.BigEndian.Uint32(b[0:])
	r.PacketCount = binary.BigEndian.Uint32(b[4:])
	copy(r.HMAC[:], b[8:])
	return r, nil
}

func (r UpdateRequestPayload) Bytes() []byte {
	b := make([]byte, UpdateRequestLen)
	binary.BigEndian.PutUint32(b[0:], r.FirmwareID)
	binary.BigEndian.PutUint32(b[4:], r.PacketCount)
	copy(b[8:], r.HMAC[:])
	return b
}

// Eeprom payload is {key u8, value u32 BE}, value ignored in read request.
type EepromPayload struct {
	Key   byte
	Value uint32
}

func ParseEeprom(b []byte) (EepromPayload, error) {
	if len(b) != EepromLen {
		return EepromPayload{}, errors.NotValidf("eeprom payload length=%d", len(b))
	}
	return EepromPayload{Key: b[0], Value: binary.BigEndian.Uint32(b[1:])}, nil
}

func (e EepromPayload) Bytes() []byte {
	b := make([]byte, EepromLen)
	b[0] = e.Key
	binary.BigEndian.PutUint32(b[1:], e.Value)
	return b
}

// Update outcome carried by UpdateFinished.
const (
	UpdateOk       byte = 0
	UpdateRestored byte = 1
	UpdateFailed   byte = 2
)
