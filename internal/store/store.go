// Package store keeps typed 32-bit slots: board identity, installed
// firmware record and backup record. Survives power loss.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

type Key uint8

const (
	BoardID Key = iota + 1
	FirmwareVersion
	Config
	FirmwareLength
	FirmwareCRC
	BackupLength
	BackupCRC
	keyTop
)

func (k Key) String() string {
	switch k {
	case BoardID:
		return "board-id"
	case FirmwareVersion:
		return "firmware-version"
	case Config:
		return "config"
	case FirmwareLength:
		return "firmware-length"
	case FirmwareCRC:
		return "firmware-crc"
	case BackupLength:
		return "backup-length"
	case BackupCRC:
		return "backup-crc"
	}
	return fmt.Sprintf("key%d", uint8(k))
}

func (k Key) Valid() bool { return k >= BoardID && k < keyTop }

type Store interface {
	// Get returns errors.NotFound for never written slot.
	Get(Key) (uint32, error)
	// Set skips storage write when value is unchanged.
	Set(Key, uint32) error
}

// Pair reads two slots, typically length and CRC of one image.
func Pair(s Store, k1, k2 Key) (uint32, uint32, error) {
	v1, err := s.Get(k1)
	if err != nil {
		return 0, 0, err
	}
	v2, err := s.Get(k2)
	if err != nil {
		return 0, 0, err
	}
	return v1, v2, nil
}

type slots map[Key]uint32

const formatVersion = 1
const entrySize = 5

func (s slots) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1, 1+len(s)*entrySize)
	b[0] = formatVersion
	for k := BoardID; k < keyTop; k++ {
		if v, ok := s[k]; ok {
			var e [entrySize]byte
			e[0] = byte(k)
			binary.BigEndian.PutUint32(e[1:], v)
			b = append(b, e[:]...)
		}
	}
	return b, nil
}

func (s slots) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if b[0] != formatVersion {
		return errors.NotSupportedf("store format version=%d", b[0])
	}
	b = b[1:]
	if len(b)%entrySize != 0 {
		return errors.NotValidf("store data length=%d", len(b)+1)
	}
	for ; len(b) > 0; b = b[entrySize:] {
		k := Key(b[0])
		if !k.Valid() {
			return errors.NotValidf("store key=%d", b[0])
		}
		s[k] = binary.BigEndian.Uint32(b[1:entrySize])
	}
	return nil
}
