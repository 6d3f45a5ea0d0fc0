package update

import "fmt"

type Status uint8

const (
	StatusOk Status = iota
	StatusBootloaderError
	StatusProgramInvalid
	StatusExecutionError
	StatusWaitingForNewProgram
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusBootloaderError:
		return "bootloader-error"
	case StatusProgramInvalid:
		return "program-invalid"
	case StatusExecutionError:
		return "execution-error"
	case StatusWaitingForNewProgram:
		return "waiting-for-new-program"
	}
	return fmt.Sprintf("status%d", uint8(s))
}

// FirmwareImage describes one image, installed or being received.
type FirmwareImage struct {
	Base   uint32
	Length uint32
	CRC    uint32
	HMAC   [32]byte
}

func (i FirmwareImage) String() string {
	return fmt.Sprintf("base=%08x length=%d crc=%08x", i.Base, i.Length, i.CRC)
}
