package bootloader

import "fmt"

const (
	Sync   byte = 0x5a
	Ack    byte = 0x79
	Nack   byte = 0x1f
	Marker byte = 0xa5

	MaxTransfer = 256
	// Erase count selecting whole flash.
	MassErase uint16 = 0xffff
	// Counts at and above are special erase codes, sent as is.
	specialErase uint16 = 0xfffd
)

type Command byte

const (
	CmdGet        Command = 0x00
	CmdGetVersion Command = 0x01
	CmdGetID      Command = 0x02
	CmdRead       Command = 0x11
	CmdGo         Command = 0x21
	CmdWrite      Command = 0x31
	CmdErase      Command = 0x44
)

func (c Command) String() string {
	switch c {
	case CmdGet:
		return "GET"
	case CmdGetVersion:
		return "GET_VERSION"
	case CmdGetID:
		return "GET_ID"
	case CmdRead:
		return "READ"
	case CmdGo:
		return "GO"
	case CmdWrite:
		return "WRITE"
	case CmdErase:
		return "ERASE"
	}
	return fmt.Sprintf("cmd%02x", byte(c))
}

func commandFrame(c Command) [3]byte {
	return [3]byte{Sync, byte(c), ^byte(c)}
}

func xorSum(init byte, b []byte) byte {
	for _, x := range b {
		init ^= x
	}
	return init
}

// address big-endian + xor checksum
func addressFrame(addr uint32) [5]byte {
	f := [5]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	f[4] = xorSum(0, f[:4])
	return f
}
