package helpers

import (
	"encoding/hex"
	"io"
)

// MustHex is for constants in tests and mocks.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Hex helper for readable byte traffic in tests and logs.
func HexSpaced(b []byte) string {
	const digits = "0123456789abcdef"
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, x := range b {
		if i != 0 {
			out = append(out, ' ')
		}
		out = append(out, digits[x>>4], digits[x&0xf])
	}
	return string(out)
}

// WriteAll repeats short writes, UART driver may accept partial frame.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
