package crc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/fvc/helpers"
)

func makeCheckN(fun func(byte, []byte) byte, tag string) func(t *testing.T, v1 byte, vs []byte, expect byte) {
	return func(t *testing.T, v1 byte, vs []byte, expect byte) {
		if fun(v1, vs) != expect {
			t.Errorf("%s(%02x, "+strings.Repeat("%02x", len(vs))+") != %02x", tag, v1, vs, expect)
		}
	}
}

func TestCRC8(t *testing.T) {
	t.Parallel()
	checkN := makeCheckN(CRC8_p31_n, "CRC8_p31_n")
	checkN(t, 0xff, []byte("123456789"), 0xf7)
	checkN(t, 0, []byte{0x00}, 0x00)
	checkN(t, 0, []byte{0x01}, 0x31)
	checkN(t, 0, []byte{0x80}, crc8table[0x80])
	for i := 0; i < 256; i++ {
		assert.Equal(t, CRC8_p31(0, byte(i)), CRC8_p31_n(0, []byte{byte(i)}))
	}
	assert.Equal(t, byte(0xf7), CRC8Frame([]byte("123456789")))
}

func TestCRC32Check(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(0x0376e6e7), CRC32(CRC32_INIT, []byte("123456789")))
	assert.Equal(t, CRC32_INIT, CRC32(CRC32_INIT, nil))
}

func TestCRC32Chunked(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	buf := make([]byte, 4096+rnd.Intn(4096))
	rnd.Read(buf)
	whole := CRC32(CRC32_INIT, buf)
	for _, step := range []int{1, 3, 64, 255, 256, 2048} {
		crc := CRC32_INIT
		for off := 0; off < len(buf); off += step {
			end := off + step
			if end > len(buf) {
				end = len(buf)
			}
			crc = CRC32(crc, buf[off:end])
		}
		assert.Equal(t, whole, crc, "step=%d", step)
	}
}
