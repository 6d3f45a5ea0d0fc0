package link

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fvc/crc"
	"github.com/temoto/fvc/helpers"
)

func TestEncode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		frame  Frame
		expect string
	}{
		{"ack", Frame{Src: 1, Dst: 0, Type: Ack}, "010001"},
		{"id-resp", Frame{Src: 1, Dst: 0, Type: IdResp, Payload: []byte{7}}, "01000407"},
		{"cli", Frame{Src: 1, Dst: 0, Type: CliData, Payload: []byte("hi")}, "010005" + "0002" + "6869"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := c.frame.Encode()
			require.NoError(t, err)
			body := helpers.MustHex(c.expect)
			assert.Equal(t, append(body, crc.CRC8Frame(body)), b)
			f, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.frame.Type, f.Type)
			assert.Equal(t, c.frame.Src, f.Src)
			assert.Equal(t, len(c.frame.Payload), len(f.Payload))
		})
	}
}

func TestEncodeInvalid(t *testing.T) {
	t.Parallel()
	_, err := Frame{Type: typeTop}.Encode()
	assert.True(t, errors.IsNotValid(err))
	_, err = Frame{Type: UpdateRequest, Payload: make([]byte, 12)}.Encode()
	assert.True(t, errors.IsNotValid(err))
	_, err = Frame{Type: ProgramData, Payload: make([]byte, MaxPayload+1)}.Encode()
	assert.True(t, errors.IsQuotaLimitExceeded(err))
}

func TestDecodeCorrupt(t *testing.T) {
	t.Parallel()
	b, err := Frame{Src: 0, Dst: 1, Type: ProgramData, Payload: []byte{1, 2, 3}}.Encode()
	require.NoError(t, err)
	for i := range b {
		c := append([]byte(nil), b...)
		c[i] ^= 0x10
		_, err := Decode(c)
		assert.Error(t, err, "flip byte %d", i)
	}
	_, err = Decode(b[:len(b)-1])
	assert.True(t, errors.IsNotValid(err))
	_, err = Decode(append(b, 0))
	assert.True(t, errors.IsNotValid(err))
}

func TestReadFrameStream(t *testing.T) {
	t.Parallel()
	req := UpdateRequestPayload{FirmwareID: 2, PacketCount: 3}
	req.HMAC[0] = 0xaa
	frames := []Frame{
		{Src: 0, Dst: 1, Type: UpdateRequest, Payload: req.Bytes()},
		{Src: 0, Dst: 1, Type: ProgramData, Payload: bytes.Repeat([]byte{0x42}, MaxProgramData)},
		{Src: 0, Dst: 1, Type: IdReq},
	}
	var stream []byte
	for _, f := range frames {
		b, err := f.Encode()
		require.NoError(t, err)
		stream = append(stream, b...)
	}
	r := bufio.NewReader(bytes.NewReader(stream))
	for _, expect := range frames {
		f, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, expect.Type, f.Type)
		assert.Equal(t, expect.Payload, f.Payload)
	}
	parsed, err := ParseUpdateRequest(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
}

func TestPayloads(t *testing.T) {
	t.Parallel()
	_, err := ParseUpdateRequest(make([]byte, 12))
	assert.True(t, errors.IsNotValid(err))
	e := EepromPayload{Key: 4, Value: 0x01020304}
	assert.Equal(t, helpers.MustHex("0401020304"), e.Bytes())
	parsed, err := ParseEeprom(e.Bytes())
	require.NoError(t, err)
	assert.Equal(t, e, parsed)
	_, err = ParseEeprom([]byte{1})
	assert.True(t, errors.IsNotValid(err))
	assert.Equal(t, "update-request", UpdateRequest.String())
	assert.Equal(t, "type42", Type(42).String())
}
