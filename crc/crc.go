// Package crc has both checksums used around the companion board:
// CRC-8 guarding application link frames and the running CRC-32
// that identifies a firmware image in the companion and backup flash.
package crc

// CRC-8 poly 0x31, init 0xff, no reflection, no final xor.
const CRC8_POLY_31 byte = 0x31
const CRC8_INIT byte = 0xff

var crc8table = func() (t [256]byte) {
	for i := range t {
		t[i] = CRC8_p31(0, byte(i))
	}
	return
}()

// Bit by bit reference, also used to build lookup table.
func CRC8_p31(crc, data byte) byte {
	crc ^= data
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x80) != 0 {
			crc <<= 1
			crc ^= CRC8_POLY_31
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC8_p31_n(crc byte, data []byte) byte {
	for _, b := range data {
		crc = crc8table[crc^b]
	}
	return crc
}

// Frame checksum as link peers compute it.
func CRC8Frame(data []byte) byte { return CRC8_p31_n(CRC8_INIT, data) }

// CRC-32 poly 0x04c11db7, MSB first, no final xor,
// same as companion CRC peripheral fed byte-wise.
// Running state is the raw register, so folding may be split at any byte.
const CRC32_POLY uint32 = 0x04c11db7
const CRC32_INIT uint32 = 0xffffffff

var crc32table = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = (c << 1) ^ CRC32_POLY
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return
}()

func CRC32(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc << 8) ^ crc32table[byte(crc>>24)^b]
	}
	return crc
}
