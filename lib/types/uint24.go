package types

import (
	"strconv"
)

// MaxUint24 is the largest value a [Uint24] can hold.
const MaxUint24 = 1<<24 - 1

type Uint24 uint32 // Only the low 24 bits are meaningful.

// NOTE: This truncates most significant byte from u32.
func NewUint24(u32 uint32) Uint24 { return Uint24(u32 & MaxUint24) }

// ReadUint24 reads a big-endian 24-bit integer from the first three bytes of b.
func ReadUint24(b []byte) Uint24 {
	_ = b[2] // bounds check hint.
	return Uint24(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// Put writes u24 in big endian into the first three bytes of b.
func (u24 Uint24) Put(b []byte) {
	_ = b[2]
	b[0] = byte(u24 >> 16)
	b[1] = byte(u24 >> 8)
	b[2] = byte(u24)
}

func (u24 Uint24) Bytes() [3]byte {
	var b [3]byte
	u24.Put(b[:])
	return b
}

func (u24 Uint24) String() string { return strconv.FormatUint(uint64(u24), 10) }

func (u24 Uint24) Uint32() uint32 { return uint32(u24) }
