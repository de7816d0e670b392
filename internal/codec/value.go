package codec

import "encoding/binary"

const (
	// MaxValueLen bounds every generated value.
	MaxValueLen = 100

	// DefaultValueSizeMult is the default granularity of value sizes.
	DefaultValueSizeMult = 8

	// genHeaderSize is the little-endian generation id that leads each value.
	genHeaderSize = 4

	valueMaxFactor = 3
)

// ValueCodec generates the value bytes for a value generation id.
//
// Generate is a pure function of (gen, maxLen): the same inputs always yield
// the same bytes, which is what lets the verifier regenerate the expected
// payload from nothing but the oracle's generation id. Every value starts
// with the 4-byte generation id, so distinct ids never produce equal values.
type ValueCodec struct {
	// SizeMult scales value length: a value is ((gen%3)+1)*SizeMult bytes,
	// clamped to [4, maxLen].
	SizeMult int
}

// DefaultValueCodec returns a codec with the default size multiplier.
func DefaultValueCodec() ValueCodec {
	return ValueCodec{SizeMult: DefaultValueSizeMult}
}

// Size returns the length Generate(gen, maxLen) would produce.
func (c ValueCodec) Size(gen uint32, maxLen int) int {
	mult := c.SizeMult
	if mult <= 0 {
		mult = DefaultValueSizeMult
	}
	if maxLen > MaxValueLen || maxLen <= 0 {
		maxLen = MaxValueLen
	}
	if maxLen < genHeaderSize {
		maxLen = genHeaderSize
	}
	sz := (int(gen%valueMaxFactor) + 1) * mult
	if sz < genHeaderSize {
		sz = genHeaderSize
	}
	if sz > maxLen {
		sz = maxLen
	}
	return sz
}

// Generate returns the value for generation gen, at most maxLen bytes long.
func (c ValueCodec) Generate(gen uint32, maxLen int) []byte {
	sz := c.Size(gen, maxLen)
	v := make([]byte, sz)
	binary.LittleEndian.PutUint32(v, gen)
	for i := genHeaderSize; i < sz; i++ {
		v[i] = byte(gen ^ uint32(i))
	}
	return v
}

// ValueGen extracts the generation id a value was generated from. It does
// not check the payload; use Generate and compare for that.
func ValueGen(v []byte) (uint32, bool) {
	if len(v) < genHeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}
