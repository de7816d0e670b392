package codec

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOrderPreserving(t *testing.T) {
	edges := []int64{0, 1, 255, 256, 65535, 65536, 1<<32 - 1, 1 << 32, 1<<63 - 2}
	for i := 1; i < len(edges); i++ {
		require.Negative(t, bytes.Compare(Key(edges[i-1]), Key(edges[i])),
			"Key(%d) should sort before Key(%d)", edges[i-1], edges[i])
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 10000 {
		a, b := rng.Int64N(1<<40), rng.Int64N(1<<40)
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		require.Negative(t, bytes.Compare(Key(a), Key(b)), "a=%d b=%d", a, b)
	}
}

func TestKeyToInt(t *testing.T) {
	for _, k := range []int64{0, 5, 1 << 20, 1<<63 - 1} {
		got, err := KeyToInt(Key(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}

	_, err := KeyToInt([]byte{1, 2, 3})
	require.Error(t, err)
	_, err = KeyToInt(bytes.Repeat([]byte{0xff}, KeySize))
	require.Error(t, err)
}

func TestNextPrefix(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
		ok   bool
	}{
		{[]byte{0x00, 0x01}, []byte{0x00, 0x02}, true},
		{[]byte{0x00, 0xff}, []byte{0x01}, true},
		{[]byte{0x12, 0xff, 0xff}, []byte{0x13}, true},
		{[]byte{0xff, 0xff}, nil, false},
	}
	for _, tt := range tests {
		got, ok := NextPrefix(tt.in)
		require.Equal(t, tt.ok, ok, "NextPrefix(%x)", tt.in)
		require.Equal(t, tt.want, got, "NextPrefix(%x)", tt.in)
	}

	// Every key with the prefix sorts below the bound.
	prefix := Key(0x1ff)[:7]
	bound, ok := NextPrefix(prefix)
	require.True(t, ok)
	for k := int64(0x100); k < 0x200; k++ {
		require.Negative(t, bytes.Compare(Key(k), bound))
	}
	require.GreaterOrEqual(t, bytes.Compare(Key(0x200), bound), 0)
}

func TestPrefixSpan(t *testing.T) {
	lo, hi := PrefixSpan(300, 7)
	require.Equal(t, int64(256), lo)
	require.Equal(t, int64(512), hi)

	lo, hi = PrefixSpan(300, 8)
	require.Equal(t, int64(300), lo)
	require.Equal(t, int64(301), hi)

	lo, hi = PrefixSpan(70000, 6)
	require.Equal(t, int64(65536), lo)
	require.Equal(t, int64(131072), hi)
}

func TestGenerateIsPure(t *testing.T) {
	c := DefaultValueCodec()
	for gen := uint32(0); gen < 2000; gen++ {
		require.Equal(t, c.Generate(gen, MaxValueLen), c.Generate(gen, MaxValueLen))
	}
}

func TestGenerateDistinct(t *testing.T) {
	c := ValueCodec{SizeMult: 2}
	seen := make(map[string]uint32)
	for gen := uint32(0); gen < 50000; gen++ {
		v := string(c.Generate(gen, MaxValueLen))
		prev, dup := seen[v]
		require.False(t, dup, "gen %d and %d generate the same value", prev, gen)
		seen[v] = gen
	}
}

func TestGenerateLength(t *testing.T) {
	c := DefaultValueCodec()
	require.Len(t, c.Generate(0, MaxValueLen), 8)
	require.Len(t, c.Generate(1, MaxValueLen), 16)
	require.Len(t, c.Generate(2, MaxValueLen), 24)
	require.Len(t, c.Generate(3, MaxValueLen), 8)

	big := ValueCodec{SizeMult: 64}
	require.Len(t, big.Generate(2, MaxValueLen), MaxValueLen)
	require.Len(t, big.Generate(2, 1000), MaxValueLen)
	require.Len(t, big.Generate(2, 10), 10)
	require.Len(t, big.Generate(2, 1), genHeaderSize)

	gen, ok := ValueGen(c.Generate(12345, MaxValueLen))
	require.True(t, ok)
	require.Equal(t, uint32(12345), gen)
}
