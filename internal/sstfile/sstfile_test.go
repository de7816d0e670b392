package sstfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/aalhour/dbstress/internal/codec"
	"github.com/aalhour/dbstress/internal/compression"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func buildFile(t *testing.T, opts WriterOptions, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf, opts)
	vc := codec.DefaultValueCodec()
	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(codec.Key(int64(i)), vc.Generate(uint32(i), codec.MaxValueLen)))
	}
	require.NoError(t, w.Finish())
	require.Equal(t, uint64(n), w.NumEntries())
	require.Equal(t, uint64(buf.Len()), w.FileSize())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	for _, typ := range []compression.Type{compression.None, compression.Snappy, compression.Zlib, compression.LZ4, compression.Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			data := buildFile(t, WriterOptions{BlockSize: 256, Compression: typ}, 500)
			entries, props, err := Read(data)
			require.NoError(t, err)
			require.Len(t, entries, 500)
			require.Equal(t, uint64(500), props.NumEntries)
			require.Greater(t, props.NumBlocks, uint64(1))

			vc := codec.DefaultValueCodec()
			for i, e := range entries {
				require.Equal(t, codec.Key(int64(i)), e.Key)
				require.Equal(t, vc.Generate(uint32(i), codec.MaxValueLen), e.Value)
			}
		})
	}
}

func TestEmptyFile(t *testing.T) {
	data := buildFile(t, DefaultWriterOptions(), 0)
	require.Len(t, data, footerSize)
	entries, props, err := Read(data)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, props.NumBlocks)
}

func TestWriterRejectsUnorderedKeys(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, DefaultWriterOptions())
	require.NoError(t, w.Add(codec.Key(5), []byte("v")))
	require.Error(t, w.Add(codec.Key(5), []byte("v")))
	require.Error(t, w.Add(codec.Key(4), []byte("v")))
	require.NoError(t, w.Add(codec.Key(6), []byte("v")))
	require.Equal(t, codec.Key(5), w.Smallest())
	require.Equal(t, codec.Key(6), w.Largest())
}

func TestWriterFinishTwice(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, DefaultWriterOptions())
	require.NoError(t, w.Finish())
	require.Error(t, w.Finish())
	require.Error(t, w.Add([]byte("a"), nil))
}

func TestReadDetectsCorruption(t *testing.T) {
	good := buildFile(t, WriterOptions{BlockSize: 128, Compression: compression.Snappy}, 100)

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"flipped payload byte", func(b []byte) []byte { b[10] ^= 0x01; return b }},
		{"bad magic", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)/2] }},
		{"too short", func(b []byte) []byte { return b[:10] }},
		{"wrong entry count", func(b []byte) []byte { b[len(b)-footerSize]++; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, _, err := Read(b)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrCorrupt), "%v", err)
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	require.NoError(t, os.WriteFile(path, buildFile(t, DefaultWriterOptions(), 10), 0o644))
	entries, _, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 10)

	_, _, err = ReadFile(filepath.Join(t.TempDir(), "missing.sst"))
	require.Error(t, err)
}
