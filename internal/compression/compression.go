// Package compression compresses staging-file blocks.
//
// Each block written by sstfile carries a one-byte Type ahead of its
// payload, so a reader can decode a file regardless of the setting it was
// written with.
package compression

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression algorithm.
type Type uint8

const (
	None   Type = 0x0
	Snappy Type = 0x1
	Zlib   Type = 0x2
	LZ4    Type = 0x4
	Zstd   Type = 0x7
)

// ErrUnsupported is returned for unknown compression types.
var ErrUnsupported = errors.New("compression: unsupported type")

// String returns the name of the compression type, as accepted by Parse.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// IsSupported reports whether t can be compressed and decompressed.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Zlib, LZ4, Zstd:
		return true
	default:
		return false
	}
}

// Parse maps a name to its Type.
func Parse(name string) (Type, error) {
	for _, t := range []Type{None, Snappy, Zlib, LZ4, Zstd} {
		if strings.EqualFold(name, t.String()) {
			return t, nil
		}
	}
	return None, errors.Mark(errors.Newf("compression: unknown type %q", name), ErrUnsupported)
}

// zstd encoders and decoders are expensive to build and safe for concurrent
// EncodeAll/DecodeAll.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress compresses data with t. None returns data unchanged.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "zlib write")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "zlib close")
		}
		return buf.Bytes(), nil

	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "lz4 write")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 close")
		}
		return buf.Bytes(), nil

	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, errors.Wrap(err, "zstd encoder")
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, errors.Mark(errors.Newf("compression: cannot compress with type %d", t), ErrUnsupported)
	}
}

// Decompress reverses Compress.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		out, err := snappy.Decode(nil, data)
		return out, errors.Wrap(err, "snappy decode")

	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "zlib reader")
		}
		defer func() { _ = r.Close() }()
		out, err := io.ReadAll(r)
		return out, errors.Wrap(err, "zlib read")

	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		return out, errors.Wrap(err, "lz4 read")

	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, errors.Wrap(err, "zstd decoder")
		}
		out, err := dec.DecodeAll(data, nil)
		return out, errors.Wrap(err, "zstd decode")

	default:
		return nil, errors.Mark(errors.Newf("compression: cannot decompress type %d", t), ErrUnsupported)
	}
}
