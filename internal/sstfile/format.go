// Package sstfile reads and writes the sorted staging files that the memory
// backend ingests.
//
// A file is a sequence of blocks followed by a fixed-size footer:
//
//	block:  payload_len (4 bytes LE) | payload | compression type (1 byte) | xxh3 (8 bytes LE)
//	footer: num_entries (8 bytes LE) | num_blocks (8 bytes LE) | magic (8 bytes LE)
//
// The checksum covers the payload and the compression type. An uncompressed
// payload is a run of entries, each uvarint(len(key)) | key | uvarint(len(value)) | value,
// with keys in strictly ascending byte order across the whole file.
package sstfile

import (
	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"
)

const (
	magic = uint64(0x31306465_67617473)

	blockHeaderSize  = 4
	blockTrailerSize = 1 + 8
	footerSize       = 24

	// DefaultBlockSize is the uncompressed size at which a block is cut.
	DefaultBlockSize = 4096
)

// ErrCorrupt marks malformed or checksum-failing files.
var ErrCorrupt = errors.New("sstfile: corrupt file")

func corruptf(format string, args ...any) error {
	return errors.Mark(errors.Newf("sstfile: "+format, args...), ErrCorrupt)
}

func blockChecksum(payload []byte, typ byte) uint64 {
	h := xxh3.New()
	_, _ = h.Write(payload)
	_, _ = h.Write([]byte{typ})
	return h.Sum64()
}
