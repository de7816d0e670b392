package sstfile

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/aalhour/dbstress/internal/compression"
	"github.com/cockroachdb/errors"
)

// Entry is one key/value pair of a staging file.
type Entry struct {
	Key   []byte
	Value []byte
}

// Properties summarize a staging file.
type Properties struct {
	NumEntries uint64
	NumBlocks  uint64
	// Compression counts blocks per stored compression type.
	Compression map[compression.Type]int
}

// ReadFile reads and validates the staging file at path.
func ReadFile(path string) ([]Entry, Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Properties{}, errors.Wrapf(err, "sstfile: read %s", path)
	}
	return Read(data)
}

// Read decodes a staging file, verifying every block checksum, the footer,
// and the key order.
func Read(data []byte) ([]Entry, Properties, error) {
	props := Properties{Compression: map[compression.Type]int{}}
	if len(data) < footerSize {
		return nil, props, corruptf("file too short (%d bytes)", len(data))
	}
	footer := data[len(data)-footerSize:]
	if m := binary.LittleEndian.Uint64(footer[16:]); m != magic {
		return nil, props, corruptf("bad magic %#x", m)
	}
	wantEntries := binary.LittleEndian.Uint64(footer[0:])
	wantBlocks := binary.LittleEndian.Uint64(footer[8:])

	var entries []Entry
	body := data[:len(data)-footerSize]
	for off := 0; off < len(body); {
		if len(body)-off < blockHeaderSize {
			return nil, props, corruptf("truncated block header at offset %d", off)
		}
		n := int(binary.LittleEndian.Uint32(body[off:]))
		start := off + blockHeaderSize
		end := start + n
		if end+blockTrailerSize > len(body) {
			return nil, props, corruptf("block at offset %d overruns file", off)
		}
		payload := body[start:end]
		typ := body[end]
		sum := binary.LittleEndian.Uint64(body[end+1:])
		if got := blockChecksum(payload, typ); got != sum {
			return nil, props, corruptf("block at offset %d: checksum %#x, want %#x", off, got, sum)
		}
		raw, err := compression.Decompress(compression.Type(typ), payload)
		if err != nil {
			return nil, props, errors.Mark(errors.Wrapf(err, "sstfile: block at offset %d", off), ErrCorrupt)
		}
		entries, err = decodeBlock(entries, raw)
		if err != nil {
			return nil, props, err
		}
		props.NumBlocks++
		props.Compression[compression.Type(typ)]++
		off = end + blockTrailerSize
	}

	props.NumEntries = uint64(len(entries))
	if props.NumEntries != wantEntries || props.NumBlocks != wantBlocks {
		return nil, props, corruptf("footer records %d entries in %d blocks, found %d in %d",
			wantEntries, wantBlocks, props.NumEntries, props.NumBlocks)
	}
	return entries, props, nil
}

func decodeBlock(entries []Entry, b []byte) ([]Entry, error) {
	next := func() ([]byte, bool) {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return nil, false
		}
		v := b[n : n+int(l)]
		b = b[n+int(l):]
		return v, true
	}
	for len(b) > 0 {
		k, ok := next()
		if !ok {
			return nil, corruptf("truncated key")
		}
		v, ok := next()
		if !ok {
			return nil, corruptf("truncated value")
		}
		if len(entries) > 0 && bytes.Compare(k, entries[len(entries)-1].Key) <= 0 {
			return nil, corruptf("key %x out of order", k)
		}
		entries = append(entries, Entry{Key: k, Value: v})
	}
	return entries, nil
}
