package sstfile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/aalhour/dbstress/internal/compression"
	"github.com/cockroachdb/errors"
)

// WriterOptions configure a Writer.
type WriterOptions struct {
	// BlockSize is the uncompressed size at which a block is cut.
	BlockSize int
	// Compression applies to every block. A block is stored uncompressed
	// when compressing does not shrink it.
	Compression compression.Type
}

// DefaultWriterOptions returns uncompressed 4KiB blocks.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:   DefaultBlockSize,
		Compression: compression.None,
	}
}

// Writer builds a staging file. Keys must be added in strictly ascending
// order.
type Writer struct {
	w       io.Writer
	options WriterOptions

	block   []byte
	lastKey []byte
	first   []byte

	offset     uint64
	numEntries uint64
	numBlocks  uint64

	finished bool
	err      error
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Writer{w: w, options: opts}
}

// Add appends an entry.
func (w *Writer) Add(key, value []byte) error {
	if w.finished {
		return errors.New("sstfile: writer already finished")
	}
	if w.err != nil {
		return w.err
	}
	if w.numEntries > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.Newf("sstfile: key %x added after %x", key, w.lastKey)
	}
	if w.numEntries == 0 {
		w.first = append([]byte(nil), key...)
	}

	w.block = binary.AppendUvarint(w.block, uint64(len(key)))
	w.block = append(w.block, key...)
	w.block = binary.AppendUvarint(w.block, uint64(len(value)))
	w.block = append(w.block, value...)
	w.lastKey = append(w.lastKey[:0], key...)
	w.numEntries++

	if len(w.block) >= w.options.BlockSize {
		if err := w.flushBlock(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	payload := w.block
	typ := compression.None
	if w.options.Compression != compression.None {
		c, err := compression.Compress(w.options.Compression, w.block)
		if err != nil {
			return errors.Wrapf(err, "sstfile: compress block %d", w.numBlocks)
		}
		if len(c) < len(w.block) {
			payload, typ = c, w.options.Compression
		}
	}

	buf := make([]byte, 0, blockHeaderSize+len(payload)+blockTrailerSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, byte(typ))
	buf = binary.LittleEndian.AppendUint64(buf, blockChecksum(payload, byte(typ)))
	if err := w.write(buf); err != nil {
		return err
	}
	w.numBlocks++
	w.block = w.block[:0]
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.w.Write(b)
	w.offset += uint64(n)
	return errors.Wrap(err, "sstfile: write")
}

// Finish flushes the last block and writes the footer. The Writer must not
// be used afterwards.
func (w *Writer) Finish() error {
	if w.finished {
		return errors.New("sstfile: writer already finished")
	}
	if w.err != nil {
		return w.err
	}
	w.finished = true
	if err := w.flushBlock(); err != nil {
		w.err = err
		return err
	}
	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:], w.numEntries)
	binary.LittleEndian.PutUint64(footer[8:], w.numBlocks)
	binary.LittleEndian.PutUint64(footer[16:], magic)
	if err := w.write(footer[:]); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Abandon discards the file being built.
func (w *Writer) Abandon() {
	w.finished = true
	w.block = nil
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// FileSize returns the number of bytes written so far.
func (w *Writer) FileSize() uint64 { return w.offset }

// Smallest returns the first key added.
func (w *Writer) Smallest() []byte { return w.first }

// Largest returns the last key added.
func (w *Writer) Largest() []byte { return w.lastKey }
