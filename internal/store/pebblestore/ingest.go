package pebblestore

import (
	"bytes"

	"github.com/aalhour/dbstress/internal/logging"
	"github.com/aalhour/dbstress/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
)

type fileWriter struct {
	s    *Store
	cf   *columnFamily
	path string
	w    *sstable.Writer
	last []byte
	n    int
	done bool
}

// NewExternalFileWriter implements store.Store. The file is a Pebble sstable
// in the database's newest supported table format, holding prefixed keys.
func (s *Store) NewExternalFileWriter(cf store.ColumnFamily, path string) (store.ExternalFileWriter, error) {
	c, err := s.family(cf)
	if err != nil {
		return nil, err
	}
	f, err := s.opts.FS.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "pebblestore: create %s", path)
	}
	wopts := s.opts.MakeWriterOptions(0, s.db.FormatMajorVersion().MaxTableFormat())
	return &fileWriter{
		s:    s,
		cf:   c,
		path: path,
		w:    sstable.NewWriter(objstorageprovider.NewFileWritable(f), wopts),
	}, nil
}

func (fw *fileWriter) Put(key, value []byte) error {
	if fw.done {
		return errors.New("pebblestore: external file already finished")
	}
	if fw.n > 0 && bytes.Compare(key, fw.last) <= 0 {
		return errors.Newf("pebblestore: key %x added after %x", key, fw.last)
	}
	fw.last = append(fw.last[:0], key...)
	fw.n++
	return fw.w.Set(fw.cf.key(key), value)
}

func (fw *fileWriter) Finish() error {
	if fw.done {
		return errors.New("pebblestore: external file already finished")
	}
	fw.done = true
	return errors.Wrapf(fw.w.Close(), "pebblestore: finish %s", fw.path)
}

func (fw *fileWriter) Abandon() {
	if !fw.done {
		fw.done = true
		_ = fw.w.Close()
	}
	_ = fw.s.RemoveFile(fw.path)
}

// IngestExternalFile implements store.Store. Pebble always takes ownership
// of ingested files, so MoveFiles is implied.
func (s *Store) IngestExternalFile(cf store.ColumnFamily, paths []string, _ store.IngestOptions) error {
	if _, err := s.family(cf); err != nil {
		return err
	}
	if err := s.db.Ingest(paths); err != nil {
		return errors.Wrap(err, "pebblestore: ingest")
	}
	s.logger.Debugf("%singested %d files", logging.NSIngest, len(paths))
	return nil
}
