package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/causalcluster/raft/internal/errors"
	"github.com/causalcluster/raft/internal/wire"
)

var errTermStorageNotOpen = errors.New("term storage is not open")

// fileTermStorage implements the TermStorage interface. This implementation is
// not concurrent safe.
type fileTermStorage struct {
	// The directory where the term will be persisted.
	path string

	// The file associated with the storage, nil if storage is closed.
	file *os.File

	// The most recently persisted term.
	term int64
}

// NewTermStorage creates a new TermStorage at the provided path.
func NewTermStorage(path string) TermStorage {
	return &fileTermStorage{path: path}
}

func (p *fileTermStorage) Open() error {
	fileName := filepath.Join(p.path, "term.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open term storage file")
	}
	p.file = file
	return nil
}

func (p *fileTermStorage) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close term storage file")
	}
	p.file = nil
	p.term = 0
	return nil
}

func (p *fileTermStorage) Replay() error {
	if p.file == nil {
		return errTermStorageNotOpen
	}

	// An empty file means no term was ever persisted; a malformed record is
	// an error.
	content, err := io.ReadAll(p.file)
	if err != nil {
		return errors.WrapError(err, "failed while replaying term storage")
	}
	if len(content) == 0 {
		p.term = 0
		return nil
	}

	record, err := wire.UnmarshalTermRecord(content)
	if err != nil {
		return errors.WrapError(err, "failed while replaying term storage")
	}
	p.term = record.Term

	return nil
}

func (p *fileTermStorage) Update(term int64) (bool, error) {
	if p.file == nil {
		return false, errTermStorageNotOpen
	}
	if term < p.term {
		return false, errors.New("term storage may only advance")
	}
	if term == p.term {
		return false, nil
	}
	content := wire.MarshalTermRecord(&wire.TermRecord{Term: term})
	if err := p.rewrite(content); err != nil {
		return false, errors.WrapError(err, "failed while persisting term")
	}
	p.term = term
	return true, nil
}

func (p *fileTermStorage) Term() (int64, error) {
	if p.file == nil {
		return 0, errTermStorageNotOpen
	}
	return p.term, nil
}

// rewrite atomically replaces the storage file with the provided content.
// Truncating the file in place and rewriting it would not be crash safe.
func (p *fileTermStorage) rewrite(content []byte) error {
	tmpFile, err := os.CreateTemp(p.path, "tmp-")
	if err != nil {
		return err
	}
	if _, err := tmpFile.Write(content); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := p.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpFile.Name(), p.file.Name()); err != nil {
		return err
	}
	fileName := filepath.Join(p.path, "term.bin")
	p.file, err = os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	if _, err := p.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
