package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/causalcluster/raft/internal/errors"
	"github.com/causalcluster/raft/internal/wire"
)

var (
	errVoteStorageNotOpen = errors.New("vote storage is not open")

	// errConflictingVote marks a second distinct vote within one term. This
	// is a programming error in the caller, never a recoverable condition.
	errConflictingVote = errors.New("conflicting second vote within the same term")
)

// fileVoteStorage implements the VoteStorage interface. This implementation is
// not concurrent safe.
type fileVoteStorage struct {
	// The directory where the vote record will be persisted.
	path string

	// The file associated with the storage, nil if storage is closed.
	file *os.File

	// The most recently persisted vote record.
	term     int64
	votedFor MemberID
}

// NewVoteStorage creates a new VoteStorage at the provided path.
func NewVoteStorage(path string) VoteStorage {
	return &fileVoteStorage{path: path}
}

func (p *fileVoteStorage) Open() error {
	fileName := filepath.Join(p.path, "vote.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.WrapError(err, "failed to open vote storage file")
	}
	p.file = file
	return nil
}

func (p *fileVoteStorage) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return errors.WrapError(err, "failed to close vote storage file")
	}
	p.file = nil
	p.term = 0
	p.votedFor = NoMember
	return nil
}

func (p *fileVoteStorage) Replay() error {
	if p.file == nil {
		return errVoteStorageNotOpen
	}

	// An empty file means no vote was ever persisted; a malformed record is
	// an error.
	content, err := io.ReadAll(p.file)
	if err != nil {
		return errors.WrapError(err, "failed while replaying vote storage")
	}
	if len(content) == 0 {
		p.term = 0
		p.votedFor = NoMember
		return nil
	}

	record, err := wire.UnmarshalVoteRecord(content)
	if err != nil {
		return errors.WrapError(err, "failed while replaying vote storage")
	}
	p.term = record.Term
	p.votedFor = MemberID(record.VotedFor)

	return nil
}

func (p *fileVoteStorage) Update(term int64, votedFor MemberID) (bool, error) {
	if p.file == nil {
		return false, errVoteStorageNotOpen
	}

	// A term change resets the vote unconditionally. Within a term an unset
	// vote may be set once; flipping it is forbidden.
	if term == p.term {
		if votedFor == p.votedFor {
			return false, nil
		}
		if p.votedFor != NoMember && votedFor != NoMember {
			return false, errConflictingVote
		}
		if votedFor == NoMember {
			// Votes are only ever cleared by a term change.
			return false, nil
		}
	}

	content := wire.MarshalVoteRecord(&wire.VoteRecord{Term: term, VotedFor: string(votedFor)})
	if err := p.rewrite(content); err != nil {
		return false, errors.WrapError(err, "failed while persisting vote")
	}
	p.term = term
	p.votedFor = votedFor
	return true, nil
}

func (p *fileVoteStorage) State() (int64, MemberID, error) {
	if p.file == nil {
		return 0, NoMember, errVoteStorageNotOpen
	}
	return p.term, p.votedFor, nil
}

// rewrite atomically replaces the storage file with the provided content.
func (p *fileVoteStorage) rewrite(content []byte) error {
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
	fileName := filepath.Join(p.path, "vote.bin")
	p.file, err = os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	if _, err := p.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
