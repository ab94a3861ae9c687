package raft

import (
	"sync"

	"github.com/causalcluster/raft/internal/errors"
)

// NoIndex is the log index sentinel meaning "before the log". It is the append
// index of an empty log and the previous index of a log that has never been
// pruned.
const NoIndex int64 = -1

// NoTerm is the term sentinel returned when reading the term of an index that
// holds no entry, either because the log is empty, the index is beyond the last
// appended entry, or the entry has been pruned away.
const NoTerm int64 = -1

var errEntriesPruned = errors.New("requested entries have been pruned")

// LogEntry is a single entry of the replicated log. The payload is opaque to
// the consensus core; a nil payload marks an internal barrier entry appended
// when a member becomes leader.
type LogEntry struct {
	// The term in which the entry was created.
	Term int64

	// The replicated payload.
	Data []byte
}

// isBarrier reports whether the entry is a leader barrier rather than a
// client payload.
func (e LogEntry) isBarrier() bool {
	return e.Data == nil
}

// ReadableLog is the read-only view of the entry log used by role handlers
// and log shippers.
type ReadableLog interface {
	// AppendIndex returns the index of the last appended entry, or NoIndex
	// if the log is empty.
	AppendIndex() int64

	// PrevIndex returns the index of the last pruned entry. Entries at
	// indices less than or equal to PrevIndex are no longer readable.
	PrevIndex() int64

	// ReadEntryTerm returns the term of the entry at the given index, or
	// NoTerm if no entry is readable there. ReadEntryTerm(PrevIndex()) and
	// ReadEntryTerm(NoIndex) always return NoTerm.
	ReadEntryTerm(index int64) (int64, error)

	// EntriesFrom returns the entries from the given index through the
	// append index, in order. The returned slice is a snapshot; it does not
	// observe later mutations. If the requested range starts at or below
	// the pruned prefix an error is returned and the caller is expected to
	// fall back to an out-of-band catch-up signal.
	EntriesFrom(index int64) ([]LogEntry, error)
}

// RaftLog is an append-only ordered log of (term, payload) entries with dense,
// monotonically assigned indices starting at zero.
type RaftLog interface {
	ReadableLog

	// Append appends the entries to the log and returns the index assigned
	// to the last of them.
	Append(entries ...LogEntry) (int64, error)

	// Truncate removes all entries with index greater than or equal to
	// fromIndex. The caller must never truncate committed entries.
	Truncate(fromIndex int64) error

	// Prune discards entries with index less than or equal to upToIndex,
	// advancing PrevIndex. Pruning never affects AppendIndex. The caller
	// must never prune past the commit index.
	Prune(upToIndex int64) error
}

// inMemoryLog is the in-memory RaftLog used by the consensus core. It is
// single-writer; concurrent readers observe snapshot-consistent state.
type inMemoryLog struct {
	mu sync.RWMutex

	// entries[i] holds the entry at index prevIndex+1+i.
	entries []LogEntry

	// The index of the last pruned entry, NoIndex if nothing was pruned.
	prevIndex int64
}

// NewInMemoryLog creates an empty in-memory RaftLog.
func NewInMemoryLog() RaftLog {
	return &inMemoryLog{prevIndex: NoIndex}
}

func (l *inMemoryLog) AppendIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex + int64(len(l.entries))
}

func (l *inMemoryLog) PrevIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex
}

func (l *inMemoryLog) ReadEntryTerm(index int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.prevIndex || index > l.prevIndex+int64(len(l.entries)) {
		return NoTerm, nil
	}
	return l.entries[index-l.prevIndex-1].Term, nil
}

func (l *inMemoryLog) EntriesFrom(index int64) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.prevIndex {
		return nil, errEntriesPruned
	}
	appendIndex := l.prevIndex + int64(len(l.entries))
	if index > appendIndex {
		return nil, nil
	}
	entries := make([]LogEntry, appendIndex-index+1)
	copy(entries, l.entries[index-l.prevIndex-1:])
	return entries, nil
}

func (l *inMemoryLog) Append(entries ...LogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
	return l.prevIndex + int64(len(l.entries)), nil
}

func (l *inMemoryLog) Truncate(fromIndex int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fromIndex <= l.prevIndex {
		return errors.New("cannot truncate into the pruned prefix")
	}
	if fromIndex > l.prevIndex+int64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:fromIndex-l.prevIndex-1]
	return nil
}

func (l *inMemoryLog) Prune(upToIndex int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	appendIndex := l.prevIndex + int64(len(l.entries))
	if upToIndex > appendIndex {
		upToIndex = appendIndex
	}
	if upToIndex <= l.prevIndex {
		return nil
	}
	remaining := make([]LogEntry, appendIndex-upToIndex)
	copy(remaining, l.entries[upToIndex-l.prevIndex:])
	l.entries = remaining
	l.prevIndex = upToIndex
	return nil
}
