package raft

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// nopLogger returns a logger that discards everything.
func nopLogger() Logger {
	return zap.NewNop().Sugar()
}

// makeLog builds an in-memory log holding one payload entry per provided term.
func makeLog(t *testing.T, terms ...int64) RaftLog {
	t.Helper()
	log := NewInMemoryLog()
	for i, term := range terms {
		entry := LogEntry{Term: term, Data: []byte{byte(i)}}
		_, err := log.Append(entry)
		require.NoError(t, err)
	}
	return log
}

// makeState builds consensus state for handler tests.
func makeState(t *testing.T, myself MemberID, members []MemberID, term int64, log RaftLog) *raftState {
	t.Helper()
	if log == nil {
		log = NewInMemoryLog()
	}
	state := newRaftState(myself, testStore, members, log)
	state.term = term
	return state
}

var testStore = StoreID{CreationTime: 1}

// entryAt reads one entry for assertions.
func entryAt(t *testing.T, log ReadableLog, index int64) LogEntry {
	t.Helper()
	entries, err := log.EntriesFrom(index)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}

// singleResponse extracts the only message of an outcome.
func singleResponse(t *testing.T, outcome *Outcome) Directed {
	t.Helper()
	require.Len(t, outcome.Messages, 1)
	return outcome.Messages[0]
}

// recordingOutbox records every message a shipper emits.
type recordingOutbox struct {
	mu   sync.Mutex
	sent []Directed
}

func (o *recordingOutbox) Send(to MemberID, message Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, Directed{To: to, Message: message})
}

func (o *recordingOutbox) messages() []Directed {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Directed, len(o.sent))
	copy(out, o.sent)
	return out
}
