package raft

// PersistentStorage is implemented by every component of the core that stores
// state durably.
type PersistentStorage interface {
	// Open prepares the storage for reads and writes.
	Open() error

	// Replay loads the most recently persisted state into memory.
	Replay() error

	// Close releases the resources associated with the storage.
	Close() error
}

// TermStorage persists the current term. Terms are monotonic: an update to a
// lower term is refused.
type TermStorage interface {
	PersistentStorage

	// Update persists the new term and returns true if the persisted state
	// changed. An update to a term lower than the current one is an error.
	Update(term int64) (bool, error)

	// Term returns the most recently persisted term, zero if none was ever
	// persisted. The storage must be open.
	Term() (int64, error)
}

// VoteStorage persists the per-term vote record. At most one vote may be cast
// per term: a second update to a different member within the same term is an
// error, never silently accepted.
type VoteStorage interface {
	PersistentStorage

	// Update persists the vote record and returns true if the persisted
	// state changed. A term change resets the vote unconditionally; within
	// a term, an unset vote may be set once.
	Update(term int64, votedFor MemberID) (bool, error)

	// State returns the most recently persisted term and vote. The storage
	// must be open.
	State() (int64, MemberID, error)
}
