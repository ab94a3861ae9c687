package raft

// Message is implemented by every protocol message the consensus core consumes
// or emits, as well as the purely local events (timeouts, client submissions)
// that flow through the same serialized queue.
type Message interface {
	message()
}

// VoteRequest asks a member for its vote in the candidate's term.
type VoteRequest struct {
	// The member that sent the request.
	From MemberID

	// The term the candidate is campaigning in.
	Term int64

	// The member asking for the vote.
	Candidate MemberID

	// The index of the last entry in the candidate's log, NoIndex if empty.
	LastLogIndex int64

	// The term of the last entry in the candidate's log, NoTerm if empty.
	LastLogTerm int64

	// The identifier of the candidate's data store. Votes are only
	// exchanged between members attached to the same store.
	Store StoreID
}

// VoteResponse carries the result of a vote request.
type VoteResponse struct {
	// The member that sent the response.
	From MemberID

	// The responder's current term.
	Term int64

	// Whether the vote was granted.
	Granted bool
}

// AppendRequest replicates log entries from the leader to a follower. A
// request with no entries is a heartbeat.
type AppendRequest struct {
	// The member that sent the request.
	From MemberID

	// The leader's term.
	Term int64

	// The index of the entry immediately preceding the appended entries,
	// NoIndex when appending from the start of the log.
	PrevLogIndex int64

	// The term of the entry at PrevLogIndex, NoTerm when PrevLogIndex is
	// NoIndex or unreadable.
	PrevLogTerm int64

	// The entries to append, in order. Empty for a heartbeat.
	Entries []LogEntry

	// The leader's commit index.
	LeaderCommit int64
}

// AppendResponse carries the result of an append request.
type AppendResponse struct {
	// The member that sent the response.
	From MemberID

	// The responder's current term.
	Term int64

	// Whether the entries were appended.
	Success bool

	// The highest index known to match the leader's log on success,
	// NoIndex on failure.
	MatchIndex int64
}

// LogCompactionInfo tells a follower that the entries it needs have been
// pruned from the leader's log and that it must catch up out of band.
type LogCompactionInfo struct {
	// The member that sent the signal.
	From MemberID

	// The sender's term.
	Term int64

	// The sender's pruned-prefix index. Entries at or below it are gone.
	PrevIndex int64
}

// Directed wraps a message with its destination for the transport.
type Directed struct {
	To      MemberID
	Message Message
}

// electionTimeout is the local event fired when the election timer elapses
// without leader contact.
type electionTimeout struct{}

// newEntryRequest is the local event carrying a client payload submitted for
// replication.
type newEntryRequest struct {
	data []byte
}

// pruneRequest is the local event asking for the log prefix to be discarded.
type pruneRequest struct {
	upToIndex int64
}

func (VoteRequest) message()       {}
func (VoteResponse) message()      {}
func (AppendRequest) message()     {}
func (AppendResponse) message()    {}
func (LogCompactionInfo) message() {}
func (electionTimeout) message()   {}
func (newEntryRequest) message()   {}
func (pruneRequest) message()      {}
