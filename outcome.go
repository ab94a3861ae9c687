package raft

// LogCommand describes a mutation of the entry log requested by a handler.
// Commands are applied in order, before any outgoing message is emitted.
type LogCommand interface {
	logCommand()
}

// AppendCommand appends entries to the local log.
type AppendCommand struct {
	Entries []LogEntry
}

// TruncateCommand removes all local entries with index greater than or equal
// to FromIndex. Truncating committed entries is a safety violation.
type TruncateCommand struct {
	FromIndex int64
}

func (AppendCommand) logCommand()   {}
func (TruncateCommand) logCommand() {}

// ShipCommand describes a replication event the leader's log shippers must be
// fed with after the outcome has been applied.
type ShipCommand interface {
	shipCommand()
}

// ShipNewEntries notifies every shipper that entries were appended to the
// leader's log.
type ShipNewEntries struct {
	PrevIndex int64
	PrevTerm  int64
	Entries   []LogEntry
}

// ShipMatch notifies the target follower's shipper that the follower matched
// the leader's log up to MatchIndex.
type ShipMatch struct {
	Target     MemberID
	MatchIndex int64
}

// ShipMismatch notifies the target follower's shipper that the follower
// rejected the last append attempt.
type ShipMismatch struct {
	Target             MemberID
	LastAttemptedIndex int64
}

func (ShipNewEntries) shipCommand() {}
func (ShipMatch) shipCommand()      {}
func (ShipMismatch) shipCommand()   {}

// Outcome is the complete description of a handler's effect: the next role,
// term, vote and leader, the log and shipper operations to perform, the
// messages to send, and whether the election timer must be re-armed. Handlers
// build an Outcome seeded with the current state and return it; the instance
// applies it atomically, persisting state changes before emitting messages.
type Outcome struct {
	// The role to transition to.
	Role Role

	// The term after the message is processed. Never lower than the
	// current term.
	Term int64

	// The vote cast in Term, NoMember if none.
	VotedFor MemberID

	// The member believed to be the leader, NoMember if unknown.
	Leader MemberID

	// The commit index after the message is processed. Never lower than
	// the current commit index.
	CommitIndex int64

	// The members that granted this member their vote, meaningful while
	// campaigning.
	VotesForMe []MemberID

	// Per-follower replication progress, meaningful while leader.
	Progress map[MemberID]FollowerProgress

	// Log mutations to apply, in order.
	LogCommands []LogCommand

	// Messages to send once all persistent effects have been applied.
	Messages []Directed

	// Replication events to feed to the log shippers.
	ShipCommands []ShipCommand

	// Whether the election timer must be re-armed with a fresh randomized
	// timeout.
	RenewElectionTimeout bool

	// Whether this outcome elected this member leader. Directs the
	// instance to start a shipper per follower.
	ElectedLeader bool
}

// newOutcome seeds an outcome with the current state so that handlers only
// record what changes.
func newOutcome(state ReadableState, role Role) *Outcome {
	outcome := &Outcome{
		Role:        role,
		Term:        state.Term(),
		VotedFor:    state.VotedFor(),
		Leader:      state.Leader(),
		CommitIndex: state.CommitIndex(),
		VotesForMe:  state.VotesForMe(),
	}
	if role == Leader {
		outcome.Progress = make(map[MemberID]FollowerProgress)
		for _, member := range state.VotingMembers() {
			if member == state.Myself() {
				continue
			}
			if progress, ok := state.Progress(member); ok {
				outcome.Progress[member] = progress
			}
		}
	}
	return outcome
}

// stepDown records a transition to follower in the given term, clearing the
// vote. Any term strictly greater than the current one forces this.
func (o *Outcome) stepDown(term int64) {
	o.Role = Follower
	o.Term = term
	o.VotedFor = NoMember
	o.Leader = NoMember
	o.VotesForMe = nil
	o.Progress = nil
}

// send queues a message to a single member.
func (o *Outcome) send(to MemberID, message Message) {
	o.Messages = append(o.Messages, Directed{To: to, Message: message})
}

// broadcast queues a message to every voting member except the sender itself.
func (o *Outcome) broadcast(state ReadableState, message Message) {
	for _, member := range state.VotingMembers() {
		if member == state.Myself() {
			continue
		}
		o.Messages = append(o.Messages, Directed{To: member, Message: message})
	}
}

// isQuorum reports whether count is a strict majority of the voting members.
func isQuorum(count int, state ReadableState) bool {
	return count > len(state.VotingMembers())/2
}
