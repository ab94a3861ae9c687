package raft

// startElection begins a new election: the term is incremented, this member
// votes for itself, and every other voting member is asked for its vote. The
// whole transition is bundled into the outcome so that the vote and term are
// persisted before any request leaves this member.
func startElection(state ReadableState, outcome *Outcome, logger Logger) error {
	if !state.IsVotingMember(state.Myself()) {
		logger.Warnf("election not started: %s is not a voting member", state.Myself())
		return nil
	}

	lastLogIndex := state.Log().AppendIndex()
	lastLogTerm, err := state.Log().ReadEntryTerm(lastLogIndex)
	if err != nil {
		return err
	}

	outcome.Role = Candidate
	outcome.Term = state.Term() + 1
	outcome.VotedFor = state.Myself()
	outcome.Leader = NoMember
	outcome.VotesForMe = []MemberID{state.Myself()}
	outcome.RenewElectionTimeout = true

	outcome.broadcast(state, VoteRequest{
		From:         state.Myself(),
		Term:         outcome.Term,
		Candidate:    state.Myself(),
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
		Store:        state.Store(),
	})

	logger.Infof("election started: term = %d, lastLogIndex = %d, lastLogTerm = %d", outcome.Term, lastLogIndex, lastLogTerm)

	// A cluster of one elects itself on the spot.
	if isQuorum(len(outcome.VotesForMe), state) {
		return becomeLeader(state, outcome, logger)
	}

	return nil
}
