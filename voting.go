package raft

// handleVoteRequest implements the vote handling shared by every role. A vote
// is granted only if the request is for the current term (after any term
// advancement), this member has not yet voted for somebody else in it, and the
// candidate's log is at least as up-to-date as ours.
func handleVoteRequest(state ReadableState, request VoteRequest, outcome *Outcome, logger Logger) error {
	if request.Term < state.Term() {
		logger.Debugf(
			"vote request rejected: reason = stale term, candidate = %s, localTerm = %d, remoteTerm = %d",
			request.Candidate,
			state.Term(),
			request.Term,
		)
		outcome.send(request.From, VoteResponse{From: state.Myself(), Term: state.Term(), Granted: false})
		return nil
	}

	// A term we have never seen forces a transition to follower and clears
	// the vote, regardless of whether the vote below is then granted.
	if request.Term > outcome.Term {
		outcome.stepDown(request.Term)
	}

	if !request.Store.Equal(state.Store()) {
		logger.Warnf(
			"vote request rejected: reason = incompatible store, candidate = %s, localStore = %s, remoteStore = %s",
			request.Candidate,
			state.Store(),
			request.Store,
		)
		outcome.send(request.From, VoteResponse{From: state.Myself(), Term: outcome.Term, Granted: false})
		return nil
	}

	if outcome.VotedFor != NoMember && outcome.VotedFor != request.Candidate {
		logger.Debugf(
			"vote request rejected: reason = already voted, candidate = %s, votedFor = %s, term = %d",
			request.Candidate,
			outcome.VotedFor,
			outcome.Term,
		)
		outcome.send(request.From, VoteResponse{From: state.Myself(), Term: outcome.Term, Granted: false})
		return nil
	}

	lastLogIndex := state.Log().AppendIndex()
	lastLogTerm, err := state.Log().ReadEntryTerm(lastLogIndex)
	if err != nil {
		return err
	}
	if !logUpToDate(request.LastLogTerm, request.LastLogIndex, lastLogTerm, lastLogIndex) {
		logger.Debugf(
			"vote request rejected: reason = out-of-date log, candidate = %s, localLastLogIndex = %d, localLastLogTerm = %d, remoteLastLogIndex = %d, remoteLastLogTerm = %d",
			request.Candidate,
			lastLogIndex,
			lastLogTerm,
			request.LastLogIndex,
			request.LastLogTerm,
		)
		outcome.send(request.From, VoteResponse{From: state.Myself(), Term: outcome.Term, Granted: false})
		return nil
	}

	outcome.VotedFor = request.Candidate
	outcome.RenewElectionTimeout = true
	outcome.send(request.From, VoteResponse{From: state.Myself(), Term: outcome.Term, Granted: true})

	logger.Infof("vote granted: candidate = %s, term = %d", request.Candidate, outcome.Term)

	return nil
}

// logUpToDate reports whether a candidate log whose last entry is
// (remoteTerm, remoteIndex) is at least as up-to-date as ours. The last
// entries are compared by term first, then by index.
func logUpToDate(remoteTerm int64, remoteIndex int64, localTerm int64, localIndex int64) bool {
	if remoteTerm != localTerm {
		return remoteTerm > localTerm
	}
	return remoteIndex >= localIndex
}
