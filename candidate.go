package raft

// candidate handles messages while this member is campaigning for leadership.
type candidate struct{}

func (candidate) handle(state ReadableState, message Message, logger Logger) (*Outcome, error) {
	outcome := newOutcome(state, Candidate)

	switch m := message.(type) {
	case VoteResponse:
		if m.Term < state.Term() {
			logger.Debugf("dropping stale vote response: from = %s, term = %d", m.From, m.Term)
			break
		}
		if m.Term > state.Term() {
			outcome.stepDown(m.Term)
			break
		}
		if !m.Granted {
			break
		}
		outcome.VotesForMe = addVote(outcome.VotesForMe, m.From)
		logger.Debugf(
			"vote received: from = %s, term = %d, votes = %d",
			m.From,
			m.Term,
			len(outcome.VotesForMe),
		)
		if isQuorum(len(outcome.VotesForMe), state) {
			if err := becomeLeader(state, outcome, logger); err != nil {
				return nil, err
			}
		}

	case AppendRequest:
		// An append request for the current term means another member won
		// the election; handleAppendRequest concedes to it.
		if err := handleAppendRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case VoteRequest:
		if err := handleVoteRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case AppendResponse:
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case LogCompactionInfo:
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case electionTimeout:
		// The election was not decided in time; campaign again in a
		// fresh term.
		if err := startElection(state, outcome, logger); err != nil {
			return nil, err
		}

	case newEntryRequest:
		logger.Debugf("dropping submitted entry: reason = election in progress")

	default:
		logger.Debugf("dropping unhandled message: type = %T", message)
	}

	return outcome, nil
}

func addVote(votes []MemberID, voter MemberID) []MemberID {
	for _, member := range votes {
		if member == voter {
			return votes
		}
	}
	return append(votes, voter)
}

// becomeLeader records the transition into leadership: a leader barrier entry
// is appended in the new term so that commit advancement has a current-term
// entry to work with, and replication progress is initialized for every
// follower.
func becomeLeader(state ReadableState, outcome *Outcome, logger Logger) error {
	barrierIndex := state.Log().AppendIndex() + 1

	outcome.Role = Leader
	outcome.Leader = state.Myself()
	outcome.ElectedLeader = true
	outcome.VotesForMe = nil
	outcome.LogCommands = append(outcome.LogCommands, AppendCommand{Entries: []LogEntry{{Term: outcome.Term}}})

	outcome.Progress = make(map[MemberID]FollowerProgress)
	for _, member := range state.VotingMembers() {
		if member == state.Myself() {
			continue
		}
		outcome.Progress[member] = FollowerProgress{MatchIndex: NoIndex, NextIndex: barrierIndex + 1}
	}

	// A cluster of one is its own majority.
	if isQuorum(1, state) {
		outcome.CommitIndex = barrierIndex
	}

	logger.Infof("entered the leader state: term = %d", outcome.Term)

	return nil
}
