package raft

// follower handles messages while this member passively replicates the
// leader's log.
type follower struct{}

func (follower) handle(state ReadableState, message Message, logger Logger) (*Outcome, error) {
	outcome := newOutcome(state, Follower)

	switch m := message.(type) {
	case AppendRequest:
		if err := handleAppendRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case VoteRequest:
		if err := handleVoteRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case VoteResponse:
		// Not campaigning; only a later term is of interest.
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case AppendResponse:
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case LogCompactionInfo:
		// The catch-up itself is driven by the store-copy collaborator,
		// outside the consensus core.
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}
		logger.Infof("log compaction signalled by leader: leader = %s, prevIndex = %d", m.From, m.PrevIndex)

	case electionTimeout:
		if err := startElection(state, outcome, logger); err != nil {
			return nil, err
		}

	case newEntryRequest:
		logger.Debugf("dropping submitted entry: reason = not the leader, leader = %s", state.Leader())

	default:
		logger.Debugf("dropping unhandled message: type = %T", message)
	}

	return outcome, nil
}
