package raft

import "github.com/causalcluster/raft/internal/errors"

// leader handles messages while this member replicates its log to the
// followers and advances the commit index.
type leader struct{}

func (leader) handle(state ReadableState, message Message, logger Logger) (*Outcome, error) {
	outcome := newOutcome(state, Leader)

	switch m := message.(type) {
	case AppendResponse:
		if m.Term < state.Term() {
			logger.Debugf("dropping stale append response: from = %s, term = %d", m.From, m.Term)
			break
		}
		if m.Term > state.Term() {
			outcome.stepDown(m.Term)
			break
		}
		if m.Success {
			if err := onFollowerMatch(state, m, outcome); err != nil {
				return nil, err
			}
		} else {
			outcome.ShipCommands = append(outcome.ShipCommands, ShipMismatch{
				Target:             m.From,
				LastAttemptedIndex: m.MatchIndex,
			})
		}

	case AppendRequest:
		// Two leaders can never share a term: an equal-term append request
		// means the election safety invariant has been broken.
		if m.Term == state.Term() {
			return nil, errors.New("append request from another leader in the same term")
		}
		if err := handleAppendRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case VoteRequest:
		if err := handleVoteRequest(state, m, outcome, logger); err != nil {
			return nil, err
		}

	case VoteResponse:
		// Votes may straggle in after the election is already won.
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case LogCompactionInfo:
		if m.Term > outcome.Term {
			outcome.stepDown(m.Term)
		}

	case newEntryRequest:
		prevIndex := state.Log().AppendIndex()
		prevTerm, err := state.Log().ReadEntryTerm(prevIndex)
		if err != nil {
			return nil, err
		}
		entry := LogEntry{Term: state.Term(), Data: m.data}
		outcome.LogCommands = append(outcome.LogCommands, AppendCommand{Entries: []LogEntry{entry}})
		outcome.ShipCommands = append(outcome.ShipCommands, ShipNewEntries{
			PrevIndex: prevIndex,
			PrevTerm:  prevTerm,
			Entries:   []LogEntry{entry},
		})
		// A cluster of one commits as it appends.
		if isQuorum(1, state) {
			outcome.CommitIndex = prevIndex + 1
		}

	case electionTimeout:
		// Leaders do not campaign against themselves.

	default:
		logger.Debugf("dropping unhandled message: type = %T", message)
	}

	return outcome, nil
}

// onFollowerMatch records a follower's replication progress and advances the
// commit index if a majority of the voting members now hold a current-term
// entry.
func onFollowerMatch(state ReadableState, response AppendResponse, outcome *Outcome) error {
	progress, ok := outcome.Progress[response.From]
	if !ok || response.MatchIndex <= progress.MatchIndex {
		return nil
	}
	progress.MatchIndex = response.MatchIndex
	progress.NextIndex = response.MatchIndex + 1
	outcome.Progress[response.From] = progress

	outcome.ShipCommands = append(outcome.ShipCommands, ShipMatch{
		Target:     response.From,
		MatchIndex: response.MatchIndex,
	})

	return advanceCommitIndex(state, outcome)
}

// advanceCommitIndex finds the highest index replicated on a majority of the
// voting members (this member included) and commits it, provided the entry
// there is from the current term. Entries from earlier terms are only ever
// committed through a successor entry of the current term; committing them by
// counting replicas alone would be unsafe.
func advanceCommitIndex(state ReadableState, outcome *Outcome) error {
	entryLog := state.Log()
	for index := entryLog.AppendIndex(); index > outcome.CommitIndex; index-- {
		matches := 1
		for _, progress := range outcome.Progress {
			if progress.MatchIndex >= index {
				matches++
			}
		}
		if !isQuorum(matches, state) {
			continue
		}
		term, err := entryLog.ReadEntryTerm(index)
		if err != nil {
			return err
		}
		if term == outcome.Term {
			outcome.CommitIndex = index
		}
		return nil
	}
	return nil
}
