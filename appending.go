package raft

import (
	"github.com/causalcluster/raft/internal/errors"
	"github.com/causalcluster/raft/internal/util"
)

// handleAppendRequest implements the append handling shared by every role.
// A request carrying the current or a later term is authoritative leader
// contact: it resets the election timer, records the leader, and moves a
// candidate back to follower.
func handleAppendRequest(state ReadableState, request AppendRequest, outcome *Outcome, logger Logger) error {
	if request.Term < state.Term() {
		logger.Debugf(
			"append request rejected: reason = stale term, leader = %s, localTerm = %d, remoteTerm = %d",
			request.From,
			state.Term(),
			request.Term,
		)
		outcome.send(request.From, AppendResponse{
			From:       state.Myself(),
			Term:       state.Term(),
			Success:    false,
			MatchIndex: NoIndex,
		})
		return nil
	}

	if request.Term > outcome.Term {
		outcome.stepDown(request.Term)
	}

	outcome.Role = Follower
	outcome.Leader = request.From
	outcome.RenewElectionTimeout = true

	entryLog := state.Log()

	// Consistency check: the entry preceding the appended batch must match.
	if request.PrevLogIndex != NoIndex {
		prevTerm, err := entryLog.ReadEntryTerm(request.PrevLogIndex)
		if err != nil {
			return err
		}
		if prevTerm == NoTerm || prevTerm != request.PrevLogTerm {
			logger.Debugf(
				"append request rejected: reason = no matching previous entry, leader = %s, prevLogIndex = %d, localTerm = %d, remoteTerm = %d",
				request.From,
				request.PrevLogIndex,
				prevTerm,
				request.PrevLogTerm,
			)
			outcome.send(request.From, AppendResponse{
				From:       state.Myself(),
				Term:       outcome.Term,
				Success:    false,
				MatchIndex: NoIndex,
			})
			return nil
		}
	}

	// Reconcile the incoming entries with the local log: skip entries we
	// already hold, truncate from the first conflicting index, then append
	// whatever is genuinely new.
	appendFrom := -1
	for i, entry := range request.Entries {
		index := request.PrevLogIndex + 1 + int64(i)
		if index > entryLog.AppendIndex() {
			appendFrom = i
			break
		}
		localTerm, err := entryLog.ReadEntryTerm(index)
		if err != nil {
			return err
		}
		if localTerm == NoTerm {
			// The local entry has been pruned, which is only possible
			// once it was committed. The incoming entry must agree.
			continue
		}
		if localTerm != entry.Term {
			if index <= state.CommitIndex() {
				return errors.New("append request conflicts with a committed entry")
			}
			logger.Warnf("truncating log: fromIndex = %d, localTerm = %d, remoteTerm = %d", index, localTerm, entry.Term)
			outcome.LogCommands = append(outcome.LogCommands, TruncateCommand{FromIndex: index})
			appendFrom = i
			break
		}
	}
	if appendFrom >= 0 {
		outcome.LogCommands = append(outcome.LogCommands, AppendCommand{Entries: request.Entries[appendFrom:]})
	}

	lastNewIndex := request.PrevLogIndex + int64(len(request.Entries))
	if commitIndex := util.Min(request.LeaderCommit, lastNewIndex); commitIndex > outcome.CommitIndex {
		outcome.CommitIndex = commitIndex
	}

	outcome.send(request.From, AppendResponse{
		From:       state.Myself(),
		Term:       outcome.Term,
		Success:    true,
		MatchIndex: lastNewIndex,
	})

	return nil
}
