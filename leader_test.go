package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func leaderState(t *testing.T, members []MemberID, term int64, log RaftLog) *raftState {
	t.Helper()
	state := makeState(t, "a", members, term, log)
	state.votedFor = "a"
	state.leader = "a"
	state.progress = make(map[MemberID]FollowerProgress)
	for _, member := range members {
		if member == "a" {
			continue
		}
		state.progress[member] = FollowerProgress{MatchIndex: NoIndex, NextIndex: log.AppendIndex() + 1}
	}
	return state
}

func TestLeaderAdvancesCommitOnQuorumMatch(t *testing.T) {
	// Index 0 is from an earlier term, index 1 from the current one.
	log := makeLog(t, 4, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 5, Success: true, MatchIndex: 1}, nopLogger())
	require.NoError(t, err)

	require.Equal(t, Leader, outcome.Role)
	require.Equal(t, int64(1), outcome.CommitIndex)

	progress := outcome.Progress["b"]
	require.Equal(t, int64(1), progress.MatchIndex)
	require.Equal(t, int64(2), progress.NextIndex)

	require.Len(t, outcome.ShipCommands, 1)
	require.Equal(t, ShipMatch{Target: "b", MatchIndex: 1}, outcome.ShipCommands[0])
}

func TestLeaderDoesNotCommitEarlierTermEntries(t *testing.T) {
	// Only an earlier-term entry is replicated; replication count alone
	// must not commit it.
	log := makeLog(t, 4, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 5, Success: true, MatchIndex: 0}, nopLogger())
	require.NoError(t, err)

	require.Equal(t, NoIndex, outcome.CommitIndex)
	require.Equal(t, int64(0), outcome.Progress["b"].MatchIndex)
}

func TestLeaderCommitNeedsQuorumNotJustOne(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c", "d", "e"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 5, Success: true, MatchIndex: 0}, nopLogger())
	require.NoError(t, err)

	// Two of five members hold the entry; no commit yet.
	require.Equal(t, NoIndex, outcome.CommitIndex)
}

func TestLeaderMismatchResponseFeedsShipper(t *testing.T) {
	log := makeLog(t, 5, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 5, Success: false, MatchIndex: NoIndex}, nopLogger())
	require.NoError(t, err)

	require.Len(t, outcome.ShipCommands, 1)
	require.Equal(t, ShipMismatch{Target: "b", LastAttemptedIndex: NoIndex}, outcome.ShipCommands[0])
	require.Equal(t, NoIndex, outcome.CommitIndex)
}

func TestLeaderIgnoresStaleAppendResponse(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 4, Success: true, MatchIndex: 0}, nopLogger())
	require.NoError(t, err)

	require.Equal(t, Leader, outcome.Role)
	require.Empty(t, outcome.ShipCommands)
	require.Equal(t, NoIndex, outcome.Progress["b"].MatchIndex)
}

func TestLeaderStepsDownOnHigherTermResponse(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, AppendResponse{From: "b", Term: 8, Success: false, MatchIndex: NoIndex}, nopLogger())
	require.NoError(t, err)

	require.Equal(t, Follower, outcome.Role)
	require.Equal(t, int64(8), outcome.Term)
	require.Equal(t, NoMember, outcome.VotedFor)
}

func TestLeaderSameTermAppendRequestIsFatal(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	_, err := handleMessage(Leader, state, AppendRequest{From: "b", Term: 5}, nopLogger())
	require.Error(t, err)
}

func TestLeaderStepsDownOnHigherTermAppendRequest(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	request := AppendRequest{
		From:         "b",
		Term:         6,
		PrevLogIndex: 0,
		PrevLogTerm:  5,
		LeaderCommit: NoIndex,
	}

	outcome, err := handleMessage(Leader, state, request, nopLogger())
	require.NoError(t, err)

	require.Equal(t, Follower, outcome.Role)
	require.Equal(t, int64(6), outcome.Term)
	require.Equal(t, MemberID("b"), outcome.Leader)
	require.True(t, appendResponseFrom(t, outcome).Success)
}

func TestLeaderAppendsSubmittedPayload(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	outcome, err := handleMessage(Leader, state, newEntryRequest{data: []byte("payload")}, nopLogger())
	require.NoError(t, err)

	require.Len(t, outcome.LogCommands, 1)
	entry := LogEntry{Term: 5, Data: []byte("payload")}
	require.Equal(t, AppendCommand{Entries: []LogEntry{entry}}, outcome.LogCommands[0])

	require.Len(t, outcome.ShipCommands, 1)
	require.Equal(t, ShipNewEntries{PrevIndex: 0, PrevTerm: 5, Entries: []LogEntry{entry}}, outcome.ShipCommands[0])

	// Two more members still have to replicate the entry.
	require.Equal(t, NoIndex, outcome.CommitIndex)
}

func TestLeaderDeniesVoteRequestOfSameTerm(t *testing.T) {
	log := makeLog(t, 5)
	state := leaderState(t, []MemberID{"a", "b", "c"}, 5, log)

	request := VoteRequest{
		From:         "b",
		Term:         5,
		Candidate:    "b",
		LastLogIndex: 0,
		LastLogTerm:  5,
		Store:        testStore,
	}

	outcome, err := handleMessage(Leader, state, request, nopLogger())
	require.NoError(t, err)

	require.Equal(t, Leader, outcome.Role)
	require.False(t, voteResponseFrom(t, outcome).Granted)
}
