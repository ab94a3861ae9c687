package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allRoles = []Role{Follower, Candidate, Leader}

// stateForRole builds plausible state for the given role: candidates and
// leaders have already voted for themselves in the current term.
func stateForRole(t *testing.T, role Role, term int64, log RaftLog) *raftState {
	t.Helper()
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, term, log)
	switch role {
	case Candidate:
		state.votedFor = "a"
		state.votesForMe["a"] = struct{}{}
	case Leader:
		state.votedFor = "a"
		state.leader = "a"
		state.progress = map[MemberID]FollowerProgress{
			"b": {MatchIndex: NoIndex, NextIndex: log.AppendIndex() + 1},
			"c": {MatchIndex: NoIndex, NextIndex: log.AppendIndex() + 1},
		}
	}
	return state
}

func voteResponseFrom(t *testing.T, outcome *Outcome) VoteResponse {
	t.Helper()
	directed := singleResponse(t, outcome)
	response, ok := directed.Message.(VoteResponse)
	require.True(t, ok, "expected a vote response, got %T", directed.Message)
	return response
}

func TestVoteRequestLaterTermGrantsAndBecomesFollower(t *testing.T) {
	for _, role := range allRoles {
		t.Run(role.String(), func(t *testing.T) {
			log := makeLog(t, 1, 2)
			state := stateForRole(t, role, 5, log)
			request := VoteRequest{
				From:         "b",
				Term:         6,
				Candidate:    "b",
				LastLogIndex: 1,
				LastLogTerm:  2,
				Store:        testStore,
			}

			outcome, err := handleMessage(role, state, request, nopLogger())
			require.NoError(t, err)

			require.Equal(t, Follower, outcome.Role)
			require.Equal(t, int64(6), outcome.Term)
			require.Equal(t, MemberID("b"), outcome.VotedFor)
			require.True(t, outcome.RenewElectionTimeout)

			response := voteResponseFrom(t, outcome)
			require.Equal(t, MemberID("b"), singleResponse(t, outcome).To)
			require.True(t, response.Granted)
			require.Equal(t, int64(6), response.Term)
		})
	}
}

func TestVoteRequestLaterTermStaleLogDeniesButBecomesFollower(t *testing.T) {
	for _, role := range allRoles {
		t.Run(role.String(), func(t *testing.T) {
			log := makeLog(t, 1, 2)
			state := stateForRole(t, role, 5, log)
			request := VoteRequest{
				From:         "b",
				Term:         6,
				Candidate:    "b",
				LastLogIndex: 3,
				LastLogTerm:  1,
				Store:        testStore,
			}

			outcome, err := handleMessage(role, state, request, nopLogger())
			require.NoError(t, err)

			// The term advance moves us to follower even though the vote
			// is denied on log freshness.
			require.Equal(t, Follower, outcome.Role)
			require.Equal(t, int64(6), outcome.Term)
			require.Equal(t, NoMember, outcome.VotedFor)

			response := voteResponseFrom(t, outcome)
			require.False(t, response.Granted)
		})
	}
}

func TestVoteRequestSameTermKeepsRole(t *testing.T) {
	for _, role := range allRoles {
		t.Run(role.String(), func(t *testing.T) {
			log := makeLog(t, 1, 2)
			state := stateForRole(t, role, 5, log)
			request := VoteRequest{
				From:         "b",
				Term:         5,
				Candidate:    "b",
				LastLogIndex: 1,
				LastLogTerm:  2,
				Store:        testStore,
			}

			outcome, err := handleMessage(role, state, request, nopLogger())
			require.NoError(t, err)

			require.Equal(t, role, outcome.Role)
			require.Equal(t, int64(5), outcome.Term)

			response := voteResponseFrom(t, outcome)
			if role == Follower {
				// A follower that has not voted this term grants.
				require.True(t, response.Granted)
				require.Equal(t, MemberID("b"), outcome.VotedFor)
			} else {
				// Candidates and leaders voted for themselves already.
				require.False(t, response.Granted)
				require.Equal(t, MemberID("a"), outcome.VotedFor)
			}
		})
	}
}

func TestVoteRequestEarlierTermDenied(t *testing.T) {
	for _, role := range allRoles {
		t.Run(role.String(), func(t *testing.T) {
			log := makeLog(t, 1, 2)
			state := stateForRole(t, role, 5, log)
			request := VoteRequest{
				From:         "b",
				Term:         4,
				Candidate:    "b",
				LastLogIndex: 9,
				LastLogTerm:  9,
				Store:        testStore,
			}

			outcome, err := handleMessage(role, state, request, nopLogger())
			require.NoError(t, err)

			require.Equal(t, role, outcome.Role)
			require.Equal(t, int64(5), outcome.Term)
			require.False(t, outcome.RenewElectionTimeout)

			response := voteResponseFrom(t, outcome)
			require.False(t, response.Granted)
			require.Equal(t, int64(5), response.Term)
		})
	}
}

func TestVoteRequestSecondCandidateSameTermDenied(t *testing.T) {
	log := makeLog(t, 1, 2)
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, 5, log)
	state.votedFor = "b"

	request := VoteRequest{
		From:         "c",
		Term:         5,
		Candidate:    "c",
		LastLogIndex: 5,
		LastLogTerm:  5,
		Store:        testStore,
	}

	outcome, err := handleMessage(Follower, state, request, nopLogger())
	require.NoError(t, err)

	response := voteResponseFrom(t, outcome)
	require.False(t, response.Granted)
	require.Equal(t, MemberID("b"), outcome.VotedFor)
}

func TestVoteRequestRepeatCandidateSameTermGranted(t *testing.T) {
	log := makeLog(t, 1, 2)
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, 5, log)
	state.votedFor = "b"

	request := VoteRequest{
		From:         "b",
		Term:         5,
		Candidate:    "b",
		LastLogIndex: 1,
		LastLogTerm:  2,
		Store:        testStore,
	}

	outcome, err := handleMessage(Follower, state, request, nopLogger())
	require.NoError(t, err)

	response := voteResponseFrom(t, outcome)
	require.True(t, response.Granted)
}

func TestVoteRequestIncompatibleStoreDenied(t *testing.T) {
	log := makeLog(t, 1, 2)
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, 5, log)

	request := VoteRequest{
		From:         "b",
		Term:         5,
		Candidate:    "b",
		LastLogIndex: 1,
		LastLogTerm:  2,
		Store:        StoreID{CreationTime: 99},
	}

	outcome, err := handleMessage(Follower, state, request, nopLogger())
	require.NoError(t, err)

	response := voteResponseFrom(t, outcome)
	require.False(t, response.Granted)
	require.Equal(t, NoMember, outcome.VotedFor)
}

func TestVoteRequestEqualLogGranted(t *testing.T) {
	// Equal last term and equal index counts as up-to-date.
	log := makeLog(t, 1, 2)
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, 5, log)

	request := VoteRequest{
		From:         "b",
		Term:         5,
		Candidate:    "b",
		LastLogIndex: 1,
		LastLogTerm:  2,
		Store:        testStore,
	}

	outcome, err := handleMessage(Follower, state, request, nopLogger())
	require.NoError(t, err)
	require.True(t, voteResponseFrom(t, outcome).Granted)
}

func TestVoteRequestShorterLogDenied(t *testing.T) {
	log := makeLog(t, 1, 2, 2)
	state := makeState(t, "a", []MemberID{"a", "b", "c"}, 5, log)

	request := VoteRequest{
		From:         "b",
		Term:         5,
		Candidate:    "b",
		LastLogIndex: 1,
		LastLogTerm:  2,
		Store:        testStore,
	}

	outcome, err := handleMessage(Follower, state, request, nopLogger())
	require.NoError(t, err)
	require.False(t, voteResponseFrom(t, outcome).Granted)
}
