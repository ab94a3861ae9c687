package raft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// opLog records the order of observable side effects.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ops))
	copy(out, l.ops)
	return out
}

// memoryTermStorage is an in-memory TermStorage for instance tests.
type memoryTermStorage struct {
	ops  *opLog
	term int64
}

func (m *memoryTermStorage) Open() error   { return nil }
func (m *memoryTermStorage) Replay() error { return nil }
func (m *memoryTermStorage) Close() error  { return nil }

func (m *memoryTermStorage) Update(term int64) (bool, error) {
	if term < m.term {
		return false, errShutdown
	}
	if term == m.term {
		return false, nil
	}
	m.term = term
	if m.ops != nil {
		m.ops.record("persist-term")
	}
	return true, nil
}

func (m *memoryTermStorage) Term() (int64, error) { return m.term, nil }

// memoryVoteStorage is an in-memory VoteStorage for instance tests.
type memoryVoteStorage struct {
	ops      *opLog
	term     int64
	votedFor MemberID
}

func (m *memoryVoteStorage) Open() error   { return nil }
func (m *memoryVoteStorage) Replay() error { return nil }
func (m *memoryVoteStorage) Close() error  { return nil }

func (m *memoryVoteStorage) Update(term int64, votedFor MemberID) (bool, error) {
	if term == m.term && votedFor == m.votedFor {
		return false, nil
	}
	if term == m.term && m.votedFor != NoMember && votedFor != NoMember {
		return false, errConflictingVote
	}
	if term == m.term && votedFor == NoMember {
		return false, nil
	}
	m.term = term
	m.votedFor = votedFor
	if m.ops != nil {
		m.ops.record("persist-vote")
	}
	return true, nil
}

func (m *memoryVoteStorage) State() (int64, MemberID, error) { return m.term, m.votedFor, nil }

// recordingTransport captures outbound messages and exposes the registered
// inbound handler to the test.
type recordingTransport struct {
	mu      sync.Mutex
	ops     *opLog
	handler func(Message)
	sent    []Directed
}

func (t *recordingTransport) RegisterMessageHandler(handler func(message Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *recordingTransport) Send(ctx context.Context, to MemberID, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, Directed{To: to, Message: message})
	if t.ops != nil {
		t.ops.record("send")
	}
	return nil
}

func (t *recordingTransport) Run() error      { return nil }
func (t *recordingTransport) Shutdown() error { return nil }

func (t *recordingTransport) deliver(message Message) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	handler(message)
}

func (t *recordingTransport) sentMessages() []Directed {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Directed, len(t.sent))
	copy(out, t.sent)
	return out
}

// collectingListener records committed payloads.
type collectingListener struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (l *collectingListener) OnCommitted(index int64, term int64, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data := make([]byte, len(payload))
	copy(data, payload)
	l.payloads = append(l.payloads, data)
}

func (l *collectingListener) committed() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.payloads))
	copy(out, l.payloads)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestRaftStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	members := map[MemberID]string{"a": "", "b": "", "c": ""}
	raft, err := NewRaft(
		"a",
		members,
		testStore,
		nil,
		t.TempDir(),
		WithTransport(&recordingTransport{}),
		WithLogger(nopLogger()),
		WithElectionTimeoutRange(5*time.Second, 8*time.Second),
	)
	require.NoError(t, err)

	require.NoError(t, raft.Start())

	status := raft.Status()
	require.Equal(t, MemberID("a"), status.ID)
	require.Equal(t, Follower, status.Role)
	require.Equal(t, int64(0), status.Term)

	raft.Stop()

	// Stopping twice is fine.
	raft.Stop()
}

func TestRaftSubmitNotLeader(t *testing.T) {
	members := map[MemberID]string{"a": "", "b": "", "c": ""}
	raft, err := NewRaft(
		"a",
		members,
		testStore,
		nil,
		t.TempDir(),
		WithTransport(&recordingTransport{}),
		WithLogger(nopLogger()),
		WithElectionTimeoutRange(5*time.Second, 8*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, raft.Start())
	defer raft.Stop()

	err = raft.Submit([]byte("payload"))
	require.Error(t, err)
	require.IsType(t, NotLeaderError{}, err)
}

func TestRaftSingleMemberCommits(t *testing.T) {
	listener := &collectingListener{}
	log := NewInMemoryLog()
	raft, err := NewRaft(
		"a",
		map[MemberID]string{"a": ""},
		testStore,
		listener,
		t.TempDir(),
		WithTransport(&recordingTransport{}),
		WithLogger(nopLogger()),
		WithLog(log),
		WithElectionTimeoutRange(100*time.Millisecond, 200*time.Millisecond),
		WithHeartbeatInterval(20*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, raft.Start())
	defer raft.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return raft.Status().Role == Leader
	}, "member never became leader")

	require.NoError(t, raft.Submit([]byte("hello")))
	require.NoError(t, raft.Submit([]byte("world")))

	waitFor(t, 5*time.Second, func() bool {
		return len(listener.committed()) == 2
	}, "payloads never committed")

	committed := listener.committed()
	require.Equal(t, []byte("hello"), committed[0])
	require.Equal(t, []byte("world"), committed[1])

	// Both payloads and the leader barrier are committed and applied.
	status := raft.Status()
	require.Equal(t, int64(2), status.CommitIndex)
	require.Equal(t, int64(2), status.LastApplied)

	// The applied prefix may be pruned away.
	require.NoError(t, raft.CompactLog(1))
	require.Equal(t, int64(1), log.PrevIndex())
	require.Equal(t, int64(2), log.AppendIndex())
}

func TestRaftVoteGrantPersistedBeforeResponse(t *testing.T) {
	ops := &opLog{}
	transport := &recordingTransport{ops: ops}
	voteStorage := &memoryVoteStorage{ops: ops}
	termStorage := &memoryTermStorage{ops: ops}

	raft, err := NewRaft(
		"a",
		map[MemberID]string{"a": "", "b": "", "c": ""},
		testStore,
		nil,
		t.TempDir(),
		WithTransport(transport),
		WithLogger(nopLogger()),
		WithVoteStorage(voteStorage),
		WithTermStorage(termStorage),
		WithElectionTimeoutRange(5*time.Second, 8*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, raft.Start())
	defer raft.Stop()

	transport.deliver(VoteRequest{
		From:         "b",
		Term:         1,
		Candidate:    "b",
		LastLogIndex: NoIndex,
		LastLogTerm:  NoTerm,
		Store:        testStore,
	})

	waitFor(t, 5*time.Second, func() bool {
		return len(transport.sentMessages()) > 0
	}, "vote response never sent")

	sent := transport.sentMessages()
	response, ok := sent[0].Message.(VoteResponse)
	require.True(t, ok)
	require.True(t, response.Granted)
	require.Equal(t, int64(1), response.Term)

	// The granted vote was durable before the response left the member.
	recorded := ops.snapshot()
	persistIndex, sendIndex := -1, -1
	for i, op := range recorded {
		if op == "persist-vote" && persistIndex == -1 {
			persistIndex = i
		}
		if op == "send" && sendIndex == -1 {
			sendIndex = i
		}
	}
	require.GreaterOrEqual(t, persistIndex, 0)
	require.GreaterOrEqual(t, sendIndex, 0)
	require.Less(t, persistIndex, sendIndex)
}

// clusterNetwork wires a set of members together in memory.
type clusterNetwork struct {
	mu       sync.Mutex
	handlers map[MemberID]func(Message)
}

func newClusterNetwork() *clusterNetwork {
	return &clusterNetwork{handlers: make(map[MemberID]func(Message))}
}

func (n *clusterNetwork) transportFor(id MemberID) Transport {
	return &clusterTransport{network: n, id: id}
}

type clusterTransport struct {
	network *clusterNetwork
	id      MemberID
	handler func(Message)
}

func (t *clusterTransport) RegisterMessageHandler(handler func(message Message)) {
	t.handler = handler
}

func (t *clusterTransport) Send(ctx context.Context, to MemberID, message Message) error {
	t.network.mu.Lock()
	handler := t.network.handlers[to]
	t.network.mu.Unlock()
	if handler != nil {
		handler(message)
	}
	return nil
}

func (t *clusterTransport) Run() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	t.network.handlers[t.id] = t.handler
	return nil
}

func (t *clusterTransport) Shutdown() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	delete(t.network.handlers, t.id)
	return nil
}

func TestRaftClusterElectsLeaderAndReplicates(t *testing.T) {
	network := newClusterNetwork()
	members := map[MemberID]string{"a": "", "b": "", "c": ""}

	rafts := make(map[MemberID]*Raft)
	listeners := make(map[MemberID]*collectingListener)
	for id := range members {
		listener := &collectingListener{}
		listeners[id] = listener
		raft, err := NewRaft(
			id,
			members,
			testStore,
			listener,
			t.TempDir(),
			WithTransport(network.transportFor(id)),
			WithLogger(nopLogger()),
			WithElectionTimeoutRange(150*time.Millisecond, 300*time.Millisecond),
			WithHeartbeatInterval(50*time.Millisecond),
			WithRetryTime(50*time.Millisecond),
		)
		require.NoError(t, err)
		rafts[id] = raft
	}

	for _, raft := range rafts {
		require.NoError(t, raft.Start())
	}
	defer func() {
		for _, raft := range rafts {
			raft.Stop()
		}
	}()

	var leader *Raft
	waitFor(t, 10*time.Second, func() bool {
		leader = nil
		leaders := 0
		for _, raft := range rafts {
			if raft.Status().Role == Leader {
				leaders++
				leader = raft
			}
		}
		return leaders == 1
	}, "cluster never elected a leader")

	require.NoError(t, leader.Submit([]byte("replicated")))

	waitFor(t, 10*time.Second, func() bool {
		for _, listener := range listeners {
			committed := listener.committed()
			if len(committed) != 1 || string(committed[0]) != "replicated" {
				return false
			}
		}
		return true
	}, "payload never reached every member")

	// Every member agrees on the leader's term.
	leaderStatus := leader.Status()
	for _, raft := range rafts {
		require.Equal(t, leaderStatus.Term, raft.Status().Term)
	}
}
