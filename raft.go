package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/causalcluster/raft/internal/errors"
	"github.com/causalcluster/raft/internal/logger"
	"github.com/causalcluster/raft/internal/util"
)

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
	sendTimeout     = 1 * time.Second
)

var errShutdown = errors.New("raft instance is shut down")

// NotLeaderError is returned when a payload is submitted to a member that is
// not the leader. Only the leader may accept payloads for replication.
type NotLeaderError struct {
	// The ID of the member the payload was submitted to.
	ServerID MemberID

	// The ID of the member this member recognizes as the leader. Note that
	// this may not always be accurate.
	KnownLeader MemberID
}

// Error formats and returns an error message indicating that the member with
// the ID e.ServerID is not the leader, and the known leader is e.KnownLeader.
func (e NotLeaderError) Error() string {
	return fmt.Sprintf("member %s is not the leader: knownLeader = %s", e.ServerID, e.KnownLeader)
}

// Status is the status of a raft member.
type Status struct {
	// The unique identifier of this member.
	ID MemberID

	// The current term.
	Term int64

	// The current commit index.
	CommitIndex int64

	// The index of the last entry handed to the commit listener.
	LastApplied int64

	// The current role of the member: follower, candidate, leader.
	Role Role

	// The member believed to be the leader, NoMember if unknown.
	Leader MemberID
}

// event is one unit of work for the instance task: an inbound message, a
// timer event, or an API call that needs a result.
type event struct {
	message Message
	errCh   chan error
}

func (e event) done(err error) {
	if e.errCh != nil {
		e.errCh <- err
	}
}

// Raft is the consensus core of a cluster member. All inbound messages, timer
// events, and API submissions are serialized through a single queue and
// processed to completion one at a time: a role handler computes an Outcome
// over a read-only view of state and the instance applies it atomically,
// persisting term, vote and log changes before any message leaves the member.
type Raft struct {
	// The ID of this member.
	id MemberID

	// The configuration options for this member.
	options options

	// The network transport for sending and receiving messages.
	transport Transport

	// The replicated entry log.
	raftLog RaftLog

	// Cache of recently appended entries consulted by the log shippers.
	inFlight *InFlightCache

	// Persistent term and vote.
	termStorage TermStorage
	voteStorage VoteStorage

	// The consumer of committed entries.
	listener CommitListener

	// The volatile consensus state. Owned by the instance task.
	state *raftState

	// The current role. Owned by the instance task.
	role Role

	// One log shipper per follower while leader, nil otherwise.
	shippers map[MemberID]*logShipper

	eventCh    chan event
	shutdownCh chan struct{}

	electionTimer *time.Timer
	heartbeats    *time.Ticker

	wg sync.WaitGroup

	// Guards running and the status snapshot.
	mu      sync.Mutex
	running bool
	status  Status
}

// NewRaft creates a new member of the fixed cluster described by members,
// which maps every voting member (this one included) to its address. The
// dataPath is the directory where term and vote are persisted.
func NewRaft(
	id MemberID,
	members map[MemberID]string,
	store StoreID,
	listener CommitListener,
	dataPath string,
	opts ...Option,
) (*Raft, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}

	// Set default values if option not provided.
	if options.logger == nil {
		defaultLogger, err := logger.NewLogger()
		if err != nil {
			return nil, err
		}
		options.logger = defaultLogger
	}
	if options.electionTimeoutMin == 0 {
		options.electionTimeoutMin = defaultElectionTimeoutMin
		options.electionTimeoutMax = defaultElectionTimeoutMax
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = defaultHeartbeatInterval
	}
	if options.catchupBatchSize == 0 {
		options.catchupBatchSize = defaultCatchupBatchSize
	}
	if options.maxAllowedShippingLag == 0 {
		options.maxAllowedShippingLag = defaultShippingLag
	}
	if options.retryTime == 0 {
		options.retryTime = defaultRetryTime
	}
	if options.inFlightCacheSize == 0 {
		options.inFlightCacheSize = defaultInFlightCacheSize
	}
	if options.log == nil {
		options.log = NewInMemoryLog()
	}
	if options.termStorage == nil {
		options.termStorage = NewTermStorage(dataPath)
	}
	if options.voteStorage == nil {
		options.voteStorage = NewVoteStorage(dataPath)
	}
	if options.transport == nil {
		options.transport = NewTransport(members[id], members)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		listener = noopCommitListener{}
	}

	memberIDs := make([]MemberID, 0, len(members))
	for member := range members {
		memberIDs = append(memberIDs, member)
	}

	raft := &Raft{
		id:          id,
		options:     options,
		transport:   options.transport,
		raftLog:     options.log,
		inFlight:    NewInFlightCache(options.inFlightCacheSize),
		termStorage: options.termStorage,
		voteStorage: options.voteStorage,
		listener:    listener,
		state:       newRaftState(id, store, memberIDs, options.log),
		role:        Follower,
		eventCh:     make(chan event, 128),
		shutdownCh:  make(chan struct{}),
	}
	return raft, nil
}

// Start starts the member if it is not already started: persistent term and
// vote are restored, the transport begins accepting messages, and the member
// enters the follower role with a fresh election timeout.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	if err := r.termStorage.Open(); err != nil {
		return err
	}
	if err := r.termStorage.Replay(); err != nil {
		return err
	}
	if err := r.voteStorage.Open(); err != nil {
		return err
	}
	if err := r.voteStorage.Replay(); err != nil {
		return err
	}

	term, err := r.termStorage.Term()
	if err != nil {
		return err
	}
	voteTerm, votedFor, err := r.voteStorage.State()
	if err != nil {
		return err
	}
	r.state.term = util.Max(term, voteTerm)
	if voteTerm == r.state.term {
		r.state.votedFor = votedFor
	}

	r.transport.RegisterMessageHandler(r.deliver)
	if err := r.transport.Run(); err != nil {
		return err
	}

	r.role = Follower
	r.electionTimer = time.NewTimer(r.randomElectionTimeout())
	r.heartbeats = time.NewTicker(r.options.heartbeatInterval)
	r.running = true
	r.updateStatusLocked()

	r.wg.Add(1)
	go r.loop()

	r.options.logger.Infof(
		"member started: id = %s, term = %d, electionTimeout = [%v, %v], heartbeatInterval = %v",
		r.id,
		r.state.term,
		r.options.electionTimeoutMin,
		r.options.electionTimeoutMax,
		r.options.heartbeatInterval,
	)

	return nil
}

// Stop stops the member if it is not already stopped.
func (r *Raft) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.shutdownCh)
	r.wg.Wait()

	r.heartbeats.Stop()
	r.electionTimer.Stop()

	if err := r.transport.Shutdown(); err != nil {
		r.options.logger.Errorf("failed to shut down transport: error = %v", err)
	}
	if err := r.termStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close term storage: error = %v", err)
	}
	if err := r.voteStorage.Close(); err != nil {
		r.options.logger.Errorf("failed to close vote storage: error = %v", err)
	}

	r.options.logger.Infof("member stopped: id = %s", r.id)
}

// Submit hands a payload to this member for replication. Only the leader
// accepts payloads; other members return a NotLeaderError carrying the
// leader they currently believe in.
func (r *Raft) Submit(payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	return r.roundTrip(newEntryRequest{data: data})
}

// CompactLog discards log entries up to and including upToIndex, making room
// after the entries' effects have been captured elsewhere. Compaction past
// the commit index is a safety violation.
func (r *Raft) CompactLog(upToIndex int64) error {
	return r.roundTrip(pruneRequest{upToIndex: upToIndex})
}

// Status returns the status of this member.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Raft) roundTrip(message Message) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return errShutdown
	}
	r.mu.Unlock()

	errCh := make(chan error, 1)
	select {
	case r.eventCh <- event{message: message, errCh: errCh}:
	case <-r.shutdownCh:
		return errShutdown
	}
	select {
	case err := <-errCh:
		return err
	case <-r.shutdownCh:
		return errShutdown
	}
}

// deliver is the single inbound handler registered with the transport.
func (r *Raft) deliver(message Message) {
	select {
	case r.eventCh <- event{message: message}:
	case <-r.shutdownCh:
	}
}

// loop is the single message-processing task. Every handler runs to
// completion and its outcome is fully applied before the next event is
// dequeued.
func (r *Raft) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdownCh:
			return
		case ev := <-r.eventCh:
			r.processEvent(ev)
		case <-r.electionTimer.C:
			r.processEvent(event{message: electionTimeout{}})
		case <-r.heartbeats.C:
			r.onHeartbeatTick()
		}
	}
}

func (r *Raft) processEvent(ev event) {
	switch m := ev.message.(type) {
	case newEntryRequest:
		if r.role != Leader {
			ev.done(NotLeaderError{ServerID: r.id, KnownLeader: r.state.leader})
			return
		}
	case pruneRequest:
		r.prune(m.upToIndex)
		ev.done(nil)
		return
	}

	outcome, err := handleMessage(r.role, r.state, ev.message, r.options.logger)
	if err != nil {
		// Handler errors are safety violations, never recoverable.
		r.options.logger.Fatalf("failed to handle message: type = %T, error = %v", ev.message, err)
		ev.done(err)
		return
	}
	r.applyOutcome(outcome)
	ev.done(nil)
}

// applyOutcome makes a handler's effects real: persistent state first, then
// the volatile state and role, and only then the outgoing messages and
// shipper events. A granted vote is therefore always durable before the
// response carrying it leaves this member.
func (r *Raft) applyOutcome(outcome *Outcome) {
	if outcome.Term < r.state.term {
		r.options.logger.Fatalf(
			"term regression: currentTerm = %d, outcomeTerm = %d",
			r.state.term,
			outcome.Term,
		)
		return
	}

	r.persistTermAndVote(outcome.Term, outcome.VotedFor)

	for _, command := range outcome.LogCommands {
		switch c := command.(type) {
		case TruncateCommand:
			if c.FromIndex <= r.state.commitIndex {
				r.options.logger.Fatalf(
					"refusing to truncate committed entries: fromIndex = %d, commitIndex = %d",
					c.FromIndex,
					r.state.commitIndex,
				)
				return
			}
			r.truncateLog(c.FromIndex)
		case AppendCommand:
			r.appendToLog(c.Entries)
		}
	}

	r.state.term = outcome.Term
	r.state.votedFor = outcome.VotedFor
	r.state.leader = outcome.Leader
	r.state.votesForMe = make(map[MemberID]struct{}, len(outcome.VotesForMe))
	for _, member := range outcome.VotesForMe {
		r.state.votesForMe[member] = struct{}{}
	}
	r.state.progress = outcome.Progress

	if outcome.CommitIndex > r.state.commitIndex {
		r.state.commitIndex = outcome.CommitIndex
		r.applyCommitted()
	}

	previousRole := r.role
	r.role = outcome.Role
	if previousRole != outcome.Role {
		r.options.logger.Infof("entered the %s state: term = %d", outcome.Role, outcome.Term)
	}

	if outcome.ElectedLeader && previousRole != Leader {
		r.stopElectionTimer()
		r.startShippers()
	}
	if previousRole == Leader && outcome.Role != Leader {
		r.stopShippers()
		r.resetElectionTimer()
	}
	if outcome.Role != Leader && outcome.RenewElectionTimeout {
		r.resetElectionTimer()
	}

	for _, directed := range outcome.Messages {
		r.send(directed.To, directed.Message)
	}

	if r.role == Leader {
		ctx := LeaderContext{Term: r.state.term, CommitIndex: r.state.commitIndex}
		for _, command := range outcome.ShipCommands {
			switch c := command.(type) {
			case ShipNewEntries:
				for _, shipper := range r.shippers {
					shipper.OnNewEntries(c.PrevIndex, c.PrevTerm, c.Entries, ctx)
				}
			case ShipMatch:
				if shipper, ok := r.shippers[c.Target]; ok {
					shipper.OnMatch(c.MatchIndex, ctx)
				}
			case ShipMismatch:
				if shipper, ok := r.shippers[c.Target]; ok {
					shipper.OnMismatch(c.LastAttemptedIndex, ctx)
				}
			}
		}
	}

	r.mu.Lock()
	r.updateStatusLocked()
	r.mu.Unlock()
}

// prune discards log entries up to and including upToIndex. Pruning across
// the commit line would destroy entries the cluster still needs.
func (r *Raft) prune(upToIndex int64) {
	if upToIndex > r.state.commitIndex {
		r.options.logger.Fatalf(
			"refusing to prune uncommitted entries: upToIndex = %d, commitIndex = %d",
			upToIndex,
			r.state.commitIndex,
		)
		return
	}
	if err := r.raftLog.Prune(upToIndex); err != nil {
		r.options.logger.Fatalf("failed to prune log: error = %v", err)
		return
	}
	r.inFlight.Prune(upToIndex)
	r.options.logger.Infof("log pruned: upToIndex = %d, prevIndex = %d", upToIndex, r.raftLog.PrevIndex())
}

func (r *Raft) applyCommitted() {
	for r.state.lastApplied < r.state.commitIndex {
		index := r.state.lastApplied + 1
		entries, err := r.raftLog.EntriesFrom(index)
		if err != nil {
			// The entries were pruned after being committed; their
			// effects were captured by whoever requested the prune.
			r.state.lastApplied = r.raftLog.PrevIndex()
			continue
		}
		if len(entries) == 0 {
			return
		}
		entry := entries[0]
		if !entry.isBarrier() {
			r.listener.OnCommitted(index, entry.Term, entry.Data)
		}
		r.state.lastApplied = index
	}
}

func (r *Raft) persistTermAndVote(term int64, votedFor MemberID) {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if _, err = r.termStorage.Update(term); err == nil {
			break
		}
		time.Sleep(persistBackoff)
	}
	if err != nil {
		r.options.logger.Fatalf("failed to persist term: term = %d, error = %v", term, err)
		return
	}
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if _, err = r.voteStorage.Update(term, votedFor); err == nil {
			return
		}
		if err == errConflictingVote {
			break
		}
		time.Sleep(persistBackoff)
	}
	r.options.logger.Fatalf("failed to persist vote: term = %d, votedFor = %s, error = %v", term, votedFor, err)
}

func (r *Raft) appendToLog(entries []LogEntry) {
	var index int64
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if index, err = r.raftLog.Append(entries...); err == nil {
			for i := range entries {
				r.inFlight.Put(index-int64(len(entries))+1+int64(i), entries[i])
			}
			return
		}
		time.Sleep(persistBackoff)
	}
	r.options.logger.Fatalf("failed to append entries to log: error = %v", err)
}

func (r *Raft) truncateLog(fromIndex int64) {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = r.raftLog.Truncate(fromIndex); err == nil {
			r.inFlight.Truncate(fromIndex)
			return
		}
		time.Sleep(persistBackoff)
	}
	r.options.logger.Fatalf("failed to truncate log: fromIndex = %d, error = %v", fromIndex, err)
}

func (r *Raft) onHeartbeatTick() {
	if r.role != Leader {
		return
	}
	ctx := LeaderContext{Term: r.state.term, CommitIndex: r.state.commitIndex}
	for _, shipper := range r.shippers {
		shipper.OnTimeout(ctx)
	}
}

func (r *Raft) startShippers() {
	ctx := LeaderContext{Term: r.state.term, CommitIndex: r.state.commitIndex}
	r.shippers = make(map[MemberID]*logShipper)
	for _, member := range r.state.VotingMembers() {
		if member == r.id {
			continue
		}
		shipper := newLogShipper(
			r.id,
			member,
			r.raftLog,
			r.inFlight,
			raftOutbox{raft: r},
			r.options.logger,
			r.options.catchupBatchSize,
			r.options.maxAllowedShippingLag,
			r.options.retryTime,
		)
		r.shippers[member] = shipper
		shipper.Start(ctx)
	}
}

func (r *Raft) stopShippers() {
	for _, shipper := range r.shippers {
		shipper.Stop()
	}
	r.shippers = nil
}

func (r *Raft) resetElectionTimer() {
	if !r.electionTimer.Stop() {
		select {
		case <-r.electionTimer.C:
		default:
		}
	}
	r.electionTimer.Reset(r.randomElectionTimeout())
}

func (r *Raft) stopElectionTimer() {
	if !r.electionTimer.Stop() {
		select {
		case <-r.electionTimer.C:
		default:
		}
	}
}

func (r *Raft) randomElectionTimeout() time.Duration {
	return util.RandomTimeout(r.options.electionTimeoutMin, r.options.electionTimeoutMax)
}

// send hands a message to the transport without blocking the instance task.
func (r *Raft) send(to MemberID, message Message) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := r.transport.Send(ctx, to, message); err != nil {
			r.options.logger.Debugf("failed to send message: to = %s, error = %v", to, err)
		}
	}()
}

func (r *Raft) updateStatusLocked() {
	r.status = Status{
		ID:          r.id,
		Term:        r.state.term,
		CommitIndex: r.state.commitIndex,
		LastApplied: r.state.lastApplied,
		Role:        r.role,
		Leader:      r.state.leader,
	}
}

// raftOutbox adapts the instance's asynchronous send for the log shippers.
type raftOutbox struct {
	raft *Raft
}

func (o raftOutbox) Send(to MemberID, message Message) {
	o.raft.send(to, message)
}
