package raft

import (
	"time"

	"github.com/causalcluster/raft/internal/util"
)

// shipperMode is the operating mode of a log shipper.
type shipperMode uint32

const (
	// mismatchMode backtracks with single-entry probes until the follower
	// matches the leader's log.
	mismatchMode shipperMode = iota

	// pipelineMode streams new entries as they are appended and heartbeats
	// when there is nothing to stream.
	pipelineMode

	// catchupMode bulk-ships batches of entries to a follower that matched
	// behind the leader's append index.
	catchupMode
)

// String converts a shipperMode into a string.
func (m shipperMode) String() string {
	switch m {
	case mismatchMode:
		return "mismatch"
	case pipelineMode:
		return "pipeline"
	case catchupMode:
		return "catchup"
	default:
		panic("invalid shipper mode")
	}
}

// LeaderContext carries the leader's view of term and commit index into a
// shipper event.
type LeaderContext struct {
	Term        int64
	CommitIndex int64
}

// Outbox accepts outbound messages for asynchronous delivery. The consensus
// core never waits for delivery; lost messages are recovered by timeouts.
type Outbox interface {
	Send(to MemberID, message Message)
}

// logShipper tracks the replication progress of a single follower and decides
// which append requests to send it. One shipper exists per follower while this
// member is the leader. All entry points are invoked on the instance task;
// only the emission of messages is asynchronous.
type logShipper struct {
	leader   MemberID
	follower MemberID

	raftLog  ReadableLog
	inFlight *InFlightCache
	outbox   Outbox
	logger   Logger

	catchupBatchSize      int64
	maxAllowedShippingLag int64
	retryTime             time.Duration

	mode          shipperMode
	matchIndex    int64
	lastSentIndex int64
	lastSendTime  time.Time
}

func newLogShipper(
	leader MemberID,
	follower MemberID,
	raftLog ReadableLog,
	inFlight *InFlightCache,
	outbox Outbox,
	logger Logger,
	catchupBatchSize int64,
	maxAllowedShippingLag int64,
	retryTime time.Duration,
) *logShipper {
	return &logShipper{
		leader:                leader,
		follower:              follower,
		raftLog:               raftLog,
		inFlight:              inFlight,
		outbox:                outbox,
		logger:                logger,
		catchupBatchSize:      catchupBatchSize,
		maxAllowedShippingLag: maxAllowedShippingLag,
		retryTime:             retryTime,
		mode:                  mismatchMode,
		matchIndex:            NoIndex,
		lastSentIndex:         NoIndex,
	}
}

// Start probes the follower with the last entry of the leader's log. The
// shipper starts in mismatch mode; streaming begins only once the follower
// has matched.
func (s *logShipper) Start(ctx LeaderContext) {
	s.mode = mismatchMode
	s.matchIndex = NoIndex
	s.lastSentIndex = s.raftLog.AppendIndex()
	s.logger.Infof("log shipper started: follower = %s, lastSentIndex = %d", s.follower, s.lastSentIndex)
	if s.lastSentIndex == NoIndex {
		s.sendEmpty(NoIndex, ctx)
		return
	}
	s.sendSingle(s.lastSentIndex, ctx)
}

// Stop tears the shipper down. In-flight sends are not cancelled; their
// responses are discarded by term.
func (s *logShipper) Stop() {
	s.logger.Infof("log shipper stopped: follower = %s, matchIndex = %d", s.follower, s.matchIndex)
}

// OnMatch records that the follower's log matches the leader's up to
// matchIndex. A follower that is still behind is switched to catch-up;
// a fully caught-up follower enters the pipeline.
func (s *logShipper) OnMatch(matchIndex int64, ctx LeaderContext) {
	if matchIndex > s.matchIndex {
		s.matchIndex = matchIndex
	}
	if s.matchIndex >= s.raftLog.AppendIndex() {
		s.mode = pipelineMode
		s.lastSentIndex = s.matchIndex
		return
	}
	if s.matchIndex <= s.raftLog.PrevIndex() {
		// The follower's match point lies in the pruned prefix: either the
		// entries it needs next or the term of the entry preceding them are
		// no longer readable.
		s.mode = mismatchMode
		s.sendCompactionInfo(ctx)
		return
	}
	s.mode = catchupMode
	s.sendNextBatch(ctx)
}

// OnMismatch backtracks after the follower rejected the last append attempt,
// probing at successively lower indices. The probe index never crosses the
// pruned prefix: once the walk reaches it, a compaction signal is emitted and
// the oldest still-available entry keeps being shipped.
func (s *logShipper) OnMismatch(lastAttemptedIndex int64, ctx LeaderContext) {
	s.mode = mismatchMode
	if s.raftLog.AppendIndex() == NoIndex {
		s.sendEmpty(NoIndex, ctx)
		return
	}
	desired := s.lastSentIndex - 1
	if lastAttemptedIndex >= 0 && lastAttemptedIndex < desired {
		desired = lastAttemptedIndex
	}
	floor := s.raftLog.PrevIndex() + 1
	if desired < floor {
		if s.raftLog.PrevIndex() > NoIndex {
			s.sendCompactionInfo(ctx)
		}
		desired = floor
	}
	s.sendSingle(desired, ctx)
}

// OnNewEntries streams entries appended to the leader's log. Entries are only
// streamed in pipeline mode and only when they directly extend what was last
// sent; anything else is dropped and recovered through the next match. A
// follower lagging more than maxAllowedShippingLag entries is not streamed to
// until it catches up.
func (s *logShipper) OnNewEntries(prevIndex int64, prevTerm int64, entries []LogEntry, ctx LeaderContext) {
	if s.mode != pipelineMode {
		s.logger.Debugf("not streaming new entries: follower = %s, mode = %s", s.follower, s.mode)
		return
	}
	if prevIndex != s.lastSentIndex {
		s.logger.Debugf(
			"not streaming new entries: follower = %s, reason = pipeline behind, prevIndex = %d, lastSentIndex = %d",
			s.follower,
			prevIndex,
			s.lastSentIndex,
		)
		return
	}
	if s.raftLog.AppendIndex()-s.matchIndex > s.maxAllowedShippingLag {
		s.logger.Debugf(
			"not streaming new entries: follower = %s, reason = shipping lag, matchIndex = %d, appendIndex = %d",
			s.follower,
			s.matchIndex,
			s.raftLog.AppendIndex(),
		)
		return
	}
	s.send(AppendRequest{
		From:         s.leader,
		Term:         ctx.Term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: ctx.CommitIndex,
	})
	s.lastSentIndex = prevIndex + int64(len(entries))
}

// OnTimeout retransmits: a heartbeat in pipeline mode, the current probe in
// mismatch mode, and the pending batch in catch-up mode.
func (s *logShipper) OnTimeout(ctx LeaderContext) {
	switch s.mode {
	case pipelineMode:
		s.sendEmpty(s.lastSentIndex, ctx)
	case mismatchMode:
		if time.Since(s.lastSendTime) < s.retryTime {
			return
		}
		if s.raftLog.AppendIndex() == NoIndex {
			s.sendEmpty(NoIndex, ctx)
			return
		}
		s.sendSingle(s.lastSentIndex, ctx)
	case catchupMode:
		if time.Since(s.lastSendTime) < s.retryTime {
			return
		}
		s.sendNextBatch(ctx)
	}
}

// sendNextBatch ships the next catch-up batch, starting right after the
// follower's match index.
func (s *logShipper) sendNextBatch(ctx LeaderContext) {
	from := s.matchIndex + 1
	to := util.Min(s.matchIndex+s.catchupBatchSize, s.raftLog.AppendIndex())
	s.sendRange(from, to, ctx)
}

// sendSingle ships the single entry at the given index, preceded by its
// predecessor's term for the follower's consistency check.
func (s *logShipper) sendSingle(index int64, ctx LeaderContext) {
	s.sendRange(index, index, ctx)
}

func (s *logShipper) sendRange(from int64, to int64, ctx LeaderContext) {
	if from <= s.raftLog.PrevIndex() {
		s.mode = mismatchMode
		s.sendCompactionInfo(ctx)
		return
	}
	prevTerm := s.entryTerm(from - 1)
	entries, ok := s.readEntries(from, to)
	if !ok {
		// The log was pruned between deciding to read and reading.
		s.mode = mismatchMode
		s.sendCompactionInfo(ctx)
		return
	}
	s.send(AppendRequest{
		From:         s.leader,
		Term:         ctx.Term,
		PrevLogIndex: from - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: ctx.CommitIndex,
	})
	s.lastSentIndex = to
}

// sendEmpty ships an entry-less append request, used as heartbeat and as the
// initial probe of an empty log.
func (s *logShipper) sendEmpty(prevIndex int64, ctx LeaderContext) {
	s.send(AppendRequest{
		From:         s.leader,
		Term:         ctx.Term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  s.entryTerm(prevIndex),
		LeaderCommit: ctx.CommitIndex,
	})
}

func (s *logShipper) sendCompactionInfo(ctx LeaderContext) {
	s.send(LogCompactionInfo{
		From:      s.leader,
		Term:      ctx.Term,
		PrevIndex: s.raftLog.PrevIndex(),
	})
}

func (s *logShipper) send(message Message) {
	s.outbox.Send(s.follower, message)
	s.lastSendTime = time.Now()
}

// readEntries reads the entries in [from, to], consulting the in-flight cache
// first and falling back to the entry log. It reports failure when the range
// is no longer fully readable.
func (s *logShipper) readEntries(from int64, to int64) ([]LogEntry, bool) {
	entries := make([]LogEntry, 0, to-from+1)
	index := from
	for ; index <= to; index++ {
		entry, ok := s.inFlight.Get(index)
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	if index > to {
		return entries, true
	}
	rest, err := s.raftLog.EntriesFrom(index)
	if err != nil || int64(len(rest)) < to-index+1 {
		return nil, false
	}
	return append(entries, rest[:to-index+1]...), true
}

func (s *logShipper) entryTerm(index int64) int64 {
	term, err := s.raftLog.ReadEntryTerm(index)
	if err != nil {
		s.logger.Errorf("failed to read entry term: index = %d, error = %v", index, err)
		return NoTerm
	}
	return term
}
