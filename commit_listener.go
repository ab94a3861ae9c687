package raft

// CommitListener consumes committed log entries. The consensus core does not
// interpret payloads; whatever state machine sits on top of the cluster
// implements this interface.
type CommitListener interface {
	// OnCommitted is invoked once for every committed payload entry, in
	// log order. It is invoked on the instance task and must not block;
	// long-running application work belongs on the listener's own tasks.
	OnCommitted(index int64, term int64, payload []byte)
}

// noopCommitListener discards committed entries.
type noopCommitListener struct{}

func (noopCommitListener) OnCommitted(index int64, term int64, payload []byte) {}
