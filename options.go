package raft

import (
	"time"

	"github.com/causalcluster/raft/internal/errors"
)

const (
	minElectionTimeout        = time.Duration(100 * time.Millisecond)
	maxElectionTimeout        = time.Duration(10000 * time.Millisecond)
	defaultElectionTimeoutMin = time.Duration(500 * time.Millisecond)
	defaultElectionTimeoutMax = time.Duration(800 * time.Millisecond)

	minHeartbeat             = time.Duration(10 * time.Millisecond)
	defaultHeartbeatInterval = time.Duration(150 * time.Millisecond)

	minCatchupBatchSize     = 1
	maxCatchupBatchSize     = 4096
	defaultCatchupBatchSize = 64

	minShippingLag     = 1
	defaultShippingLag = 256

	defaultRetryTime = time.Duration(100 * time.Millisecond)

	defaultInFlightCacheSize = 1024
)

// Logger supports logging messages at the debug, info, warn, error, and fatal
// level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

type options struct {
	// The interval from which a fresh randomized election timeout is drawn
	// whenever the timer is re-armed.
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration

	// The interval between heartbeats the leader sends to each follower.
	// Must be shorter than half the minimum election timeout.
	heartbeatInterval time.Duration

	// The maximum number of entries shipped in one catch-up batch.
	catchupBatchSize int64

	// The maximum number of entries a follower may lag behind before the
	// leader stops streaming new entries to it.
	maxAllowedShippingLag int64

	// The minimum interval between retransmissions of a probe or batch.
	retryTime time.Duration

	// The capacity of the in-flight entry cache.
	inFlightCacheSize int

	// A logger for debugging and important events.
	logger Logger

	// The entry log. Defaults to the in-memory log.
	log RaftLog

	// The storage for the persistent term and vote.
	termStorage TermStorage
	voteStorage VoteStorage

	// The network transport.
	transport Transport
}

// Option is a function that updates the options associated with a Raft
// instance.
type Option func(options *options) error

// WithElectionTimeoutRange sets the interval from which election timeouts are
// drawn.
func WithElectionTimeoutRange(min time.Duration, max time.Duration) Option {
	return func(options *options) error {
		if min < minElectionTimeout || max > maxElectionTimeout || min > max {
			return errors.New("election timeout range is invalid")
		}
		options.electionTimeoutMin = min
		options.electionTimeoutMax = max
		return nil
	}
}

// WithHeartbeatInterval sets the leader's heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithCatchupBatchSize sets the maximum number of entries shipped in one
// catch-up batch.
func WithCatchupBatchSize(size int64) Option {
	return func(options *options) error {
		if size < minCatchupBatchSize || size > maxCatchupBatchSize {
			return errors.New("catchup batch size value is invalid")
		}
		options.catchupBatchSize = size
		return nil
	}
}

// WithMaxAllowedShippingLag sets the number of entries a follower may lag
// behind before new entries stop being streamed to it.
func WithMaxAllowedShippingLag(lag int64) Option {
	return func(options *options) error {
		if lag < minShippingLag {
			return errors.New("max allowed shipping lag value is invalid")
		}
		options.maxAllowedShippingLag = lag
		return nil
	}
}

// WithRetryTime sets the minimum interval between probe retransmissions.
func WithRetryTime(retryTime time.Duration) Option {
	return func(options *options) error {
		if retryTime <= 0 {
			return errors.New("retry time value is invalid")
		}
		options.retryTime = retryTime
		return nil
	}
}

// WithLogger sets the logger used by the instance.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLog sets the entry log used by the instance.
func WithLog(log RaftLog) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithTermStorage sets the persistent term storage used by the instance.
func WithTermStorage(storage TermStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("term storage must not be nil")
		}
		options.termStorage = storage
		return nil
	}
}

// WithVoteStorage sets the persistent vote storage used by the instance.
func WithVoteStorage(storage VoteStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("vote storage must not be nil")
		}
		options.voteStorage = storage
		return nil
	}
}

// WithTransport sets the network transport used by the instance.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

func (o *options) validate() error {
	if o.heartbeatInterval >= o.electionTimeoutMin/2 {
		return errors.New("heartbeat interval must be shorter than half the minimum election timeout")
	}
	return nil
}
