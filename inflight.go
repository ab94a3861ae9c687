package raft

// InFlightCache holds recently appended log entries keyed by index so that the
// log shippers can read them without going back to the entry log. Entries are
// evicted from the head once the cache exceeds its capacity. The cache is a
// performance optimization only; misses fall back to the log.
//
// The cache is written and read on the instance task and is not safe for
// concurrent use.
type InFlightCache struct {
	entries  map[int64]LogEntry
	first    int64
	last     int64
	capacity int
}

// NewInFlightCache creates a cache bounded to the given number of entries.
func NewInFlightCache(capacity int) *InFlightCache {
	return &InFlightCache{
		entries:  make(map[int64]LogEntry),
		first:    NoIndex,
		last:     NoIndex,
		capacity: capacity,
	}
}

// Put stores the entry appended at the given index. Indices must arrive
// densely and in order.
func (c *InFlightCache) Put(index int64, entry LogEntry) {
	if len(c.entries) == 0 {
		c.first = index
	}
	c.entries[index] = entry
	c.last = index
	for len(c.entries) > c.capacity {
		delete(c.entries, c.first)
		c.first++
	}
}

// Get returns the cached entry at the given index.
func (c *InFlightCache) Get(index int64) (LogEntry, bool) {
	entry, ok := c.entries[index]
	return entry, ok
}

// Truncate drops all cached entries with index greater than or equal to
// fromIndex, mirroring a truncation of the entry log.
func (c *InFlightCache) Truncate(fromIndex int64) {
	for index := fromIndex; index <= c.last; index++ {
		delete(c.entries, index)
	}
	if fromIndex <= c.first {
		c.first = NoIndex
		c.last = NoIndex
	} else if fromIndex <= c.last {
		c.last = fromIndex - 1
	}
}

// Prune drops all cached entries with index less than or equal to upToIndex,
// mirroring a prune of the entry log.
func (c *InFlightCache) Prune(upToIndex int64) {
	for index := c.first; index <= upToIndex && index <= c.last; index++ {
		delete(c.entries, index)
	}
	if len(c.entries) == 0 {
		c.first = NoIndex
		c.last = NoIndex
	} else if upToIndex >= c.first {
		c.first = upToIndex + 1
	}
}
