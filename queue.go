package statesync

import "sync"

// UpdateQueue is a bounded, ordered buffer of pending local mutations.
// Entries are held in FIFO order; when the bound is exceeded the oldest
// entries are evicted. All methods are safe for concurrent use.
type UpdateQueue struct {
	mu      sync.Mutex
	entries []QueuedUpdate
	max     int
}

// NewUpdateQueue returns a queue bounded at max entries.
func NewUpdateQueue(max int) *UpdateQueue {
	if max <= 0 {
		max = 100
	}
	return &UpdateQueue{
		entries: make([]QueuedUpdate, 0, max),
		max:     max,
	}
}

// Enqueue appends an update at the tail and returns any entries evicted from
// the head to hold the bound. Eviction is silent; callers log it for
// observability.
func (q *UpdateQueue) Enqueue(u QueuedUpdate) []QueuedUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, u)

	var evicted []QueuedUpdate
	if n := len(q.entries) - q.max; n > 0 {
		evicted = make([]QueuedUpdate, n)
		copy(evicted, q.entries[:n])
		q.entries = append(q.entries[:0], q.entries[n:]...)
	}
	return evicted
}

// DrainAll atomically returns and clears the current contents in enqueue
// order. Enqueues that happen after the snapshot land in the next drain.
func (q *UpdateQueue) DrainAll() []QueuedUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	drained := q.entries
	q.entries = make([]QueuedUpdate, 0, q.max)
	return drained
}

// Snapshot returns a copy of the current contents without clearing them.
// The reconciler uses it to collect still-queued edits for a record when
// assembling a conflict set.
func (q *UpdateQueue) Snapshot() []QueuedUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedUpdate, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the current length.
func (q *UpdateQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
