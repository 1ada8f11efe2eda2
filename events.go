package statesync

import (
	"sync"
	"time"
)

// EventKind identifies an engine lifecycle notification.
type EventKind string

const (
	EventInitialized      EventKind = "initialized"
	EventSyncStarted      EventKind = "sync_started"
	EventSyncCompleted    EventKind = "sync_completed"
	EventSyncFailed       EventKind = "sync_failed"
	EventUpdateQueued     EventKind = "update_queued"
	EventUpdateFailed     EventKind = "update_failed"
	EventConflictDetected EventKind = "conflict_detected"
	EventConflictResolved EventKind = "conflict_resolved"
	EventError            EventKind = "error"
)

// Event is a lifecycle notification. Payloads stay small: identifiers and
// summary counts only, never full record bodies.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// TargetID and UpdateID identify the record/update involved, when one is.
	TargetID string
	UpdateID string

	// QueueSize is the queue length at emission time, where relevant.
	QueueSize int

	// Failures carries consecutiveFailures on sync_failed.
	Failures int

	// Conflicts carries the candidate or resolved count on conflict events.
	Conflicts int

	// Message carries a short error summary on update_failed/error events.
	Message string
}

// Bus broadcasts events to any number of subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event (slow consumers must
// buffer on their own side rather than back-pressure the publisher).
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	buffer int
	closed bool
}

// NewBus returns a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber and returns its event stream along
// with a cancel function. Cancel is idempotent and closes the stream.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. A zero
// Timestamp is stamped with the current time. Publishing on a closed bus is
// a no-op.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default: // subscriber buffer full, drop
		}
	}
}

// Close releases all subscriber streams. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
