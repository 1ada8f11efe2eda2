// Package statesync implements the background state-synchronization engine
// for a journaling application. It reconciles locally-queued mutations of
// versioned core records against an authoritative remote copy under
// unreliable connectivity: mutations are queued while offline, drained with
// bounded retries and exponential backoff, divergent writes are resolved
// deterministically, and lifecycle events are broadcast without blocking
// callers.
//
// The engine is transport- and storage-agnostic. Actual data movement goes
// through two ports supplied by the caller: a RecordStore for the local copy
// and a RemoteSource for the authoritative one. See storage/sqlite and
// transport/httpremote for the stock implementations.
package statesync

import (
	"context"
	"time"
)

// Insight is a small additive annotation attached to a core record.
// Insights are merged, not overwritten, when conflicting record versions
// are resolved.
type Insight struct {
	ID             string  `json:"id"`
	RelevanceScore float64 `json:"relevance_score"`
}

// CoreRecord is the versioned entity being synchronized. Value is opaque to
// the engine; LastUpdatedAt serves as the version marker for conflict
// detection and last-writer-wins resolution.
type CoreRecord struct {
	ID            string    `json:"id"`
	Value         float64   `json:"value"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Insights      []Insight `json:"insights,omitempty"`
}

// UpdateKind describes what a queued update carries.
type UpdateKind int

const (
	// UpdateSingle applies one record.
	UpdateSingle UpdateKind = iota
	// UpdateBatch applies several records in one entry.
	UpdateBatch
	// UpdateMetadata refreshes insights and timestamp only; the record's
	// value is preserved if it already exists locally.
	UpdateMetadata
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSingle:
		return "single"
	case UpdateBatch:
		return "batch"
	case UpdateMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// QueuedUpdate is a pending local mutation awaiting transmission.
type QueuedUpdate struct {
	ID            string
	TargetID      string
	Kind          UpdateKind
	Records       []CoreRecord
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	RetryCount    int
}

// RecordStore is the core repository port: the local, durable copy of the
// records. Implementations own record persistence; the engine only holds
// transient references during a cycle.
type RecordStore interface {
	// Get returns the record with the given id, or nil if absent.
	Get(ctx context.Context, id string) (*CoreRecord, error)

	// List returns all records.
	List(ctx context.Context) ([]CoreRecord, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, record CoreRecord) error
}

// RemoteSource is the remote state port: the authoritative copy.
type RemoteSource interface {
	// HasUpdates reports whether remote changes exist since the last fetch.
	HasUpdates(ctx context.Context) (bool, error)

	// FetchAll retrieves all authoritative records.
	FetchAll(ctx context.Context) ([]CoreRecord, error)

	// Push transmits local records to the authoritative store.
	Push(ctx context.Context, records []CoreRecord) error
}

// Options configures the engine. The zero value is usable; Defaults are
// applied by New.
type Options struct {
	// BaseInterval is the periodic sync cadence when healthy. Default: 5m.
	BaseInterval time.Duration

	// MaxInterval caps the backed-off interval. Default: 30m.
	MaxInterval time.Duration

	// MaxQueueSize bounds the update queue; oldest entries are evicted
	// beyond it. Default: 100.
	MaxQueueSize int

	// MaxRetries bounds per-update apply attempts before the update is
	// dropped. Default: 5.
	MaxRetries int

	// InsightCap bounds the merged insight list on a resolved record.
	// Default: 5.
	InsightCap int

	// CycleTimeout bounds a single sync cycle's port calls. Default: 30s.
	CycleTimeout time.Duration

	// EventBuffer is the per-subscriber event channel depth. Default: 64.
	EventBuffer int

	// DisableEnqueueDrain turns off the best-effort drain attempt that
	// EnqueueUpdate makes when the scheduler is idle.
	DisableEnqueueDrain bool
}

const backoffCeiling = 16 // min(2^failures, 16)

func (o *Options) setDefaults() {
	if o.BaseInterval <= 0 {
		o.BaseInterval = 5 * time.Minute
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Minute
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InsightCap <= 0 {
		o.InsightCap = 5
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// backoffInterval returns the wait before the next scheduled cycle:
// base × min(2^failures, 16), clamped to max. It is monotonically
// non-decreasing in failures.
func backoffInterval(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	factor := int64(1)
	for i := 0; i < failures && factor < backoffCeiling; i++ {
		factor <<= 1
	}
	d := time.Duration(int64(base) * factor)
	if d > max || d < 0 {
		d = max
	}
	return d
}
