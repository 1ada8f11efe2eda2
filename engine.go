package statesync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/lucidjournal/statesync/errors"
)

// Statistics is a point-in-time snapshot of the engine's sync state for
// diagnostic tooling.
type Statistics struct {
	LastSuccessfulSyncAt *time.Time
	ConsecutiveFailures  int
	QueueSize            int
	IsSyncing            bool
	NextSyncEstimate     time.Time
}

// Engine drives the synchronization lifecycle: it owns the update queue,
// schedules periodic cycles with exponential backoff after failures, and
// broadcasts lifecycle events. Construct with New, start with Initialize,
// shut down with Stop or Close.
//
// At most one sync cycle is in flight at any time; a cycle started by the
// timer, by ForceSync or by an enqueue-triggered drain all contend on the
// same guard.
type Engine struct {
	opts   Options
	store  RecordStore
	remote RemoteSource
	queue  *UpdateQueue
	bus    *Bus
	rec    *reconciler
	logger *slog.Logger

	mu          sync.Mutex
	syncing     bool
	failures    int
	lastSuccess *time.Time
	nextSync    time.Time
	running     bool
	stopCh      chan struct{}
	wake        chan struct{}
	wg          sync.WaitGroup
}

// New constructs an engine over the two ports. opts may be nil for defaults.
// The engine does not sync until Initialize is called.
func New(store RecordStore, remote RemoteSource, opts *Options, logger *slog.Logger) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults()

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		opts:   o,
		store:  store,
		remote: remote,
		queue:  NewUpdateQueue(o.MaxQueueSize),
		bus:    NewBus(o.EventBuffer),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	e.rec = &reconciler{store: store, remote: remote, logger: logger}
	return e
}

// Initialize starts the scheduler. Idempotent; calling it on a running
// engine is a no-op. Emits an initialized event with the current queue size,
// so a restart after Stop reports any updates that accumulated meanwhile.
func (e *Engine) Initialize() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.nextSync = time.Now().Add(e.opts.BaseInterval)
	stopCh := e.stopCh
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(stopCh)

	e.logger.Info("state sync engine initialized",
		slog.Int("queue_size", e.queue.Size()),
		slog.Duration("base_interval", e.opts.BaseInterval))
	e.bus.Publish(Event{Kind: EventInitialized, QueueSize: e.queue.Size()})
}

// run is the scheduler loop. It sleeps until the next estimated sync time,
// runs a cycle, and reschedules. Wake signals force an immediate timer
// re-evaluation after out-of-band cycles.
func (e *Engine) run(stopCh chan struct{}) {
	defer e.wg.Done()

	timer := time.NewTimer(e.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-e.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.untilNext())
		case <-timer.C:
			// Re-check stop so a cycle never starts right after Stop.
			select {
			case <-stopCh:
				return
			default:
			}
			if e.beginCycle() {
				e.cycle(context.Background())
			}
			timer.Reset(e.untilNext())
		}
	}
}

func (e *Engine) untilNext() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := time.Until(e.nextSync)
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// beginCycle claims the single in-flight cycle slot.
func (e *Engine) beginCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return false
	}
	e.syncing = true
	return true
}

// cycle runs one full synchronization pass: drain the queue and apply each
// update, then reconcile against the remote copy. The caller must have
// claimed the cycle slot via beginCycle.
func (e *Engine) cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()

	e.bus.Publish(Event{Kind: EventSyncStarted, QueueSize: e.queue.Size()})
	e.logger.Debug("sync cycle started", slog.Int("queue_size", e.queue.Size()))

	var failed bool

	for _, u := range e.queue.DrainAll() {
		if err := e.applyUpdate(cctx, u); err != nil {
			failed = true
			e.logger.Warn("update apply failed",
				slog.String("update_id", u.ID),
				slog.String("target_id", u.TargetID),
				slog.Int("retry_count", u.RetryCount),
				slog.Any("error", err))
			e.retryOrDrop(u, err)
		}
	}

	if err := e.reconcile(cctx); err != nil {
		failed = true
		e.logger.Warn("reconciliation failed", slog.Any("error", err))
		e.bus.Publish(Event{Kind: EventError, Message: err.Error()})
	}

	e.finishCycle(failed)
}

// applyUpdate writes an update's records to the local store and transmits
// them to the remote. Either half failing fails the whole update; re-applying
// a half-done update is safe because Put is a full replace.
func (e *Engine) applyUpdate(ctx context.Context, u QueuedUpdate) error {
	records := u.Records
	if u.Kind == UpdateMetadata {
		merged := make([]CoreRecord, 0, len(records))
		for _, rec := range records {
			cur, err := e.store.Get(ctx, rec.ID)
			if err != nil {
				return syncErrors.NewStorageError(syncErrors.OpApply, err)
			}
			if cur != nil {
				rec.Value = cur.Value
			}
			merged = append(merged, rec)
		}
		records = merged
	}

	for _, rec := range records {
		if err := e.store.Put(ctx, rec); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
	}
	if err := e.remote.Push(ctx, records); err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	return nil
}

// retryOrDrop re-enqueues a failed update with its attempt bookkeeping, or
// drops it once RetryCount reaches the maximum. Dropping emits exactly one
// update_failed event; it never halts the rest of the queue.
func (e *Engine) retryOrDrop(u QueuedUpdate, cause error) {
	now := time.Now()
	u.LastAttemptAt = &now
	u.RetryCount++

	if u.RetryCount >= e.opts.MaxRetries {
		e.logger.Warn("update dropped after exhausting retries",
			slog.String("update_id", u.ID),
			slog.String("target_id", u.TargetID),
			slog.Int("retry_count", u.RetryCount))
		e.bus.Publish(Event{
			Kind:      EventUpdateFailed,
			UpdateID:  u.ID,
			TargetID:  u.TargetID,
			QueueSize: e.queue.Size(),
			Message:   cause.Error(),
		})
		return
	}

	for _, ev := range e.queue.Enqueue(u) {
		e.logger.Debug("queue overflow, oldest entry evicted",
			slog.String("update_id", ev.ID),
			slog.String("target_id", ev.TargetID))
	}
}

// reconcile pulls remote state when it has changed, resolves any divergence
// and pushes resolved plus local-only records back out.
func (e *Engine) reconcile(ctx context.Context) error {
	changed, err := e.rec.hasRemoteChanges(ctx)
	if err != nil {
		return err
	}

	var toPush []CoreRecord
	if changed {
		conflicts, localOnly, err := e.rec.pullAndDiff(ctx, e.queue.Snapshot())
		if err != nil {
			return err
		}
		toPush = localOnly

		for id, candidates := range conflicts {
			e.bus.Publish(Event{Kind: EventConflictDetected, TargetID: id, Conflicts: len(candidates)})

			resolved, err := Resolve(candidates, e.opts.InsightCap)
			if err != nil {
				return syncErrors.NewConflictError(syncErrors.OpResolve, err)
			}
			if err := e.store.Put(ctx, resolved); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpReconcile, err)
			}
			toPush = append(toPush, resolved)

			e.logger.Info("conflict resolved",
				slog.String("target_id", id),
				slog.Int("candidates", len(candidates)))
			e.bus.Publish(Event{Kind: EventConflictResolved, TargetID: id, Conflicts: len(candidates)})
		}
	}

	if len(toPush) > 0 {
		if err := e.remote.Push(ctx, toPush); err != nil {
			return syncErrors.NewNetworkError(syncErrors.OpPush, err)
		}
	}
	return nil
}

// finishCycle records the outcome, reschedules the timer and releases the
// cycle slot. Success resets the backoff to the base interval.
func (e *Engine) finishCycle(failed bool) {
	e.mu.Lock()
	if failed {
		e.failures++
	} else {
		e.failures = 0
		now := time.Now()
		e.lastSuccess = &now
	}
	failures := e.failures
	interval := backoffInterval(e.opts.BaseInterval, e.opts.MaxInterval, failures)
	e.nextSync = time.Now().Add(interval)
	e.syncing = false
	e.mu.Unlock()

	if failed {
		e.logger.Warn("sync cycle failed",
			slog.Int("consecutive_failures", failures),
			slog.Duration("next_interval", interval))
		e.bus.Publish(Event{Kind: EventSyncFailed, Failures: failures, QueueSize: e.queue.Size()})
	} else {
		e.logger.Debug("sync cycle completed", slog.Duration("next_interval", interval))
		e.bus.Publish(Event{Kind: EventSyncCompleted, QueueSize: e.queue.Size()})
	}
	e.signalWake()
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// EnqueueUpdate appends a mutation to the queue. A missing ID or CreatedAt
// is filled in. When the scheduler is idle a best-effort drain is kicked off
// immediately (unless disabled via Options). Enqueues after Stop are
// accepted and drained once the engine is re-initialized.
func (e *Engine) EnqueueUpdate(u QueuedUpdate) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	for _, ev := range e.queue.Enqueue(u) {
		e.logger.Debug("queue overflow, oldest entry evicted",
			slog.String("update_id", ev.ID),
			slog.String("target_id", ev.TargetID))
	}
	e.bus.Publish(Event{
		Kind:      EventUpdateQueued,
		UpdateID:  u.ID,
		TargetID:  u.TargetID,
		QueueSize: e.queue.Size(),
	})

	e.mu.Lock()
	kick := e.running && !e.syncing && !e.opts.DisableEnqueueDrain
	e.mu.Unlock()
	if kick {
		go e.ForceSync(context.Background())
	}
}

// ForceSync runs a cycle immediately, bypassing the timer and any backoff
// wait. It reports whether a cycle actually started: if one is already in
// flight it returns false without queueing the request.
func (e *Engine) ForceSync(ctx context.Context) bool {
	if !e.beginCycle() {
		return false
	}
	e.cycle(ctx)
	return true
}

// AddConflict feeds externally-detected divergent copies of a record
// straight to the resolver, outside the normal reconciliation path. The
// resolved record is written to both ports.
func (e *Engine) AddConflict(ctx context.Context, targetID string, candidates []CoreRecord) error {
	if len(candidates) == 0 {
		return syncErrors.NewValidationError(syncErrors.OpResolve, ErrNoCandidates)
	}

	e.bus.Publish(Event{Kind: EventConflictDetected, TargetID: targetID, Conflicts: len(candidates)})

	resolved, err := Resolve(candidates, e.opts.InsightCap)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, resolved); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	if err := e.remote.Push(ctx, []CoreRecord{resolved}); err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}

	e.bus.Publish(Event{Kind: EventConflictResolved, TargetID: targetID, Conflicts: len(candidates)})
	return nil
}

// Statistics returns a snapshot of the engine's sync state.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Statistics{
		LastSuccessfulSyncAt: e.lastSuccess,
		ConsecutiveFailures:  e.failures,
		QueueSize:            e.queue.Size(),
		IsSyncing:            e.syncing,
		NextSyncEstimate:     e.nextSync,
	}
}

// Subscribe returns a stream of lifecycle events and a cancel function.
// Every subscriber receives every event published after it subscribes.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// Stop cancels the scheduler. An in-flight cycle is allowed to finish;
// partial writes are worse than a late-finishing cycle. Idempotent. The
// queue keeps accepting updates while stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("state sync engine stopped")
}

// Close stops the scheduler and releases the event stream. The engine
// cannot be re-initialized afterwards. Idempotent.
func (e *Engine) Close() error {
	e.Stop()
	e.bus.Close()
	return nil
}
