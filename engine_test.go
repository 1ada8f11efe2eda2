package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockStore is an in-memory RecordStore.
type mockStore struct {
	mu      sync.Mutex
	records map[string]CoreRecord
	putErr  error
}

func newMockStore(recs ...CoreRecord) *mockStore {
	m := &mockStore{records: make(map[string]CoreRecord)}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

func (m *mockStore) Get(_ context.Context, id string) (*CoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		cp := rec
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) List(_ context.Context) ([]CoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CoreRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockStore) Put(_ context.Context, rec CoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *mockStore) get(id string) (CoreRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// mockRemote is an in-memory RemoteSource with injectable failures and an
// optional gate that blocks HasUpdates until released.
type mockRemote struct {
	mu         sync.Mutex
	records    map[string]CoreRecord
	hasUpdates bool
	hasErr     error
	fetchErr   error
	pushErr    error
	pushed     []CoreRecord
	hasGate    chan struct{}
}

func newMockRemote(recs ...CoreRecord) *mockRemote {
	m := &mockRemote{records: make(map[string]CoreRecord)}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

func (m *mockRemote) HasUpdates(ctx context.Context) (bool, error) {
	m.mu.Lock()
	gate := m.hasGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasUpdates, m.hasErr
}

func (m *mockRemote) FetchAll(_ context.Context) ([]CoreRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make([]CoreRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockRemote) Push(_ context.Context, recs []CoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushed = append(m.pushed, recs...)
	for _, rec := range recs {
		m.records[rec.ID] = rec
	}
	return nil
}

func (m *mockRemote) pushedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pushed))
	for i, rec := range m.pushed {
		out[i] = rec.ID
	}
	return out
}

func testOptions() *Options {
	return &Options{
		BaseInterval:        time.Hour, // keep the timer out of the way
		MaxInterval:         2 * time.Hour,
		MaxRetries:          3,
		CycleTimeout:        2 * time.Second,
		DisableEnqueueDrain: true,
	}
}

func collect(ch <-chan Event) func(EventKind) []Event {
	var mu sync.Mutex
	var all []Event
	go func() {
		for ev := range ch {
			mu.Lock()
			all = append(all, ev)
			mu.Unlock()
		}
	}()
	return func(kind EventKind) []Event {
		mu.Lock()
		defer mu.Unlock()
		var out []Event
		for _, ev := range all {
			if ev.Kind == kind {
				out = append(out, ev)
			}
		}
		return out
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffInterval(t *testing.T) {
	base := 5 * time.Minute
	max := 30 * time.Minute

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 30 * time.Minute}, // 40m clamped to max
		{4, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffInterval(base, max, tt.failures); got != tt.want {
			t.Errorf("backoffInterval(failures=%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}

	// Monotonically non-decreasing.
	prev := time.Duration(0)
	for f := 0; f < 20; f++ {
		got := backoffInterval(base, max, f)
		if got < prev {
			t.Fatalf("interval decreased at failures=%d: %v < %v", f, got, prev)
		}
		prev = got
	}
}

func TestForceSyncMutualExclusion(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	gate := make(chan struct{})
	remote.hasGate = gate

	e := New(store, remote, testOptions(), nil)

	first := make(chan bool, 1)
	go func() { first <- e.ForceSync(context.Background()) }()

	waitFor(t, func() bool { return e.Statistics().IsSyncing }, "first cycle never started")

	if e.ForceSync(context.Background()) {
		t.Error("second ForceSync should return false while a cycle is active")
	}
	stats := e.Statistics()
	if stats.ConsecutiveFailures != 0 {
		t.Error("rejected ForceSync must not touch sync state")
	}

	close(gate)
	if !<-first {
		t.Error("first ForceSync should report a started cycle")
	}
	waitFor(t, func() bool { return !e.Statistics().IsSyncing }, "cycle never finished")
}

func TestCycleFailureBackoffAndReset(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	remote.hasErr = errors.New("network down")

	e := New(store, remote, testOptions(), nil)
	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	for i := 1; i <= 3; i++ {
		if !e.ForceSync(context.Background()) {
			t.Fatal("cycle should start")
		}
		if got := e.Statistics().ConsecutiveFailures; got != i {
			t.Fatalf("after %d failed cycles, ConsecutiveFailures = %d", i, got)
		}
	}

	waitFor(t, func() bool { return len(byKind(EventSyncFailed)) == 3 }, "expected 3 sync_failed events")
	failed := byKind(EventSyncFailed)
	if failed[2].Failures != 3 {
		t.Errorf("sync_failed should carry the failure count, got %d", failed[2].Failures)
	}

	// Recovery resets the counter and the interval.
	remote.mu.Lock()
	remote.hasErr = nil
	remote.mu.Unlock()

	e.ForceSync(context.Background())
	stats := e.Statistics()
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after success, want 0", stats.ConsecutiveFailures)
	}
	if stats.LastSuccessfulSyncAt == nil {
		t.Error("LastSuccessfulSyncAt should be set after a successful cycle")
	}
	if until := time.Until(stats.NextSyncEstimate); until > time.Hour || until < 50*time.Minute {
		t.Errorf("next sync should be rescheduled at the base interval, got %v", until)
	}
}

func TestUpdateAppliedAndPushed(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	e := New(store, remote, testOptions(), nil)

	rec := CoreRecord{ID: "optimism", Value: 0.8, LastUpdatedAt: time.Now()}
	e.EnqueueUpdate(QueuedUpdate{TargetID: "optimism", Kind: UpdateSingle, Records: []CoreRecord{rec}})

	if e.Statistics().QueueSize != 1 {
		t.Fatal("update should be queued")
	}

	e.ForceSync(context.Background())

	if got, ok := store.get("optimism"); !ok || got.Value != 0.8 {
		t.Error("update should be written to the local store")
	}
	if ids := remote.pushedIDs(); len(ids) != 1 || ids[0] != "optimism" {
		t.Errorf("update should be pushed to remote, pushed=%v", ids)
	}
	if e.Statistics().QueueSize != 0 {
		t.Error("queue should be empty after a successful drain")
	}
}

func TestUpdateRetriesThenDropped(t *testing.T) {
	store := newMockStore()
	store.putErr = errors.New("disk full")
	remote := newMockRemote()

	e := New(store, remote, testOptions(), nil) // MaxRetries: 3
	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	e.EnqueueUpdate(QueuedUpdate{
		ID:       "u1",
		TargetID: "optimism",
		Kind:     UpdateSingle,
		Records:  []CoreRecord{{ID: "optimism", Value: 0.5}},
	})

	// Attempts 1 and 2 re-enqueue; attempt 3 reaches MaxRetries and drops.
	for i := 0; i < 2; i++ {
		e.ForceSync(context.Background())
		if e.Statistics().QueueSize != 1 {
			t.Fatalf("attempt %d: update should be re-enqueued", i+1)
		}
	}
	e.ForceSync(context.Background())

	if e.Statistics().QueueSize != 0 {
		t.Error("dropped update must not be re-enqueued")
	}

	waitFor(t, func() bool { return len(byKind(EventUpdateFailed)) >= 1 }, "expected an update_failed event")
	failed := byKind(EventUpdateFailed)
	if len(failed) != 1 {
		t.Fatalf("exactly one update_failed event expected, got %d", len(failed))
	}
	if failed[0].UpdateID != "u1" || failed[0].TargetID != "optimism" {
		t.Errorf("update_failed should carry update and target IDs, got %+v", failed[0])
	}

	// A later cycle is unaffected.
	e.ForceSync(context.Background())
	if e.Statistics().QueueSize != 0 {
		t.Error("dropped update leaked back into the queue")
	}
}

func TestRemoteOnlyRecordsAreNewArrivals(t *testing.T) {
	arrival := CoreRecord{ID: "serenity", Value: 0.9, LastUpdatedAt: time.Now()}
	store := newMockStore()
	remote := newMockRemote(arrival)
	remote.hasUpdates = true

	e := New(store, remote, testOptions(), nil)
	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	e.ForceSync(context.Background())

	if _, ok := store.get("serenity"); !ok {
		t.Error("remote-only record should be written straight to the store")
	}
	if n := len(byKind(EventConflictDetected)); n != 0 {
		t.Errorf("new arrivals are not conflicts, got %d conflict events", n)
	}
}

func TestConflictDetectedAndResolved(t *testing.T) {
	local := CoreRecord{
		ID: "optimism", Value: 0.4, LastUpdatedAt: t1,
		Insights: []Insight{{ID: "x", RelevanceScore: 0.4}},
	}
	remoteRec := CoreRecord{
		ID: "optimism", Value: 0.8, LastUpdatedAt: t2,
		Insights: []Insight{{ID: "x", RelevanceScore: 0.9}, {ID: "y", RelevanceScore: 0.3}},
	}
	store := newMockStore(local)
	remote := newMockRemote(remoteRec)
	remote.hasUpdates = true

	e := New(store, remote, testOptions(), nil)
	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	e.ForceSync(context.Background())

	waitFor(t, func() bool { return len(byKind(EventConflictResolved)) == 1 }, "expected conflict_resolved")
	if len(byKind(EventConflictDetected)) != 1 {
		t.Error("expected exactly one conflict_detected event")
	}

	got, ok := store.get("optimism")
	if !ok {
		t.Fatal("resolved record missing from store")
	}
	if got.Value != 0.8 || !got.LastUpdatedAt.Equal(t2) {
		t.Errorf("resolved primary fields should come from the newest candidate, got %+v", got)
	}
	if len(got.Insights) != 2 || got.Insights[0].RelevanceScore != 0.9 {
		t.Errorf("insights should be the merged, relevance-sorted union, got %+v", got.Insights)
	}
	if ids := remote.pushedIDs(); len(ids) != 1 || ids[0] != "optimism" {
		t.Errorf("resolved record should be pushed back to remote, pushed=%v", ids)
	}
}

func TestMetadataUpdatePreservesValue(t *testing.T) {
	existing := CoreRecord{ID: "focus", Value: 0.55, LastUpdatedAt: t1}
	store := newMockStore(existing)
	remote := newMockRemote()

	e := New(store, remote, testOptions(), nil)
	e.EnqueueUpdate(QueuedUpdate{
		TargetID: "focus",
		Kind:     UpdateMetadata,
		Records: []CoreRecord{{
			ID: "focus", Value: 0, LastUpdatedAt: t2,
			Insights: []Insight{{ID: "n", RelevanceScore: 0.7}},
		}},
	})
	e.ForceSync(context.Background())

	got, _ := store.get("focus")
	if got.Value != 0.55 {
		t.Errorf("metadata update must preserve the existing value, got %v", got.Value)
	}
	if len(got.Insights) != 1 || got.Insights[0].ID != "n" {
		t.Errorf("metadata update should refresh insights, got %+v", got.Insights)
	}
}

func TestAddConflictOutsideReconcilerPath(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	e := New(store, remote, testOptions(), nil)

	if err := e.AddConflict(context.Background(), "optimism", nil); err == nil {
		t.Error("empty candidate list must be rejected")
	}

	a := CoreRecord{ID: "optimism", Value: 0.2, LastUpdatedAt: t1}
	b := CoreRecord{ID: "optimism", Value: 0.6, LastUpdatedAt: t2}
	if err := e.AddConflict(context.Background(), "optimism", []CoreRecord{a, b}); err != nil {
		t.Fatalf("AddConflict: %v", err)
	}

	got, ok := store.get("optimism")
	if !ok || got.Value != 0.6 {
		t.Errorf("resolved record should be stored, got %+v", got)
	}
	if ids := remote.pushedIDs(); len(ids) != 1 {
		t.Errorf("resolved record should be pushed, pushed=%v", ids)
	}
}

func TestInitializeAndStopIdempotent(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	e := New(store, remote, testOptions(), nil)

	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	e.Initialize()
	e.Initialize()

	waitFor(t, func() bool { return len(byKind(EventInitialized)) >= 1 }, "expected initialized event")
	if n := len(byKind(EventInitialized)); n != 1 {
		t.Errorf("initialized should be emitted once, got %d", n)
	}

	e.Stop()
	e.Stop()
}

func TestEnqueueAfterStopAcceptedNotDrained(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	opts := testOptions()
	opts.DisableEnqueueDrain = false // the kick must still respect stopped state

	e := New(store, remote, opts, nil)
	e.Initialize()
	e.Stop()

	e.EnqueueUpdate(QueuedUpdate{
		TargetID: "optimism",
		Kind:     UpdateSingle,
		Records:  []CoreRecord{{ID: "optimism", Value: 0.1}},
	})

	time.Sleep(50 * time.Millisecond)
	if got := e.Statistics().QueueSize; got != 1 {
		t.Fatalf("queue size after stop = %d, want 1 (accepted, not drained)", got)
	}

	// Restart drains the backlog.
	e.Initialize()
	defer e.Stop()
	e.ForceSync(context.Background())
	if _, ok := store.get("optimism"); !ok {
		t.Error("backlogged update should be applied after restart")
	}
}

func TestEnqueueKicksImmediateDrain(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	opts := testOptions()
	opts.DisableEnqueueDrain = false

	e := New(store, remote, opts, nil)
	e.Initialize()
	defer e.Stop()

	e.EnqueueUpdate(QueuedUpdate{
		TargetID: "gratitude",
		Kind:     UpdateSingle,
		Records:  []CoreRecord{{ID: "gratitude", Value: 0.3}},
	})

	waitFor(t, func() bool {
		_, ok := store.get("gratitude")
		return ok
	}, "idle engine should drain shortly after enqueue")
}

func TestQueueOverflowEmitsQueuedEventOnly(t *testing.T) {
	store := newMockStore()
	remote := newMockRemote()
	opts := testOptions()
	opts.MaxQueueSize = 10

	e := New(store, remote, opts, nil)
	events, cancel := e.Subscribe()
	defer cancel()
	byKind := collect(events)

	for i := 0; i < 15; i++ {
		e.EnqueueUpdate(QueuedUpdate{
			ID:       fmt.Sprintf("u%d", i),
			TargetID: "t",
			Kind:     UpdateSingle,
			Records:  []CoreRecord{{ID: "t"}},
		})
	}

	if got := e.Statistics().QueueSize; got != 10 {
		t.Fatalf("queue size = %d, want 10", got)
	}
	waitFor(t, func() bool { return len(byKind(EventUpdateQueued)) == 15 }, "every enqueue still fires update_queued")
	if n := len(byKind(EventUpdateFailed)); n != 0 {
		t.Errorf("eviction is silent, got %d update_failed events", n)
	}
}
