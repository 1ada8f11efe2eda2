// Package wsnotify listens on a websocket push channel for server-side
// change notifications and feeds them into the sync engine, so convergence
// does not have to wait for the next polling interval. The engine runs fine
// without it; polling remains the fallback when the connection is down.
package wsnotify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucidjournal/statesync"
)

// Notification is the wire format of a server push message.
type Notification struct {
	// Type is "state_changed" (remote copy moved, sync soon) or
	// "divergence" (server detected conflicting copies of one record).
	Type string `json:"type"`

	// TargetID and Candidates accompany divergence notifications.
	TargetID   string                 `json:"target_id,omitempty"`
	Candidates []statesync.CoreRecord `json:"candidates,omitempty"`
}

const (
	TypeStateChanged = "state_changed"
	TypeDivergence   = "divergence"
)

// SyncTrigger is the slice of the engine the notifier drives.
type SyncTrigger interface {
	ForceSync(ctx context.Context) bool
	AddConflict(ctx context.Context, targetID string, candidates []statesync.CoreRecord) error
}

// Backoff is the reconnect delay policy: initial × 2^attempt, capped at max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Notifier maintains a websocket subscription and dispatches notifications.
type Notifier struct {
	url     string
	engine  SyncTrigger
	logger  *slog.Logger
	dialer  *websocket.Dialer
	backoff Backoff

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) Option {
	return func(n *Notifier) { n.backoff = b }
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(n *Notifier) { n.dialer = d }
}

// New creates a Notifier for the given ws:// or wss:// URL.
func New(url string, engine SyncTrigger, opts ...Option) *Notifier {
	n := &Notifier{
		url:     url,
		engine:  engine,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialer:  websocket.DefaultDialer,
		backoff: Backoff{Initial: time.Second, Max: time.Minute},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start begins the subscribe/reconnect loop. Idempotent while running.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(runCtx)
}

// IsConnected reports whether the subscription is currently established.
func (n *Notifier) IsConnected() bool {
	return n.connected.Load()
}

// Close stops the loop and waits for it to exit. Idempotent.
func (n *Notifier) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := n.dialer.DialContext(ctx, n.url, nil)
		if err != nil {
			n.logger.Warn("notifier dial failed",
				slog.String("url", n.url),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			if !n.sleep(ctx, n.backoff.delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		n.connected.Store(true)
		n.logger.Info("notifier connected", slog.String("url", n.url))
		attempt = 0

		n.readLoop(ctx, conn)

		n.connected.Store(false)
		conn.Close()

		if !n.sleep(ctx, n.backoff.delay(attempt)) {
			return
		}
		attempt++
	}
}

// readLoop consumes notifications until the connection drops or ctx ends.
func (n *Notifier) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadJSON when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg Notification
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("notifier read failed", slog.Any("error", err))
			}
			return
		}
		n.dispatch(ctx, msg)
	}
}

func (n *Notifier) dispatch(ctx context.Context, msg Notification) {
	switch msg.Type {
	case TypeStateChanged:
		started := n.engine.ForceSync(ctx)
		n.logger.Debug("state change notification",
			slog.Bool("cycle_started", started))
	case TypeDivergence:
		if len(msg.Candidates) == 0 {
			n.logger.Warn("divergence notification without candidates",
				slog.String("target_id", msg.TargetID))
			return
		}
		if err := n.engine.AddConflict(ctx, msg.TargetID, msg.Candidates); err != nil {
			n.logger.Warn("divergence resolution failed",
				slog.String("target_id", msg.TargetID),
				slog.Any("error", err))
		}
	default:
		n.logger.Debug("unknown notification type", slog.String("type", msg.Type))
	}
}

func (n *Notifier) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
