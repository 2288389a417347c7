package source

import (
	"context"
	"time"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
)

const defaultOutboundTimeout = 10 * time.Second

// Guard runs outbound calls to a source under that source's circuit
// breaker and a per-call timeout.
type Guard struct {
	breakers *resilience.ServiceBreakers
	timeout  time.Duration
}

// NewGuard creates a Guard. A nil breakers registry disables the breaker.
func NewGuard(breakers *resilience.ServiceBreakers, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}
	return &Guard{breakers: breakers, timeout: timeout}
}

// Call runs fn for src. It fails fast with resilience.ErrCircuitOpen while
// the source's breaker is open.
func Call[T any](ctx context.Context, g *Guard, src model.Source, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	bounded := func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	}
	if g.breakers == nil {
		return bounded(ctx)
	}
	return resilience.ExecuteVal(ctx, g.breakers.Get(string(src)), bounded)
}

// Fetch calls f.Fetch under the guard.
func (g *Guard) Fetch(ctx context.Context, src model.Source, f Fetcher, entityType, externalID string) (*model.Envelope, error) {
	return Call(ctx, g, src, func(ctx context.Context) (*model.Envelope, error) {
		return f.Fetch(ctx, entityType, externalID)
	})
}

// Poll calls p.Poll under the guard.
func (g *Guard) Poll(ctx context.Context, src model.Source, p Poller, entityType, cursor string) (*PollResult, error) {
	return Call(ctx, g, src, func(ctx context.Context) (*PollResult, error) {
		return p.Poll(ctx, entityType, cursor)
	})
}

// Snapshot calls s.Snapshot under the guard.
func (g *Guard) Snapshot(ctx context.Context, src model.Source, s Snapshotter, entityType string) (*Snapshot, error) {
	return Call(ctx, g, src, func(ctx context.Context) (*Snapshot, error) {
		return s.Snapshot(ctx, entityType)
	})
}
