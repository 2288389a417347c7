package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/ledger"
)

// Sweeper returns deliveries stuck in processing to received. A claim older
// than staleAfter belongs to a worker that crashed or lost its context.
type Sweeper struct {
	ledger     *ledger.Ledger
	staleAfter time.Duration
	interval   time.Duration
}

// NewSweeper creates a stale-claim sweeper.
func NewSweeper(l *ledger.Ledger, staleAfter, interval time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{ledger: l, staleAfter: staleAfter, interval: interval}
}

// Sweep runs one pass and returns the reclaimed ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	return s.ledger.ReclaimStale(ctx, s.staleAfter)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "pipeline.sweeper"))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error("sweep stale deliveries", zap.Error(err))
			}
		}
	}
}
