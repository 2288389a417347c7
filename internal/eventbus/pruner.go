package eventbus

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/store"
)

// Pruner removes events older than the retention window.
type Pruner struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	archive   bool
	nowFunc   func() time.Time
}

// NewPruner creates a pruner. With archive set, pruned events are moved to
// the archive table instead of deleted.
func NewPruner(st store.Store, retention, interval time.Duration, archive bool) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: st, retention: retention, interval: interval, archive: archive, nowFunc: time.Now}
}

// Prune runs one retention pass.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.nowFunc().Add(-p.retention)
	n, err := p.store.PruneEvents(ctx, cutoff, p.archive)
	if err != nil {
		return 0, eris.Wrap(err, "eventbus: prune events")
	}
	metrics.EventsPruned.Add(float64(n))
	return n, nil
}

// Run prunes on every interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "pruner"))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				log.Error("prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("pruned events", zap.Int64("count", n), zap.Bool("archive", p.archive))
			}
		}
	}
}
