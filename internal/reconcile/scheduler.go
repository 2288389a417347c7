package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
)

// Target is one (source, entity_type) pair.
type Target struct {
	Source     model.Source
	EntityType string
}

// SchedulerConfig controls how often pairs are reconciled.
type SchedulerConfig struct {
	Interval     time.Duration
	OverdueAfter time.Duration
	Concurrency  int
	DryRun       bool
	Tick         time.Duration
}

// Scheduler runs every pair on a coarse interval, and early for pairs whose
// incremental polling looks unhealthy.
type Scheduler struct {
	engine   *Engine
	store    store.Store
	registry *source.Registry
	cfg      SchedulerConfig
	log      *zap.Logger
	nowFunc  func() time.Time

	mu      sync.Mutex
	lastRun map[Target]time.Time
	loaded  bool
}

// NewScheduler creates a reconciliation scheduler.
func NewScheduler(e *Engine, st store.Store, reg *source.Registry, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = 2 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Minute
	}
	return &Scheduler{
		engine:   e,
		store:    st,
		registry: reg,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "reconcile.scheduler")),
		nowFunc:  time.Now,
		lastRun:  make(map[Target]time.Time),
	}
}

// Targets lists every pair whose source can produce a snapshot.
func (s *Scheduler) Targets() []Target {
	var out []Target
	for _, src := range s.registry.Sources() {
		proc, err := s.registry.Get(src)
		if err != nil {
			continue
		}
		if _, ok := proc.(source.Snapshotter); !ok {
			continue
		}
		for _, et := range proc.EntityTypes() {
			out = append(out, Target{Source: src, EntityType: et})
		}
	}
	return out
}

// Overdue reports whether a watermark's polling is unhealthy: its last poll
// failed, or it has not completed one within overdueAfter.
func Overdue(w model.SyncWatermark, now time.Time, overdueAfter time.Duration) bool {
	if w.LastPollStatus == model.PollFailed {
		return true
	}
	if w.LastPollAt == nil {
		return false
	}
	return now.Sub(*w.LastPollAt) > overdueAfter
}

func (s *Scheduler) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	latest, err := s.store.LatestReconciliations(ctx)
	if err != nil {
		return err
	}
	for _, r := range latest {
		if r.DryRun {
			continue
		}
		s.lastRun[Target{Source: r.Source, EntityType: r.EntityType}] = r.StartedAt
	}
	s.loaded = true
	return nil
}

// Due returns the pairs that should run now.
func (s *Scheduler) Due(ctx context.Context) ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	marks, err := s.store.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	overdue := make(map[Target]bool, len(marks))
	now := s.nowFunc().UTC()
	for _, w := range marks {
		if Overdue(w, now, s.cfg.OverdueAfter) {
			overdue[Target{Source: w.Source, EntityType: w.EntityType}] = true
		}
	}

	var due []Target
	for _, t := range s.Targets() {
		last, ran := s.lastRun[t]
		switch {
		case !ran, now.Sub(last) >= s.cfg.Interval:
			due = append(due, t)
		case overdue[t] && now.Sub(last) >= s.cfg.OverdueAfter:
			due = append(due, t)
		}
	}
	return due, nil
}

// RunOnce reconciles every due pair with bounded concurrency.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*model.ReconciliationSummary, error) {
	due, err := s.Due(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var out []*model.ReconciliationSummary
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range due {
		g.Go(func() error {
			started := s.nowFunc().UTC()
			sum, err := s.engine.Run(gctx, t.Source, t.EntityType, Options{DryRun: s.cfg.DryRun})
			if err != nil {
				s.log.Error("reconcile pair",
					zap.String("source", string(t.Source)),
					zap.String("entity_type", t.EntityType),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			out = append(out, sum)
			mu.Unlock()
			s.mu.Lock()
			s.lastRun[t] = started
			s.mu.Unlock()
			return nil
		})
	}
	return out, g.Wait()
}

// Run checks for due pairs every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("starting reconciliation scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("overdue_after", s.cfg.OverdueAfter),
		zap.Bool("dry_run", s.cfg.DryRun),
	)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reconciliation tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
