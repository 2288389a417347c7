package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/model"
)

// Dispatcher runs a fixed pool of workers over a buffered queue of delivery
// ids, and periodically claims deliveries whose retry time has come.
type Dispatcher struct {
	proc      *Processor
	ledger    *ledger.Ledger
	queue     chan string
	claimed   chan *model.Delivery
	workers   int
	scanEvery time.Duration
	log       *zap.Logger
}

// NewDispatcher creates a dispatcher with the given pool and queue sizes.
func NewDispatcher(p *Processor, l *ledger.Ledger, workers, queueSize int, scanEvery time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	if scanEvery <= 0 {
		scanEvery = 5 * time.Second
	}
	return &Dispatcher{
		proc:      p,
		ledger:    l,
		queue:     make(chan string, queueSize),
		claimed:   make(chan *model.Delivery, workers),
		workers:   workers,
		scanEvery: scanEvery,
		log:       zap.L().With(zap.String("component", "pipeline.dispatcher")),
	}
}

// Enqueue offers a delivery id without blocking. When the queue is full the
// delivery stays received and the due scan picks it up.
func (d *Dispatcher) Enqueue(id string) bool {
	select {
	case d.queue <- id:
		return true
	default:
		d.log.Warn("queue full, deferring to retry scan", zap.String("delivery_id", id))
		return false
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("starting dispatcher",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.queue)),
		zap.Duration("scan_every", d.scanEvery),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.scan(ctx)
		return nil
	})
	err := g.Wait()
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			out, err := d.proc.Process(ctx, id)
			d.report(id, out, err)
		case del := <-d.claimed:
			out, err := d.proc.Run(ctx, del)
			d.report(del.ID, out, err)
		}
	}
}

func (d *Dispatcher) report(id string, out *Outcome, err error) {
	switch {
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrIllegalTransition):
		d.log.Debug("delivery already claimed", zap.String("delivery_id", id))
	case err != nil:
		d.log.Error("process delivery", zap.String("delivery_id", id), zap.Error(err))
	case out.Err != nil:
		d.log.Info("delivery settled after failure",
			zap.String("delivery_id", id),
			zap.String("status", string(out.Delivery.Status)),
			zap.Int("attempt", out.Delivery.AttemptCount),
		)
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	ticker := time.NewTicker(d.scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ScanDue(ctx)
		}
	}
}

// ScanDue claims due deliveries and hands them to the workers. It blocks
// while every worker is busy.
func (d *Dispatcher) ScanDue(ctx context.Context) int {
	due, err := d.ledger.ClaimDue(ctx, d.workers*4)
	if err != nil {
		d.log.Error("claim due deliveries", zap.Error(err))
	}
	for i, del := range due {
		select {
		case <-ctx.Done():
			return i
		case d.claimed <- del:
		}
	}
	return len(due)
}
