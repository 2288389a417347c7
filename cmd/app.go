package main

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/eventbus"
	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/monitoring"
	"github.com/sells-group/reconciler/internal/pipeline"
	"github.com/sells-group/reconciler/internal/poller"
	"github.com/sells-group/reconciler/internal/reconcile"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
	"github.com/sells-group/reconciler/internal/upsert"
)

// app holds every long-lived component, wired from config.
type app struct {
	cfg        *config.Config
	store      store.Store
	breakers   *resilience.ServiceBreakers
	registry   *source.Registry
	bus        *eventbus.Bus
	upsert     *upsert.Engine
	ledger     *ledger.Ledger
	processor  *pipeline.Processor
	dispatcher *pipeline.Dispatcher
	sweeper    *pipeline.Sweeper
	poller     *poller.Scheduler
	reconciler *reconcile.Engine
	scheduler  *reconcile.Scheduler
	pruner     *eventbus.Pruner
	checker    *monitoring.Checker

	circuitChanges chan model.CircuitBreakerState
}

// buildApp wires the components. Breaker state is restored from the store
// and every later change is persisted by runCircuitPersister.
func buildApp(ctx context.Context, c *config.Config, st store.Store, reg *source.Registry) (*app, error) {
	a := &app{
		cfg:            c,
		store:          st,
		registry:       reg,
		circuitChanges: make(chan model.CircuitBreakerState, 64),
	}

	a.breakers = resilience.NewServiceBreakers(resilience.FromCircuitConfig(
		c.Circuit.FailureThreshold, c.Circuit.FailureWindow, c.Circuit.Cooldown,
	))
	saved, err := st.ListCircuitStates(ctx)
	if err != nil {
		return nil, err
	}
	a.breakers.Restore(saved)
	for _, s := range a.breakers.Snapshots() {
		metrics.CircuitState.WithLabelValues(s.Name).Set(float64(resilience.ParseCircuitState(s.State)))
	}
	a.breakers.OnChange = func(s model.CircuitBreakerState) {
		metrics.CircuitState.WithLabelValues(s.Name).Set(float64(resilience.ParseCircuitState(s.State)))
		select {
		case a.circuitChanges <- s:
		default:
			zap.L().Warn("circuit state change not persisted", zap.String("circuit", s.Name), zap.String("state", s.State))
		}
	}
	guard := source.NewGuard(a.breakers, c.Pipeline.OutboundTimeout)

	var sinks []eventbus.Sink
	if len(c.Events.Kafka.Brokers) > 0 {
		sinks = append(sinks, eventbus.NewKafkaSink(c.Events.Kafka.Brokers, c.Events.Kafka.Topic))
	}
	a.bus = eventbus.New(c.Events.BufferSize, sinks...)

	a.upsert = upsert.New(st,
		upsert.WithPolicy(upsert.PolicyFromConfig(c.Redaction)),
		upsert.WithPublisher(a.bus),
		upsert.WithSummaryFields(func(src model.Source, entityType string) []string {
			p, err := reg.Get(src)
			if err != nil {
				return source.DefaultSummaryFields
			}
			return source.SummaryFields(p, entityType)
		}),
	)

	retry := resilience.FromRetryConfig(
		c.Retry.MaxAttempts, c.Retry.InitialBackoff, c.Retry.MaxBackoff, c.Retry.Multiplier, c.Retry.JitterFraction,
	)
	a.ledger = ledger.New(st, retry, ledger.WithDeferDelay(c.Circuit.Cooldown))

	trigger := &pollTrigger{}
	a.processor = pipeline.NewProcessor(a.ledger, reg, guard, a.upsert,
		pipeline.WithBudget(c.Pipeline.ProcessingBudget),
		pipeline.WithTriggerer(trigger),
	)
	a.dispatcher = pipeline.NewDispatcher(a.processor, a.ledger, c.Pipeline.Workers, c.Pipeline.QueueSize, c.Pipeline.RetryScan)
	a.sweeper = pipeline.NewSweeper(a.ledger, c.Pipeline.StaleAfter, c.Pipeline.SweepInterval)

	pollOpts := []poller.Option{
		poller.WithDefaultInterval(c.Poll.DefaultInterval),
		poller.WithOverlap(c.Poll.Overlap),
		poller.WithLease(c.Poll.Lease),
		poller.WithTick(c.Poll.Tick),
	}
	for src, d := range pollIntervals(c.Sources) {
		pollOpts = append(pollOpts, poller.WithInterval(src, d))
	}
	a.poller = poller.New(st, reg, guard, a.ledger, a.processor, pollOpts...)
	trigger.scheduler = a.poller

	a.reconciler = reconcile.NewEngine(st, reg, guard, a.upsert)
	a.scheduler = reconcile.NewScheduler(a.reconciler, st, reg, reconcile.SchedulerConfig{
		Interval:     c.Reconcile.Interval,
		OverdueAfter: c.Reconcile.OverdueAfter,
		Concurrency:  c.Reconcile.Concurrency,
		DryRun:       c.Reconcile.DryRun,
	})

	a.pruner = eventbus.NewPruner(st, c.Events.Retention, c.Events.PruneInterval, c.Events.Archive)
	a.checker = monitoring.NewChecker(
		monitoring.NewCollector(st, a.breakers),
		monitoring.NewAlerter(c.Monitoring),
		c.Monitoring,
	)
	return a, nil
}

// pollTrigger breaks the construction cycle between the processor, which
// triggers polls, and the poll scheduler, which runs the processor.
type pollTrigger struct {
	scheduler *poller.Scheduler
}

func (t *pollTrigger) Trigger(ctx context.Context, src model.Source, entityType string) error {
	return t.scheduler.Trigger(ctx, src, entityType)
}

// runCircuitPersister saves breaker snapshots until ctx is cancelled.
func (a *app) runCircuitPersister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.circuitChanges:
			if err := a.store.SaveCircuitState(ctx, s); err != nil {
				zap.L().Error("persist circuit state", zap.String("circuit", s.Name), zap.Error(err))
			}
		}
	}
}

// run starts every background loop and blocks until ctx is cancelled or
// one of them fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	g.Go(func() error { return a.poller.Run(ctx) })
	g.Go(func() error { a.sweeper.Run(ctx); return nil })
	g.Go(func() error { a.scheduler.Run(ctx); return nil })
	g.Go(func() error { a.pruner.Run(ctx); return nil })
	g.Go(func() error { a.bus.Run(ctx); return nil })
	g.Go(func() error { a.runCircuitPersister(ctx); return nil })
	if a.cfg.Monitoring.WebhookURL != "" {
		g.Go(func() error { a.checker.Run(ctx); return nil })
	}
	return g.Wait()
}
