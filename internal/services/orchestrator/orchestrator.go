// Package orchestrator drives the per-market trading cycles: it owns the
// tick loop, enforces one in-flight tick per market, runs the decision state
// machine, executes orders idempotently and persists results with
// compare-and-swap writes.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"upcycle/internal/domain"
	"upcycle/internal/services/gateway"
	"upcycle/internal/services/pricer"
	"upcycle/internal/storage/cycles"
	"upcycle/pkg/retrier"
)

const (
	defaultTickInterval     = 30 * time.Second
	defaultFillPollInterval = 2 * time.Second
	defaultFillPollAttempts = 3
	defaultWorkerCap        = 32
)

// Orchestrator schedules and executes cycle ticks across all active markets.
type Orchestrator struct {
	store    cycles.Store
	pricer   pricer.Pricer
	gateway  gateway.Gateway
	notifier notifier
	logger   *zap.Logger
	retry    *retrier.Policy

	tickInterval     time.Duration
	fillPollInterval time.Duration
	fillPollAttempts int

	leases *leaseRegistry
	pool   gopool.Pool
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type notifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithTickInterval overrides the scheduling interval.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.tickInterval = d }
}

// WithFillPolling overrides how long a tick waits for an order fill before
// leaving it to the next tick's reconciliation.
func WithFillPolling(interval time.Duration, attempts int) Option {
	return func(o *Orchestrator) {
		o.fillPollInterval = interval
		o.fillPollAttempts = attempts
	}
}

// WithRetryPolicy replaces the gateway retry policy.
func WithRetryPolicy(p *retrier.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithWorkerCap bounds the tick worker pool.
func WithWorkerCap(n int) Option {
	return func(o *Orchestrator) {
		o.pool = gopool.NewPool("cycle-ticks", int32(n), gopool.NewConfig())
	}
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep injects the waiting primitive for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New wires an Orchestrator. The default retry policy aborts immediately on
// rejections and duplicates since neither gets better by resubmitting.
func New(store cycles.Store, p pricer.Pricer, gw gateway.Gateway, n notifier, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:            store,
		pricer:           p,
		gateway:          gw,
		notifier:         n,
		logger:           logger,
		tickInterval:     defaultTickInterval,
		fillPollInterval: defaultFillPollInterval,
		fillPollAttempts: defaultFillPollAttempts,
		leases:           newLeaseRegistry(),
		pool:             gopool.NewPool("cycle-ticks", defaultWorkerCap, gopool.NewConfig()),
		now:              time.Now,
		sleep:            sleepWithContext,
	}
	o.retry = retrier.New(retrier.WithAbort(func(err error) bool {
		return errors.Is(err, gateway.ErrRejected) || errors.Is(err, gateway.ErrDuplicateOrder)
	}))

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the tick loop until the context is canceled, then waits for
// in-flight per-market ticks to finish so no state is left half-applied.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	o.logger.Info("cycle scheduler started", zap.Duration("tick_interval", o.tickInterval))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("cycle scheduler stopping, draining in-flight ticks")
			o.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick evaluates every active market once. Markets whose previous tick is
// still running are skipped, not queued: overlap means a slow I/O path and
// queuing would compound the backlog.
func (o *Orchestrator) Tick(ctx context.Context) {
	markets, err := o.store.ListActiveMarkets(ctx)
	if err != nil {
		// the only condition that halts scheduling: without the market list
		// no tick can run. Surfaced as a liveness signal, not a crash.
		o.logger.Error("cycle store unavailable, skipping tick", zap.Error(err))
		return
	}

	for _, market := range markets {
		o.dispatch(ctx, market)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, market string) {
	if !o.leases.TryAcquire(market) {
		o.logger.Warn("previous tick still running, skipping market",
			zap.String("market", market))
		return
	}

	o.wg.Add(1)
	o.pool.CtxGo(ctx, func() {
		defer o.wg.Done()
		defer o.leases.Release(market)
		o.tickMarket(ctx, market)
	})
}

// WaitIdle blocks until all dispatched ticks completed. Used by tests and
// the shutdown path.
func (o *Orchestrator) WaitIdle() {
	o.wg.Wait()
}

func (o *Orchestrator) publish(ctx context.Context, event domain.Event) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.Error(err),
			zap.String("kind", string(event.Kind)),
			zap.String("market", event.Market))
	}
}

func (o *Orchestrator) notifyTickFailed(ctx context.Context, market string, cycle *domain.TradingCycle, cause error) {
	o.publish(ctx, domain.NewTickFailed(market, cycle, cause, o.now()))
}

// leaseRegistry grants at most one in-flight tick per market within this
// process. Cross-process safety comes from the store's CAS token.
type leaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{held: make(map[string]struct{})}
}

func (r *leaseRegistry) TryAcquire(market string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.held[market]; ok {
		return false
	}
	r.held[market] = struct{}{}
	return true
}

func (r *leaseRegistry) Release(market string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.held, market)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
