package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"upcycle/internal/domain"
	"upcycle/internal/services/gateway"
	"upcycle/internal/storage/cycles"
	"upcycle/pkg/retrier"
)

type fakePricer struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (p *fakePricer) GetPrice(context.Context, string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.err
}

func (p *fakePricer) setPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// fakeGateway fills orders instantly at the pricer's quote. dropSubmits fails
// submissions before they reach the book; failSubmits records the fill first
// and then fails, modeling a timeout after the exchange executed the order.
type fakeGateway struct {
	mu          sync.Mutex
	pricer      *fakePricer
	orders      map[string]gateway.OrderResult
	submits     []string
	seq         int64
	dropSubmits int
	failSubmits int
}

func newFakeGateway(p *fakePricer) *fakeGateway {
	return &fakeGateway{pricer: p, orders: make(map[string]gateway.OrderResult)}
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, market string, side gateway.Side, value decimal.Decimal, key string) (gateway.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.orders[key]; ok {
		return existing, errors.Wrapf(gateway.ErrDuplicateOrder, "order %s already submitted", key)
	}
	if g.dropSubmits > 0 {
		g.dropSubmits--
		return gateway.OrderResult{}, errors.Wrap(gateway.ErrUnavailable, "connection reset")
	}

	price, err := g.pricer.GetPrice(ctx, market)
	if err != nil {
		return gateway.OrderResult{}, errors.Wrap(gateway.ErrUnavailable, err.Error())
	}

	g.seq++
	res := gateway.OrderResult{
		OrderID: decimal.NewFromInt(g.seq).String(),
		Status:  gateway.StatusFilled,
	}
	if side == gateway.SideBuy {
		res.FilledAmount = value
		res.FilledQuantity = value.Div(price)
	} else {
		res.FilledQuantity = value
		res.FilledAmount = value.Mul(price)
	}
	g.orders[key] = res
	g.submits = append(g.submits, key)

	if g.failSubmits > 0 {
		g.failSubmits--
		return gateway.OrderResult{}, errors.Wrap(gateway.ErrUnavailable, "timeout awaiting response")
	}
	return res, nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, market, key string) (gateway.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.orders[key]
	if !ok {
		return gateway.OrderResult{}, errors.Wrapf(gateway.ErrOrderNotFound, "order %s", key)
	}
	return res, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *fakeNotifier) Publish(_ context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventKind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

func strategyForTest() domain.StrategyConfig {
	return domain.StrategyConfig{
		InitialInvestment: decimal.NewFromInt(1000),
		DropThresholdRate: decimal.RequireFromString("0.05"),
		TargetProfitRate:  decimal.RequireFromString("0.03"),
		MaxRounds:         5,
		StopLossRate:      decimal.RequireFromString("0.2"),
	}.Normalized()
}

type testRig struct {
	store    cycles.Store
	pricer   *fakePricer
	gateway  *fakeGateway
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newTestRig(t *testing.T, price decimal.Decimal) *testRig {
	t.Helper()

	store, err := cycles.NewWALStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return newTestRigWithStore(t, store, price)
}

func newTestRigWithStore(t *testing.T, store cycles.Store, price decimal.Decimal) *testRig {
	t.Helper()

	p := &fakePricer{price: price}
	gw := newFakeGateway(p)
	n := &fakeNotifier{}

	noSleep := func(context.Context, time.Duration) error { return nil }
	orch := New(store, p, gw, n, zap.NewNop(),
		WithRetryPolicy(retrier.New(retrier.WithAttempts(1), retrier.WithSleep(noSleep))),
		WithFillPolling(time.Millisecond, 1),
		WithSleep(noSleep),
	)
	return &testRig{store: store, pricer: p, gateway: gw, notifier: n, orch: orch}
}

// seedCycle persists an ACTIVE cycle that already executed its initial buy at
// the given price.
func seedCycle(t *testing.T, store cycles.Store, market string, entryPrice decimal.Decimal) *domain.TradingCycle {
	t.Helper()

	c := domain.NewTradingCycle(market, strategyForTest(), time.Now())
	amount := c.Config.InitialInvestment
	require.NoError(t, c.ApplyBuyFill("seed", entryPrice, amount, amount.Div(entryPrice), time.Now()))
	_, err := store.Save(context.Background(), market, c, 0)
	require.NoError(t, err)
	return c
}

func (r *testRig) tickOnce(ctx context.Context) {
	r.orch.Tick(ctx)
	r.orch.WaitIdle()
}

func TestTickHoldLeavesStateUntouched(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	rig.tickOnce(ctx)

	require.Equal(t, 0, rig.gateway.submitCount())
	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, got.Round)
	require.False(t, got.LastTickAt.IsZero(), "a hold still records the tick")
}

func TestTickExecutesDipBuy(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(940))
	seeded := seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 2, got.Round)
	require.Len(t, got.History, 2)
	require.Nil(t, got.PendingOrder)
	require.True(t, got.TotalInvestment.Equal(decimal.NewFromInt(2000)))
	require.True(t, got.AveragePrice.LessThan(decimal.NewFromInt(1000)))
	require.Equal(t, []string{seeded.CycleID[:8]}, []string{got.CycleID[:8]})
	require.Contains(t, rig.notifier.kinds(), domain.EventBuyExecuted)
}

func TestTickTakeProfitCompletesCycle(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1030))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, domain.ActionSell, got.History[len(got.History)-1].Action)
	require.Contains(t, rig.notifier.kinds(), domain.EventSellExecuted)

	// completed cycles leave the schedule.
	markets, err := rig.store.ListActiveMarkets(ctx)
	require.NoError(t, err)
	require.Empty(t, markets)
}

func TestTickStopLossStopsCycle(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(790))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, got.Status)
}

// A submission that times out after the exchange filled it must be applied
// exactly once, by the next tick's reconciliation.
func TestTimedOutSubmitReconciledExactlyOnce(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(940))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	rig.gateway.failSubmits = 1
	ctx := context.Background()

	rig.tickOnce(ctx)

	mid, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, mid.PendingOrder, "the journaled order survives the failed submit")
	require.Equal(t, 1, mid.Round)
	require.Contains(t, rig.notifier.kinds(), domain.EventTickFailed)

	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Nil(t, got.PendingOrder)
	require.Equal(t, 2, got.Round)
	require.Len(t, got.History, 2, "the fill is applied exactly once")
	require.Equal(t, 1, rig.gateway.submitCount(), "no blind resubmission of an executed order")
}

// A submission that never reached the exchange is resubmitted with the same
// idempotency key.
func TestDroppedSubmitResubmittedWithSameKey(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(940))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	rig.gateway.dropSubmits = 1
	ctx := context.Background()

	rig.tickOnce(ctx)
	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Nil(t, got.PendingOrder)
	require.Equal(t, 2, got.Round)
	require.Equal(t, 1, rig.gateway.submitCount())
}

func TestOverlappingTickSkipsMarket(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(940))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	// a previous tick for this market is still in flight.
	require.True(t, rig.orch.leases.TryAcquire("BTCUSDT"))
	rig.tickOnce(ctx)
	require.Equal(t, 0, rig.gateway.submitCount(), "held market is skipped, not queued")

	rig.orch.leases.Release("BTCUSDT")
	rig.tickOnce(ctx)
	require.Equal(t, 1, rig.gateway.submitCount())
}

type conflictSaveStore struct {
	cycles.Store
}

func (s conflictSaveStore) Save(context.Context, string, *domain.TradingCycle, uint64) (uint64, error) {
	return 0, cycles.ErrVersionConflict
}

func TestVersionConflictAbortsTickMutation(t *testing.T) {
	backend, err := cycles.NewWALStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	seedCycle(t, backend, "BTCUSDT", decimal.NewFromInt(1000))

	rig := newTestRigWithStore(t, conflictSaveStore{Store: backend}, decimal.NewFromInt(940))
	ctx := context.Background()

	rig.tickOnce(ctx)

	// the journal write lost the race, so nothing was submitted and the
	// durable state is untouched.
	require.Equal(t, 0, rig.gateway.submitCount())
	got, _, err := backend.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, got.Round)
	require.Nil(t, got.PendingOrder)
}

type failingListStore struct {
	cycles.Store
}

func (failingListStore) ListActiveMarkets(context.Context) ([]string, error) {
	return nil, errors.New("store down")
}

func TestTickSkipsWhenStoreUnavailable(t *testing.T) {
	backend, err := cycles.NewWALStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	seedCycle(t, backend, "BTCUSDT", decimal.NewFromInt(1000))

	rig := newTestRigWithStore(t, failingListStore{Store: backend}, decimal.NewFromInt(940))
	rig.tickOnce(context.Background())

	require.Equal(t, 0, rig.gateway.submitCount())
}

func TestPriceFetchFailureIsolatedToMarket(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(940))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	rig.pricer.err = errors.New("feed down")
	ctx := context.Background()

	rig.tickOnce(ctx)

	require.Equal(t, 0, rig.gateway.submitCount())
	require.Contains(t, rig.notifier.kinds(), domain.EventTickFailed)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, got.Status)
}

func TestStartCycleExecutesInitialBuy(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	ctx := context.Background()

	cycle, err := rig.orch.StartCycle(ctx, "BTCUSDT", strategyForTest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, cycle.Status)
	require.Equal(t, 1, cycle.Round)
	require.Len(t, cycle.History, 1)
	require.True(t, cycle.AveragePrice.Equal(decimal.NewFromInt(1000)))
	require.Contains(t, rig.notifier.kinds(), domain.EventBuyExecuted)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, cycle.CycleID, got.CycleID)
	require.Equal(t, 1, got.Round)
}

func TestStartCycleRejectsSecondStart(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	ctx := context.Background()

	_, err := rig.orch.StartCycle(ctx, "BTCUSDT", strategyForTest())
	require.NoError(t, err)

	_, err = rig.orch.StartCycle(ctx, "BTCUSDT", strategyForTest())
	require.ErrorIs(t, err, domain.ErrAlreadyActive)
}

func TestStartCycleValidatesConfig(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))

	cfg := strategyForTest()
	cfg.MaxRounds = 0
	_, err := rig.orch.StartCycle(context.Background(), "BTCUSDT", cfg)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestStartCycleTransientSubmitReconciles(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	rig.gateway.dropSubmits = 1
	ctx := context.Background()

	cycle, err := rig.orch.StartCycle(ctx, "BTCUSDT", strategyForTest())
	require.NoError(t, err, "a transient submit failure leaves the cycle journaled, not failed")
	require.NotNil(t, cycle.PendingOrder)
	require.Equal(t, 0, cycle.Round)

	rig.tickOnce(ctx)

	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Nil(t, got.PendingOrder)
	require.Equal(t, 1, got.Round)
}

func TestStartCycleAfterCompletedCycle(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1030))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	rig.tickOnce(ctx)
	got, _, err := rig.store.Load(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	// the terminal cycle frees the market slot.
	fresh, err := rig.orch.StartCycle(ctx, "BTCUSDT", strategyForTest())
	require.NoError(t, err)
	require.NotEqual(t, got.CycleID, fresh.CycleID)
}

func TestStopCycleKeepsPosition(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	seeded := seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	cycle, err := rig.orch.StopCycle(ctx, "BTCUSDT", false)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, cycle.Status)
	require.True(t, cycle.TotalVolume.Equal(seeded.TotalVolume), "without force the position stays")
	require.Equal(t, 0, rig.gateway.submitCount())
	require.Contains(t, rig.notifier.kinds(), domain.EventCycleStopped)
}

func TestStopCycleForceSellLiquidates(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(990))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	ctx := context.Background()

	cycle, err := rig.orch.StopCycle(ctx, "BTCUSDT", true)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, cycle.Status)
	require.Equal(t, 1, rig.gateway.submitCount())

	last := cycle.History[len(cycle.History)-1]
	require.Equal(t, domain.ActionSell, last.Action)
	require.Contains(t, rig.notifier.kinds(), domain.EventSellExecuted)
}

func TestStopCycleWithoutActiveCycle(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	ctx := context.Background()

	_, err := rig.orch.StopCycle(ctx, "BTCUSDT", false)
	require.ErrorIs(t, err, domain.ErrNotActive)

	seeded := seedCycle(t, rig.store, "ETHUSDT", decimal.NewFromInt(1000))
	_, err = rig.orch.StopCycle(ctx, "ETHUSDT", false)
	require.NoError(t, err)

	_, err = rig.orch.StopCycle(ctx, "ETHUSDT", false)
	require.ErrorIs(t, err, domain.ErrNotActive, "stopping a stopped cycle (%s) fails", seeded.CycleID)
}

func TestListCycles(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(1000))
	seedCycle(t, rig.store, "BTCUSDT", decimal.NewFromInt(1000))
	seedCycle(t, rig.store, "ETHUSDT", decimal.NewFromInt(2000))

	list, err := rig.orch.ListCycles(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
}
