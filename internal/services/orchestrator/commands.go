package orchestrator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"upcycle/internal/domain"
	"upcycle/internal/services/gateway"
	"upcycle/internal/storage/cycles"
	"upcycle/pkg/retrier"
)

// StartCycle creates a new cycle for the market and performs the round-0 buy
// inline, with the same journaling and idempotency discipline as tick
// execution. It fails with domain.ErrAlreadyActive while a non-terminal
// cycle exists.
func (o *Orchestrator) StartCycle(ctx context.Context, market string, cfg domain.StrategyConfig) (*domain.TradingCycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("market", market))

	existing, _, err := o.store.Load(ctx, market)
	switch {
	case errors.Is(err, cycles.ErrNotFound):
	case err != nil:
		return nil, errors.Wrapf(err, "failed to check existing cycle for %s", market)
	case !existing.Status.Terminal():
		return nil, errors.Wrapf(domain.ErrAlreadyActive,
			"market %s cycle %s is %s", market, existing.CycleID, existing.Status)
	}

	price, err := retrier.DoWithData(ctx, o.retry, func(ctx context.Context) (decimal.Decimal, error) {
		return o.pricer.GetPrice(ctx, market)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch price for %s", market)
	}

	now := o.now()
	cycle := domain.NewTradingCycle(market, cfg, now)
	key := cycle.IdempotencyKey(domain.ActionBuy)
	cycle.BeginOrder(domain.PendingOrder{
		IdempotencyKey: key,
		Action:         domain.ActionBuy,
		Round:          0,
		Price:          price,
		Amount:         cycle.Config.InitialInvestment,
		SubmittedAt:    now,
	}, now)

	version, err := o.store.Save(ctx, market, cycle, 0)
	if err != nil {
		if errors.Is(err, cycles.ErrVersionConflict) {
			return nil, errors.Wrapf(domain.ErrAlreadyActive, "market %s", market)
		}
		return nil, errors.Wrapf(err, "failed to persist new cycle for %s", market)
	}

	log.Info("cycle started",
		zap.String("cycle_id", cycle.CycleID),
		zap.String("price", price.String()),
		zap.String("config", cycle.Config.String()))

	res, err := o.submitOrder(ctx, market, gateway.SideBuy, cycle.Config.InitialInvestment, key)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			cycle.MarkStopped(o.now())
			if _, saveErr := o.store.Save(ctx, market, cycle, version); saveErr != nil {
				o.logSaveFailure(log, saveErr)
			}
			return nil, errors.Wrap(err, "initial buy rejected")
		}
		// transient: the journaled order reconciles on the next tick.
		log.Warn("initial buy unresolved, scheduler will reconcile", zap.Error(err))
		o.notifyTickFailed(ctx, market, cycle, err)
		return cycle.Clone(), nil
	}

	res, filled := o.awaitFill(ctx, log, market, key, res)
	if res.Closed() {
		cycle.MarkStopped(o.now())
		if _, saveErr := o.store.Save(ctx, market, cycle, version); saveErr != nil {
			o.logSaveFailure(log, saveErr)
		}
		return nil, errors.Errorf("initial buy closed with status %s", res.Status)
	}
	if !filled {
		log.Info("initial buy still open, scheduler will reconcile")
		return cycle.Clone(), nil
	}

	o.applyBuyFill(ctx, log, cycle, version, res)
	return cycle.Clone(), nil
}

// StopCycle terminates the market's cycle. With forceSell the position is
// liquidated immediately with reason MANUAL_STOP; otherwise the cycle is
// marked STOPPED and the position stays in the wallet.
func (o *Orchestrator) StopCycle(ctx context.Context, market string, forceSell bool) (*domain.TradingCycle, error) {
	log := o.logger.With(zap.String("market", market))

	cycle, version, err := o.store.Load(ctx, market)
	if errors.Is(err, cycles.ErrNotFound) {
		return nil, errors.Wrapf(domain.ErrNotActive, "market %s", market)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load cycle for %s", market)
	}
	if cycle.Status.Terminal() {
		return nil, errors.Wrapf(domain.ErrNotActive, "market %s cycle is %s", market, cycle.Status)
	}

	if cycle.PendingOrder != nil {
		o.resolvePending(ctx, log, cycle, version)

		cycle, version, err = o.store.Load(ctx, market)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reload cycle for %s", market)
		}
		if cycle.PendingOrder != nil {
			return nil, errors.Errorf("market %s has an unresolved order in flight, retry shortly", market)
		}
		if cycle.Status.Terminal() {
			return cycle, nil
		}
	}

	now := o.now()

	if forceSell && cycle.TotalVolume.GreaterThan(decimal.Zero) {
		key := cycle.IdempotencyKey(domain.ActionSell)
		cycle.BeginOrder(domain.PendingOrder{
			IdempotencyKey: key,
			Action:         domain.ActionSell,
			Round:          cycle.Round,
			Quantity:       cycle.TotalVolume,
			Reason:         domain.SellReasonManualStop,
			SubmittedAt:    now,
		}, now)

		version, err = o.store.Save(ctx, market, cycle, version)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to journal stop sell for %s", market)
		}

		res, err := o.submitOrder(ctx, market, gateway.SideSell, cycle.PendingOrder.Quantity, key)
		if err != nil {
			if errors.Is(err, gateway.ErrRejected) {
				cycle.ClearPendingOrder(o.now())
				if _, saveErr := o.store.Save(ctx, market, cycle, version); saveErr != nil {
					o.logSaveFailure(log, saveErr)
				}
				return nil, errors.Wrap(err, "stop sell rejected")
			}
			log.Warn("stop sell unresolved, scheduler will reconcile", zap.Error(err))
			return cycle.Clone(), nil
		}

		res, filled := o.awaitFill(ctx, log, market, key, res)
		if res.Closed() {
			o.discardClosedOrder(ctx, log, cycle, version, res)
			return nil, errors.Errorf("stop sell closed with status %s", res.Status)
		}
		if !filled {
			log.Info("stop sell still open, scheduler will reconcile")
			return cycle.Clone(), nil
		}

		o.applySellFill(ctx, log, cycle, version, res, domain.SellReasonManualStop)
		return cycle.Clone(), nil
	}

	cycle.MarkStopped(now)
	if _, err := o.store.Save(ctx, market, cycle, version); err != nil {
		return nil, errors.Wrapf(err, "failed to persist stop for %s", market)
	}

	log.Info("cycle stopped without liquidation",
		zap.String("cycle_id", cycle.CycleID),
		zap.String("kept_volume", cycle.TotalVolume.String()))
	o.publish(ctx, domain.NewCycleStopped(cycle, now))

	return cycle.Clone(), nil
}

// CycleStatus returns the persisted cycle for the market.
func (o *Orchestrator) CycleStatus(ctx context.Context, market string) (*domain.TradingCycle, error) {
	cycle, _, err := o.store.Load(ctx, market)
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

// ListCycles returns all cycles currently participating in ticks.
func (o *Orchestrator) ListCycles(ctx context.Context) ([]*domain.TradingCycle, error) {
	markets, err := o.store.ListActiveMarkets(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active markets")
	}

	out := make([]*domain.TradingCycle, 0, len(markets))
	for _, market := range markets {
		cycle, _, err := o.store.Load(ctx, market)
		if err != nil {
			o.logger.Warn("failed to load cycle while listing",
				zap.Error(err), zap.String("market", market))
			continue
		}
		out = append(out, cycle)
	}
	return out, nil
}
