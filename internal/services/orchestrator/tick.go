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

// tickMarket runs the per-market tick protocol: resolve any journaled order
// first, otherwise fetch the price, run the state machine and execute at
// most one action. Every failure here is contained to this market.
func (o *Orchestrator) tickMarket(ctx context.Context, market string) {
	log := o.logger.With(zap.String("market", market))

	cycle, version, err := o.store.Load(ctx, market)
	if err != nil {
		log.Error("failed to load cycle state", zap.Error(err))
		o.notifyTickFailed(ctx, market, nil, err)
		return
	}

	if cycle.PendingOrder != nil {
		o.resolvePending(ctx, log, cycle, version)
		return
	}

	if cycle.Status != domain.StatusActive {
		return
	}

	price, err := retrier.DoWithData(ctx, o.retry, func(ctx context.Context) (decimal.Decimal, error) {
		return o.pricer.GetPrice(ctx, market)
	})
	if err != nil {
		log.Warn("price fetch failed, skipping tick", zap.Error(err))
		o.notifyTickFailed(ctx, market, cycle, err)
		return
	}

	decision := domain.Decide(cycle, price, o.now())

	switch decision.Kind {
	case domain.DecideNone:
		cycle.LastTickAt = o.now()
		if _, err := o.store.Save(ctx, market, cycle, version); err != nil {
			o.logSaveFailure(log, err)
		}
	case domain.DecideBuy:
		log.Info("buy decision",
			zap.Int("round", cycle.Round),
			zap.String("price", price.String()),
			zap.String("avg_price", cycle.AveragePrice.String()),
			zap.String("amount", decision.Amount.String()))
		o.executeBuy(ctx, log, cycle, version, price, decision.Amount)
	case domain.DecideSell:
		log.Info("sell decision",
			zap.String("reason", string(decision.Reason)),
			zap.String("price", price.String()),
			zap.String("avg_price", cycle.AveragePrice.String()),
			zap.String("quantity", decision.Quantity.String()))
		o.executeSell(ctx, log, cycle, version, price, decision)
	}
}

// executeBuy journals the order, submits it with the round-derived
// idempotency key and applies the confirmed fill.
func (o *Orchestrator) executeBuy(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, price, amount decimal.Decimal) {
	now := o.now()
	key := cycle.IdempotencyKey(domain.ActionBuy)
	cycle.BeginOrder(domain.PendingOrder{
		IdempotencyKey: key,
		Action:         domain.ActionBuy,
		Round:          cycle.Round,
		Price:          price,
		Amount:         amount,
		SubmittedAt:    now,
	}, now)
	cycle.LastTickAt = now

	version, err := o.store.Save(ctx, cycle.Market, cycle, version)
	if err != nil {
		o.logSaveFailure(log, err)
		return
	}

	res, err := o.submitOrder(ctx, cycle.Market, gateway.SideBuy, amount, key)
	if err != nil {
		o.handleSubmitFailure(ctx, log, cycle, version, err)
		return
	}

	res, filled := o.awaitFill(ctx, log, cycle.Market, key, res)
	if res.Closed() {
		o.discardClosedOrder(ctx, log, cycle, version, res)
		return
	}
	if !filled {
		log.Info("buy not confirmed yet, will reconcile on next tick",
			zap.String("idempotency_key", key))
		return
	}

	o.applyBuyFill(ctx, log, cycle, version, res)
}

// executeSell mirrors executeBuy for the terminal liquidation.
func (o *Orchestrator) executeSell(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, price decimal.Decimal, decision domain.Decision) {
	now := o.now()
	key := cycle.IdempotencyKey(domain.ActionSell)
	cycle.BeginOrder(domain.PendingOrder{
		IdempotencyKey: key,
		Action:         domain.ActionSell,
		Round:          cycle.Round,
		Price:          price,
		Quantity:       decision.Quantity,
		Reason:         decision.Reason,
		SubmittedAt:    now,
	}, now)
	cycle.LastTickAt = now

	version, err := o.store.Save(ctx, cycle.Market, cycle, version)
	if err != nil {
		o.logSaveFailure(log, err)
		return
	}

	res, err := o.submitOrder(ctx, cycle.Market, gateway.SideSell, decision.Quantity, key)
	if err != nil {
		o.handleSubmitFailure(ctx, log, cycle, version, err)
		return
	}

	res, filled := o.awaitFill(ctx, log, cycle.Market, key, res)
	if res.Closed() {
		o.discardClosedOrder(ctx, log, cycle, version, res)
		return
	}
	if !filled {
		log.Info("sell not confirmed yet, will reconcile on next tick",
			zap.String("idempotency_key", key))
		return
	}

	o.applySellFill(ctx, log, cycle, version, res, decision.Reason)
}

// resolvePending finishes an order journaled by an earlier tick or start
// command: the fill is queried by idempotency key, never resubmitted blindly,
// so a crash between fill and persistence yields exactly one state update.
func (o *Orchestrator) resolvePending(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64) {
	po := cycle.PendingOrder
	log.Info("resolving pending order",
		zap.String("idempotency_key", po.IdempotencyKey),
		zap.String("action", string(po.Action)))

	res, err := retrier.DoWithData(ctx, o.retry, func(ctx context.Context) (gateway.OrderResult, error) {
		return o.gateway.GetOrder(ctx, cycle.Market, po.IdempotencyKey)
	})
	if errors.Is(err, gateway.ErrOrderNotFound) {
		// the submission never reached the exchange; resubmit with the same
		// key, which is safe by construction.
		side := gateway.SideBuy
		value := po.Amount
		if po.Action == domain.ActionSell {
			side = gateway.SideSell
			value = po.Quantity
		}
		res, err = o.submitOrder(ctx, cycle.Market, side, value, po.IdempotencyKey)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			o.handleSubmitFailure(ctx, log, cycle, version, err)
			return
		}
		log.Warn("pending order still unresolved", zap.Error(err))
		o.notifyTickFailed(ctx, cycle.Market, cycle, err)
		return
	}

	res, filled := o.awaitFill(ctx, log, cycle.Market, po.IdempotencyKey, res)
	if res.Closed() {
		o.discardClosedOrder(ctx, log, cycle, version, res)
		return
	}
	if !filled {
		log.Info("pending order still open", zap.String("idempotency_key", po.IdempotencyKey))
		return
	}

	if po.Action == domain.ActionBuy {
		o.applyBuyFill(ctx, log, cycle, version, res)
		return
	}
	reason := po.Reason
	if reason == "" {
		reason = domain.SellReasonTakeProfit
	}
	o.applySellFill(ctx, log, cycle, version, res, reason)
}

// submitOrder retries transient submission failures; a duplicate-key answer
// means the order already exists, so its status is queried instead.
func (o *Orchestrator) submitOrder(ctx context.Context, market string, side gateway.Side, value decimal.Decimal, key string) (gateway.OrderResult, error) {
	res, err := retrier.DoWithData(ctx, o.retry, func(ctx context.Context) (gateway.OrderResult, error) {
		return o.gateway.SubmitOrder(ctx, market, side, value, key)
	})
	if errors.Is(err, gateway.ErrDuplicateOrder) {
		return retrier.DoWithData(ctx, o.retry, func(ctx context.Context) (gateway.OrderResult, error) {
			return o.gateway.GetOrder(ctx, market, key)
		})
	}
	return res, err
}

// awaitFill polls the order status a bounded number of times. An order that
// is still open afterwards stays journaled for the next tick.
func (o *Orchestrator) awaitFill(ctx context.Context, log *zap.Logger, market, key string, res gateway.OrderResult) (gateway.OrderResult, bool) {
	if res.Filled() || res.Closed() {
		return res, res.Filled()
	}

	for attempt := 0; attempt < o.fillPollAttempts; attempt++ {
		if err := o.sleep(ctx, o.fillPollInterval); err != nil {
			return res, false
		}
		cur, err := o.gateway.GetOrder(ctx, market, key)
		if err != nil {
			log.Warn("order status check failed", zap.Error(err))
			continue
		}
		res = cur
		if res.Filled() || res.Closed() {
			break
		}
	}
	return res, res.Filled()
}

func (o *Orchestrator) applyBuyFill(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, res gateway.OrderResult) {
	now := o.now()
	price := fillPrice(res)

	if err := cycle.ApplyBuyFill(res.OrderID, price, res.FilledAmount, res.FilledQuantity, now); err != nil {
		log.Error("failed to apply buy fill", zap.Error(err))
		return
	}
	cycle.LastTickAt = now

	if _, err := o.store.Save(ctx, cycle.Market, cycle, version); err != nil {
		o.logSaveFailure(log, err)
	} else {
		log.Info("buy applied",
			zap.Int("round", cycle.Round),
			zap.String("fill_price", price.String()),
			zap.String("avg_price", cycle.AveragePrice.String()),
			zap.String("total_investment", cycle.TotalInvestment.String()))
	}

	// events go out regardless of persistence outcome; a conflicted save
	// reconverges from the order status on the next tick.
	o.publish(ctx, domain.NewBuyExecuted(cycle, price, res.FilledAmount, res.FilledQuantity, now))
}

func (o *Orchestrator) applySellFill(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, res gateway.OrderResult, reason domain.SellReason) {
	now := o.now()
	price := fillPrice(res)

	if err := cycle.ApplySellFill(res.OrderID, price, res.FilledAmount, res.FilledQuantity, reason, now); err != nil {
		log.Error("failed to apply sell fill", zap.Error(err))
		return
	}
	cycle.LastTickAt = now

	if _, err := o.store.Save(ctx, cycle.Market, cycle, version); err != nil {
		o.logSaveFailure(log, err)
	} else {
		log.Info("position liquidated",
			zap.String("reason", string(reason)),
			zap.String("fill_price", price.String()),
			zap.String("proceeds", res.FilledAmount.String()),
			zap.String("status", string(cycle.Status)))
	}

	o.publish(ctx, domain.NewSellExecuted(cycle, price, res.FilledAmount, reason, now))
}

// handleSubmitFailure distinguishes rejections, which drop the journaled
// order, from transient failures, which keep it for reconciliation.
func (o *Orchestrator) handleSubmitFailure(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, cause error) {
	if errors.Is(cause, gateway.ErrRejected) {
		log.Warn("order rejected by exchange", zap.Error(cause))
		cycle.ClearPendingOrder(o.now())
		if _, err := o.store.Save(ctx, cycle.Market, cycle, version); err != nil {
			o.logSaveFailure(log, err)
		}
	} else {
		log.Warn("order submission unresolved, keeping journaled order", zap.Error(cause))
	}
	o.notifyTickFailed(ctx, cycle.Market, cycle, cause)
}

// discardClosedOrder clears a journaled order the exchange reports canceled
// or rejected; no fill happened, the cycle keeps its prior position.
func (o *Orchestrator) discardClosedOrder(ctx context.Context, log *zap.Logger, cycle *domain.TradingCycle, version uint64, res gateway.OrderResult) {
	log.Warn("order closed without fill",
		zap.String("order_id", res.OrderID),
		zap.String("status", string(res.Status)))

	cycle.ClearPendingOrder(o.now())
	if _, err := o.store.Save(ctx, cycle.Market, cycle, version); err != nil {
		o.logSaveFailure(log, err)
	}
	o.notifyTickFailed(ctx, cycle.Market, cycle,
		errors.Errorf("order %s closed with status %s", res.OrderID, res.Status))
}

func (o *Orchestrator) logSaveFailure(log *zap.Logger, err error) {
	if errors.Is(err, cycles.ErrVersionConflict) {
		// a concurrent writer won; the next tick re-evaluates fresh state.
		log.Warn("cycle state conflict, aborting this tick's mutation", zap.Error(err))
		return
	}
	log.Error("failed to persist cycle state", zap.Error(err))
}

// fillPrice derives the effective execution price from the fill totals.
func fillPrice(res gateway.OrderResult) decimal.Decimal {
	if res.FilledQuantity.IsZero() {
		return decimal.Zero
	}
	return res.FilledAmount.Div(res.FilledQuantity)
}
