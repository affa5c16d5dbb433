// Package domain holds the trading cycle model and the pure decision state
// machine. Nothing here performs I/O; persistence and exchange access live in
// the storage and services packages.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// CycleStatus is the lifecycle state of a trading cycle.
type CycleStatus string

const (
	StatusInactive    CycleStatus = "INACTIVE"
	StatusActive      CycleStatus = "ACTIVE"
	StatusLiquidating CycleStatus = "LIQUIDATING"
	StatusCompleted   CycleStatus = "COMPLETED"
	StatusStopped     CycleStatus = "STOPPED"
)

// Terminal reports whether the cycle reached a final state. A terminal cycle
// frees its market slot for a new cycle.
func (s CycleStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// Running reports whether the cycle still participates in scheduler ticks.
func (s CycleStatus) Running() bool {
	return s == StatusActive || s == StatusLiquidating
}

// RoundAction is the side of an executed round.
type RoundAction string

const (
	ActionBuy  RoundAction = "BUY"
	ActionSell RoundAction = "SELL"
)

// RoundRecord is one executed order in the cycle history.
type RoundRecord struct {
	Round      int             `json:"round"`
	Action     RoundAction     `json:"action"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderID    string          `json:"order_id"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// PendingOrder is the journal entry written before an order is submitted to
// the exchange. It survives crashes, so the next tick can query the order by
// its idempotency key instead of guessing whether the submission happened.
type PendingOrder struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Action         RoundAction     `json:"action"`
	Round          int             `json:"round"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reason         SellReason      `json:"reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// TradingCycle is the full persisted state of one market's cycle. All
// monetary values are exact decimals; Round counts executed buys.
type TradingCycle struct {
	CycleID string      `json:"cycle_id"`
	Market  string      `json:"market"`
	Status  CycleStatus `json:"status"`

	Config StrategyConfig `json:"config"`

	Round           int             `json:"round"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
	TotalVolume     decimal.Decimal `json:"total_volume"`

	History      []RoundRecord `json:"history,omitempty"`
	PendingOrder *PendingOrder `json:"pending_order,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	LastTickAt  time.Time `json:"last_tick_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewTradingCycle creates an ACTIVE cycle with a fresh identity. The initial
// buy has not happened yet: Round is 0 and the position is empty.
func NewTradingCycle(market string, cfg StrategyConfig, now time.Time) *TradingCycle {
	return &TradingCycle{
		CycleID:         uuid.NewString(),
		Market:          market,
		Status:          StatusActive,
		Config:          cfg.Normalized(),
		AveragePrice:    decimal.Zero,
		TotalInvestment: decimal.Zero,
		TotalVolume:     decimal.Zero,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// IdempotencyKey derives the client order id for the next order of the given
// side. It depends only on the cycle identity, the round and the action, so a
// retried submission maps to the same exchange order.
func (c *TradingCycle) IdempotencyKey(action RoundAction) string {
	side := "buy"
	if action == ActionSell {
		side = "sell"
	}
	return fmt.Sprintf("ib-%s-r%d-%s", shortID(c.CycleID), c.Round, side)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NextBuyAmount returns the quote amount for the next buy: the initial
// investment for round 0, afterwards the previous buy scaled by the
// configured multiplier.
func (c *TradingCycle) NextBuyAmount() decimal.Decimal {
	last := decimal.Zero
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Action == ActionBuy {
			last = c.History[i].Amount
			break
		}
	}
	if last.IsZero() {
		return c.Config.InitialInvestment
	}
	return last.Mul(c.Config.BuyMultiplier)
}

// LastBuyAt returns when the most recent buy executed, or the zero time.
func (c *TradingCycle) LastBuyAt() time.Time {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Action == ActionBuy {
			return c.History[i].ExecutedAt
		}
	}
	return time.Time{}
}

// BeginOrder journals the order that is about to be submitted. A sell moves
// the cycle to LIQUIDATING so ticks stop producing new decisions for it.
func (c *TradingCycle) BeginOrder(po PendingOrder, now time.Time) {
	c.PendingOrder = &po
	if po.Action == ActionSell {
		c.Status = StatusLiquidating
	}
	c.UpdatedAt = now
}

// ClearPendingOrder drops the journaled order without a fill, for orders the
// exchange rejected or canceled. A liquidation that did not happen returns
// the cycle to ACTIVE.
func (c *TradingCycle) ClearPendingOrder(now time.Time) {
	c.PendingOrder = nil
	if c.Status == StatusLiquidating {
		c.Status = StatusActive
	}
	c.UpdatedAt = now
}

// ApplyBuyFill records a confirmed buy: the round counter advances, the
// position grows and the average price is recomputed from the exact totals.
func (c *TradingCycle) ApplyBuyFill(orderID string, price, amount, quantity decimal.Decimal, now time.Time) error {
	if c.Status.Terminal() {
		return errors.Wrapf(ErrNotActive, "cycle %s is %s", c.CycleID, c.Status)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return errors.Errorf("buy fill for cycle %s has non-positive quantity %s", c.CycleID, quantity)
	}

	c.Round++
	c.History = append(c.History, RoundRecord{
		Round:      c.Round,
		Action:     ActionBuy,
		Price:      price,
		Amount:     amount,
		Quantity:   quantity,
		OrderID:    orderID,
		ExecutedAt: now,
	})

	c.TotalInvestment = c.TotalInvestment.Add(amount)
	c.TotalVolume = c.TotalVolume.Add(quantity)
	c.AveragePrice = c.TotalInvestment.Div(c.TotalVolume)

	c.PendingOrder = nil
	c.UpdatedAt = now
	return nil
}

// ApplySellFill records the confirmed liquidation and moves the cycle to its
// terminal state: COMPLETED for a take profit, STOPPED otherwise.
func (c *TradingCycle) ApplySellFill(orderID string, price, proceeds, quantity decimal.Decimal, reason SellReason, now time.Time) error {
	if c.Status.Terminal() {
		return errors.Wrapf(ErrNotActive, "cycle %s is %s", c.CycleID, c.Status)
	}

	c.History = append(c.History, RoundRecord{
		Round:      c.Round,
		Action:     ActionSell,
		Price:      price,
		Amount:     proceeds,
		Quantity:   quantity,
		OrderID:    orderID,
		ExecutedAt: now,
	})

	if reason == SellReasonTakeProfit {
		c.Status = StatusCompleted
	} else {
		c.Status = StatusStopped
	}

	c.PendingOrder = nil
	c.CompletedAt = now
	c.UpdatedAt = now
	return nil
}

// MarkStopped terminates the cycle without liquidation; any held position
// stays in the wallet.
func (c *TradingCycle) MarkStopped(now time.Time) {
	c.PendingOrder = nil
	c.Status = StatusStopped
	c.CompletedAt = now
	c.UpdatedAt = now
}

// ProfitRate returns the unrealized rate at the given price relative to the
// average entry, or zero for an empty position.
func (c *TradingCycle) ProfitRate(price decimal.Decimal) decimal.Decimal {
	if c.AveragePrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(c.AveragePrice).Div(c.AveragePrice)
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely without aliasing cached state.
func (c *TradingCycle) Clone() *TradingCycle {
	if c == nil {
		return nil
	}
	cp := *c
	if c.History != nil {
		cp.History = make([]RoundRecord, len(c.History))
		copy(cp.History, c.History)
	}
	if c.PendingOrder != nil {
		po := *c.PendingOrder
		cp.PendingOrder = &po
	}
	return &cp
}
