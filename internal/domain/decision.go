package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionKind tags the Decision variant.
type DecisionKind int

const (
	DecideNone DecisionKind = iota
	DecideBuy
	DecideSell
)

func (k DecisionKind) String() string {
	switch k {
	case DecideBuy:
		return "buy"
	case DecideSell:
		return "sell"
	default:
		return "none"
	}
}

// SellReason explains why a liquidation was decided.
type SellReason string

const (
	SellReasonTakeProfit SellReason = "TAKE_PROFIT"
	SellReasonStopLoss   SellReason = "STOP_LOSS"
	SellReasonManualStop SellReason = "MANUAL_STOP"
)

// Decision is the tagged variant returned by Decide: no action, a buy of a
// quote amount, or a sell of a base quantity with a reason.
type Decision struct {
	Kind     DecisionKind
	Amount   decimal.Decimal
	Quantity decimal.Decimal
	Reason   SellReason
}

// NoAction returns the empty decision.
func NoAction() Decision {
	return Decision{Kind: DecideNone}
}

// BuyDecision returns a buy of the given quote amount.
func BuyDecision(amount decimal.Decimal) Decision {
	return Decision{Kind: DecideBuy, Amount: amount}
}

// SellDecision returns a full liquidation of the given base quantity.
func SellDecision(quantity decimal.Decimal, reason SellReason) Decision {
	return Decision{Kind: DecideSell, Quantity: quantity, Reason: reason}
}

// Decide is the cycle state machine: given the persisted cycle, the current
// market price and the clock, it returns the single action for this tick.
// It is deterministic and performs no I/O.
//
// Rules in priority order: stop loss, take profit, dip buy, hold. All
// comparisons use the average price as it stands before any mutation in this
// tick; a tick performs at most one action.
func Decide(c *TradingCycle, price decimal.Decimal, now time.Time) Decision {
	if c.Status != StatusActive {
		return NoAction()
	}
	// round 0 runs inline with the start command, never on a tick.
	if c.TotalVolume.LessThanOrEqual(decimal.Zero) || c.AveragePrice.IsZero() {
		return NoAction()
	}

	one := decimal.NewFromInt(1)

	if c.Config.StopLossEnabled() {
		stopPrice := c.AveragePrice.Mul(one.Sub(c.Config.StopLossRate))
		if price.LessThanOrEqual(stopPrice) {
			return SellDecision(c.TotalVolume, SellReasonStopLoss)
		}
	}

	targetPrice := c.AveragePrice.Mul(one.Add(c.Config.TargetProfitRate))
	if price.GreaterThanOrEqual(targetPrice) {
		return SellDecision(c.TotalVolume, SellReasonTakeProfit)
	}

	dipPrice := c.AveragePrice.Mul(one.Sub(c.Config.DropThresholdRate))
	if price.LessThanOrEqual(dipPrice) {
		if c.Round < c.Config.MaxRounds {
			if c.buyTooSoon(now) {
				return NoAction()
			}
			return BuyDecision(c.NextBuyAmount())
		}
		if c.Config.OnMaxRoundsExhausted == MaxRoundsForceStopLoss {
			return SellDecision(c.TotalVolume, SellReasonStopLoss)
		}
	}

	return NoAction()
}

// buyTooSoon applies the minimum buy interval from the original strategy:
// consecutive dip buys are spaced out so one long slide does not burn every
// round within a few ticks.
func (c *TradingCycle) buyTooSoon(now time.Time) bool {
	if c.Config.MinBuyInterval <= 0 {
		return false
	}
	last := c.LastBuyAt()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < c.Config.MinBuyInterval
}
