package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies notifier events.
type EventKind string

const (
	EventBuyExecuted  EventKind = "BuyExecuted"
	EventSellExecuted EventKind = "SellExecuted"
	EventCycleStopped EventKind = "CycleStopped"
	EventTickFailed   EventKind = "TickFailed"
)

// Event is a structured notification carrying the market, a cycle snapshot
// and a human-readable summary. Delivery is best effort.
type Event struct {
	Kind    EventKind
	Market  string
	Summary string
	Cycle   *TradingCycle
	At      time.Time
}

// NewBuyExecuted describes a confirmed buy fill.
func NewBuyExecuted(c *TradingCycle, price, amount, quantity decimal.Decimal, at time.Time) Event {
	return Event{
		Kind:   EventBuyExecuted,
		Market: c.Market,
		Summary: fmt.Sprintf("%s: round %d buy filled at %s, spent %s, got %s (avg %s, invested %s)",
			c.Market, c.Round, price.String(), amount.String(), quantity.String(),
			c.AveragePrice.String(), c.TotalInvestment.String()),
		Cycle: c.Clone(),
		At:    at,
	}
}

// NewSellExecuted describes the confirmed terminal sell.
func NewSellExecuted(c *TradingCycle, price, proceeds decimal.Decimal, reason SellReason, at time.Time) Event {
	profit := proceeds.Sub(c.TotalInvestment)
	return Event{
		Kind:   EventSellExecuted,
		Market: c.Market,
		Summary: fmt.Sprintf("%s: position sold at %s (%s), proceeds %s, invested %s, pnl %s",
			c.Market, price.String(), reason, proceeds.String(),
			c.TotalInvestment.String(), profit.String()),
		Cycle: c.Clone(),
		At:    at,
	}
}

// NewCycleStopped describes an operator stop without liquidation.
func NewCycleStopped(c *TradingCycle, at time.Time) Event {
	return Event{
		Kind:   EventCycleStopped,
		Market: c.Market,
		Summary: fmt.Sprintf("%s: cycle %s stopped after %d round(s), position kept (%s)",
			c.Market, c.CycleID, c.Round, c.TotalVolume.String()),
		Cycle: c.Clone(),
		At:    at,
	}
}

// NewTickFailed describes a per-market tick failure. The cycle snapshot may
// be nil when loading the state itself failed.
func NewTickFailed(market string, c *TradingCycle, cause error, at time.Time) Event {
	ev := Event{
		Kind:    EventTickFailed,
		Market:  market,
		Summary: fmt.Sprintf("%s: tick failed: %v", market, cause),
		At:      at,
	}
	if c != nil {
		ev.Cycle = c.Clone()
	}
	return ev
}
