package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidConfig marks strategy configuration rejected by validation.
var ErrInvalidConfig = errors.New("invalid strategy config")

// MaxRoundsPolicy selects the behavior when the price keeps dropping after
// every buy round has been spent.
type MaxRoundsPolicy string

const (
	// MaxRoundsHold keeps the position and waits for the price to recover.
	MaxRoundsHold MaxRoundsPolicy = "HOLD"
	// MaxRoundsForceStopLoss liquidates as soon as another dip signal fires.
	MaxRoundsForceStopLoss MaxRoundsPolicy = "FORCE_STOP_LOSS"
)

// StrategyConfig is the per-cycle strategy: how much to invest, when to add
// to the position and when to leave it. Rates are fractions, 0.05 means 5%.
type StrategyConfig struct {
	InitialInvestment decimal.Decimal `json:"initial_investment"`
	DropThresholdRate decimal.Decimal `json:"drop_threshold_rate"`
	TargetProfitRate  decimal.Decimal `json:"target_profit_rate"`
	MaxRounds         int             `json:"max_rounds"`

	// StopLossRate of zero disables the stop loss entirely.
	StopLossRate decimal.Decimal `json:"stop_loss_rate"`

	// BuyMultiplier scales each dip buy relative to the previous one;
	// 1 keeps every round at the initial investment.
	BuyMultiplier decimal.Decimal `json:"buy_multiplier"`

	// MinBuyInterval spaces out consecutive dip buys.
	MinBuyInterval time.Duration `json:"min_buy_interval"`

	OnMaxRoundsExhausted MaxRoundsPolicy `json:"on_max_rounds_exhausted,omitempty"`
}

// Validate checks the configuration before a cycle starts.
func (c StrategyConfig) Validate() error {
	one := decimal.NewFromInt(1)

	if c.InitialInvestment.LessThanOrEqual(decimal.Zero) {
		return errors.Wrapf(ErrInvalidConfig, "initial investment %s must be positive", c.InitialInvestment)
	}
	if c.DropThresholdRate.LessThanOrEqual(decimal.Zero) || c.DropThresholdRate.GreaterThanOrEqual(one) {
		return errors.Wrapf(ErrInvalidConfig, "drop threshold rate %s must be in (0, 1)", c.DropThresholdRate)
	}
	if c.TargetProfitRate.LessThanOrEqual(decimal.Zero) {
		return errors.Wrapf(ErrInvalidConfig, "target profit rate %s must be positive", c.TargetProfitRate)
	}
	if c.MaxRounds < 1 {
		return errors.Wrapf(ErrInvalidConfig, "max rounds %d must be at least 1", c.MaxRounds)
	}
	if c.StopLossRate.IsNegative() || c.StopLossRate.GreaterThanOrEqual(one) {
		return errors.Wrapf(ErrInvalidConfig, "stop loss rate %s must be in [0, 1)", c.StopLossRate)
	}
	if c.StopLossEnabled() && c.StopLossRate.LessThanOrEqual(c.DropThresholdRate) {
		return errors.Wrapf(ErrInvalidConfig,
			"stop loss rate %s must exceed drop threshold rate %s", c.StopLossRate, c.DropThresholdRate)
	}
	if c.BuyMultiplier.IsNegative() {
		return errors.Wrapf(ErrInvalidConfig, "buy multiplier %s must not be negative", c.BuyMultiplier)
	}
	if c.MinBuyInterval < 0 {
		return errors.Wrapf(ErrInvalidConfig, "min buy interval %s must not be negative", c.MinBuyInterval)
	}
	switch c.OnMaxRoundsExhausted {
	case "", MaxRoundsHold, MaxRoundsForceStopLoss:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown max rounds policy %q", c.OnMaxRoundsExhausted)
	}
	return nil
}

// Normalized fills defaults: a unit buy multiplier and the HOLD policy.
func (c StrategyConfig) Normalized() StrategyConfig {
	if c.BuyMultiplier.LessThanOrEqual(decimal.Zero) {
		c.BuyMultiplier = decimal.NewFromInt(1)
	}
	if c.OnMaxRoundsExhausted == "" {
		c.OnMaxRoundsExhausted = MaxRoundsHold
	}
	return c
}

// StopLossEnabled reports whether a stop loss rate is configured.
func (c StrategyConfig) StopLossEnabled() bool {
	return c.StopLossRate.GreaterThan(decimal.Zero)
}

func (c StrategyConfig) String() string {
	return fmt.Sprintf("invest=%s drop=%s target=%s rounds=%d stoploss=%s mult=%s",
		c.InitialInvestment, c.DropThresholdRate, c.TargetProfitRate,
		c.MaxRounds, c.StopLossRate, c.BuyMultiplier)
}
