package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestApplyBuyFillAveragePrice(t *testing.T) {
	now := time.Now()
	c := NewTradingCycle("BTCUSDT", testConfig(), now)

	amount := decimal.NewFromInt(1000)
	p1 := decimal.NewFromInt(1000)
	require.NoError(t, c.ApplyBuyFill("1", p1, amount, amount.Div(p1), now))

	require.Equal(t, 1, c.Round)
	require.True(t, c.AveragePrice.Equal(p1))
	require.True(t, c.TotalInvestment.Equal(amount))

	// second buy at 940: avg = 2000 / (1 + 1000/940) ≈ 969.07
	p2 := decimal.NewFromInt(940)
	q2 := amount.Div(p2)
	require.NoError(t, c.ApplyBuyFill("2", p2, amount, q2, now))

	require.Equal(t, 2, c.Round)
	require.True(t, c.TotalInvestment.Equal(decimal.NewFromInt(2000)))

	expectedAvg := decimal.NewFromInt(2000).Div(decimal.NewFromInt(1).Add(q2))
	require.True(t, c.AveragePrice.Equal(expectedAvg),
		"avg %s, expected %s", c.AveragePrice, expectedAvg)
	require.True(t, c.AveragePrice.Sub(decimal.RequireFromString("969.07")).Abs().
		LessThan(decimal.RequireFromString("0.01")))
}

func TestApplyBuyFillHistoryMatchesRound(t *testing.T) {
	now := time.Now()
	c := NewTradingCycle("BTCUSDT", testConfig(), now)

	for i := 1; i <= 3; i++ {
		price := decimal.NewFromInt(int64(1000 - i*10))
		amount := decimal.NewFromInt(1000)
		require.NoError(t, c.ApplyBuyFill(fmt.Sprint(i), price, amount, amount.Div(price), now))
		require.Equal(t, i, c.Round)
		require.Len(t, c.History, i)
		require.Equal(t, i, c.History[i-1].Round)
		require.Equal(t, ActionBuy, c.History[i-1].Action)
	}
}

func TestApplySellFillTerminalStatus(t *testing.T) {
	cases := []struct {
		reason SellReason
		want   CycleStatus
	}{
		{SellReasonTakeProfit, StatusCompleted},
		{SellReasonStopLoss, StatusStopped},
		{SellReasonManualStop, StatusStopped},
	}

	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			now := time.Now()
			c := cycleWithPosition(t, testConfig(), decimal.NewFromInt(1000), now)

			proceeds := decimal.NewFromInt(1050)
			require.NoError(t, c.ApplySellFill("9", decimal.NewFromInt(1050), proceeds, c.TotalVolume, tc.reason, now))

			require.Equal(t, tc.want, c.Status)
			require.True(t, c.Status.Terminal())
			require.Nil(t, c.PendingOrder)
			require.False(t, c.CompletedAt.IsZero())
			require.Equal(t, ActionSell, c.History[len(c.History)-1].Action)
		})
	}
}

func TestApplyFillOnTerminalCycleFails(t *testing.T) {
	now := time.Now()
	c := cycleWithPosition(t, testConfig(), decimal.NewFromInt(1000), now)
	c.MarkStopped(now)

	err := c.ApplyBuyFill("5", decimal.NewFromInt(900), decimal.NewFromInt(1000), decimal.NewFromInt(1), now)
	require.ErrorIs(t, err, ErrNotActive)

	err = c.ApplySellFill("6", decimal.NewFromInt(900), decimal.NewFromInt(900), decimal.NewFromInt(1), SellReasonTakeProfit, now)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestIdempotencyKeyStablePerRound(t *testing.T) {
	now := time.Now()
	c := NewTradingCycle("BTCUSDT", testConfig(), now)

	key := c.IdempotencyKey(ActionBuy)
	require.Equal(t, fmt.Sprintf("ib-%s-r0-buy", c.CycleID[:8]), key)
	require.Equal(t, key, c.IdempotencyKey(ActionBuy), "key is a pure function of cycle state")

	amount := decimal.NewFromInt(1000)
	require.NoError(t, c.ApplyBuyFill("1", decimal.NewFromInt(1000), amount, decimal.NewFromInt(1), now))

	require.Equal(t, fmt.Sprintf("ib-%s-r1-buy", c.CycleID[:8]), c.IdempotencyKey(ActionBuy))
	require.Equal(t, fmt.Sprintf("ib-%s-r1-sell", c.CycleID[:8]), c.IdempotencyKey(ActionSell))
}

func TestBeginOrderAndClearPendingOrder(t *testing.T) {
	now := time.Now()
	c := cycleWithPosition(t, testConfig(), decimal.NewFromInt(1000), now)

	c.BeginOrder(PendingOrder{
		IdempotencyKey: c.IdempotencyKey(ActionSell),
		Action:         ActionSell,
		Round:          c.Round,
		Quantity:       c.TotalVolume,
		Reason:         SellReasonTakeProfit,
		SubmittedAt:    now,
	}, now)
	require.Equal(t, StatusLiquidating, c.Status)
	require.NotNil(t, c.PendingOrder)

	c.ClearPendingOrder(now)
	require.Equal(t, StatusActive, c.Status, "a liquidation that did not happen resumes the cycle")
	require.Nil(t, c.PendingOrder)

	// a pending buy does not change the status.
	c.BeginOrder(PendingOrder{
		IdempotencyKey: c.IdempotencyKey(ActionBuy),
		Action:         ActionBuy,
		Round:          c.Round,
		Amount:         decimal.NewFromInt(1000),
		SubmittedAt:    now,
	}, now)
	require.Equal(t, StatusActive, c.Status)
}

func TestCloneIsIsolated(t *testing.T) {
	now := time.Now()
	c := cycleWithPosition(t, testConfig(), decimal.NewFromInt(1000), now)
	c.BeginOrder(PendingOrder{IdempotencyKey: "k", Action: ActionBuy, SubmittedAt: now}, now)

	cp := c.Clone()
	cp.Round = 42
	cp.History[0].OrderID = "mutated"
	cp.PendingOrder.IdempotencyKey = "other"

	require.Equal(t, 1, c.Round)
	require.Equal(t, "1", c.History[0].OrderID)
	require.Equal(t, "k", c.PendingOrder.IdempotencyKey)
}

func TestNextBuyAmount(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.BuyMultiplier = decimal.NewFromInt(2)
	c := NewTradingCycle("BTCUSDT", cfg, now)

	require.True(t, c.NextBuyAmount().Equal(decimal.NewFromInt(1000)), "round 0 uses the initial investment")

	require.NoError(t, c.ApplyBuyFill("1", decimal.NewFromInt(1000), decimal.NewFromInt(1000), decimal.NewFromInt(1), now))
	require.True(t, c.NextBuyAmount().Equal(decimal.NewFromInt(2000)))

	require.NoError(t, c.ApplyBuyFill("2", decimal.NewFromInt(950), decimal.NewFromInt(2000), decimal.NewFromInt(2), now))
	require.True(t, c.NextBuyAmount().Equal(decimal.NewFromInt(4000)))
}

func TestProfitRate(t *testing.T) {
	now := time.Now()
	c := cycleWithPosition(t, testConfig(), decimal.NewFromInt(1000), now)

	require.True(t, c.ProfitRate(decimal.NewFromInt(1030)).Equal(decimal.RequireFromString("0.03")))
	require.True(t, c.ProfitRate(decimal.NewFromInt(950)).Equal(decimal.RequireFromString("-0.05")))

	empty := NewTradingCycle("BTCUSDT", testConfig(), now)
	require.True(t, empty.ProfitRate(decimal.NewFromInt(1000)).IsZero())
}
