package pricer

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// SimulatePricer serves real Binance prices for dry runs, so simulated
// cycles follow live market movement without touching an account.
type SimulatePricer struct {
	inner *BinancePricer
}

func NewSimulatePricer(client *binance.Client) *SimulatePricer {
	return &SimulatePricer{inner: NewBinancePricer(client)}
}

func (p *SimulatePricer) GetPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return p.inner.GetPrice(ctx, market)
}
