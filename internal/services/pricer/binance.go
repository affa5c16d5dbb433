package pricer

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BinancePricer reads spot prices from the Binance ticker endpoint.
type BinancePricer struct {
	client *binance.Client
}

func NewBinancePricer(client *binance.Client) *BinancePricer {
	return &BinancePricer{client: client}
}

func (p *BinancePricer) GetPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(market).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "binance price request failed for %s", market)
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, errors.Errorf("binance returned no price for %s", market)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "bad price %q for %s", prices[0].Price, market)
	}
	return price, nil
}
