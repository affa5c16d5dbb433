// Package pricer supplies current market prices for cycle evaluation.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pricer returns the current price for a market symbol. Failures are
// transient: the orchestrator skips the tick and retries on the next one.
type Pricer interface {
	GetPrice(ctx context.Context, market string) (decimal.Decimal, error)
}
