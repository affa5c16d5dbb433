package gateway

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type simPricer interface {
	GetPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// SimulateGateway fills orders in memory at the current quoted price. It is
// used for dry runs and tests. Resubmitting an idempotency key returns the
// original order, mirroring real exchange behavior.
type SimulateGateway struct {
	mu     sync.Mutex
	pricer simPricer
	logger *zap.Logger
	orders map[string]OrderResult
	seq    int64
}

func NewSimulateGateway(pricer simPricer, logger *zap.Logger) *SimulateGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulateGateway{
		pricer: pricer,
		logger: logger,
		orders: make(map[string]OrderResult),
	}
}

func (g *SimulateGateway) SubmitOrder(ctx context.Context, market string, side Side, value decimal.Decimal, idempotencyKey string) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.orders[idempotencyKey]; ok {
		return existing, errors.Wrapf(ErrDuplicateOrder, "order %s already submitted", idempotencyKey)
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return OrderResult{}, errors.Wrapf(ErrRejected, "non-positive order value %s", value.String())
	}

	price, err := g.pricer.GetPrice(ctx, market)
	if err != nil {
		return OrderResult{}, errors.Wrap(ErrUnavailable, err.Error())
	}

	g.seq++
	res := OrderResult{
		OrderID: decimal.NewFromInt(g.seq).String(),
		Status:  StatusFilled,
	}
	if side == SideBuy {
		res.FilledAmount = value
		res.FilledQuantity = value.Div(price)
	} else {
		res.FilledQuantity = value
		res.FilledAmount = value.Mul(price)
	}

	g.orders[idempotencyKey] = res
	g.logger.Debug("simulated fill",
		zap.String("market", market),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("value", value.String()))

	return res, nil
}

func (g *SimulateGateway) GetOrder(ctx context.Context, market string, idempotencyKey string) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.orders[idempotencyKey]
	if !ok {
		return OrderResult{}, errors.Wrapf(ErrOrderNotFound, "order %s", idempotencyKey)
	}
	return res, nil
}
