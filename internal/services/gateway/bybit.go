package gateway

import (
	"context"
	"strings"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BybitGateway places spot market orders on Bybit v5. Spot market buys take
// the quote amount as Qty, sells take the base quantity. The idempotency key
// travels as the order link ID.
type BybitGateway struct {
	client *bybit.Client
}

func NewBybitGateway(client *bybit.Client) *BybitGateway {
	return &BybitGateway{client: client}
}

func (g *BybitGateway) SubmitOrder(ctx context.Context, market string, side Side, value decimal.Decimal, idempotencyKey string) (OrderResult, error) {
	bybitSide := bybit.SideBuy
	qty := value
	if side == SideSell {
		bybitSide = bybit.SideSell
		qty = value.RoundFloor(8)
	}

	linkID := idempotencyKey
	resp, err := g.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(market),
		Side:        bybitSide,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty.String(),
		OrderLinkID: &linkID,
	})
	if err != nil {
		return OrderResult{}, mapBybitError(err)
	}

	// Bybit acknowledges market orders asynchronously; the fill comes from
	// the follow-up status query.
	return OrderResult{OrderID: resp.Result.OrderID, Status: StatusNew}, nil
}

func (g *BybitGateway) GetOrder(ctx context.Context, market string, idempotencyKey string) (OrderResult, error) {
	symbol := bybit.SymbolV5(market)
	linkID := idempotencyKey

	open, err := g.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return OrderResult{}, mapBybitError(err)
	}
	if len(open.Result.List) > 0 {
		return bybitResult(open.Result.List[0].OrderID, string(open.Result.List[0].OrderStatus),
			open.Result.List[0].CumExecQty, open.Result.List[0].CumExecValue)
	}

	hist, err := g.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return OrderResult{}, mapBybitError(err)
	}
	if len(hist.Result.List) == 0 {
		return OrderResult{}, errors.Wrapf(ErrOrderNotFound, "no order with link id %s", idempotencyKey)
	}

	item := hist.Result.List[0]
	return bybitResult(item.OrderID, string(item.OrderStatus), item.CumExecQty, item.CumExecValue)
}

func bybitResult(orderID, status, cumExecQty, cumExecValue string) (OrderResult, error) {
	qty, err := decimal.NewFromString(cumExecQty)
	if err != nil {
		qty = decimal.Zero
	}
	amount, err := decimal.NewFromString(cumExecValue)
	if err != nil {
		amount = decimal.Zero
	}

	res := OrderResult{OrderID: orderID, FilledQuantity: qty, FilledAmount: amount}

	switch status {
	case "Filled":
		res.Status = StatusFilled
	case "PartiallyFilled":
		res.Status = StatusPartiallyFilled
	case "Cancelled", "Deactivated":
		res.Status = StatusCanceled
	case "Rejected":
		res.Status = StatusRejected
	default:
		res.Status = StatusNew
	}

	return res, nil
}

// mapBybitError folds Bybit return codes into the gateway taxonomy. The
// client surfaces codes inside the error message, so matching is textual.
func mapBybitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate"):
		return errors.Wrap(ErrDuplicateOrder, err.Error())
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "10006"):
		return errors.Wrap(ErrRateLimited, err.Error())
	case strings.Contains(msg, "insufficient") || strings.Contains(msg, "170131"):
		return errors.Wrap(ErrRejected, err.Error())
	}
	return errors.Wrap(ErrUnavailable, err.Error())
}
