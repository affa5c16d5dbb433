package gateway

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BinanceGateway places spot market orders on Binance. Buys spend a quote
// amount via QuoteOrderQty, sells submit a base quantity. The idempotency
// key travels as the client order ID.
type BinanceGateway struct {
	client *binance.Client
}

func NewBinanceGateway(client *binance.Client) *BinanceGateway {
	return &BinanceGateway{client: client}
}

func (g *BinanceGateway) SubmitOrder(ctx context.Context, market string, side Side, value decimal.Decimal, idempotencyKey string) (OrderResult, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(market).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(idempotencyKey)

	if side == SideBuy {
		svc = svc.Side(binance.SideTypeBuy).QuoteOrderQty(value.String())
	} else {
		svc = svc.Side(binance.SideTypeSell).Quantity(value.RoundFloor(8).String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, mapBinanceError(err)
	}

	return binanceResult(resp.OrderID, string(resp.Status), resp.ExecutedQuantity, resp.CummulativeQuoteQuantity)
}

func (g *BinanceGateway) GetOrder(ctx context.Context, market string, idempotencyKey string) (OrderResult, error) {
	order, err := g.client.NewGetOrderService().
		Symbol(market).
		OrigClientOrderID(idempotencyKey).
		Do(ctx)
	if err != nil {
		return OrderResult{}, mapBinanceError(err)
	}

	return binanceResult(order.OrderID, string(order.Status), order.ExecutedQuantity, order.CummulativeQuoteQuantity)
}

func binanceResult(orderID int64, status, executedQty, quoteQty string) (OrderResult, error) {
	qty, err := decimal.NewFromString(executedQty)
	if err != nil {
		return OrderResult{}, errors.Wrapf(err, "bad executed quantity %q", executedQty)
	}
	amount, err := decimal.NewFromString(quoteQty)
	if err != nil {
		return OrderResult{}, errors.Wrapf(err, "bad quote quantity %q", quoteQty)
	}

	res := OrderResult{
		OrderID:        decimal.NewFromInt(orderID).String(),
		FilledQuantity: qty,
		FilledAmount:   amount,
	}

	switch binance.OrderStatusType(status) {
	case binance.OrderStatusTypeFilled:
		res.Status = StatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		res.Status = StatusPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		res.Status = StatusCanceled
	case binance.OrderStatusTypeRejected:
		res.Status = StatusRejected
	default:
		res.Status = StatusNew
	}

	return res, nil
}

// mapBinanceError folds Binance API errors into the gateway taxonomy.
func mapBinanceError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return errors.Wrap(ErrUnavailable, err.Error())
	}

	switch apiErr.Code {
	case -1003, -1015:
		return errors.Wrap(ErrRateLimited, apiErr.Message)
	case -2013:
		return errors.Wrap(ErrOrderNotFound, apiErr.Message)
	case -2010:
		if strings.Contains(strings.ToLower(apiErr.Message), "duplicate") {
			return errors.Wrap(ErrDuplicateOrder, apiErr.Message)
		}
		return errors.Wrap(ErrRejected, apiErr.Message)
	case -2026:
		return errors.Wrap(ErrDuplicateOrder, apiErr.Message)
	}

	return errors.Wrap(ErrUnavailable, apiErr.Message)
}
