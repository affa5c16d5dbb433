// Package gateway places orders on an exchange and reports fill status.
// Submissions carry a deterministic idempotency key used as the exchange
// client order ID, so a retried submission after a lost response resolves to
// the already-created order instead of a duplicate.
package gateway

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the normalized exchange order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// OrderResult reports the state of a submitted order. For buys the value
// spent is quote currency and FilledQuantity is the base amount bought; for
// sells FilledAmount is the quote proceeds.
type OrderResult struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	FilledAmount   decimal.Decimal
}

// Filled reports whether the order is fully executed.
func (r OrderResult) Filled() bool {
	return r.Status == StatusFilled
}

// Closed reports whether the order can no longer fill.
func (r OrderResult) Closed() bool {
	return r.Status == StatusCanceled || r.Status == StatusRejected
}

// Gateway is the order-placement interface of an exchange. value is the
// quote amount to spend for buys and the base quantity to sell for sells.
type Gateway interface {
	SubmitOrder(ctx context.Context, market string, side Side, value decimal.Decimal, idempotencyKey string) (OrderResult, error)
	GetOrder(ctx context.Context, market string, idempotencyKey string) (OrderResult, error)
}

var (
	// ErrUnavailable marks network or exchange outages; retryable.
	ErrUnavailable = errors.New("order gateway unavailable")
	// ErrRateLimited marks exchange rate limiting; retryable with backoff.
	ErrRateLimited = errors.New("order gateway rate limited")
	// ErrRejected marks orders the exchange refused; not retryable.
	ErrRejected = errors.New("order rejected")
	// ErrDuplicateOrder marks a submission whose idempotency key already
	// exists; callers resolve it with GetOrder, it is not a failure.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound marks a status query for an unknown order.
	ErrOrderNotFound = errors.New("order not found")
)
