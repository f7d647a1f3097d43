package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderResult is the exchange's answer to a successfully placed market order.
type OrderResult struct {
	OrderID string
}

// OrderExecutor places market orders against an exchange. Implementations own
// their own timeout and retry policy and report the outcome synchronously:
// a nil error with an order id, or an error carrying the failure cause.
type OrderExecutor interface {
	PlaceBuyMarketOrder(ctx context.Context, pair CurrencyPair, amount decimal.Decimal) (OrderResult, error)
	PlaceSellMarketOrder(ctx context.Context, pair CurrencyPair, amount decimal.Decimal) (OrderResult, error)
}
