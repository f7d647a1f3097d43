package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType indicates which side of the book a fill executed on.
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
)

// Trade is a confirmed, possibly partial execution of a previously placed
// order. Trades are created by the execution-confirmation feed and are
// immutable once created; the order id determines which position's ledger a
// trade belongs to.
type Trade struct {
	ID         string
	OrderID    string
	PositionID int64 // zero until linked to a position
	Pair       CurrencyPair
	Type       TradeType
	Amount     decimal.Decimal // base-currency amount of this fill
	Price      decimal.Decimal
	Fee        CurrencyAmount
	Timestamp  time.Time
}
