package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a market price observation for a currency pair at a point in time.
type Ticker struct {
	Pair      CurrencyPair
	Price     decimal.Decimal
	Timestamp time.Time
}
