package domain

import "github.com/shopspring/decimal"

// Gain is the realized result for one settlement currency across closed
// positions. Percentage is (sold - bought) / bought × 100 rounded half-up to
// two decimal places; it is nil when nothing was bought in that currency,
// because a percentage has no meaning without a cost basis.
type Gain struct {
	Percentage *decimal.Decimal
	Amount     CurrencyAmount
	Fees       CurrencyAmount
}
