package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a fiat or crypto asset code, normalized to upper case so that
// equality and map keys behave regardless of the feed's casing.
type Currency string

// NewCurrency normalizes a raw asset code into a Currency.
func NewCurrency(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

func (c Currency) String() string {
	return string(c)
}

// CurrencyPair identifies a market as base/quote, e.g. BTC/USD. Equality is by
// both fields.
type CurrencyPair struct {
	Base  Currency
	Quote Currency
}

// NewCurrencyPair builds a pair from raw asset codes.
func NewCurrencyPair(base, quote string) CurrencyPair {
	return CurrencyPair{Base: NewCurrency(base), Quote: NewCurrency(quote)}
}

func (p CurrencyPair) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// CurrencyAmount is a decimal value tagged with the currency it is denominated
// in. Mixing currencies in arithmetic is a programming error and fails loudly
// rather than silently coercing.
type CurrencyAmount struct {
	Value    decimal.Decimal
	Currency Currency
}

// NewCurrencyAmount builds an amount of the given currency.
func NewCurrencyAmount(value decimal.Decimal, currency Currency) CurrencyAmount {
	return CurrencyAmount{Value: value, Currency: currency}
}

// Add returns a + other. It fails with ErrCurrencyMismatch when the operands
// are denominated in different currencies.
func (a CurrencyAmount) Add(other CurrencyAmount) (CurrencyAmount, error) {
	if a.Currency != other.Currency {
		return CurrencyAmount{}, fmt.Errorf("add %s to %s: %w", other.Currency, a.Currency, ErrCurrencyMismatch)
	}
	return CurrencyAmount{Value: a.Value.Add(other.Value), Currency: a.Currency}, nil
}

// Sub returns a - other. It fails with ErrCurrencyMismatch when the operands
// are denominated in different currencies.
func (a CurrencyAmount) Sub(other CurrencyAmount) (CurrencyAmount, error) {
	if a.Currency != other.Currency {
		return CurrencyAmount{}, fmt.Errorf("subtract %s from %s: %w", other.Currency, a.Currency, ErrCurrencyMismatch)
	}
	return CurrencyAmount{Value: a.Value.Sub(other.Value), Currency: a.Currency}, nil
}

// MulScalar returns a scaled by the currency-less factor k.
func (a CurrencyAmount) MulScalar(k decimal.Decimal) CurrencyAmount {
	return CurrencyAmount{Value: a.Value.Mul(k), Currency: a.Currency}
}

func (a CurrencyAmount) String() string {
	return fmt.Sprintf("%s %s", a.Value.String(), a.Currency)
}
