package domain

import "github.com/shopspring/decimal"

// TradeLedger is the append-only per-position record of executed fills, split
// into the opening and closing sets by order id. The feed delivers trades
// at-least-once, so the ledger drops trade ids it has already seen.
type TradeLedger struct {
	opening []Trade
	closing []Trade
	seen    map[string]struct{}
}

// NewTradeLedger creates an empty ledger.
func NewTradeLedger() *TradeLedger {
	return &TradeLedger{seen: make(map[string]struct{})}
}

// Add appends the trade to the opening set when its order id matches
// openOrderID, to the closing set when it matches closeOrderID. Trades
// matching neither order are ignored without error: a fill may belong to a
// position not yet indexed, or to an unrelated order entirely. Duplicate trade
// ids are ignored as well. It reports whether the trade was appended.
func (l *TradeLedger) Add(t Trade, openOrderID, closeOrderID string) bool {
	if t.OrderID == "" || (t.OrderID != openOrderID && t.OrderID != closeOrderID) {
		return false
	}
	if _, dup := l.seen[t.ID]; dup {
		return false
	}
	l.seen[t.ID] = struct{}{}
	if t.OrderID == openOrderID {
		l.opening = append(l.opening, t)
	} else {
		l.closing = append(l.closing, t)
	}
	return true
}

// OpeningTrades returns a copy of the opening set in append order.
func (l *TradeLedger) OpeningTrades() []Trade {
	out := make([]Trade, len(l.opening))
	copy(out, l.opening)
	return out
}

// ClosingTrades returns a copy of the closing set in append order.
func (l *TradeLedger) ClosingTrades() []Trade {
	out := make([]Trade, len(l.closing))
	copy(out, l.closing)
	return out
}

// AllTrades returns a copy of both sets, opening trades first.
func (l *TradeLedger) AllTrades() []Trade {
	out := make([]Trade, 0, len(l.opening)+len(l.closing))
	out = append(out, l.opening...)
	out = append(out, l.closing...)
	return out
}

// OpeningAmount is the summed base-currency amount of the opening set.
func (l *TradeLedger) OpeningAmount() decimal.Decimal {
	return SumAmounts(l.opening)
}

// ClosingAmount is the summed base-currency amount of the closing set.
func (l *TradeLedger) ClosingAmount() decimal.Decimal {
	return SumAmounts(l.closing)
}

// Notional returns Σ amount×price over the trade set. Each term is computed at
// full decimal precision before summation; nothing is rounded here because
// this is the exact figure gain computation is defined on.
func Notional(trades []Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Amount.Mul(t.Price))
	}
	return total
}

// SumAmounts returns Σ amount over the trade set.
func SumAmounts(trades []Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Amount)
	}
	return total
}

// SumFees returns Σ fee value over the trade set.
func SumFees(trades []Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Fee.Value)
	}
	return total
}
