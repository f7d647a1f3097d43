package domain

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	// PositionStatusOpening means the buy order is placed but not fully filled.
	PositionStatusOpening PositionStatus = "opening"
	// PositionStatusOpened means the opening fills reached the requested amount.
	PositionStatusOpened PositionStatus = "opened"
	// PositionStatusClosing means the sell order is placed but not fully filled.
	PositionStatusClosing PositionStatus = "closing"
	// PositionStatusClosed means the closing fills reached the opening amount.
	PositionStatusClosed PositionStatus = "closed"
)

var hundred = decimal.NewFromInt(100)

// Position is the central aggregate: a buy-then-sell trading intent with rules
// for automatic closing. Ticker delivery, trade delivery, and creation run on
// independent goroutines, so every mutation and read goes through methods that
// hold the per-position mutex; a caller never observes a position with its
// ledger updated but its status not yet advanced.
type Position struct {
	mu sync.Mutex

	id     int64
	pair   CurrencyPair
	amount decimal.Decimal // requested base-currency amount
	rules  PositionRules

	status       PositionStatus
	openOrderID  string
	closeOrderID string
	ledger       *TradeLedger

	lowestPrice  decimal.Decimal
	highestPrice decimal.Decimal
	priceSeen    bool

	// closeRequested marks the OPENED→CLOSING transition as claimed, so a
	// close order is placed at most once even when tickers land concurrently.
	closeRequested bool
}

// NewPosition creates a position in OPENING status for a just-placed buy order.
func NewPosition(id int64, pair CurrencyPair, amount decimal.Decimal, openOrderID string, rules PositionRules) *Position {
	return &Position{
		id:          id,
		pair:        pair,
		amount:      amount,
		rules:       rules,
		status:      PositionStatusOpening,
		openOrderID: openOrderID,
		ledger:      NewTradeLedger(),
	}
}

// ID returns the position's identity, assigned by the repository at creation.
func (p *Position) ID() int64 { return p.id }

// Pair returns the market this position trades.
func (p *Position) Pair() CurrencyPair { return p.pair }

// Amount returns the requested base-currency amount.
func (p *Position) Amount() decimal.Decimal { return p.amount }

// Rules returns the close thresholds attached at creation.
func (p *Position) Rules() PositionRules { return p.rules }

// Status returns the current lifecycle status.
func (p *Position) Status() PositionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OpenOrderID returns the id of the market buy that opened the position.
func (p *Position) OpenOrderID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openOrderID
}

// CloseOrderID returns the id of the market sell closing the position, or ""
// when no close has been requested yet.
func (p *Position) CloseOrderID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeOrderID
}

// OpeningTrades returns a copy of the fills recorded against the open order.
func (p *Position) OpeningTrades() []Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.OpeningTrades()
}

// ClosingTrades returns a copy of the fills recorded against the close order.
func (p *Position) ClosingTrades() []Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.ClosingTrades()
}

// Trades returns a copy of all fills, opening trades first.
func (p *Position) Trades() []Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.AllTrades()
}

// Watermarks returns the running min/max ticker price observed since the
// position opened. The boolean is false until the first observation seeds
// both values.
func (p *Position) Watermarks() (lowest, highest decimal.Decimal, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowestPrice, p.highestPrice, p.priceSeen
}

// SetOpenOrderID records the open order id. It is set-once; overwriting a
// non-empty id fails with ErrOrderIDAlreadySet.
func (p *Position) SetOpenOrderID(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openOrderID != "" {
		return fmt.Errorf("position %d open order: %w", p.id, ErrOrderIDAlreadySet)
	}
	p.openOrderID = orderID
	return nil
}

// SetCloseOrderID records the close order id and moves the position to
// CLOSING. It is set-once; overwriting a non-empty id fails with
// ErrOrderIDAlreadySet.
func (p *Position) SetCloseOrderID(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeOrderID != "" {
		return fmt.Errorf("position %d close order: %w", p.id, ErrOrderIDAlreadySet)
	}
	p.closeOrderID = orderID
	p.status = PositionStatusClosing
	return nil
}

// RecordTrade applies a fill to the ledger. Fills that belong to neither of
// the position's orders, duplicates, and fills that would push a side past its
// allowed total are ignored. When accumulated opening fills reach the
// requested amount the position transitions OPENING→OPENED; when closing fills
// reach the opening total it transitions CLOSING→CLOSED. It returns whether
// the trade was applied and the status after the call.
func (p *Position) RecordTrade(t Trade) (applied bool, status PositionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Ledger totals must stay within the requested amount on the opening side
	// and within the opening total on the closing side.
	switch t.OrderID {
	case p.openOrderID:
		if p.ledger.OpeningAmount().Add(t.Amount).GreaterThan(p.amount) {
			return false, p.status
		}
	case p.closeOrderID:
		if p.closeOrderID != "" && p.ledger.ClosingAmount().Add(t.Amount).GreaterThan(p.ledger.OpeningAmount()) {
			return false, p.status
		}
	}

	if !p.ledger.Add(t, p.openOrderID, p.closeOrderID) {
		return false, p.status
	}

	switch p.status {
	case PositionStatusOpening:
		if p.ledger.OpeningAmount().GreaterThanOrEqual(p.amount) {
			p.status = PositionStatusOpened
		}
	case PositionStatusClosing:
		if p.ledger.ClosingAmount().GreaterThanOrEqual(p.ledger.OpeningAmount()) {
			p.status = PositionStatusClosed
		}
	}
	return true, p.status
}

// RecordTicker observes a market price. It is meaningful only for an OPENED
// position on the matching pair: the low/high watermarks are updated (the
// first observation seeds both) and the stop rules are evaluated against the
// average opening fill price. A true return claims the close: exactly one
// caller wins it per position and must place the sell order; AbortClose
// releases the claim if placement fails.
func (p *Position) RecordTicker(t Ticker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != PositionStatusOpened || t.Pair != p.pair {
		return false
	}

	if !p.priceSeen {
		p.lowestPrice = t.Price
		p.highestPrice = t.Price
		p.priceSeen = true
	} else {
		if t.Price.LessThan(p.lowestPrice) {
			p.lowestPrice = t.Price
		}
		if t.Price.GreaterThan(p.highestPrice) {
			p.highestPrice = t.Price
		}
	}

	if p.closeRequested {
		return false
	}
	if p.shouldCloseLocked(t.Price) {
		p.closeRequested = true
		return true
	}
	return false
}

// AbortClose releases the close claim taken by RecordTicker, so the next
// matching ticker re-evaluates the rules. Called when the close order could
// not be placed.
func (p *Position) AbortClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeRequested = false
}

// shouldCloseLocked evaluates both stop rules against the reference price.
// Either rule firing triggers a close. Callers must hold p.mu.
func (p *Position) shouldCloseLocked(price decimal.Decimal) bool {
	if !p.rules.StopGainSet() && !p.rules.StopLossSet() {
		return false
	}

	ref := p.referencePriceLocked()
	if ref.IsZero() {
		return false
	}

	if p.rules.StopGainSet() {
		gainPct := price.Sub(ref).Div(ref).Mul(hundred)
		if gainPct.GreaterThanOrEqual(*p.rules.StopGainPct) {
			return true
		}
	}
	if p.rules.StopLossSet() {
		lossPct := ref.Sub(price).Div(ref).Mul(hundred)
		if lossPct.GreaterThanOrEqual(*p.rules.StopLossPct) {
			return true
		}
	}
	return false
}

// referencePriceLocked is the average opening fill price: opening notional
// divided by opening amount. Zero when no opening fills are recorded yet.
// Callers must hold p.mu.
func (p *Position) referencePriceLocked() decimal.Decimal {
	amount := p.ledger.OpeningAmount()
	if amount.IsZero() {
		return decimal.Zero
	}
	return Notional(p.ledger.opening).Div(amount)
}
