// Package paper implements domain.OrderExecutor with simulated market orders
// for dry-run operation. Orders fill instantly and completely at the last
// observed ticker price, and the synthetic fills are delivered asynchronously
// through a registered handler, mimicking an exchange's confirmation feed.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradebot/internal/domain"
)

// FillHandler receives the synthetic trade produced by a simulated order.
type FillHandler func(ctx context.Context, trade domain.Trade)

// Executor simulates an exchange's market order endpoint. It quotes from the
// ticker stream it observes and charges a flat percentage fee on notional,
// denominated in the pair's quote currency.
type Executor struct {
	mu     sync.Mutex
	prices map[domain.CurrencyPair]decimal.Decimal
	onFill FillHandler

	feePct decimal.Decimal
	logger *slog.Logger
}

// NewExecutor creates a paper executor charging feePct percent of notional
// per order.
func NewExecutor(feePct decimal.Decimal, logger *slog.Logger) *Executor {
	return &Executor{
		prices: make(map[domain.CurrencyPair]decimal.Decimal),
		feePct: feePct,
		logger: logger.With(slog.String("component", "paper_executor")),
	}
}

// OnFill registers the handler that receives synthetic fills. Must be called
// before any order is placed.
func (e *Executor) OnFill(h FillHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = h
}

// ObserveTicker records the latest price for a pair; subsequent market orders
// on that pair fill at this price.
func (e *Executor) ObserveTicker(t domain.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[t.Pair] = t.Price
}

// PlaceBuyMarketOrder simulates a market buy of amount base currency.
func (e *Executor) PlaceBuyMarketOrder(ctx context.Context, pair domain.CurrencyPair, amount decimal.Decimal) (domain.OrderResult, error) {
	return e.place(ctx, pair, amount, domain.TradeTypeBuy)
}

// PlaceSellMarketOrder simulates a market sell of amount base currency.
func (e *Executor) PlaceSellMarketOrder(ctx context.Context, pair domain.CurrencyPair, amount decimal.Decimal) (domain.OrderResult, error) {
	return e.place(ctx, pair, amount, domain.TradeTypeSell)
}

func (e *Executor) place(ctx context.Context, pair domain.CurrencyPair, amount decimal.Decimal, typ domain.TradeType) (domain.OrderResult, error) {
	e.mu.Lock()
	price, ok := e.prices[pair]
	handler := e.onFill
	e.mu.Unlock()

	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: %s %s of %s: %w", typ, amount, pair, domain.ErrNoPriceAvailable)
	}

	orderID := uuid.New().String()
	fee := amount.Mul(price).Mul(e.feePct).Div(decimal.NewFromInt(100))
	trade := domain.Trade{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Pair:      pair,
		Type:      typ,
		Amount:    amount,
		Price:     price,
		Fee:       domain.NewCurrencyAmount(fee, pair.Quote),
		Timestamp: time.Now().UTC(),
	}

	e.logger.InfoContext(ctx, "simulated order filled",
		slog.String("order_id", orderID),
		slog.String("pair", pair.String()),
		slog.String("type", string(typ)),
		slog.String("amount", amount.String()),
		slog.String("price", price.String()),
	)

	// The caller indexes the position only after this call returns, so the
	// fill must arrive like a real confirmation does: later, on another
	// goroutine, detached from the caller's deadline.
	if handler != nil {
		go handler(context.WithoutCancel(ctx), trade)
	}

	return domain.OrderResult{OrderID: orderID}, nil
}

var _ domain.OrderExecutor = (*Executor)(nil)
