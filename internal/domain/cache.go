package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest observed price per pair.
type PriceCache interface {
	SetPrice(ctx context.Context, pair CurrencyPair, price decimal.Decimal, ts time.Time) error
	// GetPrice returns the latest price and its observation time, or
	// ErrNotFound when no price has been cached for the pair.
	GetPrice(ctx context.Context, pair CurrencyPair) (decimal.Decimal, time.Time, error)
}

// SignalBus provides pub/sub delivery of position lifecycle events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw payloads; the subscription closes
	// when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
