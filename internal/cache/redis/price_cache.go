package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tradebot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each pair's
// latest price is stored at key "price:{BASE/QUOTE}" with fields "price"
// (decimal string) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c}
}

func priceKey(pair domain.CurrencyPair) string {
	return "price:" + pair.String()
}

// SetPrice stores the latest observed price and timestamp for a pair.
func (pc *PriceCache) SetPrice(ctx context.Context, pair domain.CurrencyPair, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.rdb.HSet(ctx, priceKey(pair), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", pair, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a pair. It returns
// domain.ErrNotFound when no price has been cached.
func (pc *PriceCache) GetPrice(ctx context.Context, pair domain.CurrencyPair) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.rdb.HGetAll(ctx, priceKey(pair)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", pair, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	price, err := decimal.NewFromString(strings.TrimSpace(vals["price"]))
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", pair, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", pair, err)
	}
	return price, time.Unix(0, tsNano), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
