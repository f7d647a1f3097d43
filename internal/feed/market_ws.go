// Package feed consumes the exchange's market-data WebSocket and dispatches
// ticker and trade-execution events to registered handlers. It is the
// producer for both asynchronous streams the position service reacts to.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradebot/internal/domain"
)

const (
	handshakeTimeout = 15 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	reconnectDelay   = 2 * time.Second
)

// TickerHandler is called for each price observation.
type TickerHandler func(ctx context.Context, t domain.Ticker)

// TradeHandler is called for each executed fill. Delivery is at-least-once;
// consumers must tolerate duplicates.
type TradeHandler func(ctx context.Context, t domain.Trade)

// MarketWSFeed connects to the exchange market-data WebSocket, subscribes to
// ticker and trade channels for the given pairs, and invokes the registered
// handlers on each message. It reconnects with a fixed delay on disconnect.
type MarketWSFeed struct {
	wsURL    string
	pairs    []domain.CurrencyPair
	onTicker TickerHandler
	onTrade  TradeHandler
	logger   *slog.Logger
}

// NewMarketWSFeed creates a feed subscribing to the given pairs. Either
// handler may be nil.
func NewMarketWSFeed(wsURL string, pairs []domain.CurrencyPair, onTicker TickerHandler, onTrade TradeHandler, logger *slog.Logger) *MarketWSFeed {
	return &MarketWSFeed{
		wsURL:    wsURL,
		pairs:    pairs,
		onTicker: onTicker,
		onTrade:  onTrade,
		logger:   logger.With(slog.String("component", "market_ws_feed")),
	}
}

// Run connects and dispatches until ctx is cancelled, reconnecting on error.
func (f *MarketWSFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs to subscribe, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *MarketWSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Close the connection when ctx ends so ReadMessage unblocks; ping to
	// keep the read deadline moving.
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w (%v)", domain.ErrWSDisconnect, err)
		}
		f.dispatch(ctx, data)
	}
}

func (f *MarketWSFeed) subscribe(conn *websocket.Conn) error {
	pairs := make([]string, len(f.pairs))
	for i, p := range f.pairs {
		pairs[i] = p.String()
	}
	cmd := map[string]any{
		"op":       "subscribe",
		"channels": []string{"ticker", "trade"},
		"pairs":    pairs,
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// wsMessage is the wire shape of feed messages. Decimal fields travel as
// strings; ts is Unix milliseconds.
type wsMessage struct {
	Channel     string `json:"channel"`
	Pair        string `json:"pair"`
	Price       string `json:"price"`
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"fee_currency"`
	TS          int64  `json:"ts"`
}

func (f *MarketWSFeed) dispatch(ctx context.Context, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("dropping malformed feed message", slog.String("error", err.Error()))
		return
	}

	switch msg.Channel {
	case "ticker":
		t, err := parseTicker(msg)
		if err != nil {
			f.logger.Warn("dropping bad ticker", slog.String("error", err.Error()))
			return
		}
		if f.onTicker != nil {
			f.onTicker(ctx, t)
		}
	case "trade":
		t, err := parseTrade(msg)
		if err != nil {
			f.logger.Warn("dropping bad trade", slog.String("error", err.Error()))
			return
		}
		if f.onTrade != nil {
			f.onTrade(ctx, t)
		}
	}
}

func parseTicker(msg wsMessage) (domain.Ticker, error) {
	pair, err := parsePair(msg.Pair)
	if err != nil {
		return domain.Ticker{}, err
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("feed: ticker price %q: %w", msg.Price, err)
	}
	return domain.Ticker{
		Pair:      pair,
		Price:     price,
		Timestamp: time.UnixMilli(msg.TS).UTC(),
	}, nil
}

func parseTrade(msg wsMessage) (domain.Trade, error) {
	pair, err := parsePair(msg.Pair)
	if err != nil {
		return domain.Trade{}, err
	}
	amount, err := decimal.NewFromString(msg.Amount)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("feed: trade amount %q: %w", msg.Amount, err)
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("feed: trade price %q: %w", msg.Price, err)
	}
	fee := decimal.Zero
	if msg.Fee != "" {
		if fee, err = decimal.NewFromString(msg.Fee); err != nil {
			return domain.Trade{}, fmt.Errorf("feed: trade fee %q: %w", msg.Fee, err)
		}
	}
	feeCurrency := domain.NewCurrency(msg.FeeCurrency)
	if feeCurrency == "" {
		feeCurrency = pair.Quote
	}
	return domain.Trade{
		ID:        msg.ID,
		OrderID:   msg.OrderID,
		Pair:      pair,
		Type:      domain.TradeType(msg.Type),
		Amount:    amount,
		Price:     price,
		Fee:       domain.NewCurrencyAmount(fee, feeCurrency),
		Timestamp: time.UnixMilli(msg.TS).UTC(),
	}, nil
}

func parsePair(s string) (domain.CurrencyPair, error) {
	base, quote, ok := splitPair(s)
	if !ok {
		return domain.CurrencyPair{}, fmt.Errorf("feed: malformed pair %q", s)
	}
	return domain.NewCurrencyPair(base, quote), nil
}

func splitPair(s string) (base, quote string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], i > 0 && i < len(s)-1
		}
	}
	return "", "", false
}
