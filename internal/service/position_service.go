package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tradebot/internal/domain"
)

// PositionCreationResult reports the outcome of a position creation request.
type PositionCreationResult struct {
	PositionID int64
	OrderID    string
}

// maxPendingFills bounds the buffer of fills whose order id no indexed
// position owns yet.
const maxPendingFills = 256

// PositionService tracks the lifecycle of trading positions. It owns the
// in-memory position index (the single source of truth for in-process
// queries), reacts to ticker and trade events, computes realized gains, and
// mirrors positions to durable storage on explicit backup calls.
//
// Creation, ticker delivery, and trade delivery run concurrently: the index
// lock covers lookup and insert only, each position serializes its own
// mutation, and the two external round trips (order placement, persistence)
// are never made under a lock.
type PositionService struct {
	mu        sync.RWMutex
	positions map[int64]*domain.Position
	order     []int64 // insertion order of position ids

	store    domain.PositionStore
	executor domain.OrderExecutor
	bus      domain.SignalBus
	logger   *slog.Logger

	// Fills confirmed before their order id had an indexed owner, keyed by
	// order id and replayed once the id is attached to a position.
	pending      map[string][]domain.Trade
	pendingCount int
}

// NewPositionService creates a PositionService. The signal bus is optional;
// pass nil to disable event publishing.
func NewPositionService(
	store domain.PositionStore,
	executor domain.OrderExecutor,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: make(map[int64]*domain.Position),
		pending:   make(map[string][]domain.Trade),
		store:     store,
		executor:  executor,
		bus:       bus,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// CreatePosition places a market buy for amount of pair and, on success,
// persists and indexes a new position in OPENING status with the given rules
// attached. On order failure nothing is created and the index is untouched.
// If persistence fails after the order succeeded, the error is surfaced as-is:
// the order cannot be un-placed, so the divergence between live and durable
// state is reported rather than rolled back.
func (s *PositionService) CreatePosition(
	ctx context.Context,
	pair domain.CurrencyPair,
	amount decimal.Decimal,
	rules domain.PositionRules,
) (PositionCreationResult, error) {
	s.logger.DebugContext(ctx, "creating position",
		slog.String("pair", pair.String()),
		slog.String("amount", amount.String()),
	)

	order, err := s.executor.PlaceBuyMarketOrder(ctx, pair, amount)
	if err != nil {
		s.logger.ErrorContext(ctx, "position creation failed: buy order rejected",
			slog.String("pair", pair.String()),
			slog.String("error", err.Error()),
		)
		return PositionCreationResult{}, fmt.Errorf("position_service: place buy order for %s: %w", pair, err)
	}

	rec, err := s.store.Save(ctx, domain.PositionRecord{
		Pair:        pair,
		Amount:      amount,
		Status:      domain.PositionStatusOpening,
		StopGainPct: rules.StopGainPct,
		StopLossPct: rules.StopLossPct,
		OpenOrderID: order.OrderID,
	})
	if err != nil {
		// The buy order is live but the durable record is missing. No
		// compensating transaction exists for a placed market order.
		s.logger.ErrorContext(ctx, "order placed but position not persisted, states diverged",
			slog.String("pair", pair.String()),
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
		return PositionCreationResult{}, fmt.Errorf("position_service: persist position for order %s: %w", order.OrderID, err)
	}

	pos := domain.NewPosition(rec.ID, pair, amount, order.OrderID, rules)

	s.mu.Lock()
	s.positions[pos.ID()] = pos
	s.order = append(s.order, pos.ID())
	s.mu.Unlock()

	// The confirmation feed may have outrun placement; any fill held back for
	// this order now has an owner.
	s.replayPending(ctx, order.OrderID)

	s.publish(ctx, "positions", map[string]any{
		"event":       "position_opened",
		"position_id": pos.ID(),
		"pair":        pair.String(),
		"amount":      amount.String(),
		"order_id":    order.OrderID,
	})

	s.logger.InfoContext(ctx, "position opened",
		slog.Int64("position_id", pos.ID()),
		slog.String("pair", pair.String()),
		slog.String("order_id", order.OrderID),
	)

	return PositionCreationResult{PositionID: pos.ID(), OrderID: order.OrderID}, nil
}

// TickerUpdate delivers a market price observation to every indexed position.
// Each OPENED position on the matching pair updates its watermarks and
// evaluates its stop rules. A close that should happen is claimed inside
// RecordTicker, so concurrent tickers place at most one market sell per
// position; the sell goes out outside any lock. Placement failure releases
// the claim and the position stays OPENED, so the next matching ticker
// re-evaluates and re-attempts; one position's failure never blocks the rest
// of the batch.
func (s *PositionService) TickerUpdate(ctx context.Context, ticker domain.Ticker) {
	for _, pos := range s.Positions() {
		if !pos.RecordTicker(ticker) {
			continue
		}

		order, err := s.executor.PlaceSellMarketOrder(ctx, ticker.Pair, pos.Amount())
		if err != nil {
			s.logger.WarnContext(ctx, "close order rejected, position left open for retry",
				slog.Int64("position_id", pos.ID()),
				slog.String("pair", ticker.Pair.String()),
				slog.String("error", err.Error()),
			)
			pos.AbortClose()
			continue
		}

		if err := pos.SetCloseOrderID(order.OrderID); err != nil {
			s.logger.ErrorContext(ctx, "close order id not attached",
				slog.Int64("position_id", pos.ID()),
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.publish(ctx, "positions", map[string]any{
			"event":       "position_close_requested",
			"position_id": pos.ID(),
			"pair":        ticker.Pair.String(),
			"order_id":    order.OrderID,
			"price":       ticker.Price.String(),
		})

		s.logger.InfoContext(ctx, "position closing",
			slog.Int64("position_id", pos.ID()),
			slog.String("order_id", order.OrderID),
			slog.String("trigger_price", ticker.Price.String()),
		)

		// Fills for this close may already have been confirmed and held back.
		s.replayPending(ctx, order.OrderID)
	}
}

// TradeUpdate delivers an executed fill to every indexed position. The trade's
// order id determines whether any position reacts; positions ignore fills for
// orders they do not own, and duplicate deliveries of the same trade id are
// dropped by the ledger. A fill whose order id no position owns yet is
// retained and replayed once the id is attached, so a confirmation that beats
// the order id onto the position is not lost.
func (s *PositionService) TradeUpdate(ctx context.Context, trade domain.Trade) {
	positions := s.Positions()

	recorded := false
	for _, pos := range positions {
		applied, status := pos.RecordTrade(trade)
		if !applied {
			continue
		}
		recorded = true

		s.logger.DebugContext(ctx, "trade recorded",
			slog.Int64("position_id", pos.ID()),
			slog.String("trade_id", trade.ID),
			slog.String("status", string(status)),
		)

		if status == domain.PositionStatusClosed {
			s.publish(ctx, "positions", map[string]any{
				"event":       "position_closed",
				"position_id": pos.ID(),
				"pair":        pos.Pair().String(),
			})
			s.logger.InfoContext(ctx, "position closed",
				slog.Int64("position_id", pos.ID()),
				slog.String("pair", pos.Pair().String()),
			)
		}
	}
	if recorded || trade.OrderID == "" {
		return
	}

	// An owned order id that still did not apply means the ledger dropped the
	// fill as a duplicate; only fills for ids nobody owns get held back.
	for _, pos := range positions {
		if pos.OpenOrderID() == trade.OrderID || pos.CloseOrderID() == trade.OrderID {
			return
		}
	}
	s.stashUnmatched(ctx, trade)
}

// stashUnmatched retains a fill whose order id has no indexed owner yet. The
// buffer is bounded; overflow drops the newest fill with a warning.
func (s *PositionService) stashUnmatched(ctx context.Context, trade domain.Trade) {
	s.mu.Lock()
	if s.pendingCount >= maxPendingFills {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "unmatched fill dropped, buffer full",
			slog.String("trade_id", trade.ID),
			slog.String("order_id", trade.OrderID),
		)
		return
	}
	s.pending[trade.OrderID] = append(s.pending[trade.OrderID], trade)
	s.pendingCount++
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "fill retained for unowned order",
		slog.String("trade_id", trade.ID),
		slog.String("order_id", trade.OrderID),
	)
}

// replayPending re-delivers fills that arrived before orderID had an owner.
func (s *PositionService) replayPending(ctx context.Context, orderID string) {
	s.mu.Lock()
	trades := s.pending[orderID]
	if len(trades) > 0 {
		delete(s.pending, orderID)
		s.pendingCount -= len(trades)
	}
	s.mu.Unlock()

	for _, trade := range trades {
		s.TradeUpdate(ctx, trade)
	}
}

// Gains computes realized gains per settlement (quote) currency over CLOSED
// positions only. For each currency: bought and sold are the summed opening
// and closing notionals, fees the summed fee values across all fills; the
// gain amount is sold - bought and the percentage is rounded half-up to two
// decimal places. A currency whose bought notional is zero yields a nil
// percentage rather than a divide fault.
func (s *PositionService) Gains() map[domain.Currency]domain.Gain {
	totalBought := make(map[domain.Currency]decimal.Decimal)
	totalSold := make(map[domain.Currency]decimal.Decimal)
	totalFees := make(map[domain.Currency]decimal.Decimal)

	for _, pos := range s.Positions() {
		if pos.Status() != domain.PositionStatusClosed {
			continue
		}
		currency := pos.Pair().Quote
		totalBought[currency] = totalBought[currency].Add(domain.Notional(pos.OpeningTrades()))
		totalSold[currency] = totalSold[currency].Add(domain.Notional(pos.ClosingTrades()))
		totalFees[currency] = totalFees[currency].Add(domain.SumFees(pos.Trades()))
	}

	gains := make(map[domain.Currency]domain.Gain, len(totalBought))
	for currency, bought := range totalBought {
		sold := totalSold[currency]
		amount := sold.Sub(bought)

		g := domain.Gain{
			Amount: domain.NewCurrencyAmount(amount, currency),
			Fees:   domain.NewCurrencyAmount(totalFees[currency], currency),
		}
		if !bought.IsZero() {
			pct := amount.Div(bought).Mul(decimal.NewFromInt(100)).Round(2)
			g.Percentage = &pct
		}
		gains[currency] = g
	}
	return gains
}

// RestorePosition inserts or overwrites the index entry for the position's id.
// It is used to rehydrate the index from durable storage at startup and never
// calls the execution adapter.
func (s *PositionService) RestorePosition(pos *domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[pos.ID()]; !exists {
		s.order = append(s.order, pos.ID())
	}
	s.positions[pos.ID()] = pos
}

// BackupPosition mirrors the in-memory position into its durable record. The
// record must already exist: a missing record means the live and durable sets
// have diverged, which is reported as an error without writing. On success the
// record's status, rules, order ids, fills, and watermarks exactly match the
// in-memory position.
func (s *PositionService) BackupPosition(ctx context.Context, pos *domain.Position) error {
	rec, err := s.store.FindByID(ctx, pos.ID())
	if err != nil {
		s.logger.ErrorContext(ctx, "backup skipped: no durable record for position",
			slog.Int64("position_id", pos.ID()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("position_service: backup position %d: %w", pos.ID(), err)
	}

	snap := pos.Snapshot()
	rec.Status = snap.Status
	rec.StopGainPct = snap.StopGainPct
	rec.StopLossPct = snap.StopLossPct
	rec.OpenOrderID = snap.OpenOrderID
	rec.CloseOrderID = snap.CloseOrderID
	rec.Trades = snap.Trades
	rec.LowestPrice = snap.LowestPrice
	rec.HighestPrice = snap.HighestPrice

	if _, err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("position_service: save backup of position %d: %w", pos.ID(), err)
	}
	return nil
}

// BackupAll mirrors every indexed position to durable storage. Failures are
// logged per position and do not stop the sweep; the first error is returned.
func (s *PositionService) BackupAll(ctx context.Context) error {
	var firstErr error
	for _, pos := range s.Positions() {
		if err := s.BackupPosition(ctx, pos); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Positions returns a snapshot of the indexed positions in insertion order.
func (s *PositionService) Positions() []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.positions[id])
	}
	return out
}

// PositionByID returns the indexed position with the given id.
func (s *PositionService) PositionByID(id int64) (*domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	return pos, ok
}

// ClosedPositions returns the indexed positions in CLOSED status, for
// archival and audit.
func (s *PositionService) ClosedPositions() []*domain.Position {
	var out []*domain.Position
	for _, pos := range s.Positions() {
		if pos.Status() == domain.PositionStatusClosed {
			out = append(out, pos)
		}
	}
	return out
}

// publish sends an event to the signal bus when one is configured. Publish
// failures are logged, never propagated; events are best-effort.
func (s *PositionService) publish(ctx context.Context, channel string, event map[string]any) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(event)
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
