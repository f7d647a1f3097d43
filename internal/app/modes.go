package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/quantfold/tradebot/internal/blob/s3"
	"github.com/quantfold/tradebot/internal/domain"
	"github.com/quantfold/tradebot/internal/exchange/paper"
	"github.com/quantfold/tradebot/internal/feed"
	"github.com/quantfold/tradebot/internal/service"
)

// tradingParams is the trading section of the config parsed into domain types.
type tradingParams struct {
	pairs  []domain.CurrencyPair
	amount decimal.Decimal
	rules  domain.PositionRules
	feePct decimal.Decimal
}

func (a *App) parseTradingParams() (tradingParams, error) {
	var p tradingParams

	for _, raw := range a.cfg.Trading.Pairs {
		base, quote, ok := strings.Cut(raw, "/")
		if !ok {
			return p, fmt.Errorf("parse pair %q: want BASE/QUOTE", raw)
		}
		p.pairs = append(p.pairs, domain.NewCurrencyPair(base, quote))
	}

	amount, err := decimal.NewFromString(a.cfg.Trading.Amount)
	if err != nil {
		return p, fmt.Errorf("parse trading.amount %q: %w", a.cfg.Trading.Amount, err)
	}
	p.amount = amount

	if s := a.cfg.Trading.StopGainPct; s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("parse trading.stop_gain_pct %q: %w", s, err)
		}
		p.rules.StopGainPct = &v
	}
	if s := a.cfg.Trading.StopLossPct; s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("parse trading.stop_loss_pct %q: %w", s, err)
		}
		p.rules.StopLossPct = &v
	}

	if s := a.cfg.Trading.FeePct; s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return p, fmt.Errorf("parse trading.fee_pct %q: %w", s, err)
		}
		p.feePct = v
	}

	return p, nil
}

// PaperMode runs the full position lifecycle against simulated order execution
// and the in-memory store. Live tickers drive both the simulated fills and the
// position rules, so strategy behaviour can be observed without capital at
// risk.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runTrading(ctx, deps, false)
}

// TradeMode runs the same pipeline against the durable store, rehydrating
// previously persisted positions into the index at startup. Order execution
// still goes through the paper executor until a live exchange adapter is
// configured in its place.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runTrading(ctx, deps, true)
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies, rehydrate bool) error {
	params, err := a.parseTradingParams()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	executor := paper.NewExecutor(params.feePct, a.logger)
	positionSvc := service.NewPositionService(deps.PositionStore, executor, deps.SignalBus, a.logger)
	executor.OnFill(positionSvc.TradeUpdate)

	if rehydrate {
		records, err := deps.PositionStore.List(ctx)
		if err != nil {
			return fmt.Errorf("app: rehydrate positions: %w", err)
		}
		for _, rec := range records {
			positionSvc.RestorePosition(domain.PositionFromRecord(rec))
		}
		a.logger.InfoContext(ctx, "position index rehydrated",
			slog.Int("positions", len(records)),
		)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Market feed: tickers update the price cache, the simulated fill price,
	// and the position rules; trades from the feed are broadcast to positions.
	// Paper mode runs without a price cache, so the mirror step is skipped.
	marketFeed := feed.NewMarketWSFeed(
		a.cfg.Exchange.WsURL,
		params.pairs,
		func(ctx context.Context, t domain.Ticker) {
			if deps.PriceCache != nil {
				if err := deps.PriceCache.SetPrice(ctx, t.Pair, t.Price, t.Timestamp); err != nil {
					a.logger.WarnContext(ctx, "price cache update failed",
						slog.String("pair", t.Pair.String()),
						slog.String("error", err.Error()),
					)
				}
			}
			executor.ObserveTicker(t)
			positionSvc.TickerUpdate(ctx, t)
		},
		func(ctx context.Context, t domain.Trade) {
			positionSvc.TradeUpdate(ctx, t)
		},
		a.logger,
	)
	g.Go(func() error {
		return marketFeed.Run(ctx)
	})

	// Opener: keep one live position per configured pair.
	g.Go(func() error {
		return a.runOpener(ctx, positionSvc, params)
	})

	// Periodic backup of the in-memory index to the store.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Trading.BackupInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := positionSvc.BackupAll(ctx); err != nil {
					a.logger.WarnContext(ctx, "position backup failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	// Periodic archive of closed positions to object storage.
	if deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(deps.BlobWriter, positionSvc)
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.Trading.ArchiveInterval.Duration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					n, err := archiver.ArchiveClosedPositions(ctx)
					if err != nil {
						a.logger.WarnContext(ctx, "position archive failed",
							slog.String("error", err.Error()),
						)
						continue
					}
					if n > 0 {
						a.logger.InfoContext(ctx, "closed positions archived",
							slog.Int64("positions", n),
						)
					}
				}
			}
		})
	}

	return g.Wait()
}

// runOpener opens a position on every configured pair that has no live one.
// Creation fails until the feed has delivered a first price; that is expected
// at startup and retried on the next tick.
func (a *App) runOpener(ctx context.Context, svc *service.PositionService, params tradingParams) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pair := range params.pairs {
				if hasLivePosition(svc, pair) {
					continue
				}
				result, err := svc.CreatePosition(ctx, pair, params.amount, params.rules)
				if err != nil {
					if errors.Is(err, domain.ErrNoPriceAvailable) {
						a.logger.DebugContext(ctx, "no price yet, position not opened",
							slog.String("pair", pair.String()),
						)
					} else {
						a.logger.WarnContext(ctx, "position creation failed",
							slog.String("pair", pair.String()),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				a.logger.InfoContext(ctx, "position opened",
					slog.Int64("position_id", result.PositionID),
					slog.String("pair", pair.String()),
					slog.String("order_id", result.OrderID),
				)
			}
		}
	}
}

func hasLivePosition(svc *service.PositionService, pair domain.CurrencyPair) bool {
	for _, pos := range svc.Positions() {
		if pos.Pair() == pair && pos.Status() != domain.PositionStatusClosed {
			return true
		}
	}
	return false
}

// MonitorMode tails the market feed into the price cache without placing any
// orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	params, err := a.parseTradingParams()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	marketFeed := feed.NewMarketWSFeed(
		a.cfg.Exchange.WsURL,
		params.pairs,
		func(ctx context.Context, t domain.Ticker) {
			if err := deps.PriceCache.SetPrice(ctx, t.Pair, t.Price, t.Timestamp); err != nil {
				a.logger.WarnContext(ctx, "price cache update failed",
					slog.String("pair", t.Pair.String()),
					slog.String("error", err.Error()),
				)
				return
			}
			a.logger.DebugContext(ctx, "ticker",
				slog.String("pair", t.Pair.String()),
				slog.String("price", t.Price.String()),
			)
		},
		nil,
		a.logger,
	)

	return marketFeed.Run(ctx)
}
