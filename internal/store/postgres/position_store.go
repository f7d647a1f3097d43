package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Position
// rows carry the durable mutable fields; fills live in the position_trades
// table and are mirrored wholesale on every save.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, base_currency, quote_currency, amount, status,
	stop_gain_pct, stop_loss_pct, open_order_id, close_order_id,
	lowest_price, highest_price, created_at, updated_at`

// Save upserts the record, assigning a new id when the record's id is zero,
// and mirrors the record's fills into position_trades.
func (s *PositionStore) Save(ctx context.Context, rec domain.PositionRecord) (domain.PositionRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("postgres: begin save: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if rec.ID == 0 {
		const insert = `
			INSERT INTO positions (
				base_currency, quote_currency, amount, status,
				stop_gain_pct, stop_loss_pct, open_order_id, close_order_id,
				lowest_price, highest_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at, updated_at`

		err = tx.QueryRow(ctx, insert,
			rec.Pair.Base.String(), rec.Pair.Quote.String(),
			rec.Amount.String(), string(rec.Status),
			decimalPtrToString(rec.StopGainPct), decimalPtrToString(rec.StopLossPct),
			rec.OpenOrderID, rec.CloseOrderID,
			decimalPtrToString(rec.LowestPrice), decimalPtrToString(rec.HighestPrice),
		).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return domain.PositionRecord{}, fmt.Errorf("postgres: insert position: %w", err)
		}
	} else {
		const upsert = `
			INSERT INTO positions (
				id, base_currency, quote_currency, amount, status,
				stop_gain_pct, stop_loss_pct, open_order_id, close_order_id,
				lowest_price, highest_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				status         = EXCLUDED.status,
				stop_gain_pct  = EXCLUDED.stop_gain_pct,
				stop_loss_pct  = EXCLUDED.stop_loss_pct,
				open_order_id  = EXCLUDED.open_order_id,
				close_order_id = EXCLUDED.close_order_id,
				lowest_price   = EXCLUDED.lowest_price,
				highest_price  = EXCLUDED.highest_price,
				updated_at     = NOW()
			RETURNING created_at, updated_at`

		err = tx.QueryRow(ctx, upsert,
			rec.ID,
			rec.Pair.Base.String(), rec.Pair.Quote.String(),
			rec.Amount.String(), string(rec.Status),
			decimalPtrToString(rec.StopGainPct), decimalPtrToString(rec.StopLossPct),
			rec.OpenOrderID, rec.CloseOrderID,
			decimalPtrToString(rec.LowestPrice), decimalPtrToString(rec.HighestPrice),
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return domain.PositionRecord{}, fmt.Errorf("postgres: upsert position %d: %w", rec.ID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM position_trades WHERE position_id = $1`, rec.ID,
	); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("postgres: clear trades of position %d: %w", rec.ID, err)
	}
	for _, t := range rec.Trades {
		if _, err := tx.Exec(ctx,
			`INSERT INTO position_trades (
				trade_id, position_id, order_id, type,
				amount, price, fee_value, fee_currency, executed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, rec.ID, t.OrderID, string(t.Type),
			t.Amount.String(), t.Price.String(),
			t.FeeValue.String(), t.FeeCurrency.String(), t.Timestamp,
		); err != nil {
			return domain.PositionRecord{}, fmt.Errorf("postgres: insert trade %s of position %d: %w", t.ID, rec.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("postgres: commit save of position %d: %w", rec.ID, err)
	}
	return rec, nil
}

// FindByID retrieves a single record with its fills, or domain.ErrNotFound.
func (s *PositionStore) FindByID(ctx context.Context, id int64) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	rec, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotFound)
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}

	trades, err := s.listTrades(ctx, []int64{id})
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.Trades = trades[id]
	return rec, nil
}

// List returns all records with their fills in ascending id order.
func (s *PositionStore) List(ctx context.Context) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var recs []domain.PositionRecord
	var ids []int64
	for rows.Next() {
		rec, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		recs = append(recs, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	trades, err := s.listTrades(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Trades = trades[recs[i].ID]
	}
	return recs, nil
}

// listTrades loads the fills of the given positions keyed by position id,
// ordered by execution time within each position.
func (s *PositionStore) listTrades(ctx context.Context, ids []int64) (map[int64][]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, position_id, order_id, type,
			amount, price, fee_value, fee_currency, executed_at
		 FROM position_trades
		 WHERE position_id = ANY($1)
		 ORDER BY executed_at, trade_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position trades: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.TradeRecord)
	for rows.Next() {
		var t domain.TradeRecord
		var positionID int64
		var typ, amount, price, feeValue, feeCurrency string
		if err := rows.Scan(
			&t.ID, &positionID, &t.OrderID, &typ,
			&amount, &price, &feeValue, &feeCurrency, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position trade: %w", err)
		}
		t.Type = domain.TradeType(typ)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: parse trade amount %q: %w", amount, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: parse trade price %q: %w", price, err)
		}
		if t.FeeValue, err = decimal.NewFromString(feeValue); err != nil {
			return nil, fmt.Errorf("postgres: parse trade fee %q: %w", feeValue, err)
		}
		t.FeeCurrency = domain.NewCurrency(feeCurrency)
		out[positionID] = append(out[positionID], t)
	}
	return out, rows.Err()
}

func scanPositionRow(row pgx.Row) (domain.PositionRecord, error) {
	var (
		rec                           domain.PositionRecord
		base, quote, amount, status   string
		stopGain, stopLoss, low, high *string
	)
	err := row.Scan(
		&rec.ID, &base, &quote, &amount, &status,
		&stopGain, &stopLoss, &rec.OpenOrderID, &rec.CloseOrderID,
		&low, &high, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, err
	}

	rec.Pair = domain.NewCurrencyPair(base, quote)
	rec.Status = domain.PositionStatus(status)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if rec.StopGainPct, err = decimalPtrFromString(stopGain); err != nil {
		return domain.PositionRecord{}, err
	}
	if rec.StopLossPct, err = decimalPtrFromString(stopLoss); err != nil {
		return domain.PositionRecord{}, err
	}
	if rec.LowestPrice, err = decimalPtrFromString(low); err != nil {
		return domain.PositionRecord{}, err
	}
	if rec.HighestPrice, err = decimalPtrFromString(high); err != nil {
		return domain.PositionRecord{}, err
	}
	return rec, nil
}

// Decimals travel to and from NUMERIC columns as strings so no binary float
// conversion can corrupt them.
func decimalPtrToString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalPtrFromString(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return &d, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
