package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is the durable shape of a single fill linked to a position.
type TradeRecord struct {
	ID          string
	OrderID     string
	Type        TradeType
	Amount      decimal.Decimal
	Price       decimal.Decimal
	FeeValue    decimal.Decimal
	FeeCurrency Currency
	Timestamp   time.Time
}

// PositionRecord is the durable shape of a position. The repository owns the
// durable copy; the in-memory Position owns live truth, mirrored into the
// record by explicit backup calls.
type PositionRecord struct {
	ID           int64
	Pair         CurrencyPair
	Amount       decimal.Decimal
	Status       PositionStatus
	StopGainPct  *decimal.Decimal
	StopLossPct  *decimal.Decimal
	OpenOrderID  string
	CloseOrderID string
	Trades       []TradeRecord
	LowestPrice  *decimal.Decimal
	HighestPrice *decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PositionStore is the durable repository for position records.
type PositionStore interface {
	// Save upserts the record, assigning a monotonic unique id when the
	// record's id is zero, and returns the stored record.
	Save(ctx context.Context, rec PositionRecord) (PositionRecord, error)
	// FindByID returns the record with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id int64) (PositionRecord, error)
	// List returns all records in id order, for index rehydration at startup.
	List(ctx context.Context) ([]PositionRecord, error)
}

// Snapshot copies the position's live state into its durable shape. The
// returned record carries a zero CreatedAt/UpdatedAt; the store owns those.
func (p *Position) Snapshot() PositionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := PositionRecord{
		ID:           p.id,
		Pair:         p.pair,
		Amount:       p.amount,
		Status:       p.status,
		StopGainPct:  p.rules.StopGainPct,
		StopLossPct:  p.rules.StopLossPct,
		OpenOrderID:  p.openOrderID,
		CloseOrderID: p.closeOrderID,
	}
	if p.priceSeen {
		low, high := p.lowestPrice, p.highestPrice
		rec.LowestPrice = &low
		rec.HighestPrice = &high
	}
	for _, t := range p.ledger.AllTrades() {
		rec.Trades = append(rec.Trades, TradeRecord{
			ID:          t.ID,
			OrderID:     t.OrderID,
			Type:        t.Type,
			Amount:      t.Amount,
			Price:       t.Price,
			FeeValue:    t.Fee.Value,
			FeeCurrency: t.Fee.Currency,
			Timestamp:   t.Timestamp,
		})
	}
	return rec
}

// PositionFromRecord rebuilds a live position from its durable shape,
// replaying the recorded fills through the ledger. Used to rehydrate the
// in-memory index at startup.
func PositionFromRecord(rec PositionRecord) *Position {
	p := NewPosition(rec.ID, rec.Pair, rec.Amount, rec.OpenOrderID, PositionRules{
		StopGainPct: rec.StopGainPct,
		StopLossPct: rec.StopLossPct,
	})
	p.closeOrderID = rec.CloseOrderID
	for _, tr := range rec.Trades {
		p.ledger.Add(Trade{
			ID:         tr.ID,
			OrderID:    tr.OrderID,
			PositionID: rec.ID,
			Pair:       rec.Pair,
			Type:       tr.Type,
			Amount:     tr.Amount,
			Price:      tr.Price,
			Fee:        CurrencyAmount{Value: tr.FeeValue, Currency: tr.FeeCurrency},
			Timestamp:  tr.Timestamp,
		}, rec.OpenOrderID, rec.CloseOrderID)
	}
	p.status = rec.Status
	if rec.LowestPrice != nil && rec.HighestPrice != nil {
		p.lowestPrice = *rec.LowestPrice
		p.highestPrice = *rec.HighestPrice
		p.priceSeen = true
	}
	return p
}
