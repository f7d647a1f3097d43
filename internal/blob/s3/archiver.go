package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfold/tradebot/internal/domain"
)

// PositionSource provides the closed positions to archive. The position
// service satisfies it.
type PositionSource interface {
	ClosedPositions() []*domain.Position
}

// Archiver implements domain.Archiver by serializing closed positions with
// their ledgers to JSONL and uploading the export to object storage. Records
// are never deleted from the primary store; the archive is an audit copy.
type Archiver struct {
	writer    domain.BlobWriter
	positions PositionSource
}

// NewArchiver creates an Archiver reading from src and writing through w.
func NewArchiver(w domain.BlobWriter, src PositionSource) *Archiver {
	return &Archiver{writer: w, positions: src}
}

// archivedTrade is the JSONL shape of one fill.
type archivedTrade struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Price       string    `json:"price"`
	FeeValue    string    `json:"fee_value"`
	FeeCurrency string    `json:"fee_currency"`
	Timestamp   time.Time `json:"timestamp"`
}

// archivedPosition is the JSONL shape of one closed position.
type archivedPosition struct {
	ID           int64           `json:"id"`
	Pair         string          `json:"pair"`
	Amount       string          `json:"amount"`
	Status       string          `json:"status"`
	StopGainPct  *string         `json:"stop_gain_pct,omitempty"`
	StopLossPct  *string         `json:"stop_loss_pct,omitempty"`
	OpenOrderID  string          `json:"open_order_id"`
	CloseOrderID string          `json:"close_order_id"`
	LowestPrice  *string         `json:"lowest_price,omitempty"`
	HighestPrice *string         `json:"highest_price,omitempty"`
	Trades       []archivedTrade `json:"trades"`
}

// ArchiveClosedPositions uploads every closed position as one JSONL object
// and returns the number of positions archived. An empty closed set uploads
// nothing.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context) (int64, error) {
	closed := a.positions.ClosedPositions()
	if len(closed) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, pos := range closed {
		if err := enc.Encode(toArchived(pos.Snapshot())); err != nil {
			return 0, fmt.Errorf("s3blob: encode position %d: %w", pos.ID(), err)
		}
	}

	path := fmt.Sprintf("positions/closed-%s.jsonl", time.Now().UTC().Format("20060102T150405"))
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive closed positions: %w", err)
	}
	return int64(len(closed)), nil
}

func toArchived(rec domain.PositionRecord) archivedPosition {
	out := archivedPosition{
		ID:           rec.ID,
		Pair:         rec.Pair.String(),
		Amount:       rec.Amount.String(),
		Status:       string(rec.Status),
		OpenOrderID:  rec.OpenOrderID,
		CloseOrderID: rec.CloseOrderID,
	}
	if rec.StopGainPct != nil {
		s := rec.StopGainPct.String()
		out.StopGainPct = &s
	}
	if rec.StopLossPct != nil {
		s := rec.StopLossPct.String()
		out.StopLossPct = &s
	}
	if rec.LowestPrice != nil {
		s := rec.LowestPrice.String()
		out.LowestPrice = &s
	}
	if rec.HighestPrice != nil {
		s := rec.HighestPrice.String()
		out.HighestPrice = &s
	}
	for _, t := range rec.Trades {
		out.Trades = append(out.Trades, archivedTrade{
			ID:          t.ID,
			OrderID:     t.OrderID,
			Type:        string(t.Type),
			Amount:      t.Amount.String(),
			Price:       t.Price.String(),
			FeeValue:    t.FeeValue.String(),
			FeeCurrency: t.FeeCurrency.String(),
			Timestamp:   t.Timestamp,
		})
	}
	return out
}

var _ domain.Archiver = (*Archiver)(nil)
