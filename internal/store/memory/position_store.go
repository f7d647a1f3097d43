// Package memory implements domain.PositionStore in process memory. It backs
// paper mode and tests, where durability across restarts is not needed.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/tradebot/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore with the same upsert and
// id-assignment semantics as the PostgreSQL implementation.
type PositionStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]domain.PositionRecord
}

// NewPositionStore creates an empty store. Ids are assigned from 1 upward.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		nextID:  1,
		records: make(map[int64]domain.PositionRecord),
	}
}

// Save upserts the record, assigning the next id when the record's id is zero.
func (s *PositionStore) Save(_ context.Context, rec domain.PositionRecord) (domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.ID == 0 {
		rec.ID = s.nextID
		s.nextID++
		rec.CreatedAt = now
	} else if existing, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.ID >= s.nextID {
		// Restored records keep their id; keep the sequence ahead of it.
		s.nextID = rec.ID + 1
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.records[rec.ID] = cloneRecord(rec)
	return rec, nil
}

// FindByID returns the record with the given id, or domain.ErrNotFound.
func (s *PositionStore) FindByID(_ context.Context, id int64) (domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.PositionRecord{}, fmt.Errorf("memory: position %d: %w", id, domain.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// List returns all records in ascending id order.
func (s *PositionStore) List(_ context.Context) ([]domain.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PositionRecord, 0, len(s.records))
	for id := int64(1); id < s.nextID; id++ {
		if rec, ok := s.records[id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func cloneRecord(rec domain.PositionRecord) domain.PositionRecord {
	out := rec
	if rec.Trades != nil {
		out.Trades = make([]domain.TradeRecord, len(rec.Trades))
		copy(out.Trades, rec.Trades)
	}
	return out
}

var _ domain.PositionStore = (*PositionStore)(nil)
