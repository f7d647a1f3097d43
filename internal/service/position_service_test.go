package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradebot/internal/domain"
	"github.com/quantfold/tradebot/internal/store/memory"
)

var btcUsdt = domain.NewCurrencyPair("BTC", "USDT")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// fakeExecutor hands out sequential order ids and records every call.
type fakeExecutor struct {
	mu        sync.Mutex
	buyErr    error
	sellErr   error
	nextOrder int
	buys      []decimal.Decimal
	sells     []decimal.Decimal

	// onBuy, when set, runs with the new order id before PlaceBuyMarketOrder
	// returns, so a test can race a fill confirmation against indexing.
	onBuy func(orderID string)

	// sellStarted receives once per accepted sell; sellGate, when set, blocks
	// the accepted sell until closed. Together they hold a close in flight.
	sellStarted chan struct{}
	sellGate    chan struct{}
}

func (f *fakeExecutor) PlaceBuyMarketOrder(ctx context.Context, pair domain.CurrencyPair, amount decimal.Decimal) (domain.OrderResult, error) {
	f.mu.Lock()
	if f.buyErr != nil {
		f.mu.Unlock()
		return domain.OrderResult{}, f.buyErr
	}
	f.nextOrder++
	f.buys = append(f.buys, amount)
	orderID := fmt.Sprintf("order-%d", f.nextOrder)
	onBuy := f.onBuy
	f.mu.Unlock()

	if onBuy != nil {
		onBuy(orderID)
	}
	return domain.OrderResult{OrderID: orderID}, nil
}

func (f *fakeExecutor) PlaceSellMarketOrder(ctx context.Context, pair domain.CurrencyPair, amount decimal.Decimal) (domain.OrderResult, error) {
	f.mu.Lock()
	if f.sellErr != nil {
		f.mu.Unlock()
		return domain.OrderResult{}, f.sellErr
	}
	f.nextOrder++
	f.sells = append(f.sells, amount)
	orderID := fmt.Sprintf("order-%d", f.nextOrder)
	started := f.sellStarted
	gate := f.sellGate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return domain.OrderResult{OrderID: orderID}, nil
}

func (f *fakeExecutor) sellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sells)
}

// failingStore rejects every write, for the order-placed-but-not-persisted
// path.
type failingStore struct{}

func (failingStore) Save(ctx context.Context, rec domain.PositionRecord) (domain.PositionRecord, error) {
	return domain.PositionRecord{}, errors.New("store down")
}

func (failingStore) FindByID(ctx context.Context, id int64) (domain.PositionRecord, error) {
	return domain.PositionRecord{}, domain.ErrNotFound
}

func (failingStore) List(ctx context.Context) ([]domain.PositionRecord, error) {
	return nil, errors.New("store down")
}

func newTestService(t *testing.T) (*PositionService, *fakeExecutor, *memory.PositionStore) {
	t.Helper()

	exec := &fakeExecutor{}
	store := memory.NewPositionStore()
	svc := NewPositionService(store, exec, nil, slog.Default())
	return svc, exec, store
}

func fill(id, orderID string, typ domain.TradeType, amount, price, fee string) domain.Trade {
	return domain.Trade{
		ID:        id,
		OrderID:   orderID,
		Pair:      btcUsdt,
		Type:      typ,
		Amount:    dec(amount),
		Price:     dec(price),
		Fee:       domain.NewCurrencyAmount(dec(fee), btcUsdt.Quote),
		Timestamp: time.Now(),
	}
}

func tick(price string) domain.Ticker {
	return domain.Ticker{Pair: btcUsdt, Price: dec(price), Timestamp: time.Now()}
}

func TestCreatePosition(t *testing.T) {
	t.Parallel()

	svc, exec, store := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.PositionID)
	assert.Equal(t, "order-1", result.OrderID)
	assert.Len(t, exec.buys, 1)

	pos, ok := svc.PositionByID(result.PositionID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpening, pos.Status())

	rec, err := store.FindByID(ctx, result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpening, rec.Status)
	assert.Equal(t, "order-1", rec.OpenOrderID)
}

func TestCreatePositionOrderRejected(t *testing.T) {
	t.Parallel()

	svc, exec, store := newTestService(t)
	exec.buyErr = errors.New("insufficient funds")

	_, err := svc.CreatePosition(context.Background(), btcUsdt, dec("1"), domain.PositionRules{})
	require.Error(t, err)

	// Nothing indexed, nothing persisted.
	assert.Empty(t, svc.Positions())
	recs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCreatePositionPersistFailure(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	svc := NewPositionService(failingStore{}, exec, nil, slog.Default())

	_, err := svc.CreatePosition(context.Background(), btcUsdt, dec("1"), domain.PositionRules{})
	require.Error(t, err)

	// The order went out but the position is not indexed.
	assert.Len(t, exec.buys, 1)
	assert.Empty(t, svc.Positions())
}

func TestTickerUpdateClosesOnStopGain(t *testing.T) {
	t.Parallel()

	svc, exec, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	pos, _ := svc.PositionByID(result.PositionID)
	require.Equal(t, domain.PositionStatusOpened, pos.Status())

	// Below threshold: no sell.
	svc.TickerUpdate(ctx, tick("104.9"))
	assert.Zero(t, exec.sellCount())
	assert.Equal(t, domain.PositionStatusOpened, pos.Status())

	// At threshold: one sell, position moves to CLOSING.
	svc.TickerUpdate(ctx, tick("105"))
	assert.Equal(t, 1, exec.sellCount())
	assert.Equal(t, domain.PositionStatusClosing, pos.Status())
	assert.NotEmpty(t, pos.CloseOrderID())

	// Further tickers must not place another sell.
	svc.TickerUpdate(ctx, tick("110"))
	assert.Equal(t, 1, exec.sellCount())
}

func TestTickerUpdateRetriesAfterSellRejected(t *testing.T) {
	t.Parallel()

	svc, exec, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	exec.sellErr = errors.New("exchange unavailable")
	svc.TickerUpdate(ctx, tick("110"))

	pos, _ := svc.PositionByID(result.PositionID)
	assert.Equal(t, domain.PositionStatusOpened, pos.Status())
	assert.Empty(t, pos.CloseOrderID())

	// Once the exchange recovers the next ticker closes it.
	exec.sellErr = nil
	svc.TickerUpdate(ctx, tick("110"))
	assert.Equal(t, domain.PositionStatusClosing, pos.Status())
}

func TestConcurrentTickersPlaceOneSell(t *testing.T) {
	t.Parallel()

	svc, exec, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	exec.sellStarted = make(chan struct{}, 1)
	exec.sellGate = make(chan struct{})

	// The first ticker claims the close and parks inside the executor; the
	// second runs while the claim is held and must not place another sell.
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.TickerUpdate(ctx, tick("110"))
	}()
	<-exec.sellStarted

	svc.TickerUpdate(ctx, tick("111"))
	assert.Equal(t, 1, exec.sellCount())

	close(exec.sellGate)
	<-done
	assert.Equal(t, 1, exec.sellCount())

	pos, _ := svc.PositionByID(result.PositionID)
	assert.Equal(t, domain.PositionStatusClosing, pos.Status())
	assert.Equal(t, "order-2", pos.CloseOrderID())
}

func TestFillDuringBuyPlacementIsReplayed(t *testing.T) {
	t.Parallel()

	svc, exec, _ := newTestService(t)
	ctx := context.Background()

	// The fill confirmation lands before CreatePosition has indexed the
	// position that owns the order; it must be retained and applied once the
	// position exists.
	exec.onBuy = func(orderID string) {
		svc.TradeUpdate(ctx, fill("t1", orderID, domain.TradeTypeBuy, "1", "100", "0"))
	}

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)

	pos, ok := svc.PositionByID(result.PositionID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpened, pos.Status())
	assert.Len(t, pos.Trades(), 1)
}

func TestFillBeforeCloseOrderAttachedIsReplayed(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	pos, _ := svc.PositionByID(result.PositionID)
	require.Equal(t, domain.PositionStatusOpened, pos.Status())

	// The sell confirmation beats the close order id onto the position. It has
	// no owner yet, so nothing applies.
	svc.TradeUpdate(ctx, fill("t2", "order-2", domain.TradeTypeSell, "1", "110", "0"))
	assert.Equal(t, domain.PositionStatusOpened, pos.Status())

	// The ticker attaches order-2 and replays the held fill.
	svc.TickerUpdate(ctx, tick("110"))
	assert.Equal(t, "order-2", pos.CloseOrderID())
	assert.Equal(t, domain.PositionStatusClosed, pos.Status())
}

func TestFullLifecycle(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)

	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "1"))
	svc.TickerUpdate(ctx, tick("110"))

	pos, _ := svc.PositionByID(result.PositionID)
	require.Equal(t, domain.PositionStatusClosing, pos.Status())

	svc.TradeUpdate(ctx, fill("t2", pos.CloseOrderID(), domain.TradeTypeSell, "1", "110", "1"))
	assert.Equal(t, domain.PositionStatusClosed, pos.Status())
}

func TestTradeUpdateIgnoresUnknownOrders(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{})
	require.NoError(t, err)

	svc.TradeUpdate(ctx, fill("t1", "not-our-order", domain.TradeTypeBuy, "1", "100", "0"))

	pos, _ := svc.PositionByID(result.PositionID)
	assert.Equal(t, domain.PositionStatusOpening, pos.Status())
	assert.Empty(t, pos.Trades())
}

func TestGains(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Bought 1 @ 100 (fee 1), sold 1 @ 110 (fee 1): gain 10 USDT, 10%, fees 2.
	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "1"))
	svc.TickerUpdate(ctx, tick("110"))
	pos, _ := svc.PositionByID(result.PositionID)
	svc.TradeUpdate(ctx, fill("t2", pos.CloseOrderID(), domain.TradeTypeSell, "1", "110", "1"))
	require.Equal(t, domain.PositionStatusClosed, pos.Status())

	gains := svc.Gains()
	require.Len(t, gains, 1)

	gain, ok := gains[btcUsdt.Quote]
	require.True(t, ok)
	assert.True(t, gain.Amount.Value.Equal(dec("10")))
	assert.Equal(t, btcUsdt.Quote, gain.Amount.Currency)
	assert.True(t, gain.Fees.Value.Equal(dec("2")))
	require.NotNil(t, gain.Percentage)
	assert.Equal(t, "10.00", gain.Percentage.StringFixed(2))
}

func TestGainsSkipsNonClosedPositions(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	assert.Empty(t, svc.Gains())
}

func TestGainsZeroBoughtHasNilPercentage(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	// A closed position with closing fills but no opening fills has no cost
	// basis, so its percentage is undefined.
	rec := domain.PositionRecord{
		ID:           9,
		Pair:         btcUsdt,
		Amount:       dec("1"),
		Status:       domain.PositionStatusClosed,
		OpenOrderID:  "order-open",
		CloseOrderID: "order-close",
		Trades: []domain.TradeRecord{{
			ID:          "t1",
			OrderID:     "order-close",
			Type:        domain.TradeTypeSell,
			Amount:      dec("1"),
			Price:       dec("110"),
			FeeCurrency: btcUsdt.Quote,
			Timestamp:   time.Now(),
		}},
	}
	svc.RestorePosition(domain.PositionFromRecord(rec))

	gains := svc.Gains()
	require.Len(t, gains, 1)
	gain := gains[btcUsdt.Quote]
	assert.Nil(t, gain.Percentage)
	assert.True(t, gain.Amount.Value.Equal(dec("110")))
}

func TestRestorePosition(t *testing.T) {
	t.Parallel()

	svc, exec, _ := newTestService(t)

	pos := domain.NewPosition(5, btcUsdt, dec("1"), "order-open", domain.PositionRules{})
	svc.RestorePosition(pos)

	got, ok := svc.PositionByID(5)
	require.True(t, ok)
	assert.Same(t, pos, got)
	assert.Len(t, svc.Positions(), 1)

	// Restoring again replaces the entry without duplicating it.
	svc.RestorePosition(pos)
	assert.Len(t, svc.Positions(), 1)

	// Restore never talks to the exchange.
	assert.Empty(t, exec.buys)
	assert.Zero(t, exec.sellCount())
}

func TestBackupPosition(t *testing.T) {
	t.Parallel()

	svc, _, store := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{StopGainPct: decPtr("5")})
	require.NoError(t, err)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))
	svc.TickerUpdate(ctx, tick("102"))

	pos, _ := svc.PositionByID(result.PositionID)
	require.NoError(t, svc.BackupPosition(ctx, pos))

	rec, err := store.FindByID(ctx, result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpened, rec.Status)
	require.Len(t, rec.Trades, 1)
	assert.Equal(t, "t1", rec.Trades[0].ID)
	require.NotNil(t, rec.LowestPrice)
	assert.True(t, rec.LowestPrice.Equal(dec("102")))
}

func TestBackupPositionMissingRecord(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	// Indexed but never persisted: backup must refuse rather than invent a
	// record.
	pos := domain.NewPosition(99, btcUsdt, dec("1"), "order-open", domain.PositionRules{})
	svc.RestorePosition(pos)

	err := svc.BackupPosition(context.Background(), pos)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBackupAllContinuesPastFailures(t *testing.T) {
	t.Parallel()

	svc, _, store := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{})
	require.NoError(t, err)

	// An orphan entry fails its backup; the persisted one must still be
	// mirrored.
	orphan := domain.NewPosition(50, btcUsdt, dec("1"), "orphan-order", domain.PositionRules{})
	svc.RestorePosition(orphan)
	svc.TradeUpdate(ctx, fill("t1", result.OrderID, domain.TradeTypeBuy, "1", "100", "0"))

	err = svc.BackupAll(ctx)
	require.Error(t, err)

	rec, err := store.FindByID(ctx, result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpened, rec.Status)
}

func TestPositionsInsertionOrder(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ethUsdt := domain.NewCurrencyPair("ETH", "USDT")
	first, err := svc.CreatePosition(ctx, btcUsdt, dec("1"), domain.PositionRules{})
	require.NoError(t, err)
	second, err := svc.CreatePosition(ctx, ethUsdt, dec("2"), domain.PositionRules{})
	require.NoError(t, err)

	positions := svc.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, first.PositionID, positions[0].ID())
	assert.Equal(t, second.PositionID, positions[1].ID())
}
