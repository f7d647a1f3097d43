package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotMirrorsLiveState(t *testing.T) {
	t.Parallel()

	pos := NewPosition(42, btcUsdt, dec("1"), "order-open", PositionRules{
		StopGainPct: decPtr("5"),
		StopLossPct: decPtr("3"),
	})
	applied, _ := pos.RecordTrade(fill("t1", "order-open", TradeTypeBuy, "1", "100"))
	require.True(t, applied)
	pos.RecordTicker(tick("102"))
	pos.RecordTicker(tick("98"))

	rec := pos.Snapshot()

	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, btcUsdt, rec.Pair)
	assert.Equal(t, PositionStatusOpened, rec.Status)
	assert.Equal(t, "order-open", rec.OpenOrderID)
	assert.Empty(t, rec.CloseOrderID)
	require.NotNil(t, rec.StopGainPct)
	assert.True(t, rec.StopGainPct.Equal(dec("5")))
	require.Len(t, rec.Trades, 1)
	assert.Equal(t, "t1", rec.Trades[0].ID)
	require.NotNil(t, rec.LowestPrice)
	require.NotNil(t, rec.HighestPrice)
	assert.True(t, rec.LowestPrice.Equal(dec("98")))
	assert.True(t, rec.HighestPrice.Equal(dec("102")))
}

func TestSnapshotWithoutTickerLeavesWatermarksNil(t *testing.T) {
	t.Parallel()

	pos := NewPosition(1, btcUsdt, dec("1"), "order-open", PositionRules{})
	rec := pos.Snapshot()

	assert.Nil(t, rec.LowestPrice)
	assert.Nil(t, rec.HighestPrice)
}

func TestPositionFromRecordRoundTrip(t *testing.T) {
	t.Parallel()

	pos := NewPosition(7, btcUsdt, dec("1"), "order-open", PositionRules{StopGainPct: decPtr("10")})
	applied, _ := pos.RecordTrade(fill("t1", "order-open", TradeTypeBuy, "1", "100"))
	require.True(t, applied)
	require.NoError(t, pos.SetCloseOrderID("order-close"))
	applied, status := pos.RecordTrade(fill("t2", "order-close", TradeTypeSell, "0.5", "110"))
	require.True(t, applied)
	require.Equal(t, PositionStatusClosing, status)

	restored := PositionFromRecord(pos.Snapshot())

	assert.Equal(t, int64(7), restored.ID())
	assert.Equal(t, PositionStatusClosing, restored.Status())
	assert.Equal(t, "order-close", restored.CloseOrderID())
	assert.Len(t, restored.OpeningTrades(), 1)
	assert.Len(t, restored.ClosingTrades(), 1)

	// The replayed ledger keeps counting: the remaining closing fill must
	// still complete the position.
	applied, status = restored.RecordTrade(fill("t3", "order-close", TradeTypeSell, "0.5", "111"))
	assert.True(t, applied)
	assert.Equal(t, PositionStatusClosed, status)

	// And the duplicate guard survives the round trip.
	applied, _ = restored.RecordTrade(fill("t1", "order-open", TradeTypeBuy, "1", "100"))
	assert.False(t, applied)
}
