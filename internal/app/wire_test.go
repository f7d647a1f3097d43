package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradebot/internal/config"
)

func TestWirePaperModeNeedsNoBackingServices(t *testing.T) {
	t.Parallel()

	// Default config is paper mode with no postgres, redis, or s3 reachable;
	// wiring must still succeed with only the in-memory store.
	cfg := config.Defaults()

	deps, cleanup, err := Wire(context.Background(), &cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.PositionStore)
	assert.Nil(t, deps.PriceCache)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.BlobWriter)
}
