package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_scalper/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEngineStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetEngineState(ctx, "cfg-1")
	assert.ErrorIs(t, err, ErrNotFound)

	expiry := time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)
	state := models.NewEngineState("cfg-1")
	require.NoError(t, state.Transition(models.EngineRunning, "started"))
	state.AvailableFunds = 85000
	state.AllocatedFunds = 15000
	state.RecoveryCount = 2
	state.ContractExpiry = &expiry
	state.SuspendedPE = true

	require.NoError(t, store.SaveEngineState(ctx, state))

	loaded, err := store.GetEngineState(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, models.EngineRunning, loaded.Status)
	assert.Equal(t, 85000.0, loaded.AvailableFunds)
	assert.Equal(t, 15000.0, loaded.AllocatedFunds)
	assert.Equal(t, 2, loaded.RecoveryCount)
	require.NotNil(t, loaded.ContractExpiry)
	assert.True(t, expiry.Equal(*loaded.ContractExpiry))
	assert.True(t, loaded.SuspendedPE)
	assert.False(t, loaded.SuspendedCE)
	assert.Equal(t, 1, loaded.TransitionCounts[models.EngineRunning])
}

func TestEngineStateUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := models.NewEngineState("cfg-1")
	require.NoError(t, store.SaveEngineState(ctx, state))
	state.AvailableFunds = 42
	require.NoError(t, store.SaveEngineState(ctx, state))

	loaded, err := store.GetEngineState(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.AvailableFunds)
}

func activePosition(configID, orderID string) *models.Position {
	p := models.NewPosition(configID, models.OptionCE, "sma_crossover_up")
	p.EntryOrderID = orderID
	p.AllocatedCapital = 15000
	p.TradingSymbol = "NIFTY2612022500CE"
	p.Quantity = 300
	return p
}

func TestPositionQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := activePosition("cfg-1", "ord-1")
	open := activePosition("cfg-1", "ord-2")
	open.Trigger = "band_break_up"
	require.NoError(t, open.Transition(models.PositionOpen, "entry_filled"))
	open.EntryPrice = 50
	closed := activePosition("cfg-1", "ord-3")
	closed.Trigger = "other"
	require.NoError(t, closed.Transition(models.PositionOpen, "entry_filled"))
	closed.EntryPrice = 48
	require.NoError(t, closed.Transition(models.PositionClosed, "exit_filled"))
	otherCfg := activePosition("cfg-2", "ord-9")

	for _, p := range []*models.Position{pending, open, closed, otherCfg} {
		require.NoError(t, store.SavePosition(ctx, p))
	}

	active, err := store.GetActivePositions(ctx, "cfg-1")
	require.NoError(t, err)
	require.Len(t, active, 2)

	all, err := store.GetPositions(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byOrder, err := store.GetPositionByEntryOrder(ctx, "ord-2")
	require.NoError(t, err)
	assert.Equal(t, open.ID, byOrder.ID)

	_, err = store.GetPosition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPositionUpdateKeepsSingleRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := activePosition("cfg-1", "ord-1")
	require.NoError(t, store.SavePosition(ctx, p))
	require.NoError(t, p.Transition(models.PositionOpen, "entry_filled"))
	p.EntryPrice = 51.25
	require.NoError(t, store.SavePosition(ctx, p))

	all, err := store.GetPositions(ctx, "cfg-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.PositionOpen, all[0].Status)
	assert.Equal(t, 51.25, all[0].EntryPrice)
}

func TestSavePositionRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	p := models.NewPosition("cfg-1", models.OptionCE, "t") // no entry order id yet
	assert.Error(t, store.SavePosition(context.Background(), p))
}

func TestAlerts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"first", "second", "third"} {
		a := models.NewAlert("cfg-1", models.AlertCritical, msg)
		a.CreatedAt = a.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.SaveAlert(ctx, a))
	}

	alerts, err := store.GetAlerts(ctx, "cfg-1", 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "third", alerts[0].Message)
	assert.Equal(t, "second", alerts[1].Message)
}
