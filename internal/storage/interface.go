// Package storage persists engine state, positions, and alerts. The SQLite
// implementation is the production store; MockStorage backs tests.
package storage

import (
	"context"
	"errors"

	"github.com/eddiefleurent/dunder_scalper/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Interface defines the persistence operations used by the engine.
//
// Implementations must be safe for concurrent use: the engine's periodic
// loops and the push event path both read and write through it.
type Interface interface {
	// GetEngineState loads the state row for a configuration. Returns
	// ErrNotFound if the configuration has never been started.
	GetEngineState(ctx context.Context, configID string) (*models.EngineState, error)
	// SaveEngineState inserts or updates the state row.
	SaveEngineState(ctx context.Context, state *models.EngineState) error

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, position *models.Position) error
	// GetPosition loads one position by id. Returns ErrNotFound if absent.
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	// GetPositionByEntryOrder loads the position whose entry leg is orderID.
	GetPositionByEntryOrder(ctx context.Context, orderID string) (*models.Position, error)
	// GetPositionByExitOrder loads the position whose exit leg is orderID.
	GetPositionByExitOrder(ctx context.Context, orderID string) (*models.Position, error)
	// GetActivePositions returns pending and open positions for a
	// configuration, oldest first.
	GetActivePositions(ctx context.Context, configID string) ([]*models.Position, error)
	// GetPositions returns every position for a configuration, oldest first.
	GetPositions(ctx context.Context, configID string) ([]*models.Position, error)

	// SaveAlert persists an alert record.
	SaveAlert(ctx context.Context, alert *models.Alert) error
	// GetAlerts returns the most recent alerts for a configuration, newest
	// first, up to limit.
	GetAlerts(ctx context.Context, configID string, limit int) ([]*models.Alert, error)

	// Close releases the underlying store.
	Close() error
}
