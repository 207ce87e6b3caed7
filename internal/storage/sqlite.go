package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_scalper/internal/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Ensure SQLiteStorage implements Interface at compile time.
var _ Interface = (*SQLiteStorage)(nil)

// SQLiteStorage implements Interface backed by a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS engine_state (
	config_id       TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	available_funds REAL NOT NULL DEFAULT 0,
	allocated_funds REAL NOT NULL DEFAULT 0,
	recovery_count  INTEGER NOT NULL DEFAULT 0,
	last_active_at  TEXT,
	snapshot        TEXT NOT NULL DEFAULT '{}',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	config_id      TEXT NOT NULL,
	status         TEXT NOT NULL,
	entry_order_id TEXT,
	exit_order_id  TEXT,
	data           TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_config_status ON positions (config_id, status);
CREATE INDEX IF NOT EXISTS idx_positions_entry_order ON positions (entry_order_id);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	config_id   TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	position_id TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_config_created ON alerts (config_id, created_at);
`

// NewSQLiteStorage opens (or creates) the database at dbPath, applies the
// schema, and returns a ready-to-use store.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY between the polling loops and the event path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// engineSnapshot holds the EngineState fields persisted as JSON rather than
// columns.
type engineSnapshot struct {
	ContractExpiry   *time.Time                      `json:"contract_expiry,omitempty"`
	SuspendedCE      bool                            `json:"suspended_ce"`
	SuspendedPE      bool                            `json:"suspended_pe"`
	TransitionCounts map[models.EngineStatus]int     `json:"transition_counts,omitempty"`
}

// GetEngineState loads the state row for a configuration.
func (s *SQLiteStorage) GetEngineState(ctx context.Context, configID string) (*models.EngineState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, available_funds, allocated_funds, recovery_count,
		       COALESCE(last_active_at, ''), snapshot, updated_at
		FROM engine_state WHERE config_id = ?`, configID)

	state := &models.EngineState{ConfigID: configID}
	var lastActive, snapshotJSON, updatedAt string
	err := row.Scan(&state.Status, &state.AvailableFunds, &state.AllocatedFunds,
		&state.RecoveryCount, &lastActive, &snapshotJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading engine state %s: %w", configID, err)
	}

	if lastActive != "" {
		if t, perr := time.Parse(time.RFC3339Nano, lastActive); perr == nil {
			state.LastActiveAt = t
		}
	}
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		state.UpdatedAt = t
	}

	var snap engineSnapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
		return nil, fmt.Errorf("decoding engine state snapshot %s: %w", configID, err)
	}
	state.ContractExpiry = snap.ContractExpiry
	state.SuspendedCE = snap.SuspendedCE
	state.SuspendedPE = snap.SuspendedPE
	state.TransitionCounts = snap.TransitionCounts
	if state.TransitionCounts == nil {
		state.TransitionCounts = make(map[models.EngineStatus]int)
	}
	return state, nil
}

// SaveEngineState inserts or updates the state row.
func (s *SQLiteStorage) SaveEngineState(ctx context.Context, state *models.EngineState) error {
	snap := engineSnapshot{
		ContractExpiry:   state.ContractExpiry,
		SuspendedCE:      state.SuspendedCE,
		SuspendedPE:      state.SuspendedPE,
		TransitionCounts: state.TransitionCounts,
	}
	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding engine state snapshot: %w", err)
	}

	var lastActive string
	if !state.LastActiveAt.IsZero() {
		lastActive = state.LastActiveAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_state
			(config_id, status, available_funds, allocated_funds, recovery_count, last_active_at, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
			status = excluded.status,
			available_funds = excluded.available_funds,
			allocated_funds = excluded.allocated_funds,
			recovery_count = excluded.recovery_count,
			last_active_at = excluded.last_active_at,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		state.ConfigID, state.Status, state.AvailableFunds, state.AllocatedFunds,
		state.RecoveryCount, lastActive, string(snapshotJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving engine state %s: %w", state.ConfigID, err)
	}
	return nil
}

// SavePosition inserts or updates a position.
func (s *SQLiteStorage) SavePosition(ctx context.Context, position *models.Position) error {
	if err := position.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid position: %w", err)
	}
	data, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("encoding position %s: %w", position.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, config_id, status, entry_order_id, exit_order_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			entry_order_id = excluded.entry_order_id,
			exit_order_id = excluded.exit_order_id,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		position.ID, position.ConfigID, position.Status, position.EntryOrderID,
		position.ExitOrderID, string(data),
		position.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", position.ID, err)
	}
	return nil
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*models.Position, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var position models.Position
	if err := json.Unmarshal([]byte(data), &position); err != nil {
		return nil, fmt.Errorf("decoding position row: %w", err)
	}
	return &position, nil
}

// GetPosition loads one position by id.
func (s *SQLiteStorage) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx, `SELECT data FROM positions WHERE id = ?`, id))
}

// GetPositionByEntryOrder loads the position whose entry leg is orderID.
func (s *SQLiteStorage) GetPositionByEntryOrder(ctx context.Context, orderID string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT data FROM positions WHERE entry_order_id = ?`, orderID))
}

// GetPositionByExitOrder loads the position whose exit leg is orderID.
func (s *SQLiteStorage) GetPositionByExitOrder(ctx context.Context, orderID string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT data FROM positions WHERE exit_order_id = ? AND exit_order_id != ''`, orderID))
}

func (s *SQLiteStorage) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetActivePositions returns pending and open positions, oldest first.
func (s *SQLiteStorage) GetActivePositions(ctx context.Context, configID string) ([]*models.Position, error) {
	return s.queryPositions(ctx, `
		SELECT data FROM positions
		WHERE config_id = ? AND status IN (?, ?)
		ORDER BY created_at`, configID, models.PositionPending, models.PositionOpen)
}

// GetPositions returns every position for a configuration, oldest first.
func (s *SQLiteStorage) GetPositions(ctx context.Context, configID string) ([]*models.Position, error) {
	return s.queryPositions(ctx, `
		SELECT data FROM positions WHERE config_id = ? ORDER BY created_at`, configID)
}

// SaveAlert persists an alert record.
func (s *SQLiteStorage) SaveAlert(ctx context.Context, alert *models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, config_id, severity, message, position_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.ConfigID, alert.Severity, alert.Message, alert.PositionID,
		alert.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlerts returns the most recent alerts, newest first, up to limit.
func (s *SQLiteStorage) GetAlerts(ctx context.Context, configID string, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, message, COALESCE(position_id, ''), created_at
		FROM alerts WHERE config_id = ?
		ORDER BY created_at DESC LIMIT ?`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*models.Alert
	for rows.Next() {
		a := &models.Alert{ConfigID: configID}
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Severity, &a.Message, &a.PositionID, &createdAt); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			a.CreatedAt = t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
