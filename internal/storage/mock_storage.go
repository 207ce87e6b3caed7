package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/eddiefleurent/dunder_scalper/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests.
type MockStorage struct {
	mu        sync.RWMutex
	states    map[string]*models.EngineState
	positions map[string]*models.Position
	alerts    []*models.Alert

	// Err, when set, is returned by every operation.
	Err error
}

// Ensure MockStorage implements Interface at compile time.
var _ Interface = (*MockStorage)(nil)

// NewMockStorage returns an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		states:    make(map[string]*models.EngineState),
		positions: make(map[string]*models.Position),
	}
}

// GetEngineState loads a stored state copy.
func (m *MockStorage) GetEngineState(_ context.Context, configID string) (*models.EngineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	state, ok := m.states[configID]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Copy(), nil
}

// SaveEngineState stores a copy of state.
func (m *MockStorage) SaveEngineState(_ context.Context, state *models.EngineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.states[state.ConfigID] = state.Copy()
	return nil
}

// SavePosition stores a copy of position.
func (m *MockStorage) SavePosition(_ context.Context, position *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := position.Validate(); err != nil {
		return err
	}
	m.positions[position.ID] = position.Copy()
	return nil
}

// GetPosition loads one position by id.
func (m *MockStorage) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Copy(), nil
}

// GetPositionByEntryOrder loads the position whose entry leg is orderID.
func (m *MockStorage) GetPositionByEntryOrder(_ context.Context, orderID string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, p := range m.positions {
		if p.EntryOrderID == orderID {
			return p.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

// GetPositionByExitOrder loads the position whose exit leg is orderID.
func (m *MockStorage) GetPositionByExitOrder(_ context.Context, orderID string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, p := range m.positions {
		if p.ExitOrderID != "" && p.ExitOrderID == orderID {
			return p.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStorage) filterPositions(configID string, keep func(*models.Position) bool) []*models.Position {
	var out []*models.Position
	for _, p := range m.positions {
		if p.ConfigID == configID && keep(p) {
			out = append(out, p.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetActivePositions returns pending and open positions, oldest first.
func (m *MockStorage) GetActivePositions(_ context.Context, configID string) ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.filterPositions(configID, func(p *models.Position) bool { return p.IsActive() }), nil
}

// GetPositions returns every position for a configuration, oldest first.
func (m *MockStorage) GetPositions(_ context.Context, configID string) ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.filterPositions(configID, func(*models.Position) bool { return true }), nil
}

// SaveAlert stores the alert.
func (m *MockStorage) SaveAlert(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	dup := *alert
	m.alerts = append(m.alerts, &dup)
	return nil
}

// GetAlerts returns the most recent alerts, newest first.
func (m *MockStorage) GetAlerts(_ context.Context, configID string, limit int) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.Alert
	for i := len(m.alerts) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.alerts[i].ConfigID == configID {
			dup := *m.alerts[i]
			out = append(out, &dup)
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStorage) Close() error { return nil }
