// Package models provides the persisted data structures and state machines
// for the trading engine: engine lifecycle state, positions, and alerts.
package models

import (
	"fmt"
	"time"
)

// EngineStatus represents the lifecycle state of one engine instance.
type EngineStatus string

const (
	// EngineStopped means no engine is active for the configuration.
	EngineStopped EngineStatus = "stopped"
	// EngineRunning means the engine is live and accepting entries.
	EngineRunning EngineStatus = "running"
	// EnginePaused means the engine is live but entries are gated; open
	// positions are still monitored for target/stoploss.
	EnginePaused EngineStatus = "paused"
)

// EngineTransition defines a valid lifecycle transition.
type EngineTransition struct {
	From        EngineStatus
	To          EngineStatus
	Condition   string
	Description string
}

// ValidEngineTransitions is the full lifecycle table. Anything not listed is
// illegal; same-state requests are no-ops handled by the caller, not
// transitions.
var ValidEngineTransitions = []EngineTransition{
	{EngineStopped, EngineRunning, "started", "Engine started during market hours"},
	{EngineStopped, EnginePaused, "recovery_start", "Engine started after crash signature, entries gated"},
	{EngineRunning, EnginePaused, "pause_requested", "Operator paused entries"},
	{EngineRunning, EnginePaused, "credentials_expired", "Broker session invalid, operator action required"},
	{EngineRunning, EnginePaused, "discrepancy_found", "Reconciliation found discrepancies"},
	{EngineRunning, EnginePaused, "invariant_violation", "Fund accounting mismatch beyond tolerance"},
	{EnginePaused, EngineRunning, "resume_requested", "Operator resumed entries during market hours"},
	{EngineRunning, EngineStopped, "squared_off", "All open positions squared off"},
	{EnginePaused, EngineStopped, "squared_off", "All open positions squared off"},
}

// EngineState is the durable record for one trading configuration. One row
// per configuration, mutated on every lifecycle transition and periodically
// while running; recovery_count preserves crash history.
type EngineState struct {
	ConfigID       string       `json:"config_id"`
	Status         EngineStatus `json:"status"`
	AvailableFunds float64      `json:"available_funds"`
	AllocatedFunds float64      `json:"allocated_funds"`
	RecoveryCount  int          `json:"recovery_count"`
	LastActiveAt   time.Time    `json:"last_active_at"`

	// Snapshot fields, serialized as part of the row.
	ContractExpiry   *time.Time `json:"contract_expiry,omitempty"`
	SuspendedCE      bool       `json:"suspended_ce"`
	SuspendedPE      bool       `json:"suspended_pe"`
	TransitionCounts map[EngineStatus]int `json:"transition_counts,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewEngineState returns a fresh stopped state for a configuration.
func NewEngineState(configID string) *EngineState {
	return &EngineState{
		ConfigID:         configID,
		Status:           EngineStopped,
		TransitionCounts: make(map[EngineStatus]int),
		UpdatedAt:        time.Now().UTC(),
	}
}

// CanTransition reports whether moving to status under condition is legal.
func (s *EngineState) CanTransition(to EngineStatus, condition string) bool {
	for _, tr := range ValidEngineTransitions {
		if tr.From == s.Status && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves the state to a new status, validating against the table.
func (s *EngineState) Transition(to EngineStatus, condition string) error {
	if s.Status == to {
		return fmt.Errorf("already %s", to)
	}
	if !s.CanTransition(to, condition) {
		return fmt.Errorf("invalid engine transition from %s to %s with condition %q", s.Status, to, condition)
	}
	s.Status = to
	if s.TransitionCounts == nil {
		s.TransitionCounts = make(map[EngineStatus]int)
	}
	s.TransitionCounts[to]++
	s.LastActiveAt = time.Now().UTC()
	s.UpdatedAt = s.LastActiveAt
	return nil
}

// IsActive reports whether the engine is live (running or paused).
func (s *EngineState) IsActive() bool {
	return s.Status == EngineRunning || s.Status == EnginePaused
}

// Copy returns a deep copy of the state.
func (s *EngineState) Copy() *EngineState {
	if s == nil {
		return nil
	}
	dup := *s
	if s.ContractExpiry != nil {
		t := *s.ContractExpiry
		dup.ContractExpiry = &t
	}
	dup.TransitionCounts = make(map[EngineStatus]int, len(s.TransitionCounts))
	for k, v := range s.TransitionCounts {
		dup.TransitionCounts[k] = v
	}
	return &dup
}
