package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades how urgently an operator should look.
type AlertSeverity string

const (
	// AlertInfo is routine operational information.
	AlertInfo AlertSeverity = "info"
	// AlertWarning needs attention but the engine continues.
	AlertWarning AlertSeverity = "warning"
	// AlertCritical accompanies a forced pause and requires operator action.
	AlertCritical AlertSeverity = "critical"
)

// Alert is a persisted, human-readable record of a notable engine event.
// Every forced pause writes one explaining the cause.
type Alert struct {
	ID         string        `json:"id"`
	ConfigID   string        `json:"config_id"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	PositionID string        `json:"position_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewAlert creates an alert stamped now.
func NewAlert(configID string, severity AlertSeverity, message string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		ConfigID:  configID,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}
