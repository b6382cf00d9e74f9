package alert

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert and selects its channel routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one dispatched notification.
type Alert struct {
	ID        string                 `json:"id"`
	Severity  Severity               `json:"severity"`
	Component string                 `json:"component"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewAlert builds an alert with a fresh id.
func NewAlert(sev Severity, component, title, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Severity:  sev,
		Component: component,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}
}
