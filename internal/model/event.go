// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of link event
type EventType string

const (
	EventLinkUp       EventType = "LINK_UP"
	EventLinkDown     EventType = "LINK_DOWN"
	EventPingLost     EventType = "PING_LOST"
	EventPingReceived EventType = "PING_RECEIVED"
	EventStatusReport EventType = "STATUS_REPORT"
)

// LinkEvent represents an event raised by the link supervisor
type LinkEvent struct {
	ID        uuid.UUID   `json:"id"`
	EventType EventType   `json:"event_type"`
	Status    *LinkStatus `json:"status,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"` // INFO, WARNING, ERROR
}

// NewLinkEvent creates an event stamped with a fresh id and the current time
func NewLinkEvent(eventType EventType, severity string) LinkEvent {
	return LinkEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Timestamp: time.Now(),
		Severity:  severity,
	}
}
