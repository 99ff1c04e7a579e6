package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// Event is one journal entry: an interface switch, a downlink outcome or an
// operator action
type Event struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	GatewayEUI *lorawan.EUI64 `json:"gatewayEui,omitempty" db:"gateway_eui"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// NewEvent creates an event with a fresh ID
func NewEvent(typ EventType, level EventLevel, code, description string) *Event {
	return &Event{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: description,
	}
}

// With adds a detail field and returns the event
func (e *Event) With(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(Variables)
	}
	e.Details[key] = value
	return e
}

// EventType represents event types
type EventType string

const (
	// Network events
	EventTypeInterfaceSwitch EventType = "INTERFACE_SWITCH"
	EventTypeReconnect       EventType = "RECONNECT"
	EventTypeModeChange      EventType = "MODE_CHANGE"

	// Forwarder events
	EventTypeForwarderStart EventType = "FORWARDER_START"
	EventTypeDownlink       EventType = "DOWNLINK"
)

// ParseEventType accepts the upper-case names above
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case EventTypeInterfaceSwitch, EventTypeReconnect, EventTypeModeChange,
		EventTypeForwarderStart, EventTypeDownlink:
		return t, true
	}
	return "", false
}

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
