package types

import "context"

// EventType represents the type of event
type EventType string

const (
	EventTypeWidgetContentLoaded EventType = "widget.content_loaded"
	EventTypeBridgeStarted       EventType = "bridge.started"
	EventTypeBridgeStopped       EventType = "bridge.stopped"
	EventTypeSystemStartup       EventType = "system.startup"
	EventTypeSystemShutdown      EventType = "system.shutdown"
)

// Event represents a system event
type Event struct {
	ID        ID                     `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp Timestamp              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// WidgetID returns the widget identifier carried in the event data, if any
func (e Event) WidgetID() string {
	if e.Data == nil {
		return ""
	}
	if id, ok := e.Data["widgetId"].(string); ok {
		return id
	}
	return ""
}

// EventHandler handles events
type EventHandler interface {
	// Handle processes an event
	Handle(ctx context.Context, event Event) error

	// CanHandle returns true if the handler can process the event type
	CanHandle(eventType EventType) bool
}

// EventFunc is a function adapter for EventHandler
type EventFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler
func (f EventFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// CanHandle implements EventHandler (always returns true for EventFunc)
func (f EventFunc) CanHandle(eventType EventType) bool {
	return true
}

// EventFilter defines a filter for events
type EventFilter struct {
	Type     *EventType `json:"type,omitempty"`
	Source   *string    `json:"source,omitempty"`
	WidgetID *string    `json:"widget_id,omitempty"`
}

// EventSubscription represents a subscription to events
type EventSubscription struct {
	ID        ID           `json:"id"`
	Filter    EventFilter  `json:"filter"`
	Handler   EventHandler `json:"-"`
	Active    bool         `json:"active"`
	CreatedAt Timestamp    `json:"created_at"`
}
