package types

import (
	"context"
	"fmt"
)

// Action names carried in widgetData.action of an inbound message
const (
	ActionContentLoaded = "content_loaded"
)

// Internal event action names published on the event bus
const (
	EventActionContentLoaded = "widget_content_loaded"
)

// UnhandledMessage is the error message returned to the sender for an
// unrecognized action.
const UnhandledMessage = "The postMessage was unhandled"

// MessageData is the payload of a cross-origin widget message. Action is a
// top-level field some senders set; the action that drives dispatch lives in
// WidgetData["action"].
type MessageData struct {
	Action     string                 `json:"action,omitempty"`
	WidgetData map[string]interface{} `json:"widgetData,omitempty"`
	WidgetID   string                 `json:"widgetId,omitempty"`
	Response   interface{}            `json:"response,omitempty"`
}

// Clone returns a deep copy of the message data
func (d *MessageData) Clone() *MessageData {
	if d == nil {
		return nil
	}
	out := &MessageData{
		Action:   d.Action,
		WidgetID: d.WidgetID,
		Response: d.Response,
	}
	if d.WidgetData != nil {
		out.WidgetData = cloneValueMap(d.WidgetData)
	}
	return out
}

// WidgetAction returns the action name from widgetData, if present
func (d *MessageData) WidgetAction() string {
	if d == nil || d.WidgetData == nil {
		return ""
	}
	if action, ok := d.WidgetData["action"].(string); ok {
		return action
	}
	return ""
}

// cloneValueMap deep-copies a decoded JSON object
func cloneValueMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies a decoded JSON value
func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneValueMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// Envelope is an inbound cross-origin message together with its sender
// context. Origin identifies the sending browsing context; Original holds
// the nested original event some host environments wrap messages in.
type Envelope struct {
	ID       ID           `json:"id,omitempty"`
	Origin   string       `json:"origin"`
	Data     *MessageData `json:"data,omitempty"`
	Original *Envelope    `json:"original,omitempty"`
	Sink     ReplySink    `json:"-"`
}

// EffectiveOrigin returns the envelope origin, falling back to the nested
// original event's origin when the outer one is absent
func (e *Envelope) EffectiveOrigin() string {
	if e.Origin != "" {
		return e.Origin
	}
	if e.Original != nil {
		return e.Original.Origin
	}
	return ""
}

// SuccessResponse is the response payload for a handled action
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorBody describes a failure returned to the sender
type ErrorBody struct {
	Message string `json:"message"`
	Err     string `json:"_error,omitempty"`
}

// ErrorResponse is the response payload for a failed or unhandled action
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds an error response, optionally attaching the
// original error for diagnostics
func NewErrorResponse(message string, err error) ErrorResponse {
	body := ErrorBody{Message: message}
	if err != nil {
		body.Err = err.Error()
	}
	return ErrorResponse{Error: body}
}

// ReplySink is the reply channel back to a message's sender. Implementations
// post the augmented payload to the sending context.
type ReplySink interface {
	// Respond posts a response payload back to the sender
	Respond(ctx context.Context, data *MessageData) error
}

// ReplySinkFunc is a function adapter for ReplySink
type ReplySinkFunc func(ctx context.Context, data *MessageData) error

// Respond implements ReplySink
func (f ReplySinkFunc) Respond(ctx context.Context, data *MessageData) error {
	return f(ctx, data)
}

// String returns a string representation of the envelope
func (e *Envelope) String() string {
	widgetID := ""
	if e.Data != nil {
		widgetID = e.Data.WidgetID
	}
	return fmt.Sprintf("Envelope{ID: %s, Origin: %s, WidgetID: %s}", e.ID, e.Origin, widgetID)
}
