package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/endpoints"
	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/types"
)

// MessageSource is the inbound message channel the broker listens on.
// Subscribe registers the handler that receives every inbound envelope;
// Unsubscribe detaches it.
type MessageSource interface {
	Subscribe(handler func(ctx context.Context, env *types.Envelope)) error
	Unsubscribe() error
}

// Broker validates inbound cross-origin messages against the endpoint
// registry, dispatches recognized actions onto the event bus, and returns a
// correlated response to the sender. The registry, bus, and message source
// are injected; the broker owns no ambient global state.
type Broker struct {
	mu          sync.Mutex
	registry    *endpoints.Registry
	bus         *events.Bus
	source      MessageSource
	cfg         config.BridgeConfig
	logger      *logger.Logger
	listenCount int
	stats       BrokerStats
}

// New creates a new message broker
func New(cfg config.BridgeConfig, registry *endpoints.Registry, bus *events.Bus, source MessageSource, log *logger.Logger) (*Broker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	if registry == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "endpoint registry cannot be nil")
	}
	if bus == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event bus cannot be nil")
	}
	if source == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message source cannot be nil")
	}

	if cfg.Source == "" {
		cfg.Source = config.DefaultBridgeSource
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = config.DefaultResponseTimeout
	}

	b := &Broker{
		registry: registry,
		bus:      bus,
		source:   source,
		cfg:      cfg,
		logger:   log.With("component", "bridge_broker"),
	}

	b.logger.Info("Message broker initialized",
		"source_tag", cfg.Source,
		"response_timeout", cfg.ResponseTimeout.String(),
		"trusted_endpoints", registry.Len())

	return b, nil
}

// StartListening attaches the broker to its message source. Calls are
// reference counted: only the 0 to 1 transition subscribes.
func (b *Broker) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listenCount++
	if b.listenCount != 1 {
		b.logger.Debug("Listener refcount incremented", "count", b.listenCount)
		return nil
	}

	if err := b.source.Subscribe(b.OnMessage); err != nil {
		b.listenCount--
		return types.WrapError(types.ErrCodeInternal, "failed to subscribe to message source", err)
	}

	b.logger.Info("Message broker listening")
	return nil
}

// StopListening detaches the broker from its message source on the 1 to 0
// transition. A stop without a matching start logs an error and leaves the
// broker usable; it never panics.
func (b *Broker) StopListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listenCount--
	if b.listenCount > 0 {
		b.logger.Debug("Listener refcount decremented", "count", b.listenCount)
		return nil
	}

	if b.listenCount < 0 {
		b.logger.Error("Mismatched StopListening call without prior StartListening",
			"count", b.listenCount)
		b.listenCount = 0
		return nil
	}

	if err := b.source.Unsubscribe(); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to unsubscribe from message source", err)
	}

	b.logger.Info("Message broker stopped listening")
	return nil
}

// OnMessage is the entry point for an inbound cross-origin message. Messages
// with an empty origin, a trusted origin, or a malformed payload are dropped
// without a response or a log line, so unrelated traffic cannot flood the
// logs. Everything else goes to the action dispatcher.
//
// Note the direction of the trust check: messages from trusted origins are
// discarded and only untrusted senders reach the dispatcher. This mirrors the
// behavior the host integration has always had; change it only together with
// the host side.
func (b *Broker) OnMessage(ctx context.Context, env *types.Envelope) {
	b.mu.Lock()
	b.stats.Received++
	b.mu.Unlock()

	origin := env.EffectiveOrigin()
	if origin == "" ||
		b.registry.IsTrusted(origin) ||
		env.Data == nil ||
		env.Data.WidgetData == nil ||
		env.Data.WidgetID == "" {
		b.mu.Lock()
		b.stats.Discarded++
		b.mu.Unlock()
		return
	}

	b.dispatch(ctx, env)
}

// dispatch maps a recognized action to its side effect and response
func (b *Broker) dispatch(ctx context.Context, env *types.Envelope) {
	action := env.Data.WidgetAction()
	widgetID := env.Data.WidgetID

	switch action {
	case types.ActionContentLoaded:
		event := types.Event{
			Type:   types.EventTypeWidgetContentLoaded,
			Source: b.cfg.Source,
			Data: map[string]interface{}{
				"action":   types.EventActionContentLoaded,
				"widgetId": widgetID,
			},
		}
		if err := b.bus.Publish(ctx, event); err != nil {
			b.logger.Error("Failed to publish widget event",
				"widget_id", widgetID,
				"error", err)
		} else {
			b.mu.Lock()
			b.stats.EventsPublished++
			b.mu.Unlock()
		}

		b.mu.Lock()
		b.stats.Dispatched++
		b.mu.Unlock()

		b.sendResponse(ctx, env, types.SuccessResponse{Success: true})

	default:
		b.logger.Warn("Unhandled postMessage action",
			"action", action,
			"widget_id", widgetID,
			"origin", env.EffectiveOrigin())

		b.mu.Lock()
		b.stats.Unhandled++
		b.mu.Unlock()

		b.sendError(ctx, env, types.UnhandledMessage, nil)
	}
}

// ListenCount returns the current listener reference count
func (b *Broker) ListenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listenCount
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	Received         int64 `json:"received"`
	Discarded        int64 `json:"discarded"`
	Dispatched       int64 `json:"dispatched"`
	Unhandled        int64 `json:"unhandled"`
	EventsPublished  int64 `json:"events_published"`
	ResponsesSent    int64 `json:"responses_sent"`
	ResponseFailures int64 `json:"response_failures"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Received: %d, Discarded: %d, Dispatched: %d, Unhandled: %d, Responses: %d}",
		s.Received, s.Discarded, s.Dispatched, s.Unhandled, s.ResponsesSent)
}
