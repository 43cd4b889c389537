package bridge

import (
	"context"

	"github.com/embra/widgetbridge/pkg/types"
)

// sendResponse deep-copies the original message data, sets the response
// field, and posts it back to the sender at its origin
func (b *Broker) sendResponse(ctx context.Context, env *types.Envelope, payload interface{}) {
	if env.Sink == nil {
		b.logger.Error("No reply sink on envelope, dropping response",
			"envelope_id", env.ID,
			"origin", env.EffectiveOrigin())
		b.mu.Lock()
		b.stats.ResponseFailures++
		b.mu.Unlock()
		return
	}

	data := env.Data.Clone()
	if data == nil {
		data = &types.MessageData{}
	}
	data.Response = payload

	respCtx, cancel := context.WithTimeout(ctx, b.cfg.ResponseTimeout)
	defer cancel()

	if err := env.Sink.Respond(respCtx, data); err != nil {
		b.logger.Error("Failed to post response to sender",
			"envelope_id", env.ID,
			"origin", env.EffectiveOrigin(),
			"error", err)
		b.mu.Lock()
		b.stats.ResponseFailures++
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.stats.ResponsesSent++
	b.mu.Unlock()

	b.logger.Debug("Response sent",
		"envelope_id", env.ID,
		"origin", env.EffectiveOrigin())
}

// sendError posts a structured error response back to the sender, optionally
// attaching the original error for diagnostics. The log line interpolates the
// top-level data action field, which inbound messages rarely carry, so it is
// usually empty.
func (b *Broker) sendError(ctx context.Context, env *types.Envelope, message string, cause error) {
	topAction := ""
	if env.Data != nil {
		topAction = env.Data.Action
	}
	b.logger.Warn("Responding with error to postMessage "+topAction,
		"envelope_id", env.ID,
		"origin", env.EffectiveOrigin(),
		"message", message,
		"cause", cause)

	b.sendResponse(ctx, env, types.NewErrorResponse(message, cause))
}
