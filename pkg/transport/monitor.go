package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/types"
)

const (
	// monitorStatsInterval is how often a stats frame is pushed to monitors
	monitorStatsInterval = 2 * time.Second

	// monitorEventBuffer bounds the per-monitor event backlog; a slow
	// monitor drops events rather than stalling the bus
	monitorEventBuffer = 256
)

// MonitorFrame is one frame on the monitor feed
type MonitorFrame struct {
	Type  string           `json:"type"` // "event" or "stats"
	Event *types.Event     `json:"event,omitempty"`
	Stats *MonitorSnapshot `json:"stats,omitempty"`
}

// MonitorSnapshot is a point-in-time statistics frame
type MonitorSnapshot struct {
	Server ServerStats     `json:"server"`
	Bus    events.BusStats `json:"bus"`
	Broker interface{}     `json:"broker,omitempty"`
}

// handleMonitor upgrades a monitor connection and streams bus events plus
// periodic statistics frames to it
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade monitor connection",
			"remote_addr", r.RemoteAddr,
			"error", err)
		return
	}

	s.mu.Lock()
	s.stats.MonitorConns++
	s.monitors[ws] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("Monitor connected", "remote_addr", r.RemoteAddr)

	eventCh := make(chan types.Event, monitorEventBuffer)
	subID, err := s.bus.Subscribe(r.Context(), types.EventFilter{},
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			select {
			case eventCh <- event:
			default:
				// Slow monitor, drop the event
			}
			return nil
		}))
	if err != nil {
		s.logger.Error("Failed to subscribe monitor to event bus", "error", err)
		_ = ws.Close()
		s.monitorDone(ws)
		return
	}

	done := make(chan struct{})

	// Read pump: monitors never send frames, but reading is the only way to
	// observe the close handshake
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		for {
			if _, _, readErr := ws.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if unsubErr := s.bus.Unsubscribe(subID); unsubErr != nil {
				s.logger.Debug("Failed to unsubscribe monitor", "error", unsubErr)
			}
			_ = ws.Close()
			s.monitorDone(ws)
			s.logger.Debug("Monitor disconnected", "remote_addr", r.RemoteAddr)
		}()

		ticker := time.NewTicker(monitorStatsInterval)
		defer ticker.Stop()

		for {
			select {
			case event := <-eventCh:
				frame := MonitorFrame{Type: "event", Event: &event}
				if writeErr := s.writeMonitorFrame(ws, frame); writeErr != nil {
					return
				}
			case <-ticker.C:
				snapshot := s.snapshot()
				frame := MonitorFrame{Type: "stats", Stats: &snapshot}
				if writeErr := s.writeMonitorFrame(ws, frame); writeErr != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// writeMonitorFrame writes a single frame to a monitor connection
func (s *Server) writeMonitorFrame(ws *websocket.Conn, frame MonitorFrame) error {
	if s.cfg.WriteTimeout > 0 {
		if err := ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return ws.WriteJSON(frame)
}

// snapshot assembles a statistics frame
func (s *Server) snapshot() MonitorSnapshot {
	s.mu.RLock()
	statsFn := s.statsFn
	s.mu.RUnlock()

	snapshot := MonitorSnapshot{
		Server: s.Stats(),
		Bus:    s.bus.Stats(),
	}
	if statsFn != nil {
		snapshot.Broker = statsFn()
	}
	return snapshot
}

// monitorDone drops a monitor connection from the registry
func (s *Server) monitorDone(ws *websocket.Conn) {
	s.mu.Lock()
	s.stats.MonitorConns--
	delete(s.monitors, ws)
	s.mu.Unlock()
}
