package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/types"
)

// Handler receives every inbound envelope from widget connections
type Handler func(ctx context.Context, env *types.Envelope)

// Server accepts widget connections over websockets and turns their frames
// into envelopes. The handshake Origin header identifies the sending context;
// each connection doubles as the envelope's reply sink.
type Server struct {
	mu         sync.RWMutex
	cfg        config.ServerConfig
	logger     *logger.Logger
	bus        *events.Bus
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	conns      map[string]*Conn
	monitors   map[*websocket.Conn]struct{}
	connCount  int
	handler    Handler
	statsFn    func() interface{}
	closed     bool
	wg         sync.WaitGroup
	stats      ServerStats
}

// NewServer creates a new websocket transport server
func NewServer(cfg config.ServerConfig, bus *events.Bus, log *logger.Logger) (*Server, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if bus == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event bus cannot be nil")
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "transport_server"),
		bus:      bus,
		conns:    make(map[string]*Conn),
		monitors: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is not an access control here. Trust decisions belong
			// to the broker; the transport accepts any origin and records it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.logger.Info("Transport server initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"max_connections", cfg.MaxConnections,
		"monitor_enabled", cfg.MonitorEnabled)

	return s, nil
}

// Subscribe registers the inbound message handler. Only one handler is
// active at a time; a second Subscribe replaces the first.
func (s *Server) Subscribe(handler func(ctx context.Context, env *types.Envelope)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "transport server is closed")
	}
	if handler == nil {
		return types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}

	s.handler = handler
	s.logger.Debug("Message handler subscribed")
	return nil
}

// Unsubscribe detaches the inbound message handler. Frames arriving while no
// handler is attached are dropped.
func (s *Server) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		return types.NewError(types.ErrCodeNotFound, "no handler subscribed")
	}

	s.handler = nil
	s.logger.Debug("Message handler unsubscribed")
	return nil
}

// SetStatsProvider installs a callback supplying broker statistics for the
// monitor feed
func (s *Server) SetStatsProvider(fn func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFn = fn
}

// Listen starts serving widget and monitor connections
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "transport server is closed")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on "+addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/widgets", s.handleWidget)
	if s.cfg.MonitorEnabled {
		mux.HandleFunc("/monitor", s.handleMonitor)
	}

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				s.logger.Error("HTTP server stopped unexpectedly", "error", serveErr)
			}
		}
	}()

	s.logger.Info("Transport server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// handleWidget upgrades a widget connection and pumps its frames into the
// subscribed handler
func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connCount := s.connCount
	maxConns := s.cfg.MaxConnections
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	if maxConns > 0 && connCount >= maxConns {
		s.logger.Warn("Connection limit reached, rejecting connection",
			"remote_addr", r.RemoteAddr,
			"current_count", connCount,
			"max_connections", maxConns)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			"remote_addr", r.RemoteAddr,
			"error", err)
		return
	}

	origin := r.Header.Get("Origin")
	conn := newConn(ws, origin, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.connCount++
	s.stats.TotalConns++
	s.mu.Unlock()

	s.logger.Debug("Widget connection accepted",
		"conn_id", conn.ID(),
		"origin", origin,
		"remote_addr", r.RemoteAddr,
		"conn_count", s.ConnCount())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()
}

// readLoop reads frames from a widget connection until it closes
func (s *Server) readLoop(conn *Conn) {
	defer s.removeConn(conn)

	if s.cfg.MaxMessageBytes > 0 {
		conn.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		var env types.Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Widget connection read failed",
					"conn_id", conn.ID(),
					"error", err)
			}
			return
		}

		conn.touch()

		// The handshake origin is authoritative; frames cannot claim one.
		// The nested original event stays available for the compatibility
		// fallback when the handshake carried no Origin header.
		env.Origin = conn.Origin()
		env.ID = types.GenerateID()
		env.Sink = conn

		s.mu.Lock()
		s.stats.MessagesReceived++
		handler := s.handler
		s.mu.Unlock()

		if handler == nil {
			s.mu.Lock()
			s.stats.MessagesDropped++
			s.mu.Unlock()
			continue
		}

		// Dispatch synchronously: one frame is fully handled, response
		// included, before the next is read from this connection.
		handler(context.Background(), &env)
	}
}

// removeConn drops a connection from the registry and closes it
func (s *Server) removeConn(conn *Conn) {
	s.mu.Lock()
	if _, exists := s.conns[conn.ID()]; exists {
		delete(s.conns, conn.ID())
		s.connCount--
	}
	connCount := s.connCount
	s.mu.Unlock()

	_ = conn.Close()

	s.logger.Debug("Widget connection closed",
		"conn_id", conn.ID(),
		"conn_count", connCount)
}

// ConnCount returns the number of active widget connections
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connCount
}

// Close shuts down the server and all connections
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "transport server already closed")
	}
	s.closed = true
	httpServer := s.httpServer
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	monitors := make([]*websocket.Conn, 0, len(s.monitors))
	for ws := range s.monitors {
		monitors = append(monitors, ws)
	}
	s.mu.Unlock()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", "error", err)
		}
	}

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", "conn_id", conn.ID(), "error", err)
		}
	}
	for _, ws := range monitors {
		_ = ws.Close()
	}

	s.mu.Lock()
	s.conns = make(map[string]*Conn)
	s.connCount = 0
	s.mu.Unlock()

	// Wait for read loops and the serve goroutine to finish
	s.wg.Wait()

	s.logger.Info("Transport server closed")
	return nil
}

// Stats returns server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.ActiveConns = s.connCount
	return stats
}

// ServerStats represents transport server statistics
type ServerStats struct {
	ActiveConns      int   `json:"active_connections"`
	TotalConns       int64 `json:"total_connections"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesDropped  int64 `json:"messages_dropped"`
	MonitorConns     int   `json:"monitor_connections"`
}

// String returns a string representation of the stats
func (s ServerStats) String() string {
	return fmt.Sprintf("ServerStats{Active: %d, Total: %d, Received: %d, Dropped: %d}",
		s.ActiveConns, s.TotalConns, s.MessagesReceived, s.MessagesDropped)
}
