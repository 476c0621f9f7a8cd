package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/server"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

const (
	statusInterval  = 250 * time.Millisecond
	devicesInterval = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Controller is the monitoring engine as used by the HTTP layer.
type Controller interface {
	server.Controller
	Level() types.NoiseLevel
}

// Server is an HTTP server that provides the REST API, the WebSocket status
// stream and the metrics endpoint.
type Server struct {
	config   *config.Config
	monitor  Controller
	settings server.SettingsStore
	commands *server.CommandHandler
	version  *VersionChecker
	metrics  *metrics.Metrics // nil when disabled
	devices  func() ([]types.AudioDevice, error)
}

// NewServer returns a new Server. m may be nil.
func NewServer(cfg *config.Config, mon Controller, store server.SettingsStore, version *VersionChecker, m *metrics.Metrics) *Server {
	return &Server{
		config:   cfg,
		monitor:  mon,
		settings: store,
		commands: server.NewCommandHandler(cfg, mon, store),
		version:  version,
		metrics:  m,
		devices:  audio.ListDevices,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go s.runWebSocketWriter(conn, send, done)
	go s.runWebSocketReader(ctx, conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection
// until done is closed. send is never closed because async command handlers
// may still deliver results after the client went away.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any, done <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(ctx context.Context, conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(ctx, cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop sends status updates until the reader finishes.
func (s *Server) runWebSocketEventLoop(send chan<- any, done, statusUpdate <-chan struct{}) {
	statusTicker := time.NewTicker(statusInterval)
	devicesTicker := time.NewTicker(devicesInterval)
	defer statusTicker.Stop()
	defer devicesTicker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildWSStatus(true)) {
		return
	}

	for {
		var msg types.WSStatusResponse
		select {
		case <-done:
			return
		case <-statusUpdate:
			msg = s.buildWSStatus(false)
		case <-statusTicker.C:
			msg = s.buildWSStatus(false)
		case <-devicesTicker.C:
			msg = s.buildWSStatus(true)
		}
		if !trySend(msg) {
			return
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus(withDevices bool) types.WSStatusResponse {
	resp := types.WSStatusResponse{
		Type:    "status",
		Status:  s.monitor.Status(),
		Version: s.version.Info(),
	}
	if withDevices {
		devices, err := s.devices()
		if err != nil {
			slog.Debug("failed to list audio devices", "error", err)
		}
		resp.Devices = devices
	}
	return resp
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/settings", s.handleAPIGetSettings)
	mux.HandleFunc("GET /api/devices", s.handleAPIDevices)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)

	mux.HandleFunc("POST /api/monitoring/start", auth(s.handleAPIStartMonitoring))
	mux.HandleFunc("POST /api/monitoring/stop", auth(s.handleAPIStopMonitoring))
	mux.HandleFunc("POST /api/alarm/preview", auth(s.handleAPIPreviewAlarm))
	mux.HandleFunc("POST /api/alarm/preview/stop", auth(s.handleAPIStopPreview))
	mux.HandleFunc("PUT /api/settings", auth(s.handleAPIUpdateSettings))
	mux.HandleFunc("POST /api/notifications/{channel}/test", auth(s.handleAPITestNotification))

	mux.HandleFunc("/ws", s.handleWebSocket)

	if s.metrics != nil {
		mux.Handle("GET "+s.config.Snapshot().MetricsPath, s.metrics.Handler())
	}

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware requiring the X-API-Key header when an API key is configured.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.APIKey()
		if apiKey == "" {
			next(w, r)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// ListenAndServe serves HTTP until ctx ends, then shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting web server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
