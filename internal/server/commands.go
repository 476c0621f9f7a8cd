package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// Command limits.
const (
	DefaultEventsLimit = 50
	testTimeout        = 45 * time.Second
)

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Controller is the monitoring engine as driven by clients.
type Controller interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
	PreviewAlarm() error
	StopAlarmPreview()
	Status() types.MonitorStatus
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg      *config.Config
	monitor  Controller
	settings SettingsStore
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, monitor Controller, store SettingsStore) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		monitor:  monitor,
		settings: store,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "monitoring/start", "notifications/email/test").
// triggerStatusUpdate is called once the command has taken effect.
func (h *CommandHandler) Handle(ctx context.Context, cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "monitoring":
		h.handleMonitoring(ctx, action, cmd, send, triggerStatusUpdate)
		return // status is pushed when the async action completes
	case "alarm":
		h.handleAlarm(action, cmd, send)
	case "settings":
		h.handleSettings(action, cmd, send)
	case "notifications":
		h.handleNotifications(ctx, action, subaction, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "system":
		h.handleSystem(action, cmd, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleMonitoring routes monitoring/* commands. Starting acquires the
// microphone, which can block, so both actions run off the reader goroutine.
func (h *CommandHandler) handleMonitoring(ctx context.Context, action string, cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	switch action {
	case "start":
		HandleActionAsync(cmd, send, triggerStatusUpdate, func() (any, error) {
			if err := h.monitor.StartMonitoring(ctx); err != nil {
				return nil, err
			}
			return h.monitor.Status(), nil
		})
	case "stop":
		HandleActionAsync(cmd, send, triggerStatusUpdate, func() (any, error) {
			h.monitor.StopMonitoring()
			return h.monitor.Status(), nil
		})
	default:
		slog.Warn("unknown monitoring action", "action", action)
		triggerStatusUpdate()
	}
}

// handleAlarm routes alarm/* commands.
func (h *CommandHandler) handleAlarm(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "preview":
		if err := h.monitor.PreviewAlarm(); err != nil {
			SendError(send, cmd.Type, err)
			return
		}
		SendSuccess(send, cmd.Type, nil)
	case "preview-stop":
		h.monitor.StopAlarmPreview()
		SendSuccess(send, cmd.Type, nil)
	default:
		slog.Warn("unknown alarm action", "action", action)
	}
}

// handleSettings routes settings/* commands.
func (h *CommandHandler) handleSettings(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		SendSuccess(send, cmd.Type, h.settings.Load().View())
	case "update":
		h.handleSettingsUpdate(cmd, send)
	default:
		slog.Warn("unknown settings action", "action", action)
	}
}

// handleNotifications routes notifications/*/* commands.
func (h *CommandHandler) handleNotifications(ctx context.Context, action, subaction string, cmd WSCommand, send chan<- any) {
	switch subaction {
	case "test":
		h.handleTest(ctx, send, action)
	default:
		slog.Warn("unknown notifications action", "action", action, "subaction", subaction)
	}
}

// handleEvents routes events/* commands.
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "view":
		h.handleViewEvents(cmd, send)
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

// handleSystem routes system/* commands.
func (h *CommandHandler) handleSystem(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "regenerate-key":
		h.handleRegenerateAPIKey(cmd, send)
	default:
		slog.Warn("unknown system action", "action", action)
	}
}

// handleStatus routes status/* commands.
func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
