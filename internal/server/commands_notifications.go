package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/notify"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// EventsResult is the data of an events/view result.
type EventsResult struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// RunNotificationTest sends a test notification through one channel using the current configuration.
func (h *CommandHandler) RunNotificationTest(ctx context.Context, testType string) error {
	cfg := h.cfg.Snapshot()
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	switch testType {
	case "webhook":
		return notify.SendTestWebhook(ctx, cfg.WebhookURL, cfg.StationName)
	case "log":
		return notify.WriteTestLog(cfg.LogPath)
	case "email":
		graph := cfg.GraphConfig()
		return notify.SendTestEmail(ctx, &graph, cfg.StationName)
	case "mqtt":
		return notify.SendTestMQTT(ctx, cfg.MQTT, cfg.StationName)
	default:
		return fmt.Errorf("unknown test type: %s", testType)
	}
}

// handleTest executes a notification test and sends the result to the client.
func (h *CommandHandler) handleTest(ctx context.Context, send chan<- any, testType string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in test handler", "test", testType, "panic", r)
			}
		}()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: testType,
			Success:  true,
		}

		if err := h.RunNotificationTest(ctx, testType); err != nil {
			slog.Error("test failed", "test", testType, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("test succeeded", "test", testType)
		}

		trySend(send, "test_result", result)
	}()
}

// ReadEvents returns a page of the event history, newest first.
func (h *CommandHandler) ReadEvents(req *EventsViewRequest) (*EventsResult, error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultEventsLimit
	}
	events, hasMore, err := eventlog.ReadLast(h.cfg.Snapshot().EventLogPath, limit, req.Offset, eventlog.TypeFilter(req.Filter))
	if err != nil {
		return nil, err
	}
	return &EventsResult{Events: events, HasMore: hasMore}, nil
}

// handleViewEvents processes an events/view command.
func (h *CommandHandler) handleViewEvents(cmd WSCommand, send chan<- any) {
	var req EventsViewRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	HandleActionAsync(cmd, send, nil, func() (any, error) {
		return h.ReadEvents(&req)
	})
}
