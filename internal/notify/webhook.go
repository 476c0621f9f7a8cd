package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10 * time.Second

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event      string           `json:"event"`
	Station    string           `json:"station,omitempty"`
	EpisodeID  string           `json:"episode_id,omitempty"`
	Level      types.NoiseLevel `json:"level,omitempty"`
	Volume     float64          `json:"volume,omitzero"`
	Message    string           `json:"message,omitempty"`
	NoisyForMs int64            `json:"noisy_for_ms,omitzero"`
	QuietForMs int64            `json:"quiet_for_ms,omitzero"`
	SoundedMs  int64            `json:"sounded_ms,omitzero"`
	ErrorKind  types.ErrorKind  `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// newAlarmPayload builds the payload shared by webhook and MQTT.
func newAlarmPayload(event string, ep *Episode) *WebhookPayload {
	return &WebhookPayload{
		Event:      event,
		Station:    ep.Station,
		EpisodeID:  ep.ID,
		Level:      ep.Level,
		Volume:     ep.Volume,
		Message:    ep.Message,
		NoisyForMs: ep.NoisyFor.Milliseconds(),
		QuietForMs: ep.QuietFor.Milliseconds(),
		SoundedMs:  ep.Sounded.Milliseconds(),
		Timestamp:  timestampUTC(ep.Time),
	}
}

// newCaptureErrorPayload builds the payload for a monitoring failure.
func newCaptureErrorPayload(station string, me *types.MonitorError, at time.Time) *WebhookPayload {
	return &WebhookPayload{
		Event:     eventCaptureError,
		Station:   station,
		Level:     types.LevelError,
		ErrorKind: me.Kind,
		Error:     me.Message,
		Timestamp: timestampUTC(at),
	}
}

// SendAlarmWebhook notifies the configured webhook that the alarm sounded.
func SendAlarmWebhook(ctx context.Context, webhookURL string, ep *Episode) error {
	return sendWebhook(ctx, webhookURL, newAlarmPayload(eventAlarmTriggered, ep))
}

// SendReleaseWebhook notifies the configured webhook that the alarm stopped.
func SendReleaseWebhook(ctx context.Context, webhookURL string, ep *Episode) error {
	return sendWebhook(ctx, webhookURL, newAlarmPayload(eventAlarmReleased, ep))
}

// SendCaptureErrorWebhook notifies the configured webhook that monitoring failed.
func SendCaptureErrorWebhook(ctx context.Context, webhookURL, station string, me *types.MonitorError, at time.Time) error {
	return sendWebhook(ctx, webhookURL, newCaptureErrorPayload(station, me, at))
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(ctx context.Context, webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     eventTest,
		Station:   stationName,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(time.Now()),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", AppName)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
