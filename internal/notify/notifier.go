// Package notify delivers alarm notifications to webhook, log file, email and MQTT.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/config"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// sendTimeout bounds a single notification delivery.
const sendTimeout = time.Minute

// Episode describes one alarm from trigger to release.
type Episode struct {
	ID       string
	Station  string
	Level    types.NoiseLevel
	Volume   float64
	Message  string
	NoisyFor time.Duration // set when triggered
	QuietFor time.Duration // set when released
	Sounded  time.Duration // set when released
	Time     time.Time
}

// AlarmNotifier sends notifications for alarm episodes. Every channel is
// notified at most once per episode, and a release is only sent to the
// channels that received the trigger.
type AlarmNotifier struct {
	cfg  *config.Config
	mqtt *MQTTPublisher // nil when no broker is configured

	// mu protects the episode state fields below
	mu sync.Mutex

	episodeID   string
	webhookSent bool
	emailSent   bool
	logSent     bool
	mqttSent    bool

	// Cached Graph client for email notifications, rebuilt when graphConfig changes
	graphClient *GraphClient
	graphConfig GraphConfig

	wg sync.WaitGroup
}

// NewAlarmNotifier returns an AlarmNotifier configured with the given config.
// publisher may be nil.
func NewAlarmNotifier(cfg *config.Config, publisher *MQTTPublisher) *AlarmNotifier {
	return &AlarmNotifier{cfg: cfg, mqtt: publisher}
}

// getOrCreateGraphClient returns the cached Graph client, creating it if
// needed or if the Graph configuration changed since it was built.
func (n *AlarmNotifier) getOrCreateGraphClient(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil && n.graphConfig == *cfg {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	n.graphConfig = *cfg
	return client, nil
}

// HandleEvent processes a monitor event. It never blocks on delivery.
func (n *AlarmNotifier) HandleEvent(ev monitor.Event) {
	switch ev.Type {
	case monitor.EventAlarmTriggered:
		n.handleTriggered(ev)
	case monitor.EventAlarmReleased:
		n.handleReleased(ev)
	case monitor.EventCaptureError:
		n.handleCaptureError(ev)
	case monitor.EventMonitoringStopped:
		n.Reset()
	case monitor.EventLevelChanged:
		if n.mqtt != nil {
			n.mqtt.QueueLevel(ev.Level, ev.Volume, ev.Time)
		}
	}
}

// handleTriggered starts a new episode and notifies every configured channel once.
func (n *AlarmNotifier) handleTriggered(ev monitor.Event) {
	cfg := n.cfg.Snapshot()

	n.mu.Lock()
	if n.episodeID == "" {
		n.episodeID = uuid.NewString()
	}
	ep := &Episode{
		ID:       n.episodeID,
		Station:  cfg.StationName,
		Level:    ev.Level,
		Volume:   ev.Volume,
		Message:  ev.Message,
		NoisyFor: ev.Elapsed,
		Time:     ev.Time,
	}
	n.mu.Unlock()

	n.trySend(&n.webhookSent, cfg.HasWebhook(), "Alarm webhook", func(ctx context.Context) error {
		return SendAlarmWebhook(ctx, cfg.WebhookURL, ep)
	})
	n.trySend(&n.emailSent, cfg.HasGraph(), "Alarm email", func(ctx context.Context) error {
		subject, body := alarmEmail(ep)
		return n.sendEmail(ctx, cfg.GraphConfig(), subject, body)
	})
	n.trySend(&n.logSent, cfg.HasLogPath(), "Alarm log", func(context.Context) error {
		return LogAlarmStart(cfg.LogPath, ep)
	})
	n.trySend(&n.mqttSent, n.mqtt != nil, "Alarm MQTT", func(context.Context) error {
		return n.mqtt.PublishJSON(topicAlarm, newAlarmPayload(eventAlarmTriggered, ep), true)
	})
}

// trySend sends a notification if the condition is met and not already sent.
func (n *AlarmNotifier) trySend(sent *bool, condition bool, notifyType string, sender func(context.Context) error) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		n.dispatch(notifyType, sender)
	}
}

// dispatch runs sender in the background and logs the outcome.
func (n *AlarmNotifier) dispatch(notifyType string, sender func(context.Context) error) {
	n.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		util.LogNotifyResult(func() error { return sender(ctx) }, notifyType)
	})
}

// handleReleased sends release notifications to the channels that received the trigger.
func (n *AlarmNotifier) handleReleased(ev monitor.Event) {
	cfg := n.cfg.Snapshot()

	n.mu.Lock()
	ep := &Episode{
		ID:       n.episodeID,
		Station:  cfg.StationName,
		Level:    ev.Level,
		QuietFor: ev.Elapsed,
		Sounded:  ev.Sounded,
		Time:     ev.Time,
	}
	sendWebhook := n.webhookSent
	sendEmail := n.emailSent
	sendLog := n.logSent
	sendMQTT := n.mqttSent
	n.resetLocked()
	n.mu.Unlock()

	if sendWebhook {
		n.dispatch("Release webhook", func(ctx context.Context) error {
			return SendReleaseWebhook(ctx, cfg.WebhookURL, ep)
		})
	}
	if sendEmail {
		n.dispatch("Release email", func(ctx context.Context) error {
			subject, body := releaseEmail(ep)
			return n.sendEmail(ctx, cfg.GraphConfig(), subject, body)
		})
	}
	if sendLog {
		n.dispatch("Release log", func(context.Context) error {
			return LogAlarmEnd(cfg.LogPath, ep)
		})
	}
	if sendMQTT {
		n.dispatch("Release MQTT", func(context.Context) error {
			return n.mqtt.PublishJSON(topicAlarm, newAlarmPayload(eventAlarmReleased, ep), true)
		})
	}
}

// handleCaptureError reports a monitoring failure to webhook and MQTT.
func (n *AlarmNotifier) handleCaptureError(ev monitor.Event) {
	if ev.Err == nil {
		return
	}
	cfg := n.cfg.Snapshot()
	n.Reset()

	if cfg.HasWebhook() {
		n.dispatch("Capture error webhook", func(ctx context.Context) error {
			return SendCaptureErrorWebhook(ctx, cfg.WebhookURL, cfg.StationName, ev.Err, ev.Time)
		})
	}
	if n.mqtt != nil {
		n.dispatch("Capture error MQTT", func(context.Context) error {
			return n.mqtt.PublishJSON(topicError, newCaptureErrorPayload(cfg.StationName, ev.Err, ev.Time), false)
		})
	}
}

// sendEmail handles the common email sending infrastructure.
func (n *AlarmNotifier) sendEmail(ctx context.Context, cfg GraphConfig, subject, body string) error {
	if !IsConfigured(&cfg) {
		return nil
	}

	client, err := n.getOrCreateGraphClient(&cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}

	return nil
}

// Reset ends the current episode without sending release notifications.
func (n *AlarmNotifier) Reset() {
	n.mu.Lock()
	n.resetLocked()
	n.mu.Unlock()
}

func (n *AlarmNotifier) resetLocked() {
	n.episodeID = ""
	n.webhookSent = false
	n.emailSent = false
	n.logSent = false
	n.mqttSent = false
}

// Wait blocks until all in-flight notifications have finished.
func (n *AlarmNotifier) Wait() {
	n.wg.Wait()
}
