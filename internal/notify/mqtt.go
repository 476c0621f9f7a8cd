package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
	"golang.org/x/time/rate"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttDisconnectMs   = 250

	// Level changes can flap every frame; at most this many reach the broker per second.
	levelPublishRate  = 2
	levelPublishBurst = 1
)

// MQTT subtopics below the configured base topic.
const (
	topicStatus = "status"
	topicLevel  = "level"
	topicAlarm  = "alarm"
	topicError  = "error"
)

// ErrMQTTNotConnected is returned when publishing without a broker connection.
var ErrMQTTNotConnected = errors.New("not connected to MQTT broker")

// LevelMessage is the retained level state published on every level change.
type LevelMessage struct {
	Level     types.NoiseLevel `json:"level"`
	Volume    float64          `json:"volume"`
	Timestamp string           `json:"timestamp"`
}

// MQTTPublisher publishes alarm events and level changes to an MQTT broker.
// It is safe for concurrent use.
type MQTTPublisher struct {
	cfg       types.MQTTConfig
	baseTopic string
	limiter   *rate.Limiter
	levels    chan LevelMessage // holds only the newest undelivered level

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher creates a publisher. Connect must be called before publishing.
func NewMQTTPublisher(cfg types.MQTTConfig, station string) *MQTTPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "noisemonitor-" + uuid.NewString()[:8]
	}
	return &MQTTPublisher{
		cfg:       cfg,
		baseTopic: FormatTopic(cfg.Topic, station),
		limiter:   rate.NewLimiter(rate.Limit(levelPublishRate), levelPublishBurst),
		levels:    make(chan LevelMessage, 1),
	}
}

// FormatTopic replaces the {station} placeholder with a topic-safe station name.
func FormatTopic(pattern, station string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, station)
	return strings.TrimSuffix(strings.ReplaceAll(pattern, "{station}", slug), "/")
}

// Topic returns the full topic for a subtopic.
func (p *MQTTPublisher) Topic(sub string) string {
	return p.baseTopic + "/" + sub
}

// Connect opens the broker connection. A retained "offline" status is
// registered as the last will.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(p.Topic(topicStatus), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("mqtt connected", "broker", p.cfg.Broker)
		c.Publish(p.Topic(topicStatus), 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", p.cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(mqttConnectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("connection to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return util.WrapError("connect to MQTT broker", err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsConnected()
}

// PublishJSON publishes v to a subtopic with QoS 1.
func (p *MQTTPublisher) PublishJSON(sub string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return util.WrapError("marshal MQTT payload", err)
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrMQTTNotConnected
	}

	token := client.Publish(p.Topic(sub), 1, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", p.Topic(sub))
	}
	return token.Error()
}

// QueueLevel records the newest level for Run to publish. It never blocks;
// an undelivered older level is replaced.
func (p *MQTTPublisher) QueueLevel(level types.NoiseLevel, volume float64, at time.Time) {
	msg := LevelMessage{Level: level, Volume: volume, Timestamp: timestampUTC(at)}
	for {
		select {
		case p.levels <- msg:
			return
		default:
		}
		select {
		case <-p.levels:
		default:
		}
	}
}

// Run publishes queued levels as retained messages, rate limited, until ctx ends.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.levels:
			if err := p.limiter.Wait(ctx); err != nil {
				return nil //nolint:nilerr // context ended while waiting
			}
			// A newer level may have arrived while waiting.
			select {
			case newer := <-p.levels:
				msg = newer
			default:
			}
			if err := p.PublishJSON(topicLevel, msg, true); err != nil {
				slog.Debug("mqtt level publish failed", "error", err)
			}
		}
	}
}

// Close publishes a retained "offline" status and disconnects.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Publish(p.Topic(topicStatus), 1, true, "offline").WaitTimeout(time.Second)
	}
	client.Disconnect(mqttDisconnectMs)
}

// SendTestMQTT connects with cfg, publishes a test message and disconnects.
func SendTestMQTT(ctx context.Context, cfg types.MQTTConfig, station string) error {
	if cfg.Broker == "" {
		return fmt.Errorf("MQTT broker not configured")
	}
	p := NewMQTTPublisher(cfg, station)
	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer p.Close()

	return p.PublishJSON(eventTest, &WebhookPayload{
		Event:     eventTest,
		Station:   station,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(time.Now()),
	}, false)
}
