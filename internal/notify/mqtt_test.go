package notify

import (
	"context"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTopic(t *testing.T) {
	tests := []struct {
		pattern, station, want string
	}{
		{"noisemonitor/{station}", "ZuidWest FM", "noisemonitor/zuidwest-fm"},
		{"noisemonitor/{station}/", "Studio #2", "noisemonitor/studio-2"},
		{"fixed/topic", "ignored", "fixed/topic"},
		{"{station}", "A+B/C", "abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTopic(tt.pattern, tt.station), tt.pattern)
	}
}

func TestMQTTPublisherTopics(t *testing.T) {
	p := NewMQTTPublisher(types.MQTTConfig{Broker: "tcp://localhost:1883", Topic: "noisemonitor/{station}"}, "Studio")
	assert.Equal(t, "noisemonitor/studio/level", p.Topic(topicLevel))
	assert.Contains(t, p.cfg.ClientID, "noisemonitor-")
	assert.False(t, p.Connected())
}

func TestMQTTPublishWithoutConnection(t *testing.T) {
	p := NewMQTTPublisher(types.MQTTConfig{Broker: "tcp://localhost:1883", Topic: "t"}, "s")
	assert.ErrorIs(t, p.PublishJSON(topicAlarm, map[string]string{"a": "b"}, false), ErrMQTTNotConnected)
	p.Close()
}

func TestQueueLevelKeepsNewest(t *testing.T) {
	p := NewMQTTPublisher(types.MQTTConfig{Topic: "t"}, "s")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	p.QueueLevel(types.LevelQuiet, 10, at)
	p.QueueLevel(types.LevelMedium, 50, at)
	p.QueueLevel(types.LevelNoisy, 90, at.Add(time.Second))

	require.Len(t, p.levels, 1)
	msg := <-p.levels
	assert.Equal(t, types.LevelNoisy, msg.Level)
	assert.InDelta(t, 90, msg.Volume, 0.001)
	assert.Equal(t, "2026-03-01T09:00:01Z", msg.Timestamp)
}

func TestMQTTRunStopsWithContext(t *testing.T) {
	p := NewMQTTPublisher(types.MQTTConfig{Topic: "t"}, "s")
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.QueueLevel(types.LevelQuiet, 5, time.Now())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSendTestMQTTRequiresBroker(t *testing.T) {
	assert.Error(t, SendTestMQTT(t.Context(), types.MQTTConfig{}, "s"))
}
