package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levelValue(m *Metrics, level types.NoiseLevel) float64 {
	return testutil.ToFloat64(m.level.WithLabelValues(string(level)))
}

func TestNewStartsIdle(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	assert.Equal(t, float64(1), levelValue(m, types.LevelIdle))
	assert.Equal(t, float64(0), levelValue(m, types.LevelNoisy))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.monitoring))
}

func TestHandleEventAlarmEpisode(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.HandleEvent(monitor.Event{Type: monitor.EventMonitoringStarted})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.monitoring))
	assert.Equal(t, float64(1), levelValue(m, types.LevelInitializing))

	m.HandleEvent(monitor.Event{Type: monitor.EventLevelChanged, Level: types.LevelNoisy, Volume: 120})
	assert.Equal(t, float64(1), levelValue(m, types.LevelNoisy))
	assert.Equal(t, float64(0), levelValue(m, types.LevelInitializing))
	assert.Equal(t, float64(120), testutil.ToFloat64(m.volume))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.levelChanges.WithLabelValues("noisy")))

	m.HandleEvent(monitor.Event{Type: monitor.EventAlarmTriggered, Elapsed: 3 * time.Second})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.alarmActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.alarmsTotal))

	m.HandleEvent(monitor.Event{Type: monitor.EventAlarmReleased, Sounded: 20 * time.Second})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.alarmActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.releasesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.alarmDuration))

	m.HandleEvent(monitor.Event{Type: monitor.EventMonitoringStopped})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.monitoring))
	assert.Equal(t, float64(1), levelValue(m, types.LevelIdle))
}

func TestHandleEventFailures(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.HandleEvent(monitor.Event{
		Type: monitor.EventAlarmFailed,
		Err:  types.NewPlaybackError(types.PlaybackNetwork, nil),
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.alarmFailures.WithLabelValues("network")))

	m.HandleEvent(monitor.Event{
		Type: monitor.EventCaptureError,
		Err:  types.NewCaptureError(types.ErrDeviceBusy, nil),
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.captureErrors.WithLabelValues("device_busy")))
	assert.Equal(t, float64(1), levelValue(m, types.LevelError))
}

func TestHandlerServesMetrics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.HandleEvent(monitor.Event{Type: monitor.EventAlarmTriggered})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "noisemonitor_alarms_total 1")
	assert.Contains(t, string(body), `noisemonitor_level{level="idle"} 1`)
}
