// Package metrics exposes monitor state as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "noisemonitor"

// reportedLevels are the levels exported by the level gauge.
var reportedLevels = []types.NoiseLevel{
	types.LevelIdle,
	types.LevelInitializing,
	types.LevelQuiet,
	types.LevelMedium,
	types.LevelNoisy,
	types.LevelError,
}

// Metrics holds the monitor metrics and the registry they are registered in.
type Metrics struct {
	registry *prometheus.Registry

	level          *prometheus.GaugeVec
	volume         prometheus.Gauge
	monitoring     prometheus.Gauge
	alarmActive    prometheus.Gauge
	levelChanges   *prometheus.CounterVec
	alarmsTotal    prometheus.Counter
	releasesTotal  prometheus.Counter
	alarmFailures  *prometheus.CounterVec
	captureErrors  *prometheus.CounterVec
	alarmDuration  prometheus.Histogram
	triggerLatency prometheus.Histogram
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, in a new registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		level: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level",
			Help:      "Current noise level; 1 for the active level, 0 otherwise",
		}, []string{"level"}),
		volume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume",
			Help:      "Most recent volume reading on the 0-255 scale",
		}),
		monitoring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitoring",
			Help:      "Whether monitoring is running",
		}),
		alarmActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alarm_active",
			Help:      "Whether the alarm is sounding",
		}),
		levelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_changes_total",
			Help:      "Total number of level changes by new level",
		}, []string{"level"}),
		alarmsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_total",
			Help:      "Total number of alarms that started sounding",
		}),
		releasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_releases_total",
			Help:      "Total number of alarms released after the room quieted down",
		}),
		alarmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_failures_total",
			Help:      "Total number of alarm playback failures by kind",
		}, []string{"kind"}),
		captureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Total number of capture or processing failures by kind",
		}, []string{"kind"}),
		alarmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alarm_sounded_seconds",
			Help:      "How long the alarm sounded before it was released",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8), // 5s to ~10m
		}),
		triggerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alarm_noisy_seconds",
			Help:      "Noisy time accumulated when the alarm started",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.level, m.volume, m.monitoring, m.alarmActive, m.levelChanges,
		m.alarmsTotal, m.releasesTotal, m.alarmFailures, m.captureErrors,
		m.alarmDuration, m.triggerLatency,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	m.setLevel(types.LevelIdle)
	return m, nil
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setLevel(level types.NoiseLevel) {
	for _, l := range reportedLevels {
		v := 0.0
		if l == level {
			v = 1
		}
		m.level.WithLabelValues(string(l)).Set(v)
	}
}

// HandleEvent updates the metrics for a monitor event. It is a monitor.Listener.
func (m *Metrics) HandleEvent(ev monitor.Event) {
	switch ev.Type {
	case monitor.EventMonitoringStarted:
		m.monitoring.Set(1)
		m.setLevel(types.LevelInitializing)
	case monitor.EventMonitoringStopped:
		m.monitoring.Set(0)
		m.alarmActive.Set(0)
		m.volume.Set(0)
		m.setLevel(types.LevelIdle)
	case monitor.EventLevelChanged:
		m.volume.Set(ev.Volume)
		m.setLevel(ev.Level)
		m.levelChanges.WithLabelValues(string(ev.Level)).Inc()
	case monitor.EventAlarmTriggered:
		m.alarmActive.Set(1)
		m.alarmsTotal.Inc()
		m.triggerLatency.Observe(ev.Elapsed.Seconds())
	case monitor.EventAlarmReleased:
		m.alarmActive.Set(0)
		m.releasesTotal.Inc()
		m.alarmDuration.Observe(ev.Sounded.Seconds())
	case monitor.EventAlarmFailed:
		kind := string(types.PlaybackUnknown)
		if ev.Err != nil {
			kind = string(ev.Err.Playback)
		}
		m.alarmFailures.WithLabelValues(kind).Inc()
	case monitor.EventCaptureError:
		kind := string(types.ErrUnknown)
		if ev.Err != nil {
			kind = string(ev.Err.Kind)
		}
		m.monitoring.Set(0)
		m.alarmActive.Set(0)
		m.setLevel(types.LevelError)
		m.captureErrors.WithLabelValues(kind).Inc()
	}
}
