package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/server"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
)

// serviceName identifies the service in health responses.
const serviceName = "noisemonitor"

// maxRequestBytes bounds REST request bodies; data URI sounds can be large.
const maxRequestBytes = 12 << 20

// API response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseJSON reads and parses JSON from the request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// monitorErrorResponse is the body returned when the engine rejects an operation.
type monitorErrorResponse struct {
	Error    string             `json:"error"`
	Kind     types.ErrorKind    `json:"kind,omitempty"`
	Playback types.PlaybackKind `json:"playback,omitempty"`
}

// writeMonitorError maps engine errors to HTTP responses.
func writeMonitorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrAlreadyMonitoring),
		errors.Is(err, monitor.ErrMonitoringActive),
		errors.Is(err, monitor.ErrStartAborted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		if me, ok := types.AsMonitorError(err); ok {
			writeJSON(w, http.StatusServiceUnavailable, monitorErrorResponse{
				Error:    me.Message,
				Kind:     me.Kind,
				Playback: me.Playback,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealth reports that the service is up.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Version:   normalizeVersion(Version),
	})
}

// handleAPIStatus returns the engine status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// handleAPIStartMonitoring acquires the microphone and starts monitoring.
// POST /api/monitoring/start
func (s *Server) handleAPIStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.StartMonitoring(r.Context()); err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// handleAPIStopMonitoring stops monitoring and the alarm.
// POST /api/monitoring/stop
func (s *Server) handleAPIStopMonitoring(w http.ResponseWriter, _ *http.Request) {
	s.monitor.StopMonitoring()
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// handleAPIPreviewAlarm plays the configured alarm sound.
// POST /api/alarm/preview
func (s *Server) handleAPIPreviewAlarm(w http.ResponseWriter, _ *http.Request) {
	if err := s.monitor.PreviewAlarm(); err != nil {
		writeMonitorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.monitor.Status())
}

// handleAPIStopPreview stops a running alarm preview.
// POST /api/alarm/preview/stop
func (s *Server) handleAPIStopPreview(w http.ResponseWriter, _ *http.Request) {
	s.monitor.StopAlarmPreview()
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// handleAPIGetSettings returns the current thresholds and alarm settings.
// GET /api/settings
func (s *Server) handleAPIGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Load().View())
}

// validationErrorResponse is the body returned for rejected settings.
type validationErrorResponse struct {
	Error  string             `json:"error"`
	Fields []types.FieldError `json:"fields"`
}

// handleAPIUpdateSettings applies a partial settings update.
// PUT /api/settings
func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.SettingsUpdateRequest](w, r)
	if !ok {
		return
	}

	view, err := server.ApplySettingsUpdate(s.settings, &req)
	if err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, validationErrorResponse{Error: "validation failed", Fields: verr.Errors})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleAPIDevices returns the available capture devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.devices()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if devices == nil {
		devices = []types.AudioDevice{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleAPIEvents returns a page of the event history, newest first.
// GET /api/events?limit=50&offset=0&filter=alarm
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.EventsViewRequest{Filter: q.Get("filter")}

	for name, dst := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	if err := server.Validate(&req); err != nil {
		verr := server.ValidationErrors(err)
		writeJSON(w, http.StatusBadRequest, validationErrorResponse{Error: "validation failed", Fields: verr.Errors})
		return
	}

	result, err := s.commands.ReadEvents(&req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.Events == nil {
		result.Events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAPITestNotification sends a test notification through one channel.
// POST /api/notifications/{channel}/test
func (s *Server) handleAPITestNotification(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	switch channel {
	case "webhook", "log", "email", "mqtt":
	default:
		writeError(w, http.StatusNotFound, "unknown notification channel: "+channel)
		return
	}

	if err := s.commands.RunNotificationTest(r.Context(), channel); err != nil {
		writeJSON(w, http.StatusBadGateway, types.WSTestResult{
			Type:     "test_result",
			TestType: channel,
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, types.WSTestResult{Type: "test_result", TestType: channel, Success: true})
}
