package types

// WSStatusResponse is the periodic status message sent to WebSocket clients.
type WSStatusResponse struct {
	Type    string        `json:"type"` // "status"
	Status  MonitorStatus `json:"status"`
	Devices []AudioDevice `json:"devices,omitempty"`
	Version VersionInfo   `json:"version"`
}

// WSCommandResult is the standard response for command execution.
type WSCommandResult struct {
	Type    string           `json:"type"`            // "<command>_result"
	Success bool             `json:"success"`         // true if command succeeded
	Error   *ValidationError `json:"error,omitempty"` // Validation errors if failed
	Data    any              `json:"data,omitempty"`  // Optional response data
}

// WSTestResult is sent after a notification test completes.
type WSTestResult struct {
	Type     string `json:"type"` // "test_result"
	TestType string `json:"test_type"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}
