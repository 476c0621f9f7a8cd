// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/alarm"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/audio"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort           = 8080
	DefaultStationName       = "ZuidWest FM"
	DefaultFrameIntervalMs   = 20
	DefaultReleaseAfterMs    = 10000
	DefaultSoundCacheMinutes = 30
	DefaultSettingsFile      = "settings.json"
	DefaultEventLogFile      = "events.jsonl"
	DefaultMetricsPath       = "/metrics"
	DefaultMQTTTopic         = "noisemonitor/{station}"
)

// Environment variables that override file values. They are never written back.
const (
	EnvPort         = "NOISEMONITOR_PORT"
	EnvAPIKey       = "NOISEMONITOR_API_KEY"
	EnvAudioInput   = "NOISEMONITOR_AUDIO_INPUT"
	EnvMQTTBroker   = "NOISEMONITOR_MQTT_BROKER"
	EnvMQTTUsername = "NOISEMONITOR_MQTT_USERNAME"
	EnvMQTTPassword = "NOISEMONITOR_MQTT_PASSWORD"
	EnvWebhookURL   = "NOISEMONITOR_WEBHOOK_URL"
)

// Station name: any printable characters except control chars (blocks CRLF injection in emails)
var stationNamePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port   int    `json:"port"`    // HTTP server port
	APIKey string `json:"api_key"` // Required in X-API-Key for mutating endpoints when set
}

// StationConfig identifies the site in notifications.
type StationConfig struct {
	Name string `json:"name"`
}

// AudioConfig holds capture and analysis settings.
type AudioConfig struct {
	Input           string   `json:"input"` // Audio input device name or ID, empty for the default
	SampleRate      int      `json:"sample_rate"`
	FFTSize         int      `json:"fft_size"`
	Smoothing       *float64 `json:"smoothing,omitempty"` // nil means the default; 0 disables smoothing
	MinDecibels     float64  `json:"min_decibels"`
	MaxDecibels     float64  `json:"max_decibels"`
	FrameIntervalMs int64    `json:"frame_interval_ms"`
}

// S3Config holds credentials for s3:// alarm sounds.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// AlarmConfig holds alarm timing and sound loading settings.
type AlarmConfig struct {
	ReleaseAfterMs    int64    `json:"release_after_ms"`    // Quiet time before a sounding alarm stops
	SettingsPath      string   `json:"settings_path"`       // Key/value store with thresholds and alarm settings
	MaxSoundBytes     int64    `json:"max_sound_bytes"`     // Largest accepted alarm sound download
	SoundCacheMinutes int      `json:"sound_cache_minutes"` // How long decoded sounds are cached
	S3                S3Config `json:"s3"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url"` // Webhook URL for alarm events
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for alarm events
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`     // Azure AD tenant ID
	ClientID     string `json:"client_id"`     // App registration client ID
	ClientSecret string `json:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address"`  // Shared mailbox sender address
	Recipients   string `json:"recipients"`    // Comma-separated recipient addresses
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker   string `json:"broker"`    // tcp://host:1883
	ClientID string `json:"client_id"` // Empty generates one
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"` // Base topic, {station} is replaced with the station name
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"`
	Log     LogConfig     `json:"log"`
	Email   EmailConfig   `json:"email"`
	MQTT    MQTTConfig    `json:"mqtt"`
}

// EventLogConfig holds the event history file settings.
type EventLogConfig struct {
	Path string `json:"path"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Station       StationConfig       `json:"station"`
	Audio         AudioConfig         `json:"audio"`
	Alarm         AlarmConfig         `json:"alarm"`
	Notifications NotificationsConfig `json:"notifications"`
	EventLog      EventLogConfig      `json:"event_log"`
	Metrics       MetricsConfig       `json:"metrics"`

	mu        sync.RWMutex
	filePath  string
	overrides map[string]string // environment values applied on top of the file
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System:  SystemConfig{Port: DefaultWebPort},
		Station: StationConfig{Name: DefaultStationName},
		Audio: AudioConfig{
			SampleRate:      audio.DefaultSampleRate,
			FFTSize:         audio.DefaultFFTSize,
			MinDecibels:     audio.DefaultMinDecibels,
			MaxDecibels:     audio.DefaultMaxDecibels,
			FrameIntervalMs: DefaultFrameIntervalMs,
		},
		Alarm: AlarmConfig{
			ReleaseAfterMs:    DefaultReleaseAfterMs,
			MaxSoundBytes:     alarm.DefaultMaxSoundBytes,
			SoundCacheMinutes: DefaultSoundCacheMinutes,
		},
		Notifications: NotificationsConfig{MQTT: MQTTConfig{Topic: DefaultMQTTTopic}},
		Metrics:       MetricsConfig{Enabled: true, Path: DefaultMetricsPath},
		filePath:      filePath,
	}
}

// Load reads config from file, creating a default if none exists, and then
// applies environment overrides from the process and an optional .env file.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	switch {
	case os.IsNotExist(err):
		c.applyDefaults()
		if err := c.saveLocked(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return util.WrapError("parse config", err)
		}
		c.applyDefaults()
	}

	if err := c.applyEnv(); err != nil {
		return err
	}

	return c.validate()
}

// applyEnv reads NOISEMONITOR_* overrides. A missing .env file is not an error.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env file", "error", err)
	}

	c.overrides = make(map[string]string)
	for _, key := range []string{EnvPort, EnvAPIKey, EnvAudioInput, EnvMQTTBroker, EnvMQTTUsername, EnvMQTTPassword, EnvWebhookURL} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			c.overrides[key] = v
		}
	}

	if v, ok := c.overrides[EnvPort]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.System.Port = port
	}
	c.applyStringOverride(EnvAPIKey, &c.System.APIKey)
	c.applyStringOverride(EnvAudioInput, &c.Audio.Input)
	c.applyStringOverride(EnvMQTTBroker, &c.Notifications.MQTT.Broker)
	c.applyStringOverride(EnvMQTTUsername, &c.Notifications.MQTT.Username)
	c.applyStringOverride(EnvMQTTPassword, &c.Notifications.MQTT.Password)
	c.applyStringOverride(EnvWebhookURL, &c.Notifications.Webhook.URL)

	for key := range c.overrides {
		slog.Debug("configuration overridden from environment", "variable", key)
	}
	return nil
}

func (c *Config) applyStringOverride(key string, dst *string) {
	if v, ok := c.overrides[key]; ok {
		*dst = v
	}
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	name := c.Station.Name
	if name == "" || len(name) > 30 || !stationNamePattern.MatchString(name) {
		return fmt.Errorf("invalid station name %q: must be 1-30 printable characters", name)
	}
	if c.System.Port < 1 || c.System.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.System.Port)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("invalid sample_rate %d: must be 8000-192000", c.Audio.SampleRate)
	}
	if err := c.analyserConfigLocked().Validate(); err != nil {
		return util.WrapError("validate audio analysis", err)
	}
	if c.Audio.FrameIntervalMs < 5 || c.Audio.FrameIntervalMs > 1000 {
		return fmt.Errorf("invalid frame_interval_ms %d: must be 5-1000", c.Audio.FrameIntervalMs)
	}
	if c.Alarm.ReleaseAfterMs < 1000 {
		return fmt.Errorf("invalid release_after_ms %d: must be at least 1000", c.Alarm.ReleaseAfterMs)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	// System defaults
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.Station.Name == "" {
		c.Station.Name = DefaultStationName
	}
	// Audio defaults
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = audio.DefaultSampleRate
	}
	if c.Audio.FFTSize == 0 {
		c.Audio.FFTSize = audio.DefaultFFTSize
	}
	if c.Audio.MinDecibels == 0 && c.Audio.MaxDecibels == 0 {
		c.Audio.MinDecibels = audio.DefaultMinDecibels
		c.Audio.MaxDecibels = audio.DefaultMaxDecibels
	}
	if c.Audio.FrameIntervalMs == 0 {
		c.Audio.FrameIntervalMs = DefaultFrameIntervalMs
	}
	// Alarm defaults
	if c.Alarm.ReleaseAfterMs == 0 {
		c.Alarm.ReleaseAfterMs = DefaultReleaseAfterMs
	}
	if c.Alarm.SettingsPath == "" {
		c.Alarm.SettingsPath = filepath.Join(filepath.Dir(c.filePath), DefaultSettingsFile)
	}
	if c.Alarm.MaxSoundBytes == 0 {
		c.Alarm.MaxSoundBytes = alarm.DefaultMaxSoundBytes
	}
	if c.Alarm.SoundCacheMinutes == 0 {
		c.Alarm.SoundCacheMinutes = DefaultSoundCacheMinutes
	}
	// Notification defaults
	if c.Notifications.MQTT.Topic == "" {
		c.Notifications.MQTT.Topic = DefaultMQTTTopic
	}
	if c.EventLog.Path == "" {
		c.EventLog.Path = filepath.Join(filepath.Dir(c.filePath), DefaultEventLogFile)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// fileConfig is the persisted shape of Config.
type fileConfig struct {
	System        SystemConfig        `json:"system"`
	Station       StationConfig       `json:"station"`
	Audio         AudioConfig         `json:"audio"`
	Alarm         AlarmConfig         `json:"alarm"`
	Notifications NotificationsConfig `json:"notifications"`
	EventLog      EventLogConfig      `json:"event_log"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// saveLocked persists configuration. Environment overrides are not written.
// Caller must hold c.mu.
func (c *Config) saveLocked() error {
	persisted := fileConfig{
		System:        c.System,
		Station:       c.Station,
		Audio:         c.Audio,
		Alarm:         c.Alarm,
		Notifications: c.Notifications,
		EventLog:      c.EventLog,
		Metrics:       c.Metrics,
	}
	c.restoreFileValues(&persisted)

	data, err := json.MarshalIndent(&persisted, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// restoreFileValues replaces overridden fields in dst with what the file holds.
func (c *Config) restoreFileValues(dst *fileConfig) {
	if len(c.overrides) == 0 {
		return
	}
	var onDisk fileConfig
	if data, err := os.ReadFile(c.filePath); err == nil {
		if err := json.Unmarshal(data, &onDisk); err != nil {
			slog.Debug("config file unreadable while saving", "error", err)
		}
	}
	if _, ok := c.overrides[EnvPort]; ok {
		dst.System.Port = cmp.Or(onDisk.System.Port, DefaultWebPort)
	}
	for key, field := range map[string]struct{ dst, disk *string }{
		EnvAPIKey:       {&dst.System.APIKey, &onDisk.System.APIKey},
		EnvAudioInput:   {&dst.Audio.Input, &onDisk.Audio.Input},
		EnvMQTTBroker:   {&dst.Notifications.MQTT.Broker, &onDisk.Notifications.MQTT.Broker},
		EnvMQTTUsername: {&dst.Notifications.MQTT.Username, &onDisk.Notifications.MQTT.Username},
		EnvMQTTPassword: {&dst.Notifications.MQTT.Password, &onDisk.Notifications.MQTT.Password},
		EnvWebhookURL:   {&dst.Notifications.Webhook.URL, &onDisk.Notifications.Webhook.URL},
	} {
		if _, ok := c.overrides[key]; ok {
			*field.dst = *field.disk
		}
	}
}

func (c *Config) analyserConfigLocked() audio.AnalyserConfig {
	smoothing := audio.DefaultSmoothing
	if c.Audio.Smoothing != nil {
		smoothing = *c.Audio.Smoothing
	}
	return audio.AnalyserConfig{
		FFTSize:     c.Audio.FFTSize,
		Smoothing:   smoothing,
		MinDecibels: c.Audio.MinDecibels,
		MaxDecibels: c.Audio.MaxDecibels,
	}
}

// --- Getters for individual settings ---

// FilePath returns the path of the configuration file.
func (c *Config) FilePath() string {
	return c.filePath
}

// AudioInput returns the configured audio input device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// LogPath returns the configured log file path for notifications.
func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notifications.Log.Path
}

// GraphConfig returns a copy of the current Graph/Email configuration.
func (c *Config) GraphConfig() types.GraphConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.GraphConfig{
		TenantID:     c.Notifications.Email.TenantID,
		ClientID:     c.Notifications.Email.ClientID,
		ClientSecret: c.Notifications.Email.ClientSecret,
		FromAddress:  c.Notifications.Email.FromAddress,
		Recipients:   c.Notifications.Email.Recipients,
	}
}

// APIKey returns the API key for mutating REST endpoints.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
// The new device is used by the next monitoring session.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// SetLogPath updates the log file path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Log.Path = path
	return c.saveLocked()
}

// SetGraphConfig updates all Microsoft Graph/Email configuration fields and saves.
func (c *Config) SetGraphConfig(cfg types.GraphConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Email = EmailConfig(cfg)
	return c.saveLocked()
}

// SetMQTTConfig updates the MQTT broker settings and saves.
func (c *Config) SetMQTTConfig(cfg types.MQTTConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.MQTT = MQTTConfig(cfg)
	if c.Notifications.MQTT.Topic == "" {
		c.Notifications.MQTT.Topic = DefaultMQTTTopic
	}
	return c.saveLocked()
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort int
	APIKey  string

	// Station
	StationName string

	// Audio
	AudioInput    string
	SampleRate    int
	Analyser      audio.AnalyserConfig
	FrameInterval time.Duration

	// Alarm
	ReleaseAfter   time.Duration
	SettingsPath   string
	MaxSoundBytes  int64
	SoundCacheTTL  time.Duration
	S3             alarm.S3Config
	EventLogPath   string
	MetricsEnabled bool
	MetricsPath    string

	// Notifications
	WebhookURL        string
	LogPath           string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
	MQTT              types.MQTTConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		// System
		WebPort: cmp.Or(c.System.Port, DefaultWebPort),
		APIKey:  c.System.APIKey,

		// Station
		StationName: cmp.Or(c.Station.Name, DefaultStationName),

		// Audio (with defaults)
		AudioInput:    c.Audio.Input,
		SampleRate:    cmp.Or(c.Audio.SampleRate, audio.DefaultSampleRate),
		Analyser:      c.analyserConfigLocked(),
		FrameInterval: time.Duration(cmp.Or(c.Audio.FrameIntervalMs, DefaultFrameIntervalMs)) * time.Millisecond,

		// Alarm (with defaults)
		ReleaseAfter:  time.Duration(cmp.Or(c.Alarm.ReleaseAfterMs, DefaultReleaseAfterMs)) * time.Millisecond,
		SettingsPath:  c.Alarm.SettingsPath,
		MaxSoundBytes: cmp.Or(c.Alarm.MaxSoundBytes, alarm.DefaultMaxSoundBytes),
		SoundCacheTTL: time.Duration(cmp.Or(c.Alarm.SoundCacheMinutes, DefaultSoundCacheMinutes)) * time.Minute,
		S3:            alarm.S3Config(c.Alarm.S3),

		EventLogPath:   c.EventLog.Path,
		MetricsEnabled: c.Metrics.Enabled,
		MetricsPath:    cmp.Or(c.Metrics.Path, DefaultMetricsPath),

		// Notifications
		WebhookURL:        c.Notifications.Webhook.URL,
		LogPath:           c.Notifications.Log.Path,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,
		MQTT:              types.MQTTConfig(c.Notifications.MQTT),
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// HasLogPath reports whether a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasMQTT reports whether an MQTT broker is configured.
func (s *Snapshot) HasMQTT() bool {
	return s.MQTT.Broker != ""
}

// GraphConfig returns the email settings of the snapshot.
func (s *Snapshot) GraphConfig() types.GraphConfig {
	return types.GraphConfig{
		TenantID:     s.GraphTenantID,
		ClientID:     s.GraphClientID,
		ClientSecret: s.GraphClientSecret,
		FromAddress:  s.GraphFromAddress,
		Recipients:   s.GraphRecipients,
	}
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
