// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for overlay, pipeline and upstream settings.
//
// Defaults live in the Default* constructors. Environment variables (and a
// .env file loaded by main) override them through the `env` struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP + WebSocket responder settings.
// Both responders bind loopback only and never share a port.
type ServerConfig struct {
	Host       string `env:"HUD_HOST"`
	HTTPPort   int    `env:"HUD_HTTP_PORT"`
	WSPort     int    `env:"HUD_WS_PORT"`
	PortSearch int    `env:"HUD_PORT_SEARCH"` // How many ports to probe when the configured one is taken
	WebRoot    string `env:"HUD_WEB_ROOT"`
	AssetRoot  string `env:"HUD_ASSET_ROOT"`
	DebugAddr  string `env:"HUD_DEBUG_ADDR"` // pprof + /metrics, empty disables
	DebugUser  string `env:"HUD_DEBUG_USER"` // optional basic auth on the debug server
	DebugPass  string `env:"HUD_DEBUG_PASS"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Host:       "127.0.0.1",
		HTTPPort:   6660,
		WSPort:     6661,
		PortSearch: 20,
		WebRoot:    "./web",
		AssetRoot:  "./assets",
		DebugAddr:  "127.0.0.1:6060",
	}
}

// =============================================================================
// PIPELINE CONFIGURATION
// =============================================================================

// PipelineConfig holds the broadcast core knobs. The same knobs can be changed
// at runtime through perf_* state envelopes.
type PipelineConfig struct {
	TargetFPS           int  `env:"HUD_TARGET_FPS"`
	DedupeWindowMs      int  `env:"HUD_DEDUPE_WINDOW_MS"`
	MaxTransientPending int  `env:"HUD_MAX_TRANSIENT_PENDING"`
	BatchMode           bool `env:"HUD_WS_BATCHING"`
	EventPipelineV2     bool `env:"HUD_EVENT_PIPELINE_V2"`
	JSSchedulerV2       bool `env:"HUD_JS_SCHEDULER_V2"`
	PerfDebug           bool `env:"HUD_PERF_DEBUG"`
}

// Pipeline limits. Values outside these ranges are clamped, never rejected.
const (
	MinTargetFPS           = 15
	MaxTargetFPS           = 240
	MaxDedupeWindowMs      = 5000
	MinTransientPending    = 64
	MaxTransientPendingCap = 20000
)

// DefaultPipeline returns the default pipeline configuration.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		TargetFPS:           120,
		DedupeWindowMs:      120,
		MaxTransientPending: 2048,
		BatchMode:           true,
		EventPipelineV2:     true,
		JSSchedulerV2:       false,
		PerfDebug:           false,
	}
}

// Clamped returns a copy with every knob forced into its legal range.
func (p PipelineConfig) Clamped() PipelineConfig {
	p.TargetFPS = ClampInt(p.TargetFPS, MinTargetFPS, MaxTargetFPS)
	p.DedupeWindowMs = ClampInt(p.DedupeWindowMs, 0, MaxDedupeWindowMs)
	p.MaxTransientPending = ClampInt(p.MaxTransientPending, MinTransientPending, MaxTransientPendingCap)
	return p
}

// =============================================================================
// TELEMETRY CONFIGURATION
// =============================================================================

// TelemetryConfig holds upstream event-stream settings.
type TelemetryConfig struct {
	URL              string        `env:"CENSUS_PUSH_URL"`
	ServiceID        string        `env:"CENSUS_SERVICE_ID"`
	Worlds           []string      `env:"CENSUS_WORLDS" envSeparator:","`
	SelectedWorld    int           `env:"CENSUS_WORLD"`
	BackoffInitial   time.Duration `env:"CENSUS_BACKOFF_INITIAL"`
	BackoffMax       time.Duration `env:"CENSUS_BACKOFF_MAX"`
	ReadTimeout      time.Duration `env:"CENSUS_READ_TIMEOUT"`
	SessionQueueSize int           `env:"SESSION_QUEUE_SIZE"`
}

// DefaultTelemetry returns the default telemetry configuration.
func DefaultTelemetry() TelemetryConfig {
	return TelemetryConfig{
		URL:              "wss://push.planetside2.com/streaming",
		ServiceID:        "example",
		Worlds:           []string{"all"},
		SelectedWorld:    0,
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       5 * time.Second, // Bounded reconnect backoff
		ReadTimeout:      60 * time.Second,
		SessionQueueSize: 4096,
	}
}

// =============================================================================
// SESSION CONFIGURATION
// =============================================================================

// SessionConfig holds session tracker settings.
type SessionConfig struct {
	StreakTimeout    time.Duration `env:"SESSION_STREAK_TIMEOUT"`
	ActiveWindow     time.Duration `env:"SESSION_ACTIVE_WINDOW"`
	Retention        time.Duration `env:"SESSION_RETENTION"`
	MaxActivePlayers int           `env:"SESSION_MAX_ACTIVE_PLAYERS"`
	KDModeRevive     bool          `env:"SESSION_KD_REVIVE"`
	FeedShowKills    bool          `env:"FEED_SHOW_KILLS"`
	FeedShowDeaths   bool          `env:"FEED_SHOW_DEATHS"`
}

// DefaultSession returns the default session configuration.
func DefaultSession() SessionConfig {
	return SessionConfig{
		StreakTimeout:    12 * time.Second,
		ActiveWindow:     5 * time.Minute,
		Retention:        30 * time.Minute,
		MaxActivePlayers: 20000,
		KDModeRevive:     true,
		FeedShowKills:    true,
		FeedShowDeaths:   true,
	}
}

// MinActiveWindow floors the active window; retention never drops below it.
const MinActiveWindow = time.Second

// Clamped returns a copy with non-positive windows and caps replaced.
func (s SessionConfig) Clamped() SessionConfig {
	def := DefaultSession()
	if s.StreakTimeout <= 0 {
		s.StreakTimeout = def.StreakTimeout
	}
	if s.ActiveWindow < MinActiveWindow {
		s.ActiveWindow = MinActiveWindow
	}
	if s.Retention < s.ActiveWindow {
		s.Retention = s.ActiveWindow
	}
	if s.MaxActivePlayers <= 0 {
		s.MaxActivePlayers = def.MaxActivePlayers
	}
	return s
}

// =============================================================================
// IDENTITY CONFIGURATION
// =============================================================================

// IdentityConfig holds identity resolver (cache worker) settings.
type IdentityConfig struct {
	BaseURL        string        `env:"CENSUS_API_URL"`
	BatchSize      int           `env:"IDENTITY_BATCH_SIZE"`
	BatchWait      time.Duration `env:"IDENTITY_BATCH_WAIT"`
	RequestTimeout time.Duration `env:"IDENTITY_REQUEST_TIMEOUT"`
	QueueSize      int           `env:"IDENTITY_QUEUE_SIZE"`
}

// DefaultIdentity returns the default identity configuration.
func DefaultIdentity() IdentityConfig {
	return IdentityConfig{
		BaseURL:        "https://census.daybreakgames.com",
		BatchSize:      30,
		BatchWait:      750 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
		QueueSize:      1024,
	}
}

// =============================================================================
// STORAGE & TRACE CONFIGURATION
// =============================================================================

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	Path string `env:"HUD_DB_PATH"`
}

// DefaultStorage returns the default storage configuration.
func DefaultStorage() StorageConfig {
	return StorageConfig{Path: "better_planetside.db"}
}

// TraceConfig holds trace export settings.
type TraceConfig struct {
	Enabled    bool   `env:"HUD_TRACE"`
	Path       string `env:"HUD_TRACE_PATH"`
	MaxBytes   int64  `env:"HUD_TRACE_MAX_BYTES"`
	Backups    int    `env:"HUD_TRACE_BACKUPS"`
	BufferSize int    `env:"HUD_TRACE_BUFFER"`
}

// DefaultTrace returns the default trace configuration.
func DefaultTrace() TraceConfig {
	return TraceConfig{
		Enabled:    false,
		Path:       "overlay_trace.jsonl",
		MaxBytes:   16 << 20,
		Backups:    3,
		BufferSize: 4096,
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server    ServerConfig
	Pipeline  PipelineConfig
	Telemetry TelemetryConfig
	Session   SessionConfig
	Identity  IdentityConfig
	Storage   StorageConfig
	Trace     TraceConfig
}

// Default returns the complete configuration without environment overrides.
func Default() AppConfig {
	return AppConfig{
		Server:    DefaultServer(),
		Pipeline:  DefaultPipeline(),
		Telemetry: DefaultTelemetry(),
		Session:   DefaultSession(),
		Identity:  DefaultIdentity(),
		Storage:   DefaultStorage(),
		Trace:     DefaultTrace(),
	}
}

// Load returns the complete configuration with environment overrides applied
// on top of the defaults. Pipeline knobs and session windows are clamped.
func Load() (AppConfig, error) {
	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Pipeline = cfg.Pipeline.Clamped()
	cfg.Session = cfg.Session.Clamped()
	if cfg.Identity.BatchSize <= 0 {
		cfg.Identity.BatchSize = DefaultIdentity().BatchSize
	}
	if cfg.Server.PortSearch <= 0 {
		cfg.Server.PortSearch = 1
	}
	return cfg, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// ClampInt forces v into [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
