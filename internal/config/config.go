// Package config handles loading, defaulting, and validation of the Pulse
// engine TOML configuration file. Every section maps to a typed struct so
// the rest of the codebase gets strong typing without manual key lookups.
package config

import (
	"errors"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Endpoint EndpointConfig `toml:"endpoint" json:"endpoint"`
	Storage  StorageConfig  `toml:"storage"  json:"storage"`
	Sync     SyncConfig     `toml:"sync"     json:"sync"`
	Capture  CaptureConfig  `toml:"capture"  json:"capture"`
	Session  SessionConfig  `toml:"session"  json:"session"`
	Scoring  ScoringConfig  `toml:"scoring"  json:"scoring"`
	Identity IdentityConfig `toml:"identity" json:"identity"`
	Logging  LoggingConfig  `toml:"logging"  json:"logging"`
}

// EndpointConfig locates the remote ingestion backend.
type EndpointConfig struct {
	BaseURL        string `toml:"base_url"        json:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds" json:"timeout_seconds"`
}

// StorageConfig selects and locates the local durable stores. Backend picks
// the durable-queue engine: "sqlite" for the relational store, "bolt" for
// the ordered key-value fallback on platforms without a SQL engine. The
// consent and session records always live in the key-value state store.
type StorageConfig struct {
	Backend       string `toml:"backend"        json:"backend"`
	Dir           string `toml:"dir"            json:"dir"`
	RetentionDays int    `toml:"retention_days" json:"retention_days"`
}

type SyncConfig struct {
	BatchSize       int `toml:"batch_size"       json:"batch_size"`
	IntervalSeconds int `toml:"interval_seconds" json:"interval_seconds"`
	GraceSeconds    int `toml:"grace_seconds"    json:"grace_seconds"`
	MaxRetries      int `toml:"max_retries"      json:"max_retries"`
	BackoffSeconds  int `toml:"backoff_seconds"  json:"backoff_seconds"`
}

type CaptureConfig struct {
	PauseThresholdMS int `toml:"pause_threshold_ms" json:"pause_threshold_ms"`
	QuietWindowMS    int `toml:"quiet_window_ms"    json:"quiet_window_ms"`
	LongPressMS      int `toml:"long_press_ms"      json:"long_press_ms"`
	VelocityWindow   int `toml:"velocity_window"    json:"velocity_window"`
	KeystrokeWindow  int `toml:"keystroke_window"   json:"keystroke_window"`
}

type SessionConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

type ScoringConfig struct {
	HalfLifeMinutes int `toml:"half_life_minutes" json:"half_life_minutes"`
}

// IdentityConfig controls the anonymized user hash. The salt is combined
// with a per-install random id before hashing, so raw device identifiers
// never leave the device.
type IdentityConfig struct {
	Salt string `toml:"salt" json:"salt"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Endpoint: EndpointConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			Dir:           "/var/lib/pulse",
			RetentionDays: 7,
		},
		Sync: SyncConfig{
			BatchSize:       50,
			IntervalSeconds: 30,
			GraceSeconds:    5,
			MaxRetries:      3,
			BackoffSeconds:  1,
		},
		Capture: CaptureConfig{
			PauseThresholdMS: 800,
			QuietWindowMS:    1500,
			LongPressMS:      500,
			VelocityWindow:   5,
			KeystrokeWindow:  10,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: 30,
		},
		Scoring: ScoringConfig{
			HalfLifeMinutes: 10,
		},
		Identity: IdentityConfig{
			Salt: "pulse_telemetry_salt_v1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An error is returned if the file can't be read,
// parsed, or if any constraint is violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the constraints a usable configuration must satisfy.
func Validate(cfg Config) error {
	if cfg.Endpoint.BaseURL == "" {
		return errors.New("endpoint.base_url must not be empty")
	}
	if cfg.Endpoint.TimeoutSeconds <= 0 {
		return errors.New("endpoint.timeout_seconds must be > 0")
	}
	if cfg.Storage.Backend != "sqlite" && cfg.Storage.Backend != "bolt" {
		return errors.New(`storage.backend must be "sqlite" or "bolt"`)
	}
	if cfg.Storage.Dir == "" {
		return errors.New("storage.dir must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		return errors.New("storage.retention_days must be >= 1")
	}
	if cfg.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be > 0")
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		return errors.New("sync.interval_seconds must be > 0")
	}
	if cfg.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be >= 1")
	}
	if cfg.Capture.PauseThresholdMS <= 0 {
		return errors.New("capture.pause_threshold_ms must be > 0")
	}
	if cfg.Capture.QuietWindowMS <= 0 {
		return errors.New("capture.quiet_window_ms must be > 0")
	}
	if cfg.Capture.LongPressMS <= 0 {
		return errors.New("capture.long_press_ms must be > 0")
	}
	if cfg.Capture.VelocityWindow < 2 {
		return errors.New("capture.velocity_window must be >= 2")
	}
	if cfg.Capture.KeystrokeWindow < 2 {
		return errors.New("capture.keystroke_window must be >= 2")
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		return errors.New("session.idle_timeout_seconds must be > 0")
	}
	if cfg.Scoring.HalfLifeMinutes <= 0 {
		return errors.New("scoring.half_life_minutes must be > 0")
	}
	if cfg.Identity.Salt == "" {
		return errors.New("identity.salt must not be empty")
	}
	return nil
}
