// Package consent implements the persisted opt-in gate every capture path
// consults before an event is created. The gate is fail-closed: absent
// settings, a schema-version mismatch, a disabled master flag, or a
// disabled category all mean "do not capture".
package consent

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lovesync/pulse/internal/storage"
)

// SchemaVersion is the current consent schema. A stored record with a
// different version is treated as absent and must be re-obtained.
const SchemaVersion = "1.0"

const (
	bucket = "consent"
	key    = "settings"
)

// Category is one independently toggleable tracking kind under the master
// enable flag.
type Category string

const (
	CategoryScroll Category = "scroll"
	CategoryTap    Category = "tap"
	CategoryTyping Category = "typing"
)

// Settings is the persisted consent record.
type Settings struct {
	Enabled        bool   `json:"telemetry_enabled"`
	ScrollTracking bool   `json:"scroll_tracking"`
	TapTracking    bool   `json:"tap_tracking"`
	TypingTracking bool   `json:"typing_tracking"`
	DataSharing    bool   `json:"data_sharing"`
	AgreedAt       int64  `json:"agreed_at,omitempty"` // ms since epoch
	Version        string `json:"version"`
}

// Update is a partial settings change; nil fields keep their prior value
// (or the default when no prior record exists).
type Update struct {
	Enabled        *bool
	ScrollTracking *bool
	TapTracking    *bool
	TypingTracking *bool
	DataSharing    *bool
}

// Gate owns the consent record. Exactly one Gate exists per process; it is
// handed to consumers by reference. All methods are safe for concurrent
// use, and a revoke is visible to every caller immediately because reads
// go through the same cache the revoke writes.
type Gate struct {
	store *storage.Store
	log   *log.Logger
	now   func() time.Time

	mu     sync.Mutex
	cached *Settings
	loaded bool
}

// NewGate creates a Gate backed by the given state store.
func NewGate(store *storage.Store, logger *log.Logger) *Gate {
	return &Gate{store: store, log: logger, now: time.Now}
}

// Settings returns the stored consent record, or ok=false when no record
// exists or it cannot be read.
func (g *Gate) Settings() (Settings, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.load()
	if s == nil {
		return Settings{}, false
	}
	return *s, true
}

// SetSettings merges a partial update over the last known settings and
// persists the result with a fresh agreement timestamp. Unset categories
// default to enabled; the master flag defaults to disabled.
func (g *Gate) SetSettings(u Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	merged := Settings{
		Enabled:        false,
		ScrollTracking: true,
		TapTracking:    true,
		TypingTracking: true,
		DataSharing:    false,
		Version:        SchemaVersion,
	}
	if prev := g.load(); prev != nil {
		merged = *prev
		merged.Version = SchemaVersion
	}
	if u.Enabled != nil {
		merged.Enabled = *u.Enabled
	}
	if u.ScrollTracking != nil {
		merged.ScrollTracking = *u.ScrollTracking
	}
	if u.TapTracking != nil {
		merged.TapTracking = *u.TapTracking
	}
	if u.TypingTracking != nil {
		merged.TypingTracking = *u.TypingTracking
	}
	if u.DataSharing != nil {
		merged.DataSharing = *u.DataSharing
	}
	merged.AgreedAt = g.now().UnixMilli()

	return g.persist(merged)
}

// Revoke writes an all-disabled record. Every category is off the moment
// this returns; callers must not cache a prior "enabled" answer.
func (g *Gate) Revoke() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persist(Settings{Version: SchemaVersion})
}

// Valid reports whether a current-schema record with the master flag
// enabled exists.
func (g *Gate) Valid() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.load()
	return s != nil && s.Enabled && s.Version == SchemaVersion
}

// Enabled reports whether capture is permitted for a category. False
// whenever settings are absent, the schema version mismatches, the master
// flag is off, or the category flag is off.
func (g *Gate) Enabled(c Category) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.load()
	if s == nil || !s.Enabled || s.Version != SchemaVersion {
		return false
	}
	switch c {
	case CategoryScroll:
		return s.ScrollTracking
	case CategoryTap:
		return s.TapTracking
	case CategoryTyping:
		return s.TypingTracking
	default:
		return false
	}
}

// load returns the cached record, reading from the store on first use.
// Caller holds g.mu.
func (g *Gate) load() *Settings {
	if g.loaded {
		return g.cached
	}
	g.loaded = true

	raw, err := g.store.Get(bucket, key)
	if err != nil {
		g.log.Printf("consent: reading settings: %v", err)
		return nil
	}
	if raw == nil {
		return nil
	}

	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		g.log.Printf("consent: corrupt settings record: %v", err)
		return nil
	}
	g.cached = &s
	return g.cached
}

// persist writes the record and updates the cache. Caller holds g.mu.
func (g *Gate) persist(s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("consent: encoding settings: %w", err)
	}
	if err := g.store.Put(bucket, key, raw); err != nil {
		return fmt.Errorf("consent: persisting settings: %w", err)
	}
	g.cached = &s
	g.loaded = true
	return nil
}
