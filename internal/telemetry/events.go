// Package telemetry defines the typed value objects shared across the
// engine: interaction events, sessions, and interest scores. The JSON field
// names match the ingestion endpoint's wire format exactly, so these types
// double as the wire schema.
package telemetry

import "time"

// EventType identifies the kind of interaction an event records. The
// enumerated kinds cover the instrumented surfaces; callers may also log
// open-ended custom kinds (e.g. "MESSAGE_SENT") through the same pipeline.
type EventType string

const (
	EventScroll      EventType = "SCROLL"
	EventTap         EventType = "TAP"
	EventLongPress   EventType = "LONG_PRESS"
	EventTyping      EventType = "TYPE"
	EventFocusChange EventType = "FOCUS_CHANGE"
	EventPause       EventType = "PAUSE"
)

// Event is one observed interaction. Timestamp and session id are always
// present; every other optional field is a pointer so that "no signal" and
// "zero signal" survive a round trip through storage and upload distinctly.
//
// An Event is created by the capture layer, persisted once into the durable
// queue, and never mutated afterwards. The uploaded flag lives on
// QueueRecord and is owned by the sync engine alone.
type Event struct {
	TS          int64          `json:"ts"` // ms since epoch
	SessionID   string         `json:"session_id"`
	UserHash    string         `json:"user_hash"` // salted, stable per install
	Screen      string         `json:"screen"`
	ComponentID string         `json:"component_id,omitempty"`
	Type        EventType      `json:"etype"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	Delta       *float64       `json:"delta,omitempty"`    // scroll delta, units
	Velocity    *float64       `json:"velocity,omitempty"` // units/s
	Accel       *float64       `json:"accel,omitempty"`    // units/s²
	KeyCode     string         `json:"key_code,omitempty"`
	InputLen    *int           `json:"input_len,omitempty"` // text length after change
	Backspaces  *int           `json:"backspaces,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// QueueRecord is the durable wrapper around an Event: a monotonically
// increasing local id plus the uploaded flag flipped by the sync engine
// after the ingestion endpoint acknowledges the record's batch.
type QueueRecord struct {
	ID       int64
	Uploaded bool
	Event    Event
}

// SessionInfo describes one focused-screen period. Once EndedAt is set the
// session is immutable; a new focus always mints a new identifier.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	UserHash  string `json:"user_hash"`
	Screen    string `json:"screen"`
	StartedAt int64  `json:"started_at"` // ms since epoch
	EndedAt   *int64 `json:"ended_at,omitempty"`
}

// InterestScore is the 0–100 engagement measure with its confidence.
// Produced by the local heuristic or pushed by the server over the realtime
// channel; consumers tolerate either source since both share this shape.
type InterestScore struct {
	Score      float64 `json:"score"`      // 0–100, clamped
	Confidence float64 `json:"confidence"` // 0–1, floored at 0.3 given evidence
	Timestamp  int64   `json:"timestamp"`  // ms since epoch
	SessionID  string  `json:"session_id"`
}

// NowMS returns the current time as milliseconds since the epoch, the
// timestamp unit used across all events.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Int, Int64, and Float allocate a pointer for an optional event field.
func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }

func Float(v float64) *float64 { return &v }
