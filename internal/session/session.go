// Package session owns the notion of a telemetry session: a bounded period
// of a screen being focused, ended by blur, app backgrounding, or an idle
// timeout. Multiple managers may run concurrently — a chat screen can keep
// its own session alongside the global per-screen one — each owning its own
// current-session pointer and activity clock.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lovesync/pulse/internal/consent"
	"github.com/lovesync/pulse/internal/identity"
	"github.com/lovesync/pulse/internal/storage"
	"github.com/lovesync/pulse/internal/telemetry"
)

// ErrConsentDenied is returned by Start when no valid consent record
// exists. Capture paths treat it as a silent no-op, not a failure.
var ErrConsentDenied = errors.New("session: telemetry consent not granted")

const sessionsBucket = "sessions"

// Options configures a Manager.
type Options struct {
	Gate     *consent.Gate
	Identity *identity.Provider
	// Store persists recent session records. Optional; a nil store keeps
	// sessions in memory only.
	Store       *storage.Store
	Logger      *log.Logger
	IdleTimeout time.Duration // defaults to 30s
}

// Manager drives the Inactive → Active → Inactive lifecycle for one
// capture context. All methods are safe for concurrent use.
type Manager struct {
	gate        *consent.Gate
	identity    *identity.Provider
	store       *storage.Store
	log         *log.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu           sync.Mutex
	current      *telemetry.SessionInfo
	lastActivity time.Time
}

// New creates an inactive Manager.
func New(opts Options) *Manager {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &Manager{
		gate:        opts.Gate,
		identity:    opts.Identity,
		store:       opts.Store,
		log:         opts.Logger,
		idleTimeout: idle,
		now:         time.Now,
	}
}

// Start begins a new session for screen, ending any session still active.
// Fails with ErrConsentDenied when no valid consent exists. The returned
// identifier is globally unique: start time plus a random suffix.
func (m *Manager) Start(screen string) (string, error) {
	if !m.gate.Valid() {
		return "", ErrConsentDenied
	}

	userHash, err := m.identity.UserHash()
	if err != nil {
		return "", fmt.Errorf("session: resolving user hash: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.endLocked()
	}

	now := m.now()
	m.current = &telemetry.SessionInfo{
		SessionID: newSessionID(now),
		UserHash:  userHash,
		Screen:    screen,
		StartedAt: now.UnixMilli(),
	}
	m.lastActivity = now
	m.persist(m.current)

	return m.current.SessionID, nil
}

// End stamps the end time, persists the record, and clears the current
// pointer. Ending an already-ended or absent session is a no-op.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
}

// endLocked implements End. Caller holds m.mu.
func (m *Manager) endLocked() {
	if m.current == nil {
		return
	}
	m.current.EndedAt = telemetry.Int64(m.now().UnixMilli())
	m.persist(m.current)
	m.current = nil
}

// Touch updates the last-activity clock. Called on every successful event
// log.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

// Expired reports whether the idle timeout has elapsed since the last
// activity. An absent session counts as expired.
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return true
	}
	return m.now().Sub(m.lastActivity) > m.idleTimeout
}

// CheckTimeout ends the session if it has expired. Safe to call from a
// background ticker.
func (m *Manager) CheckTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.now().Sub(m.lastActivity) > m.idleTimeout {
		m.endLocked()
	}
}

// Current returns a copy of the active session, or ok=false when inactive.
func (m *Manager) Current() (telemetry.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return telemetry.SessionInfo{}, false
	}
	return *m.current, true
}

// Sessions returns all persisted session records.
func (m *Manager) Sessions() ([]telemetry.SessionInfo, error) {
	if m.store == nil {
		return nil, nil
	}
	var sessions []telemetry.SessionInfo
	err := m.store.ForEach(sessionsBucket, func(_, v []byte) error {
		var info telemetry.SessionInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return fmt.Errorf("session: corrupt record: %w", err)
		}
		sessions = append(sessions, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ClearOld deletes persisted session records whose start time is older
// than maxAge.
func (m *Manager) ClearOld(maxAge time.Duration) error {
	if m.store == nil {
		return nil
	}
	cutoff := m.now().Add(-maxAge).UnixMilli()

	var expired []string
	err := m.store.ForEach(sessionsBucket, func(k, v []byte) error {
		var info telemetry.SessionInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil // unreadable records are pruned below by key
		}
		if info.StartedAt < cutoff {
			expired = append(expired, string(k))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range expired {
		if err := m.store.Delete(sessionsBucket, key); err != nil {
			return fmt.Errorf("session: pruning %s: %w", key, err)
		}
	}
	return nil
}

// persist writes the session record, logging rather than failing: losing a
// session record must never break the capture path. Caller holds m.mu.
func (m *Manager) persist(info *telemetry.SessionInfo) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		m.log.Printf("session: encoding record: %v", err)
		return
	}
	if err := m.store.Put(sessionsBucket, info.SessionID, raw); err != nil {
		m.log.Printf("session: persisting record: %v", err)
	}
}

// newSessionID mints a globally unique session identifier from the start
// time and a random suffix.
func newSessionID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}
