// Package queue provides the durable local event queue: an append-only
// store of pending telemetry events with an uploaded flag, surviving
// process restarts. Two backends satisfy the same contract — a SQLite
// store, and an ordered key-value fallback for platforms without a SQL
// engine — selected once at startup from configuration.
package queue

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/lovesync/pulse/internal/config"
	"github.com/lovesync/pulse/internal/storage"
	"github.com/lovesync/pulse/internal/telemetry"
)

// ErrNotInitialized is returned by every operation invoked before
// Initialize has completed. Callers never touch storage before then.
var ErrNotInitialized = errors.New("queue: not initialized")

// Store is the durable queue contract shared by both backends.
//
// Ordering: Pending returns records oldest-first by event timestamp (id
// breaks ties), and never includes a record already marked uploaded.
// Records are never silently dropped; only ClearOld removes them, and only
// after a confirmed upload.
//
// The read-modify-write pair Pending + MarkUploaded must be driven by a
// single owner (the sync engine serializes its drains) to avoid
// double-delivery.
type Store interface {
	// Initialize creates the underlying storage if absent. Idempotent;
	// calling it twice never duplicates schema or state.
	Initialize() error

	// Enqueue appends one event. The consent gate filters before events
	// reach the queue, so Enqueue never judges consent itself.
	Enqueue(ev telemetry.Event) error

	// Pending returns up to limit not-yet-uploaded records, oldest first.
	Pending(limit int) ([]telemetry.QueueRecord, error)

	// MarkUploaded flips the uploaded flag for the given record ids.
	// Empty input and already-uploaded ids are no-ops.
	MarkUploaded(ids []int64) error

	// Count returns the number of pending (not uploaded) records.
	Count() (int, error)

	// ClearOld deletes records older than the cutoff that have already
	// been uploaded. Unuploaded records are kept regardless of age.
	ClearOld(olderThan time.Duration) error

	Close() error
}

// Open selects and constructs the backend named by the configuration.
// The returned store still needs Initialize before use. For the bolt
// backend the queue shares the engine's state store.
func Open(cfg config.StorageConfig, state *storage.Store, logger *log.Logger) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(filepath.Join(cfg.Dir, "events.db"), logger), nil
	case "bolt":
		return NewBoltStore(state, logger), nil
	default:
		return nil, fmt.Errorf("queue: unknown storage backend %q", cfg.Backend)
	}
}
