package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lovesync/pulse/internal/telemetry"
)

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		ts           INTEGER NOT NULL,
		session_id   TEXT NOT NULL,
		user_hash    TEXT NOT NULL,
		screen       TEXT NOT NULL,
		component_id TEXT,
		etype        TEXT NOT NULL,
		duration_ms  INTEGER,
		delta        REAL,
		velocity     REAL,
		accel        REAL,
		key_code     TEXT,
		input_len    INTEGER,
		backspaces   INTEGER,
		meta         TEXT,
		uploaded     INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_uploaded ON events(uploaded, ts);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// SQLiteStore is the relational queue backend. A small connection pool in
// WAL mode keeps enqueues (UI-triggered) from blocking behind the sync
// engine's drain reads.
type SQLiteStore struct {
	path string
	log  *log.Logger

	mu   sync.Mutex
	pool *sqlitex.Pool
}

// NewSQLiteStore creates an uninitialized store for the database file at
// path. Call Initialize before any other method.
func NewSQLiteStore(path string, logger *log.Logger) *SQLiteStore {
	return &SQLiteStore{path: path, log: logger}
}

// Initialize opens the connection pool and creates the schema if absent.
// Idempotent: a second call on an initialized store is a no-op.
func (s *SQLiteStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	pool, err := sqlitex.NewPool(s.path, sqlitex.PoolOptions{
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("queue: opening %s: %w", s.path, err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return fmt.Errorf("queue: initializing schema: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return fmt.Errorf("queue: creating schema: %w", err)
	}

	s.pool = pool
	return nil
}

// Close closes the connection pool. Blocks until borrowed connections are
// returned.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

func (s *SQLiteStore) take() (*sqlite.Conn, *sqlitex.Pool, error) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return nil, nil, ErrNotInitialized
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("queue: take connection: %w", err)
	}
	return conn, pool, nil
}

// Enqueue appends one event. Absent optional fields insert as NULL so they
// read back as absent, not zero.
func (s *SQLiteStore) Enqueue(ev telemetry.Event) error {
	conn, pool, err := s.take()
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	var metaJSON any
	if len(ev.Meta) > 0 {
		data, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("queue: encoding event meta: %w", err)
		}
		metaJSON = string(data)
	}

	return sqlitex.Execute(conn, `INSERT INTO events
		(ts, session_id, user_hash, screen, component_id, etype, duration_ms,
		 delta, velocity, accel, key_code, input_len, backspaces, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				ev.TS,
				ev.SessionID,
				ev.UserHash,
				ev.Screen,
				nullableString(ev.ComponentID),
				string(ev.Type),
				nullableInt64(ev.DurationMS),
				nullableFloat(ev.Delta),
				nullableFloat(ev.Velocity),
				nullableFloat(ev.Accel),
				nullableString(ev.KeyCode),
				nullableInt(ev.InputLen),
				nullableInt(ev.Backspaces),
				metaJSON,
				time.Now().UnixMilli(),
			},
		})
}

// Pending returns up to limit not-yet-uploaded records, oldest first.
func (s *SQLiteStore) Pending(limit int) ([]telemetry.QueueRecord, error) {
	conn, pool, err := s.take()
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)

	var records []telemetry.QueueRecord
	err = sqlitex.Execute(conn, `SELECT id, ts, session_id, user_hash, screen,
			component_id, etype, duration_ms, delta, velocity, accel,
			key_code, input_len, backspaces, meta
		FROM events WHERE uploaded = 0 ORDER BY ts, id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: reading pending: %w", err)
	}
	return records, nil
}

// MarkUploaded flips the uploaded flag for the given ids. Idempotent.
func (s *SQLiteStore) MarkUploaded(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	conn, pool, err := s.take()
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	err = sqlitex.Execute(conn,
		"UPDATE events SET uploaded = 1 WHERE id IN ("+placeholders+")",
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("queue: marking uploaded: %w", err)
	}
	return nil
}

// Count returns the number of pending records.
func (s *SQLiteStore) Count() (int, error) {
	conn, pool, err := s.take()
	if err != nil {
		return 0, err
	}
	defer pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events WHERE uploaded = 0",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("queue: counting pending: %w", err)
	}
	return count, nil
}

// ClearOld deletes uploaded records whose event timestamp is older than
// the cutoff. Unuploaded records survive regardless of age.
func (s *SQLiteStore) ClearOld(olderThan time.Duration) error {
	conn, pool, err := s.take()
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	err = sqlitex.Execute(conn, "DELETE FROM events WHERE uploaded = 1 AND ts < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return fmt.Errorf("queue: clearing old records: %w", err)
	}
	return nil
}

// scanRecord rebuilds a QueueRecord from a SELECT row, mapping NULL
// columns back to nil pointers.
func scanRecord(stmt *sqlite.Stmt) (telemetry.QueueRecord, error) {
	rec := telemetry.QueueRecord{
		ID: stmt.ColumnInt64(0),
		Event: telemetry.Event{
			TS:        stmt.ColumnInt64(1),
			SessionID: stmt.ColumnText(2),
			UserHash:  stmt.ColumnText(3),
			Screen:    stmt.ColumnText(4),
			Type:      telemetry.EventType(stmt.ColumnText(6)),
		},
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		rec.Event.ComponentID = stmt.ColumnText(5)
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		rec.Event.DurationMS = telemetry.Int64(stmt.ColumnInt64(7))
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		rec.Event.Delta = telemetry.Float(stmt.ColumnFloat(8))
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		rec.Event.Velocity = telemetry.Float(stmt.ColumnFloat(9))
	}
	if stmt.ColumnType(10) != sqlite.TypeNull {
		rec.Event.Accel = telemetry.Float(stmt.ColumnFloat(10))
	}
	if stmt.ColumnType(11) != sqlite.TypeNull {
		rec.Event.KeyCode = stmt.ColumnText(11)
	}
	if stmt.ColumnType(12) != sqlite.TypeNull {
		rec.Event.InputLen = telemetry.Int(stmt.ColumnInt(12))
	}
	if stmt.ColumnType(13) != sqlite.TypeNull {
		rec.Event.Backspaces = telemetry.Int(stmt.ColumnInt(13))
	}
	if stmt.ColumnType(14) != sqlite.TypeNull {
		var meta map[string]any
		if err := json.Unmarshal([]byte(stmt.ColumnText(14)), &meta); err != nil {
			return rec, fmt.Errorf("queue: corrupt event meta: %w", err)
		}
		rec.Event.Meta = meta
	}
	return rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
