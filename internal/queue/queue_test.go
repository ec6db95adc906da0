package queue

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovesync/pulse/internal/config"
	"github.com/lovesync/pulse/internal/storage"
	"github.com/lovesync/pulse/internal/telemetry"
)

func configFor(backend, dir string) config.StorageConfig {
	return config.StorageConfig{Backend: backend, Dir: dir, RetentionDays: 7}
}

// backends runs a subtest against each queue implementation so both honor
// the same contract.
func backends(t *testing.T, fn func(t *testing.T, q Store)) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	t.Run("sqlite", func(t *testing.T) {
		q := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), logger)
		t.Cleanup(func() { q.Close() })
		fn(t, q)
	})
	t.Run("bolt", func(t *testing.T) {
		state, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { state.Close() })
		fn(t, NewBoltStore(state, logger))
	})
}

func testEvent(ts int64) telemetry.Event {
	return telemetry.Event{
		TS:        ts,
		SessionID: "session_1_abc",
		UserHash:  "deadbeef",
		Screen:    "ChatScreen",
		Type:      telemetry.EventTap,
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		assert.ErrorIs(t, q.Enqueue(testEvent(1)), ErrNotInitialized)
		_, err := q.Pending(10)
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = q.Count()
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.ErrorIs(t, q.MarkUploaded([]int64{1}), ErrNotInitialized)
		assert.ErrorIs(t, q.ClearOld(time.Hour), ErrNotInitialized)
	})
}

func TestInitializeIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())
		require.NoError(t, q.Enqueue(testEvent(1)))
		require.NoError(t, q.Initialize())

		n, err := q.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n, "re-initializing must not touch existing records")
	})
}

func TestPendingOrderedByTimestamp(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())

		// Enqueued out of timestamp order on purpose.
		for _, ts := range []int64{300, 100, 200} {
			require.NoError(t, q.Enqueue(testEvent(ts)))
		}

		records, err := q.Pending(10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, int64(100), records[0].Event.TS)
		assert.Equal(t, int64(200), records[1].Event.TS)
		assert.Equal(t, int64(300), records[2].Event.TS)
	})
}

func TestPendingRespectsLimit(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())
		for i := int64(0); i < 5; i++ {
			require.NoError(t, q.Enqueue(testEvent(i)))
		}

		records, err := q.Pending(2)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestMarkUploadedExcludesFromPending(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, q.Enqueue(testEvent(i * 100)))
		}

		records, err := q.Pending(2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.NoError(t, q.MarkUploaded([]int64{records[0].ID, records[1].ID}))

		remaining, err := q.Pending(10)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, int64(300), remaining[0].Event.TS)

		n, err := q.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMarkUploadedEdgeCases(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())
		require.NoError(t, q.Enqueue(testEvent(100)))

		records, err := q.Pending(1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		id := records[0].ID

		// Empty input, repeat marks, and unknown ids are all no-ops.
		require.NoError(t, q.MarkUploaded(nil))
		require.NoError(t, q.MarkUploaded([]int64{id}))
		require.NoError(t, q.MarkUploaded([]int64{id}))
		require.NoError(t, q.MarkUploaded([]int64{id + 9999}))

		n, err := q.Count()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestClearOldKeepsUnuploaded(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())

		old := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
		require.NoError(t, q.Enqueue(testEvent(old)))   // old, will be uploaded
		require.NoError(t, q.Enqueue(testEvent(old+1))) // old, never uploaded
		recent := time.Now().UnixMilli()
		require.NoError(t, q.Enqueue(testEvent(recent))) // recent, will be uploaded

		records, err := q.Pending(10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.NoError(t, q.MarkUploaded([]int64{records[0].ID, records[2].ID}))

		require.NoError(t, q.ClearOld(7*24*time.Hour))

		// The old unuploaded record must survive retention.
		remaining, err := q.Pending(10)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, old+1, remaining[0].Event.TS)
	})
}

func TestOptionalFieldsSurviveRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, q Store) {
		require.NoError(t, q.Initialize())

		full := telemetry.Event{
			TS:          42,
			SessionID:   "session_42_xyz",
			UserHash:    "cafebabe",
			Screen:      "BrowseScreen",
			ComponentID: "feed",
			Type:        telemetry.EventScroll,
			DurationMS:  telemetry.Int64(0),
			Delta:       telemetry.Float(-120.5),
			Velocity:    telemetry.Float(0),
			Accel:       telemetry.Float(33.3),
			KeyCode:     "Backspace",
			InputLen:    telemetry.Int(0),
			Backspaces:  telemetry.Int(1),
			Meta:        map[string]any{"state": "focus"},
		}
		sparse := telemetry.Event{
			TS:        43,
			SessionID: "session_43_xyz",
			UserHash:  "cafebabe",
			Screen:    "BrowseScreen",
			Type:      telemetry.EventTap,
		}
		require.NoError(t, q.Enqueue(full))
		require.NoError(t, q.Enqueue(sparse))

		records, err := q.Pending(2)
		require.NoError(t, err)
		require.Len(t, records, 2)

		got := records[0].Event
		require.NotNil(t, got.DurationMS)
		assert.Zero(t, *got.DurationMS, "explicit zero must not decay to absent")
		require.NotNil(t, got.Velocity)
		assert.Zero(t, *got.Velocity)
		require.NotNil(t, got.Delta)
		assert.InDelta(t, -120.5, *got.Delta, 1e-9)
		require.NotNil(t, got.InputLen)
		assert.Zero(t, *got.InputLen)
		require.NotNil(t, got.Backspaces)
		assert.Equal(t, 1, *got.Backspaces)
		assert.Equal(t, "Backspace", got.KeyCode)
		assert.Equal(t, "focus", got.Meta["state"])

		bare := records[1].Event
		assert.Nil(t, bare.DurationMS, "absent must not materialize as zero")
		assert.Nil(t, bare.Delta)
		assert.Nil(t, bare.Velocity)
		assert.Nil(t, bare.Accel)
		assert.Nil(t, bare.InputLen)
		assert.Nil(t, bare.Backspaces)
		assert.Empty(t, bare.Meta)
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	path := filepath.Join(t.TempDir(), "events.db")

	q := NewSQLiteStore(path, logger)
	require.NoError(t, q.Initialize())
	require.NoError(t, q.Enqueue(testEvent(100)))
	require.NoError(t, q.Close())

	q = NewSQLiteStore(path, logger)
	require.NoError(t, q.Initialize())
	defer q.Close()

	n, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenSelectsBackend(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()
	state, err := storage.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer state.Close()

	q, err := Open(configFor("sqlite", dir), state, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, q)

	q, err = Open(configFor("bolt", dir), state, logger)
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, q)

	_, err = Open(configFor("redis", dir), state, logger)
	assert.Error(t, err)
}
