package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lovesync/pulse/internal/storage"
	"github.com/lovesync/pulse/internal/telemetry"
)

const eventsBucket = "events"

// boltRecord is the stored form of a queue record in the key-value
// fallback. The sequence number doubles as the record id.
type boltRecord struct {
	Uploaded bool            `json:"uploaded"`
	Event    telemetry.Event `json:"event"`
}

// BoltStore is the ordered key-value fallback backend, used where a
// relational engine is unavailable. Sequence keys preserve append order;
// Pending sorts by event timestamp to honor the same ordering contract as
// the SQLite backend.
type BoltStore struct {
	store *storage.Store
	log   *log.Logger

	mu          sync.Mutex
	initialized bool
}

// NewBoltStore creates an uninitialized store over the shared state store.
// Call Initialize before any other method.
func NewBoltStore(store *storage.Store, logger *log.Logger) *BoltStore {
	return &BoltStore{store: store, log: logger}
}

// Initialize creates the events bucket if absent. Idempotent.
func (s *BoltStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.store.EnsureBucket(eventsBucket); err != nil {
		return fmt.Errorf("queue: creating events bucket: %w", err)
	}
	s.initialized = true
	return nil
}

// Close is a no-op; the shared state store is closed by its owner.
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Enqueue appends one event under the bucket's next sequence number.
func (s *BoltStore) Enqueue(ev telemetry.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(boltRecord{Event: ev})
	if err != nil {
		return fmt.Errorf("queue: encoding event: %w", err)
	}
	if _, err := s.store.Append(eventsBucket, raw); err != nil {
		return fmt.Errorf("queue: appending event: %w", err)
	}
	return nil
}

// Pending returns up to limit not-yet-uploaded records, ordered by event
// timestamp (sequence id breaks ties).
func (s *BoltStore) Pending(limit int) ([]telemetry.QueueRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var records []telemetry.QueueRecord
	err := s.store.ForEach(eventsBucket, func(k, v []byte) error {
		var rec boltRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("queue: corrupt record %d: %w", storage.ParseSeqKey(k), err)
		}
		if rec.Uploaded {
			return nil
		}
		records = append(records, telemetry.QueueRecord{
			ID:    int64(storage.ParseSeqKey(k)),
			Event: rec.Event,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Event.TS != records[j].Event.TS {
			return records[i].Event.TS < records[j].Event.TS
		}
		return records[i].ID < records[j].ID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MarkUploaded flips the uploaded flag for the given ids. Unknown and
// already-uploaded ids are skipped.
func (s *BoltStore) MarkUploaded(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.ready(); err != nil {
		return err
	}

	for _, id := range ids {
		raw, err := s.store.GetSeq(eventsBucket, uint64(id))
		if err != nil {
			return fmt.Errorf("queue: reading record %d: %w", id, err)
		}
		if raw == nil {
			continue
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("queue: corrupt record %d: %w", id, err)
		}
		if rec.Uploaded {
			continue
		}
		rec.Uploaded = true
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("queue: encoding record %d: %w", id, err)
		}
		if err := s.store.PutSeq(eventsBucket, uint64(id), updated); err != nil {
			return fmt.Errorf("queue: updating record %d: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of pending records.
func (s *BoltStore) Count() (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	count := 0
	err := s.store.ForEach(eventsBucket, func(_, v []byte) error {
		var rec boltRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !rec.Uploaded {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: counting pending: %w", err)
	}
	return count, nil
}

// ClearOld deletes uploaded records whose event timestamp is older than
// the cutoff. Unuploaded records survive regardless of age.
func (s *BoltStore) ClearOld(olderThan time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var expired []uint64
	err := s.store.ForEach(eventsBucket, func(k, v []byte) error {
		var rec boltRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Uploaded && rec.Event.TS < cutoff {
			expired = append(expired, storage.ParseSeqKey(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: scanning for expired records: %w", err)
	}

	for _, seq := range expired {
		if err := s.store.DeleteSeq(eventsBucket, seq); err != nil {
			return fmt.Errorf("queue: deleting record %d: %w", seq, err)
		}
	}
	return nil
}
