// Package storage wraps a single bbolt database file holding the engine's
// small persisted records: the consent settings, recent session records,
// the install identifier, and — on platforms without a SQL engine — the
// durable event queue itself. Buckets are created on demand; every method
// is safe to call concurrently.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is a thin bucketed key-value store. Keys within a bucket iterate
// in byte order, which the queue fallback relies on for its sequence keys.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the database file at path. The open
// blocks at most one second waiting for a file lock held by another
// process, then fails rather than hanging.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database. The store must not be used after.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureBucket creates the bucket if it does not exist. Idempotent.
func (s *Store) EnsureBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

// Get returns the value for key in bucket, or nil if either is absent.
func (s *Store) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Put stores value under key in bucket, creating the bucket if needed.
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key from bucket. Deleting an absent key is a no-op.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach visits every key/value pair in bucket in byte order of keys.
// An absent bucket visits nothing.
func (s *Store) ForEach(bucket string, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Append stores value under the bucket's next monotonic sequence number and
// returns that number. Sequence keys are 8-byte big-endian, so iteration
// order equals append order.
func (s *Store) Append(bucket string, value []byte) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(SeqKey(seq), value)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// GetSeq returns the value stored under a sequence number, or nil.
func (s *Store) GetSeq(bucket string, seq uint64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get(SeqKey(seq)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// PutSeq overwrites the value stored under a sequence number. The record
// must already exist; overwriting an absent sequence is an error so update
// paths can't resurrect deleted records.
func (s *Store) PutSeq(bucket string, seq uint64, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil || b.Get(SeqKey(seq)) == nil {
			return errors.New("storage: sequence not found")
		}
		return b.Put(SeqKey(seq), value)
	})
}

// DeleteSeq removes the record stored under a sequence number.
func (s *Store) DeleteSeq(bucket string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(SeqKey(seq))
	})
}

// SeqKey encodes a sequence number as an 8-byte big-endian key.
func SeqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// ParseSeqKey decodes an 8-byte big-endian key back to its sequence number.
func ParseSeqKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}
