// Package kvstore wraps a quota-limited byte backend with JSON reads that never
// fail and writes that report quota exhaustion as a distinguishable error.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Store is the JSON view over a Backend shared by every cache in the process
type Store struct {
	backend Backend
	log     *logrus.Logger
}

// New wraps backend. A nil logger uses the logrus standard logger.
func New(backend Backend, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{backend: backend, log: logger}
}

// Backend returns the underlying byte store
func (s *Store) Backend() Backend { return s.backend }

// Read decodes the value under key into a T. Missing keys return def. A value
// that fails to decode is logged, deleted and reported as def.
func Read[T any](s *Store, key string, def T) T {
	value, _ := Lookup(s, key, def)
	return value
}

// Lookup is Read that also reports whether a usable value was found. It is
// false for missing keys and for corrupted values that were just removed.
func Lookup[T any](s *Store, key string, def T) (T, bool) {
	data, err := s.backend.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithFields(logrus.Fields{"key": key, "error": err}).Warnf("Failed to read '%s', using default", key)
		}
		return def, false
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		s.log.WithFields(logrus.Fields{"key": key, "event": "corrupted", "error": err}).Warnf("Corrupted entry '%s' removed", key)
		if err := s.Remove(key); err != nil {
			s.log.WithFields(logrus.Fields{"key": key, "error": err}).Errorf("Failed to remove corrupted entry '%s'", key)
		}
		return def, false
	}
	return value, true
}

// Write encodes value and stores it under key. Quota exhaustion is returned
// wrapping ErrQuotaExceeded.
func (s *Store) Write(key string, value any) error {
	return s.Batch().Put(key, value).Commit()
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(key string) error {
	if err := s.backend.Apply(Op{Key: key, Delete: true}); err != nil {
		return fmt.Errorf("failed to remove '%s': %w", key, err)
	}
	return nil
}

// RemovePrefix deletes every key starting with prefix in one batch
func (s *Store) RemovePrefix(prefix string) error {
	keys, err := s.backend.Keys(prefix)
	if err != nil {
		return fmt.Errorf("failed to list '%s': %w", prefix, err)
	}

	batch := s.Batch()
	for _, key := range keys {
		batch.Delete(key)
	}
	return batch.Commit()
}

// Keys lists the keys under prefix
func (s *Store) Keys(prefix string) ([]string, error) {
	return s.backend.Keys(prefix)
}

// Batch starts an atomic multi-key write
func (s *Store) Batch() *Batch {
	return &Batch{store: s}
}

// Batch collects puts and deletes and applies them in one backend transaction
type Batch struct {
	store *Store
	ops   []Op
	err   error
}

// Put queues value under key
func (b *Batch) Put(key string, value any) *Batch {
	if b.err != nil {
		return b
	}
	data, err := json.Marshal(value)
	if err != nil {
		b.err = fmt.Errorf("failed to marshal '%s': %w", key, err)
		return b
	}
	b.ops = append(b.ops, Op{Key: key, Value: data})
	return b
}

// Delete queues removal of key
func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, Op{Key: key, Delete: true})
	return b
}

// Commit applies every queued op or none of them
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}
	if err := b.store.backend.Apply(b.ops...); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			b.store.log.WithFields(logrus.Fields{"event": "quota", "ops": len(b.ops), "used": b.store.backend.Size(), "quota": b.store.backend.Quota()}).Warnf("Write of %d entries rejected, storage quota exceeded", len(b.ops))
		}
		return fmt.Errorf("failed to write %d entries: %w", len(b.ops), err)
	}
	return nil
}
