package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("KEYS")

// BoltBackend stores every entry in a single BoltDB bucket under directory/cache.db
type BoltBackend struct {
	directory string
	quota     int64
	used      int64
	database  *bolt.DB
	log       *logrus.Logger
}

// OpenBolt opens (creating if necessary) the database in directory and measures its current size
func OpenBolt(directory string, quota int64, logger *logrus.Logger) (*BoltBackend, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &BoltBackend{
		directory: directory,
		quota:     quota,
		log:       logger,
	}

	// Setup BoltDB
	if err := b.setup(); err != nil {
		return nil, err
	}

	// Count current usage
	used, err := b.scan()
	if err != nil {
		b.database.Close()
		return nil, fmt.Errorf("could not measure database: %w", err)
	}
	atomic.StoreInt64(&b.used, used)

	return b, nil
}

func (b *BoltBackend) path() string {
	return filepath.Join(b.directory, "cache.db")
}

func (b *BoltBackend) setup() (err error) {
	// Create cache directory if not exists
	if err = os.MkdirAll(b.directory, os.ModePerm); err != nil {
		return fmt.Errorf("could not create cache directory '%s': %w", b.directory, err)
	}

	// Open BoltDB database
	options := getOptions()
	if b.database, err = bolt.Open(b.path(), 0600, options); err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	// Create bucket if not exists
	if err := b.database.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketName); err != nil {
			return fmt.Errorf("could not create bucket: %w", err)
		}
		return nil
	}); err != nil {
		b.database.Close()
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	b.log.WithFields(logrus.Fields{"path": b.path()}).Debugf("Database ready!")
	return nil
}

// scan walks the bucket and sums key and value sizes
func (b *BoltBackend) scan() (int64, error) {
	var used int64
	err := b.database.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketName).Cursor()
		for key, value := cur.First(); key != nil; key, value = cur.Next() {
			used += int64(len(key) + len(value))
		}
		return nil
	})
	return used, err
}

func (b *BoltBackend) Get(key string) ([]byte, error) {
	var value []byte
	err := b.database.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(bucketName).Get([]byte(key))
		if stored == nil {
			return ErrNotFound
		}

		// Bolt memory is only valid inside the transaction
		value = make([]byte, len(stored))
		copy(value, stored)
		return nil
	})
	return value, err
}

func (b *BoltBackend) Apply(ops ...Op) error {
	var used int64
	err := b.database.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		used = atomic.LoadInt64(&b.used)

		for _, op := range ops {
			key := []byte(op.Key)
			if previous := bucket.Get(key); previous != nil {
				used -= entrySize(op.Key, previous)
			}

			if op.Delete {
				if err := bucket.Delete(key); err != nil {
					return fmt.Errorf("could not delete entry '%s': %w", op.Key, err)
				}
				continue
			}

			if err := bucket.Put(key, op.Value); err != nil {
				return fmt.Errorf("could not set entry '%s': %w", op.Key, err)
			}
			used += entrySize(op.Key, op.Value)
		}

		// Returning an error rolls back every op in this transaction
		if b.quota > 0 && used > b.quota {
			return ErrQuotaExceeded
		}
		return nil
	})
	if err != nil {
		return err
	}

	atomic.StoreInt64(&b.used, used)
	return nil
}

func (b *BoltBackend) Keys(prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := b.database.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for key, _ := cur.Seek(p); key != nil && bytes.HasPrefix(key, p); key, _ = cur.Next() {
			keys = append(keys, string(key))
		}
		return nil
	})
	return keys, err
}

func (b *BoltBackend) Size() int64 { return atomic.LoadInt64(&b.used) }

func (b *BoltBackend) Quota() int64 { return b.quota }

// Close closes the database
func (b *BoltBackend) Close() error {
	return b.database.Close()
}

// Compact rewrites the database into a fresh file, keeping the old one as cache.db.bak
func (b *BoltBackend) Compact(ctx context.Context) error {
	startTime := time.Now()
	tmpPath := b.path() + ".tmp"

	// Prepare new database location
	newDB, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open new database location: %w", err)
	}

	// Abort and clean up half-shrunk database if cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.log.Warnf("Aborted database shrinking!")
		case <-done:
		}
	}()

	// Attempt to compact database
	if err = bolt.Compact(newDB, b.database, 0); err != nil {
		newDB.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to compact database: %w", err)
	}
	if err = newDB.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close new database: %w", err)
	}
	if ctx.Err() != nil {
		os.Remove(tmpPath)
		return ctx.Err()
	}

	// Close old database
	if err = b.database.Close(); err != nil {
		return fmt.Errorf("failed to close old database: %w", err)
	}

	// Rename database files
	if err := os.Rename(b.path(), b.path()+".bak"); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}
	if err := os.Rename(tmpPath, b.path()); err != nil {
		return fmt.Errorf("failed to restore new database: %w", err)
	}

	// Reopen compacted database
	if err := b.setup(); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{"time_taken": time.Since(startTime).Milliseconds()}).Infof("Database compacted, previous copy kept at %s.bak", b.path())
	return nil
}
