// Package pages keeps the text of recently read books and walks a book's
// pages from the backend one at a time.
package pages

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCapacity is the number of books kept
	DefaultCapacity = 3

	keyPrefix = "pages:"
	lruKey    = "index:pages-lru"
)

// Page is one page of a book. Images are never persisted.
type Page struct {
	Page   int      `json:"page" yaml:"page"`
	Text   string   `json:"text" yaml:"text"`
	Images []string `json:"images,omitempty" yaml:"images,omitempty"`
}

// QuotaError is returned when a write was rejected for lack of space. Nothing
// was written.
type QuotaError struct {
	BookID string
	Usage  []kvstore.CategoryUsage
	Err    error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("cannot cache pages of '%s': %v", e.BookID, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// Store is an LRU of book page lists
type Store struct {
	mu       sync.Mutex
	store    *kvstore.Store
	capacity int
	log      *logrus.Logger
}

// NewStore creates a page store holding at most capacity books
func NewStore(store *kvstore.Store, capacity int, logger *logrus.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{store: store, capacity: capacity, log: logger}
}

func (s *Store) GetCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// SetCapacity changes the bound. It applies from the next Put.
func (s *Store) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
}

// Get returns the cached pages of bookID, or nil. A book whose pages are
// gone or corrupted is also dropped from the recency list.
func (s *Store) Get(bookID string) []Page {
	pages, ok := kvstore.Lookup[[]Page](s.store, keyPrefix+bookID, nil)
	if ok {
		return pages
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.lru(), bookID) {
		if err := s.delete(bookID); err != nil {
			s.log.WithFields(logrus.Fields{"book_id": bookID, "error": err}).Warnf("Failed to drop %s from recency list: %v", bookID, err)
		}
	}
	return nil
}

// LRU returns cached book ids, least recently touched first
func (s *Store) LRU() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru()
}

// lru reads the recency list. A missing or corrupted list is rebuilt from the
// stored page keys so no cached book escapes eviction.
func (s *Store) lru() []string {
	lru, ok := kvstore.Lookup(s.store, lruKey, []string{})
	if ok {
		return lru
	}

	keys, err := s.store.Keys(keyPrefix)
	if err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warnf("Failed to list cached books: %v", err)
		return lru
	}
	for _, key := range keys {
		lru = append(lru, strings.TrimPrefix(key, keyPrefix))
	}
	if len(lru) > 0 {
		s.log.WithFields(logrus.Fields{"event": "rebuilt", "books": len(lru)}).Warnf("Rebuilt recency list from %d cached books", len(lru))
	}
	return lru
}

// Put stores pages for bookID, marks it most recently touched and evicts the
// oldest books over capacity. Pages, index and evictions commit together; on
// a quota failure none of them do and a *QuotaError is returned.
func (s *Store) Put(bookID string, pages []Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Strip images
	stored := make([]Page, 0, len(pages))
	for _, page := range pages {
		stored = append(stored, Page{Page: page.Page, Text: page.Text})
	}

	// Touch bookID in the recency list
	lru := remove(s.lru(), bookID)
	lru = append(lru, bookID)

	// Evict the oldest while over capacity
	batch := s.store.Batch().Put(keyPrefix+bookID, stored)
	var evicted []string
	for len(lru) > s.capacity {
		evicted = append(evicted, lru[0])
		batch.Delete(keyPrefix + lru[0])
		lru = lru[1:]
	}
	batch.Put(lruKey, lru)

	if err := batch.Commit(); err != nil {
		if errors.Is(err, kvstore.ErrQuotaExceeded) {
			return s.quotaError(bookID, err)
		}
		return err
	}

	for _, id := range evicted {
		s.log.WithFields(logrus.Fields{"book_id": id, "event": "evicted"}).Debugf("Evicted cached pages of %s", id)
	}
	return nil
}

// Delete drops the pages and index entry of bookID
func (s *Store) Delete(bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(bookID)
}

func (s *Store) delete(bookID string) error {
	return s.store.Batch().
		Delete(keyPrefix+bookID).
		Put(lruKey, remove(s.lru(), bookID)).
		Commit()
}

// PurgeAllExcept drops every cached book but bookID
func (s *Store) PurgeAllExcept(bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.store.Keys(keyPrefix)
	if err != nil {
		return err
	}

	batch := s.store.Batch()
	kept := []string{}
	for _, key := range keys {
		if key == keyPrefix+bookID {
			kept = append(kept, bookID)
			continue
		}
		batch.Delete(key)
	}
	return batch.Put(lruKey, kept).Commit()
}

func (s *Store) quotaError(bookID string, err error) error {
	usage, usageErr := s.store.Usage()
	if usageErr == nil {
		s.log.WithFields(logrus.Fields{"book_id": bookID, "event": "quota"}).Warnf("Storage full while caching %s: %s", bookID, s.store.FormatUsage(usage))
	}
	return &QuotaError{BookID: bookID, Usage: usage, Err: err}
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
