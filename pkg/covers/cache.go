// Package covers resolves book cover images through a memory tier, a
// persistent tier and the backend, remembering confirmed absences for a TTL.
package covers

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/sirupsen/logrus"
)

const (
	// NoCoverSentinel marks a book confirmed to have no cover
	NoCoverSentinel = "no-cover.png"

	// DefaultNegativeTTL is how long a confirmed absence is trusted
	DefaultNegativeTTL = time.Hour

	// DefaultMemoryEntries bounds the in-memory tier
	DefaultMemoryEntries = 256

	keyPrefix = "cover:"
)

// Entry is the persisted form of a cover. Timestamp (epoch ms) is only set on
// negative entries.
type Entry struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"ts,omitempty"`
}

// Negative reports whether the entry records a missing cover
func (e Entry) Negative() bool { return IsNegative(e.URL) }

// IsNegative reports whether url is the no-cover sentinel
func IsNegative(url string) bool {
	return url == NoCoverSentinel || url == "/"+NoCoverSentinel
}

// IsTransient reports whether ref is a revocable in-process reference
func IsTransient(ref string) bool {
	return strings.HasPrefix(ref, BlobPrefix)
}

// Lookup is the answer to "do we know this cover, and is that still fresh?"
type Lookup struct {
	URL      string `json:"url" yaml:"url"`
	Known    bool   `json:"known" yaml:"known"`
	Negative bool   `json:"negative" yaml:"negative"`
	Expired  bool   `json:"expired" yaml:"expired"`
}

// CacheOptions configures a Cache
type CacheOptions struct {
	TTL           time.Duration
	MemoryEntries int

	// DiskURL builds the backend's disk-cache URL, returned as a hint for unknown covers
	DiskURL func(bookID string) string

	Logger *logrus.Logger
	Now    func() time.Time
}

// Cache maps book ids to cover references
type Cache struct {
	mu      sync.Mutex
	store   *kvstore.Store
	memory  *lru.Cache[string, Entry]
	ttl     time.Duration
	diskURL func(string) string
	now     func() time.Time
	log     *logrus.Logger
}

// NewCache creates a cover cache persisting into store
func NewCache(store *kvstore.Store, options CacheOptions) (*Cache, error) {
	if options.TTL <= 0 {
		options.TTL = DefaultNegativeTTL
	}
	if options.MemoryEntries <= 0 {
		options.MemoryEntries = DefaultMemoryEntries
	}
	if options.DiskURL == nil {
		options.DiskURL = func(bookID string) string { return "/cover-cache/" + bookID + ".jpg" }
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	memory, err := lru.New[string, Entry](options.MemoryEntries)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:   store,
		memory:  memory,
		ttl:     options.TTL,
		diskURL: options.DiskURL,
		now:     options.Now,
		log:     options.Logger,
	}, nil
}

// DiskURL returns the backend's stable disk-cache URL for bookID
func (c *Cache) DiskURL(bookID string) string {
	return c.diskURL(bookID)
}

func (c *Cache) entry(bookID string) (Entry, bool) {
	if entry, ok := c.memory.Get(bookID); ok {
		return entry, true
	}

	entry := kvstore.Read(c.store, keyPrefix+bookID, Entry{})
	if entry.URL == "" {
		return Entry{}, false
	}
	c.memory.Add(bookID, entry)
	return entry, true
}

// Lookup returns the best known entry for bookID. Unknown covers come back
// with the disk URL as a hint and Known unset.
func (c *Cache) Lookup(bookID string) Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entry(bookID)
	if !ok {
		return Lookup{URL: c.diskURL(bookID)}
	}
	if !entry.Negative() {
		return Lookup{URL: entry.URL, Known: true}
	}

	// Negative entries expire at exactly resolvedAt + TTL
	expiry := time.UnixMilli(entry.Timestamp).Add(c.ttl)
	return Lookup{
		URL:      entry.URL,
		Known:    true,
		Negative: true,
		Expired:  !c.now().Before(expiry),
	}
}

// Store records url for bookID. The sentinel stores a timestamped negative
// entry; transient references are skipped.
func (c *Cache) Store(bookID string, url string) error {
	if IsTransient(url) {
		c.log.WithFields(logrus.Fields{"book_id": bookID, "event": "skipped"}).Debugf("Not caching transient cover reference for %s", bookID)
		return nil
	}

	entry := Entry{URL: url}
	if entry.Negative() {
		entry.Timestamp = c.now().UnixMilli()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Write(keyPrefix+bookID, entry); err != nil {
		return err
	}
	c.memory.Add(bookID, entry)
	return nil
}

// Forget drops the entry for bookID
func (c *Cache) Forget(bookID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory.Remove(bookID)
	return c.store.Remove(keyPrefix + bookID)
}

// Clear drops every cover entry
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory.Purge()
	return c.store.RemovePrefix(keyPrefix)
}

// Len returns the number of persisted cover entries
func (c *Cache) Len() int {
	keys, err := c.store.Keys(keyPrefix)
	if err != nil {
		return 0
	}
	return len(keys)
}

func (c *Cache) GetTTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}
