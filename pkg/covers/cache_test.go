package covers

import (
	"io"
	"testing"
	"time"

	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newTestCache(t *testing.T, clock *fakeClock) (*Cache, *kvstore.Store) {
	t.Helper()
	store := kvstore.New(kvstore.NewMemoryBackend(0), quietLogger())
	cache, err := NewCache(store, CacheOptions{
		DiskURL: func(bookID string) string { return "http://backend/cover-cache/" + bookID + ".jpg" },
		Logger:  quietLogger(),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache, store
}

func TestLookupUnknownReturnsDiskHint(t *testing.T) {
	cache, _ := newTestCache(t, &fakeClock{now: time.Now()})

	lookup := cache.Lookup("A")
	if lookup.Known {
		t.Error("expected unknown cover")
	}
	if lookup.URL != "http://backend/cover-cache/A.jpg" {
		t.Errorf("expected disk url hint, got %q", lookup.URL)
	}
}

func TestStoreThenLookup(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache, store := newTestCache(t, clock)

	if err := cache.Store("A", "http://backend/cover-cache/A.jpg"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Resolved entries never expire
	clock.now = clock.now.Add(48 * time.Hour)
	lookup := cache.Lookup("A")
	if !lookup.Known || lookup.Expired || lookup.Negative || lookup.URL != "http://backend/cover-cache/A.jpg" {
		t.Errorf("unexpected lookup: %+v", lookup)
	}

	// Persisted shape has no timestamp
	entry := kvstore.Read(store, "cover:A", Entry{})
	if entry.Timestamp != 0 {
		t.Errorf("expected no timestamp on resolved entry, got %d", entry.Timestamp)
	}
}

func TestNegativeTTLBoundary(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	clock := &fakeClock{now: start}
	cache, _ := newTestCache(t, clock)

	if err := cache.Store("A", NoCoverSentinel); err != nil {
		t.Fatalf("Store: %v", err)
	}

	tests := []struct {
		name    string
		offset  time.Duration
		expired bool
	}{
		{"immediately", 0, false},
		{"just before ttl", time.Hour - time.Millisecond, false},
		{"exactly at ttl", time.Hour, true},
		{"after ttl", 2 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.now = start.Add(tt.offset)
			lookup := cache.Lookup("A")
			if !lookup.Negative {
				t.Fatalf("expected negative entry, got %+v", lookup)
			}
			if lookup.Expired != tt.expired {
				t.Errorf("expected expired=%v at +%s, got %v", tt.expired, tt.offset, lookup.Expired)
			}
		})
	}
}

func TestLegacySlashSentinelIsNegative(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache, _ := newTestCache(t, clock)

	if err := cache.Store("A", "/no-cover.png"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if lookup := cache.Lookup("A"); !lookup.Negative || lookup.Expired {
		t.Errorf("unexpected lookup: %+v", lookup)
	}
}

func TestStoreTransientReferenceIsNoop(t *testing.T) {
	cache, store := newTestCache(t, &fakeClock{now: time.Now()})

	if err := cache.Store("A", "http://backend/cover-cache/A.jpg"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := cache.Store("A", BlobPrefix+"1234"); err != nil {
		t.Fatalf("Store transient: %v", err)
	}
	if err := cache.Store("B", BlobPrefix+"5678"); err != nil {
		t.Fatalf("Store transient: %v", err)
	}

	if lookup := cache.Lookup("A"); lookup.URL != "http://backend/cover-cache/A.jpg" {
		t.Errorf("expected previous entry kept, got %+v", lookup)
	}
	if keys, _ := store.Keys("cover:"); len(keys) != 1 {
		t.Errorf("expected only A persisted, got %v", keys)
	}
}

func TestCorruptedEntryIsDiscarded(t *testing.T) {
	backend := kvstore.NewMemoryBackend(0)
	store := kvstore.New(backend, quietLogger())
	if err := backend.Apply(kvstore.Op{Key: "cover:A", Value: []byte("{")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache, err := NewCache(store, CacheOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	if lookup := cache.Lookup("A"); lookup.Known {
		t.Errorf("expected corrupted entry treated as unknown, got %+v", lookup)
	}
	if keys, _ := store.Keys("cover:"); len(keys) != 0 {
		t.Errorf("expected corrupted key removed, got %v", keys)
	}
}

func TestClearAndForget(t *testing.T) {
	cache, _ := newTestCache(t, &fakeClock{now: time.Now()})

	for _, id := range []string{"A", "B", "C"} {
		if err := cache.Store(id, "u"+id); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	if err := cache.Forget("A"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if cache.Lookup("A").Known {
		t.Error("expected A forgotten")
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cache.Lookup("B").Known || cache.Len() != 0 {
		t.Error("expected empty cache after Clear")
	}
}

func TestSetTTL(t *testing.T) {
	start := time.Now()
	clock := &fakeClock{now: start}
	cache, _ := newTestCache(t, clock)

	cache.SetTTL(time.Minute)
	if cache.GetTTL() != time.Minute {
		t.Fatalf("expected ttl of a minute, got %s", cache.GetTTL())
	}
	cache.SetTTL(0)
	if cache.GetTTL() != time.Minute {
		t.Errorf("expected non-positive ttl ignored")
	}

	_ = cache.Store("A", NoCoverSentinel)
	clock.now = start.Add(time.Minute)
	if !cache.Lookup("A").Expired {
		t.Error("expected entry expired after custom ttl")
	}
}
