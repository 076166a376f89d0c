package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	backend, err := OpenBolt(dir, 0, quietLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	s := New(backend, quietLogger())
	if err := s.Write("session:id", "abc"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	size := backend.Size()
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBolt(dir, 0, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := Read(New(reopened, quietLogger()), "session:id", ""); got != "abc" {
		t.Errorf("expected persisted value, got %q", got)
	}
	if reopened.Size() != size {
		t.Errorf("expected measured size %d after reopen, got %d", size, reopened.Size())
	}
}

func TestBoltQuotaRollsBack(t *testing.T) {
	backend, err := OpenBolt(t.TempDir(), 40, quietLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer backend.Close()

	if err := backend.Apply(Op{Key: "a", Value: []byte("1")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err = backend.Apply(
		Op{Key: "b", Value: []byte("2")},
		Op{Key: "c", Value: make([]byte, 64)},
	)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := backend.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Error("expected 'b' to be rolled back")
	}
	if backend.Size() != 2 {
		t.Errorf("expected size 2, got %d", backend.Size())
	}
}

func TestBoltKeysByPrefix(t *testing.T) {
	backend, err := OpenBolt(t.TempDir(), 0, quietLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer backend.Close()

	for _, key := range []string{"cover:1", "cover:2", "index:pages-lru", "pages:1"} {
		if err := backend.Apply(Op{Key: key, Value: []byte("{}")}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	keys, err := backend.Keys("cover:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "cover:1" || keys[1] != "cover:2" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestBoltCompact(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBolt(dir, 0, quietLogger())
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer backend.Close()

	if err := backend.Apply(Op{Key: "pages:1", Value: []byte(`[{"page":1,"text":"a"}]`)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := backend.Compact(context.Background()); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "cache.db.bak")); err != nil {
		t.Errorf("expected backup file: %v", err)
	}
	if _, err := backend.Get("pages:1"); err != nil {
		t.Errorf("expected entry after compaction: %v", err)
	}
}
