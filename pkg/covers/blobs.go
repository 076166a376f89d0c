package covers

import (
	"sync"

	"github.com/google/uuid"
)

// BlobPrefix starts every transient reference handed out by Blobs
const BlobPrefix = "blob:"

// Blob is a downloaded cover held in memory
type Blob struct {
	Data        []byte
	ContentType string
}

// Blobs holds downloaded covers behind revocable references. References die
// with the process and are never persisted.
type Blobs struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewBlobs() *Blobs {
	return &Blobs{blobs: make(map[string]Blob)}
}

// Create stores data and returns its reference
func (b *Blobs) Create(data []byte, contentType string) string {
	ref := BlobPrefix + uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[ref] = Blob{Data: data, ContentType: contentType}
	return ref
}

func (b *Blobs) Get(ref string) (Blob, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[ref]
	return blob, ok
}

func (b *Blobs) Revoke(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, ref)
}

// RevokeAll drops every reference
func (b *Blobs) RevokeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs = make(map[string]Blob)
}

func (b *Blobs) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
