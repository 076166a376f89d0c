package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/lflare/readercache-golang/pkg/backend"
	"github.com/lflare/readercache-golang/pkg/session"
)

// fakeBook serves pages 1..total and "out of range" afterwards
type fakeBook struct {
	mu        sync.Mutex
	total     int
	declare   bool
	failPage  int
	offset    int
	requests  []int
	onRequest func(page int)
}

func (f *fakeBook) FetchPage(ctx context.Context, bookID string, page int, sessionID string) (*backend.PageResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, page)
	onRequest := f.onRequest
	f.mu.Unlock()

	if onRequest != nil {
		onRequest(page)
	}
	if page == f.failPage {
		return nil, errors.New("server error (500): internal")
	}
	if page > f.total {
		return &backend.PageResponse{Success: false, Error: fmt.Sprintf("Page %d out of range", page)}, nil
	}

	resp := &backend.PageResponse{Success: true, Page: page + f.offset, Text: fmt.Sprintf("page %d", page), Images: []string{"img.png"}}
	if f.declare {
		total := f.total
		resp.TotalPages = &total
	}
	return resp, nil
}

type recordingCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingCanceller) Cancel(sessionID string, kind session.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID+"/"+string(kind))
}

func newTestSession(book *fakeBook, store *Store, canceller Canceller) *Session {
	return NewSession("book", SessionOptions{
		SessionID: "sess",
		Fetcher:   book,
		Store:     store,
		Canceller: canceller,
		Logger:    quietLogger(),
	})
}

func TestSessionSequentialFetch(t *testing.T) {
	book := &fakeBook{total: 5}
	store, _ := newTestStore(0)
	s := newTestSession(book, store, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []int{1, 2, 3, 4, 5, 6}; fmt.Sprint(book.requests) != fmt.Sprint(want) {
		t.Errorf("requests=%v want %v", book.requests, want)
	}
	snapshot := s.Snapshot()
	if snapshot.State != StateCompleted || snapshot.TotalPages != 5 || len(snapshot.Pages) != 5 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Pages[0].Images == nil {
		t.Error("expected live pages to keep images")
	}

	persisted := store.Get("book")
	if len(persisted) != 5 {
		t.Fatalf("expected 5 persisted pages, got %d", len(persisted))
	}
	for i, page := range persisted {
		if page.Page != i+1 || page.Images != nil {
			t.Errorf("unexpected persisted page %+v", page)
		}
	}

	// Running again does not refetch
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(book.requests) != 6 {
		t.Errorf("expected no new requests, got %v", book.requests)
	}
}

func TestSessionStopsAtDeclaredTotal(t *testing.T) {
	book := &fakeBook{total: 3, declare: true}
	s := newTestSession(book, nil, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(book.requests) != 3 {
		t.Errorf("expected 3 requests, got %v", book.requests)
	}
	if snapshot := s.Snapshot(); snapshot.State != StateCompleted || snapshot.TotalPages != 3 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
}

func TestSessionPartialFailurePreservesProgress(t *testing.T) {
	book := &fakeBook{total: 5, failPage: 3}
	store, _ := newTestStore(0)
	s := newTestSession(book, store, nil)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if fmt.Sprint(book.requests) != fmt.Sprint([]int{1, 2, 3}) {
		t.Errorf("expected page 4 never requested, got %v", book.requests)
	}

	snapshot := s.Snapshot()
	if snapshot.State != StateErrored || len(snapshot.Pages) != 2 || snapshot.Error == "" {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot.Banner) != 1 {
		t.Errorf("expected banner, got %v", snapshot.Banner)
	}
	if len(store.Get("book")) != 2 {
		t.Errorf("expected partial progress persisted")
	}

	// Dismiss keeps pages
	s.Dismiss()
	if snapshot := s.Snapshot(); len(snapshot.Banner) != 0 || len(snapshot.Pages) != 2 {
		t.Errorf("unexpected snapshot after dismiss: %+v", snapshot)
	}

	// Retry continues from page 3
	book.failPage = 0
	if err := s.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if fmt.Sprint(book.requests) != fmt.Sprint([]int{1, 2, 3, 3, 4, 5, 6}) {
		t.Errorf("unexpected requests after retry: %v", book.requests)
	}
	if s.Snapshot().State != StateCompleted {
		t.Errorf("expected completed after retry")
	}
}

func TestSessionCancellationDiscardsLateResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	book := &fakeBook{total: 5}
	book.onRequest = func(page int) {
		if page == 2 {
			cancel()
		}
	}
	store, _ := newTestStore(0)
	canceller := &recordingCanceller{}
	s := newTestSession(book, store, canceller)

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	snapshot := s.Snapshot()
	if snapshot.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", snapshot.State)
	}
	if len(snapshot.Pages) != 1 || snapshot.Pages[0].Page != 1 {
		t.Errorf("expected only page 1, got %+v", snapshot.Pages)
	}
	if store.Get("book") != nil {
		t.Error("expected nothing persisted after cancellation")
	}
	if len(canceller.calls) != 1 || canceller.calls[0] != "sess/text" {
		t.Errorf("expected text cancellation, got %v", canceller.calls)
	}
	if fmt.Sprint(book.requests) != fmt.Sprint([]int{1, 2}) {
		t.Errorf("expected no requests after cancellation, got %v", book.requests)
	}
}

func TestSessionDiscardsLateEndOfBook(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	book := &fakeBook{total: 2}
	book.onRequest = func(page int) {
		if page == 3 {
			cancel()
		}
	}
	store, _ := newTestStore(0)
	s := newTestSession(book, store, nil)

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	snapshot := s.Snapshot()
	if snapshot.State != StateCancelled || snapshot.TotalPages != 0 {
		t.Errorf("expected cancelled without a total, got %s total=%d", snapshot.State, snapshot.TotalPages)
	}
	if store.Get("book") != nil {
		t.Error("expected nothing persisted after cancellation")
	}
}

func TestSessionIndexesPagesByRequest(t *testing.T) {
	book := &fakeBook{total: 3, offset: 1000000}
	store, _ := newTestStore(0)
	s := newTestSession(book, store, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snapshot := s.Snapshot()
	if snapshot.TotalPages != 3 || len(snapshot.Pages) != 3 {
		t.Fatalf("expected 3 pages, got total=%d pages=%d", snapshot.TotalPages, len(snapshot.Pages))
	}
	for i, page := range snapshot.Pages {
		if page.Page != i+1 || page.Text != fmt.Sprintf("page %d", i+1) {
			t.Errorf("page %d stored as %+v", i+1, page)
		}
	}
	if len(s.pages) != 3 {
		t.Errorf("expected live array of 3, got %d", len(s.pages))
	}
	if cached := store.Get("book"); len(cached) != 3 || cached[2].Page != 3 {
		t.Errorf("unexpected cached pages %+v", cached)
	}
}

func TestSessionResumesFromCache(t *testing.T) {
	store, _ := newTestStore(0)
	_ = store.Put("book", []Page{{Page: 1, Text: "page 1"}, {Page: 2, Text: "page 2"}})
	_ = store.Put("other", []Page{{Page: 1, Text: "x"}})

	book := &fakeBook{total: 3}
	s := NewSession("book", SessionOptions{
		SessionID:   "sess",
		Fetcher:     book,
		Store:       store,
		PurgeOthers: true,
		Logger:      quietLogger(),
	})

	if store.Get("other") != nil {
		t.Error("expected other books purged on open")
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fmt.Sprint(book.requests) != fmt.Sprint([]int{3, 4}) {
		t.Errorf("expected only uncached pages requested, got %v", book.requests)
	}
	if len(s.Snapshot().Pages) != 3 {
		t.Errorf("expected 3 pages")
	}
}

func TestSessionQuotaDisablesCaching(t *testing.T) {
	store, _ := newTestStore(96)
	book := &fakeBook{total: 4}
	s := newTestSession(book, store, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snapshot := s.Snapshot()
	if snapshot.State != StateCompleted || len(snapshot.Pages) != 4 {
		t.Errorf("expected display unaffected, got %+v", snapshot)
	}
	if !snapshot.CachingDisabled {
		t.Error("expected caching disabled")
	}
	if len(snapshot.Banner) != 1 || !strings.Contains(snapshot.Banner[0], "cannot cache more pages") {
		t.Errorf("expected quota banner, got %v", snapshot.Banner)
	}
	if store.Get("book") != nil {
		t.Error("expected nothing persisted")
	}
}

func TestSessionQuotaStopsLoadingAtCheckpoint(t *testing.T) {
	store, _ := newTestStore(96)
	book := &fakeBook{total: 10}
	s := NewSession("book", SessionOptions{
		SessionID:    "sess",
		Fetcher:      book,
		Store:        store,
		PersistEvery: 4,
		Logger:       quietLogger(),
	})

	err := s.Run(context.Background())
	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if len(book.requests) != 4 {
		t.Errorf("expected loading to stop after 4 pages, got %v", book.requests)
	}
	if snapshot := s.Snapshot(); snapshot.State != StateErrored || len(snapshot.Pages) != 4 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}

	// Retry keeps loading without caching
	if err := s.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if snapshot := s.Snapshot(); snapshot.State != StateCompleted || len(snapshot.Pages) != 10 {
		t.Errorf("unexpected snapshot after retry: %+v", snapshot)
	}
}

func TestReachedLastPageDropsCache(t *testing.T) {
	store, _ := newTestStore(0)
	book := &fakeBook{total: 2}
	s := newTestSession(book, store, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dropped, _ := s.ReachedPage(1); dropped {
		t.Error("expected page 1 not to drop the cache")
	}
	if dropped, err := s.ReachedPage(2); !dropped || err != nil {
		t.Fatalf("ReachedPage(2) = %v, %v", dropped, err)
	}
	if store.Get("book") != nil || len(store.LRU()) != 0 {
		t.Error("expected cache entry removed")
	}
}
