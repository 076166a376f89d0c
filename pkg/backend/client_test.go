package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(Config{
		BaseURL:         server.URL,
		Timeout:         5 * time.Second,
		RebuildAttempts: 3,
		RebuildDelay:    time.Millisecond,
		Logger:          logger,
	})
}

func TestFetchPage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pdf-text/book-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("session_id"); got != "sess" {
			t.Errorf("expected session_id 'sess', got %q", got)
		}
		if r.URL.Query().Get("page") == "9" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":"Page 9 out of range"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"page":1,"text":"hello","images":["a.png"],"total_pages":4}`))
	}))

	t.Run("success", func(t *testing.T) {
		resp, err := client.FetchPage(context.Background(), "book-1", 1, "sess")
		if err != nil {
			t.Fatalf("FetchPage: %v", err)
		}
		if !resp.Success || resp.Text != "hello" || resp.TotalPages == nil || *resp.TotalPages != 4 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("out of range returned as data", func(t *testing.T) {
		resp, err := client.FetchPage(context.Background(), "book-1", 9, "sess")
		if err != nil {
			t.Fatalf("FetchPage: %v", err)
		}
		if resp.Success || resp.Error == "" {
			t.Errorf("expected error in body, got %+v", resp)
		}
	})
}

func TestRebuildCoverCacheRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req RebuildRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.BookIDs) != 3 {
			t.Errorf("expected 3 ids, got %v", req.BookIDs)
		}
		_ = json.NewEncoder(w).Encode(RebuildResponse{MissingIDs: []string{"C"}})
	}))

	missing, err := client.RebuildCoverCache(context.Background(), []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("RebuildCoverCache: %v", err)
	}
	if len(missing) != 1 || missing[0] != "C" {
		t.Errorf("unexpected missing ids: %v", missing)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRebuildCoverCacheDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad ids"}`))
	}))

	_, err := client.RebuildCoverCache(context.Background(), []string{"A"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestFetchCoverAndProbe(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") == "1" {
			_, _ = w.Write([]byte(`{"status":"valid"}`))
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	}))

	ok, err := client.ProbeCover(context.Background(), "A")
	if err != nil || !ok {
		t.Fatalf("ProbeCover: ok=%v err=%v", ok, err)
	}

	cover, err := client.FetchCover(context.Background(), "A")
	if err != nil {
		t.Fatalf("FetchCover: %v", err)
	}
	if cover.StatusCode != http.StatusOK || cover.ContentType != "image/jpeg" || len(cover.Data) != 3 {
		t.Errorf("unexpected cover: %+v", cover)
	}
}

func TestCancelSessionAndObserve(t *testing.T) {
	var got CancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var observed []string
	client := NewClient(Config{
		BaseURL: server.URL,
		Observe: func(operation string, _ time.Duration) { observed = append(observed, operation) },
	})

	if err := client.CancelSession(context.Background(), "sess", "text"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if got.SessionID != "sess" || got.Type != "text" {
		t.Errorf("unexpected cancel request: %+v", got)
	}
	if len(observed) != 1 || observed[0] != "cancel_session" {
		t.Errorf("unexpected observations: %v", observed)
	}
	if url := client.CoverDiskURL("A"); url != server.URL+"/cover-cache/A.jpg" {
		t.Errorf("unexpected disk url %s", url)
	}
}
