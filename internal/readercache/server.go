package readercache

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/lflare/readercache-golang/pkg/covers"
	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/lflare/readercache-golang/pkg/pages"
	"github.com/sirupsen/logrus"
)

type server struct {
	app        *App
	prometheus bool
}

type coversRequest struct {
	BookIDs []string `json:"book_ids"`
}

type coversResponse struct {
	Covers    []covers.Resolution `json:"covers"`
	Loaded    int                 `json:"loaded"`
	Total     int                 `json:"total"`
	Cancelled bool                `json:"cancelled,omitempty"`
}

type coverStatus struct {
	BookID string `json:"book_id"`
	covers.Lookup
	Loading bool `json:"loading"`
}

type navigateRequest struct {
	Path string `json:"path"`
}

// StorageReport summarises how the storage quota is spent
type StorageReport struct {
	Used       int64                   `json:"used_bytes" yaml:"used_bytes"`
	Quota      int64                   `json:"quota_bytes" yaml:"quota_bytes"`
	Summary    string                  `json:"summary" yaml:"summary"`
	Categories []kvstore.CategoryUsage `json:"categories" yaml:"categories"`
}

// newRouter builds the loopback HTTP surface used by the reading UI
func newRouter(app *App, prometheus bool) http.Handler {
	s := &server{app: app, prometheus: prometheus}

	// Prepare router
	r := mux.NewRouter()
	r.Use(s.requestMiddleware)

	r.HandleFunc("/covers/resolve", s.resolveCovers(false)).Methods(http.MethodPost)
	r.HandleFunc("/covers/retry", s.resolveCovers(true)).Methods(http.MethodPost)
	r.HandleFunc("/covers/{book_id}", s.getCover).Methods(http.MethodGet)
	r.HandleFunc("/covers/{book_id}/retry", s.retryCover).Methods(http.MethodPost)
	r.HandleFunc("/blobs/{blob_id}", s.getBlob).Methods(http.MethodGet)

	r.HandleFunc("/books/{book_id}/open", s.openBook).Methods(http.MethodPost)
	r.HandleFunc("/books/{book_id}/pages", s.getPages).Methods(http.MethodGet)
	r.HandleFunc("/books/{book_id}/pages/{page_num:[0-9]+}/viewed", s.viewedPage).Methods(http.MethodPost)
	r.HandleFunc("/books/{book_id}/retry", s.retryBook).Methods(http.MethodPost)
	r.HandleFunc("/books/{book_id}/banner", s.dismissBanner).Methods(http.MethodDelete)

	r.HandleFunc("/navigate", s.navigate).Methods(http.MethodPost)
	r.HandleFunc("/session", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/session", s.clearSession).Methods(http.MethodDelete)

	r.HandleFunc("/stats/storage", s.storageStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/latency", s.latencyStats).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(log))(handlers.CompressHandler(r))
}

func (s *server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Start timer
		startTime := time.Now()
		clientRequestsTotal.Inc()

		// Prepare logger for request
		requestLogger := log.WithFields(logrus.Fields{"url_path": r.URL.Path, "method": r.Method, "remote_addr": r.RemoteAddr})
		requestLogger.WithFields(logrus.Fields{"event": "received"}).Tracef("Request for %s received", r.URL.Path)

		next.ServeHTTP(w, r)

		// End time
		totalTime := time.Since(startTime)
		clientRequestDurationSeconds.Update(totalTime.Seconds())
		requestLogger.WithFields(logrus.Fields{"event": "completed", "time_taken": totalTime.Milliseconds()}).Debugf("Request for %s completed in %dms", r.URL.Path, totalTime.Milliseconds())
	})
}

func (s *server) resolveCovers(retryAll bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req coversRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.BookIDs) == 0 {
			writeError(w, http.StatusBadRequest, "book_ids is required")
			return
		}

		results, progress, err := s.app.ResolveCovers(r.Context(), dedupe(req.BookIDs), retryAll)
		loaded, total := progress.Counts()
		writeJSON(w, http.StatusOK, coversResponse{
			Covers:    results,
			Loaded:    loaded,
			Total:     total,
			Cancelled: err != nil,
		})
	}
}

func (s *server) getCover(w http.ResponseWriter, r *http.Request) {
	bookID := mux.Vars(r)["book_id"]
	writeJSON(w, http.StatusOK, coverStatus{
		BookID:  bookID,
		Lookup:  s.app.Covers().Lookup(bookID),
		Loading: s.app.CoverLoading(bookID),
	})
}

func (s *server) retryCover(w http.ResponseWriter, r *http.Request) {
	resolution, err := s.app.RetryCover(r.Context(), mux.Vars(r)["book_id"])
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *server) getBlob(w http.ResponseWriter, r *http.Request) {
	blob, ok := s.app.Pipeline().Blobs().Get(covers.BlobPrefix + mux.Vars(r)["blob_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "blob revoked or unknown")
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write(blob.Data); err != nil {
		clientFailedTotal.Inc()
		return
	}
	clientServedBytesTotal.Add(len(blob.Data))
}

func (s *server) openBook(w http.ResponseWriter, r *http.Request) {
	session := s.app.Reader().Open(mux.Vars(r)["book_id"])
	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *server) session(w http.ResponseWriter, r *http.Request) (*pages.Session, bool) {
	session, ok := s.app.Reader().Get(mux.Vars(r)["book_id"])
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
	}
	return session, ok
}

func (s *server) getPages(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, session.Snapshot())
	}
}

func (s *server) viewedPage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	page, err := strconv.Atoi(mux.Vars(r)["page_num"])
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}

	dropped, err := session.ReachedPage(page)
	if err != nil {
		log.WithFields(logrus.Fields{"book_id": session.BookID(), "error": err}).Warnf("Failed to drop cached pages: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dropped": dropped})
}

func (s *server) retryBook(w http.ResponseWriter, r *http.Request) {
	session, err := s.app.Reader().Retry(mux.Vars(r)["book_id"])
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *server) dismissBanner(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		session.Dismiss()
		writeJSON(w, http.StatusOK, session.Snapshot())
	}
}

func (s *server) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.app.Navigate(req.Path)})
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.app.Sessions().EnsureSessionID()
	if err != nil {
		log.Warnf("Session id not persisted: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *server) clearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sessions().Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) storageStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.storageReport()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) latencyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Latency().GetAllStats())
}

func (s *server) metrics(w http.ResponseWriter, r *http.Request) {
	if !s.prometheus {
		writeError(w, http.StatusNotFound, "prometheus metrics disabled")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
	s.app.set.WritePrometheus(w)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if status >= 500 {
		clientFailedTotal.Inc()
	} else {
		clientDroppedTotal.Inc()
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
