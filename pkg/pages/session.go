package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lflare/readercache-golang/pkg/backend"
	"github.com/lflare/readercache-golang/pkg/session"
	"github.com/sirupsen/logrus"
)

// State of a fetch session
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// DefaultPersistEvery is how many new pages are fetched between intermediate saves
const DefaultPersistEvery = 10

// QuotaBanner is shown once caching had to be abandoned
const QuotaBanner = "cannot cache more pages; loading stopped"

var (
	// ErrOutOfRange is the backend's end-of-book signal
	ErrOutOfRange = errors.New("page out of range")

	// ErrRunning is returned when a session is already fetching
	ErrRunning = errors.New("session is already fetching")
)

// Fetcher loads one page of a book
type Fetcher interface {
	FetchPage(ctx context.Context, bookID string, page int, sessionID string) (*backend.PageResponse, error)
}

// Canceller is told when a session is abandoned before completion
type Canceller interface {
	Cancel(sessionID string, kind session.Kind)
}

// SessionOptions configures a Session
type SessionOptions struct {
	SessionID string
	Fetcher   Fetcher
	Store     *Store
	Canceller Canceller

	// PurgeOthers drops every other cached book when the session opens
	PurgeOthers bool

	// PersistEvery saves progress after this many new pages
	PersistEvery int

	Metrics *metrics.Set
	Logger  *logrus.Logger
}

// Snapshot is a copy of a session's observable state
type Snapshot struct {
	BookID          string   `json:"book_id" yaml:"book_id"`
	State           State    `json:"state" yaml:"state"`
	Pages           []Page   `json:"pages" yaml:"pages"`
	TotalPages      int      `json:"total_pages,omitempty" yaml:"total_pages,omitempty"`
	NextPage        int      `json:"next_page" yaml:"next_page"`
	Error           string   `json:"error,omitempty" yaml:"error,omitempty"`
	Banner          []string `json:"banner,omitempty" yaml:"banner,omitempty"`
	CachingDisabled bool     `json:"caching_disabled" yaml:"caching_disabled"`
}

// Session walks a book's pages sequentially, keeping whatever it has fetched
type Session struct {
	mu sync.Mutex

	bookID       string
	sessionID    string
	fetcher      Fetcher
	store        *Store
	canceller    Canceller
	persistEvery int
	log          *logrus.Entry

	state     State
	pages     []*Page
	requested map[int]bool
	next      int
	total     int
	err       string
	banner    []string
	running   bool
	unsaved   int

	cachingDisabled bool
	finished        bool

	pagesFetched  *metrics.Counter
	fetchErrors   *metrics.Counter
	cancellations *metrics.Counter
	quotaFailures *metrics.Counter
}

// NewSession opens bookID, seeding it with any cached pages
func NewSession(bookID string, options SessionOptions) *Session {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewSet()
	}
	if options.PersistEvery <= 0 {
		options.PersistEvery = DefaultPersistEvery
	}

	s := &Session{
		bookID:       bookID,
		sessionID:    options.SessionID,
		fetcher:      options.Fetcher,
		store:        options.Store,
		canceller:    options.Canceller,
		persistEvery: options.PersistEvery,
		log:          options.Logger.WithFields(logrus.Fields{"book_id": bookID, "session_id": options.SessionID}),

		state:     StateIdle,
		requested: make(map[int]bool),
		next:      1,

		pagesFetched:  options.Metrics.GetOrCreateCounter("pages_fetched_total"),
		fetchErrors:   options.Metrics.GetOrCreateCounter("pages_fetch_errors_total"),
		cancellations: options.Metrics.GetOrCreateCounter("pages_sessions_cancelled_total"),
		quotaFailures: options.Metrics.GetOrCreateCounter("pages_quota_failures_total"),
	}

	if s.store == nil {
		return s
	}

	// Drop other books if configured
	if options.PurgeOthers {
		if err := s.store.PurgeAllExcept(bookID); err != nil {
			s.log.WithFields(logrus.Fields{"error": err}).Warnf("Failed to purge other cached books: %v", err)
		}
	}

	// Resume from cache
	cached := s.store.Get(bookID)
	for _, page := range cached {
		if page.Page < 1 || page.Page > len(cached) {
			continue
		}
		s.setPage(page)
		s.requested[page.Page] = true
	}
	if len(s.requested) > 0 {
		s.log.WithFields(logrus.Fields{"event": "resumed", "pages": len(s.requested)}).Infof("Resuming %s with %d cached pages", bookID, len(s.requested))
	}

	return s
}

// BookID returns the book this session reads
func (s *Session) BookID() string { return s.bookID }

// Run fetches pages until the book ends, a page fails or ctx is cancelled.
// Responses arriving after cancellation are discarded.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	if s.state == StateCompleted || s.state == StateCancelled {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.state = StateFetching
	s.err = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		// Pick next page
		s.mu.Lock()
		k := s.next
		if s.total > 0 && k > s.total {
			s.state = StateCompleted
			s.mu.Unlock()
			s.persist()
			return nil
		}
		if s.requested[k] {
			s.next++
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			return s.cancel(ctx)
		}

		// Request page
		resp, err := s.fetcher.FetchPage(ctx, s.bookID, k, s.sessionID)

		// End of book
		if isOutOfRange(resp, err) {
			s.mu.Lock()
			if ctx.Err() != nil {
				return s.cancelLocked(ctx)
			}
			if s.total == 0 {
				if resp != nil && resp.TotalPages != nil && *resp.TotalPages > 0 {
					s.total = *resp.TotalPages
				} else {
					s.total = k - 1
				}
			}
			s.state = StateCompleted
			total := s.total
			s.mu.Unlock()

			s.log.WithFields(logrus.Fields{"event": "completed", "total_pages": total}).Infof("Finished loading %s, %d pages", s.bookID, total)
			s.persist()
			return nil
		}

		// Page failed
		if err == nil && (resp == nil || !resp.Success) {
			message := "request unsuccessful"
			if resp != nil && resp.Error != "" {
				message = resp.Error
			}
			err = errors.New(message)
		}
		if err != nil {
			s.mu.Lock()
			if ctx.Err() != nil {
				return s.cancelLocked(ctx)
			}
			s.fetchErrors.Inc()
			s.state = StateErrored
			s.err = fmt.Sprintf("failed to load page %d: %v", k, err)
			s.mu.Unlock()

			s.log.WithFields(logrus.Fields{"event": "failed", "page": k, "error": err}).Warnf("Failed to load page %d of %s: %v", k, s.bookID, err)
			s.persist()
			return fmt.Errorf("page %d: %w", k, err)
		}

		// Page loaded
		s.mu.Lock()
		if ctx.Err() != nil {
			return s.cancelLocked(ctx)
		}
		s.pagesFetched.Inc()
		if s.total == 0 && resp.TotalPages != nil && *resp.TotalPages > 0 {
			s.total = *resp.TotalPages
		}
		if resp.Page != 0 && resp.Page != k {
			s.log.WithFields(logrus.Fields{"event": "mismatch", "page": k, "returned_page": resp.Page}).Warnf("Backend answered page %d of %s with page %d", k, s.bookID, resp.Page)
		}
		s.setPage(Page{Page: k, Text: resp.Text, Images: resp.Images})
		s.requested[k] = true
		s.next = k + 1
		s.unsaved++
		checkpoint := s.unsaved >= s.persistEvery
		s.mu.Unlock()

		// Save progress
		if checkpoint && s.persist() {
			s.mu.Lock()
			s.state = StateErrored
			s.err = QuotaBanner
			s.mu.Unlock()
			return &QuotaError{BookID: s.bookID, Err: errors.New(QuotaBanner)}
		}
	}
}

// Retry resumes an errored session from the first page not yet loaded
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateErrored {
		s.mu.Unlock()
		return nil
	}
	s.banner = nil
	s.mu.Unlock()

	return s.Run(ctx)
}

// Dismiss clears the error banner, keeping everything loaded
func (s *Session) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = ""
	s.banner = nil
}

// ReachedPage records reader progress. Reaching the last page of a loaded
// book drops it from the page store.
func (s *Session) ReachedPage(page int) (bool, error) {
	s.mu.Lock()
	if s.state != StateCompleted || s.total == 0 || page < s.total || s.finished {
		s.mu.Unlock()
		return false, nil
	}
	s.finished = true
	s.mu.Unlock()

	if s.store == nil {
		return true, nil
	}
	if err := s.store.Delete(s.bookID); err != nil {
		return true, err
	}
	s.log.WithFields(logrus.Fields{"event": "finished"}).Infof("Reached the end of %s, dropped cached pages", s.bookID)
	return true, nil
}

// Snapshot returns a copy of the session's state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		BookID:          s.bookID,
		State:           s.state,
		Pages:           s.loaded(),
		TotalPages:      s.total,
		NextPage:        s.next,
		Error:           s.err,
		CachingDisabled: s.cachingDisabled,
	}
	if s.err != "" {
		snapshot.Banner = append(snapshot.Banner, s.err)
	}
	for _, message := range s.banner {
		if message != s.err {
			snapshot.Banner = append(snapshot.Banner, message)
		}
	}
	return snapshot
}

func (s *Session) cancel(ctx context.Context) error {
	s.mu.Lock()
	return s.cancelLocked(ctx)
}

// cancelLocked marks the session cancelled and releases s.mu, so no result
// can be applied between noticing ctx and recording the new state.
func (s *Session) cancelLocked(ctx context.Context) error {
	s.state = StateCancelled
	s.mu.Unlock()

	s.cancellations.Inc()
	s.log.WithFields(logrus.Fields{"event": "cancelled"}).Debugf("Stopped loading %s", s.bookID)
	if s.canceller != nil && s.sessionID != "" {
		s.canceller.Cancel(s.sessionID, session.KindText)
	}
	return ctx.Err()
}

// persist saves loaded pages. It reports whether this save ran out of quota,
// after which caching stays disabled for the session.
func (s *Session) persist() bool {
	s.mu.Lock()
	if s.store == nil || s.finished || s.cachingDisabled {
		s.mu.Unlock()
		return false
	}
	pages := s.loaded()
	s.unsaved = 0
	s.mu.Unlock()

	if len(pages) == 0 {
		return false
	}

	err := s.store.Put(s.bookID, pages)
	if err == nil {
		return false
	}

	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		s.log.WithFields(logrus.Fields{"error": err}).Errorf("Failed to cache pages of %s: %v", s.bookID, err)
		return false
	}

	// Stop caching for the rest of this session
	s.quotaFailures.Inc()
	s.mu.Lock()
	s.cachingDisabled = true
	s.banner = append(s.banner, QuotaBanner)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"event": "quota"}).Warnf("Caching disabled for %s", s.bookID)
	return true
}

func (s *Session) setPage(page Page) {
	for len(s.pages) < page.Page {
		s.pages = append(s.pages, nil)
	}
	s.pages[page.Page-1] = &page
}

func (s *Session) loaded() []Page {
	out := make([]Page, 0, len(s.pages))
	for _, page := range s.pages {
		if page != nil {
			out = append(out, *page)
		}
	}
	return out
}

func isOutOfRange(resp *backend.PageResponse, err error) bool {
	if errors.Is(err, ErrOutOfRange) {
		return true
	}
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "out of range") {
		return true
	}
	return resp != nil && strings.Contains(strings.ToLower(resp.Error), "out of range")
}
