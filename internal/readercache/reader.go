package readercache

import (
	"context"
	"errors"
	"sync"

	"github.com/lflare/readercache-golang/pkg/pages"
	"github.com/sirupsen/logrus"
)

// ErrNoSession is returned when a book has no open reading session
var ErrNoSession = errors.New("no reading session for book")

type readingSession struct {
	session *pages.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// Reader runs one background fetch session per open book
type Reader struct {
	mu          sync.Mutex
	app         *App
	purgeOthers bool
	sessions    map[string]*readingSession
	wg          sync.WaitGroup
}

func NewReader(app *App, purgeOthers bool) *Reader {
	return &Reader{
		app:         app,
		purgeOthers: purgeOthers,
		sessions:    make(map[string]*readingSession),
	}
}

// Open returns the session for bookID, starting one in the background if needed
func (r *Reader) Open(bookID string) *pages.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[bookID]; ok && existing.ctx.Err() == nil {
		return existing.session
	}

	// Prepare session
	sessionID, err := r.app.sessions.EnsureSessionID()
	if err != nil {
		log.WithFields(logrus.Fields{"book_id": bookID, "error": err}).Warnf("Session id not persisted: %v", err)
	}
	s := pages.NewSession(bookID, pages.SessionOptions{
		SessionID:   sessionID,
		Fetcher:     r.app.client,
		Store:       r.app.pages,
		Canceller:   r.app.sessions,
		PurgeOthers: r.purgeOthers,
		Metrics:     r.app.set,
		Logger:      log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.sessions[bookID] = &readingSession{session: s, ctx: ctx, cancel: cancel}
	clientSessionsTotal.Inc()

	r.start(ctx, bookID, s.Run)
	return s
}

// Get returns the open session for bookID
func (r *Reader) Get(bookID string) (*pages.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[bookID]
	if !ok {
		return nil, false
	}
	return existing.session, true
}

// Retry resumes an errored session in the background
func (r *Reader) Retry(bookID string) (*pages.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[bookID]
	if !ok {
		return nil, ErrNoSession
	}
	r.start(existing.ctx, bookID, existing.session.Retry)
	return existing.session, nil
}

// CancelAll stops every session. Late responses are discarded by the sessions.
func (r *Reader) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for bookID, existing := range r.sessions {
		existing.cancel()
		delete(r.sessions, bookID)
	}
}

// Wait blocks until every background run returned
func (r *Reader) Wait() {
	r.wg.Wait()
}

func (r *Reader) start(ctx context.Context, bookID string, run func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pages.ErrRunning) {
			log.WithFields(logrus.Fields{"book_id": bookID, "error": err}).Debugf("Reading session for %s stopped: %v", bookID, err)
		}
	}()
}
