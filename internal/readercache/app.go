package readercache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lflare/readercache-golang/pkg/backend"
	"github.com/lflare/readercache-golang/pkg/covers"
	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/lflare/readercache-golang/pkg/pages"
	"github.com/lflare/readercache-golang/pkg/session"
)

// Options configures an App
type Options struct {
	BackendURL      string
	ClientTimeout   time.Duration
	RebuildAttempts uint

	CoverTTL           time.Duration
	CoverMemoryEntries int
	FetchInterval      time.Duration
	ProbeCovers        bool

	PageCapacity int
	PurgeOthers  bool

	CancelTimeout time.Duration

	// Transport overrides the backend HTTP transport
	Transport http.RoundTripper
}

// App wires the caches, the backend client and the session coordinator together
type App struct {
	storage  kvstore.Backend
	store    *kvstore.Store
	client   *backend.Client
	covers   *covers.Cache
	pipeline *covers.Pipeline
	pages    *pages.Store
	sessions *session.Coordinator
	reader   *Reader
	latency  *LatencyTracker
	set      *metrics.Set

	mu           sync.Mutex
	progress     *covers.Progress
	coverCancels map[int]context.CancelFunc
	coverSeq     int
}

// NewApp builds an App on top of storage
func NewApp(storage kvstore.Backend, options Options) (*App, error) {
	app := &App{
		storage:      storage,
		store:        kvstore.New(storage, log),
		latency:      NewLatencyTracker(0.01),
		set:          metrics.NewSet(),
		coverCancels: make(map[int]context.CancelFunc),
	}

	// Prepare backend client
	app.client = backend.NewClient(backend.Config{
		BaseURL:         options.BackendURL,
		Timeout:         options.ClientTimeout,
		RebuildAttempts: options.RebuildAttempts,
		RebuildDelay:    500 * time.Millisecond,
		Transport:       options.Transport,
		Observe: func(operation string, duration time.Duration) {
			app.latency.Record(operation, duration)
			observeBackend(operation, duration)
		},
		Logger: log,
	})

	// Prepare cover cache and pipeline
	coverCache, err := covers.NewCache(app.store, covers.CacheOptions{
		TTL:           options.CoverTTL,
		MemoryEntries: options.CoverMemoryEntries,
		DiskURL:       app.client.CoverDiskURL,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare cover cache: %w", err)
	}
	app.covers = coverCache
	app.pipeline = covers.NewPipeline(coverCache, app.client, covers.NewBlobs(), covers.PipelineOptions{
		FetchInterval: options.FetchInterval,
		Probe:         options.ProbeCovers,
		Metrics:       app.set,
		Logger:        log,
	})

	// Prepare page store, session coordinator and reader
	app.pages = pages.NewStore(app.store, options.PageCapacity, log)
	app.sessions = session.NewCoordinator(app.store, app.client, session.Options{
		CancelTimeout: options.CancelTimeout,
		Logger:        log,
	})
	app.reader = NewReader(app, options.PurgeOthers)

	return app, nil
}

func (a *App) Covers() *covers.Cache { return a.covers }
func (a *App) Pipeline() *covers.Pipeline { return a.pipeline }
func (a *App) Pages() *pages.Store { return a.pages }
func (a *App) Sessions() *session.Coordinator { return a.sessions }
func (a *App) Reader() *Reader { return a.reader }
func (a *App) Store() *kvstore.Store { return a.store }
func (a *App) Latency() *LatencyTracker { return a.latency }

// ResolveCovers runs the cover pipeline. It is cancelled by ctx or by the next navigation.
func (a *App) ResolveCovers(ctx context.Context, ids []string, retryAll bool) ([]covers.Resolution, *covers.Progress, error) {
	ctx, done := a.trackCovers(ctx)
	defer done()

	progress := covers.NewProgress(nil)
	a.mu.Lock()
	a.progress = progress
	a.mu.Unlock()

	if retryAll {
		results, err := a.pipeline.RetryAll(ctx, ids, progress)
		return results, progress, err
	}
	results, err := a.pipeline.Resolve(ctx, ids, progress)
	return results, progress, err
}

// RetryCover re-attempts one cover, bypassing the negative TTL
func (a *App) RetryCover(ctx context.Context, bookID string) (covers.Resolution, error) {
	ctx, done := a.trackCovers(ctx)
	defer done()
	return a.pipeline.Retry(ctx, bookID)
}

// CoverLoading reports whether bookID is part of a resolution still in flight
func (a *App) CoverLoading(bookID string) bool {
	a.mu.Lock()
	progress := a.progress
	a.mu.Unlock()
	return progress.Loading(bookID)
}

func (a *App) trackCovers(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.coverSeq++
	id := a.coverSeq
	a.coverCancels[id] = cancel
	a.mu.Unlock()

	return ctx, func() {
		a.mu.Lock()
		delete(a.coverCancels, id)
		a.mu.Unlock()
		cancel()
	}
}

// Navigate records a route change. A real change stops every cover
// resolution and reading session, and asks the backend to do the same.
func (a *App) Navigate(path string) bool {
	if !a.sessions.Navigate(path) {
		return false
	}
	clientNavigationsTotal.Inc()

	// Stop local work
	a.mu.Lock()
	for id, cancel := range a.coverCancels {
		cancel()
		delete(a.coverCancels, id)
	}
	a.mu.Unlock()
	a.reader.CancelAll()
	a.pipeline.Blobs().RevokeAll()

	log.WithField("path", path).Debugf("Navigated to %s, cancelled background work", path)
	return true
}

// ReadBook loads bookID to completion in the foreground
func (a *App) ReadBook(ctx context.Context, bookID string, purgeOthers bool) (pages.Snapshot, error) {
	sessionID, err := a.sessions.EnsureSessionID()
	if err != nil {
		log.Warnf("Session id not persisted: %v", err)
	}

	s := pages.NewSession(bookID, pages.SessionOptions{
		SessionID:   sessionID,
		Fetcher:     a.client,
		Store:       a.pages,
		Canceller:   a.sessions,
		PurgeOthers: purgeOthers,
		Metrics:     a.set,
		Logger:      log,
	})
	err = s.Run(ctx)
	return s.Snapshot(), err
}

// StorageUsage returns the per-category breakdown of the store
func (a *App) StorageUsage() ([]kvstore.CategoryUsage, error) {
	return a.store.Usage()
}

func (a *App) storageReport() (StorageReport, error) {
	usage, err := a.store.Usage()
	if err != nil {
		return StorageReport{}, err
	}
	return StorageReport{
		Used:       a.storage.Size(),
		Quota:      a.storage.Quota(),
		Summary:    a.store.FormatUsage(usage),
		Categories: usage,
	}, nil
}

// Close stops background work and closes storage
func (a *App) Close() error {
	a.reader.CancelAll()
	a.reader.Wait()
	a.sessions.Wait()
	return a.storage.Close()
}
