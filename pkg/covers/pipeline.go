package covers

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lflare/readercache-golang/pkg/backend"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Backend is the part of the book backend the pipeline talks to
type Backend interface {
	RebuildCoverCache(ctx context.Context, bookIDs []string) ([]string, error)
	FetchCover(ctx context.Context, bookID string) (*backend.CoverResponse, error)
	ProbeCover(ctx context.Context, bookID string) (bool, error)
}

// Source says where a resolution came from
type Source string

const (
	SourceCache    Source = "cache"
	SourceDisk     Source = "disk"
	SourceFetched  Source = "fetched"
	SourceNegative Source = "negative"
)

// Resolution is the displayable outcome for one book. For fetched covers URL
// is a transient blob reference; the cache holds the disk URL instead.
type Resolution struct {
	BookID   string `json:"book_id" yaml:"book_id"`
	URL      string `json:"url" yaml:"url"`
	Source   Source `json:"source" yaml:"source"`
	Negative bool   `json:"negative" yaml:"negative"`
}

// PipelineOptions configures a Pipeline
type PipelineOptions struct {
	// FetchInterval spaces direct cover downloads; zero disables pacing
	FetchInterval time.Duration

	// Probe asks the backend whether a cover exists before downloading it
	Probe bool

	Metrics *metrics.Set
	Logger  *logrus.Logger
}

// Pipeline converges a set of books to either a usable cover or a cached negative result
type Pipeline struct {
	cache   *Cache
	backend Backend
	blobs   *Blobs
	limiter *rate.Limiter
	probe   bool
	log     *logrus.Logger

	resolvedTotal    func(Source) *metrics.Counter
	rebuildFailed    *metrics.Counter
	rateLimitedTotal *metrics.Counter
	fetchFailedTotal *metrics.Counter
}

// NewPipeline creates a pipeline resolving into cache through client
func NewPipeline(cache *Cache, client Backend, blobs *Blobs, options PipelineOptions) *Pipeline {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewSet()
	}
	if blobs == nil {
		blobs = NewBlobs()
	}

	// Prepare limiter for direct downloads
	limit := rate.Inf
	if options.FetchInterval > 0 {
		limit = rate.Every(options.FetchInterval)
	}

	set := options.Metrics
	return &Pipeline{
		cache:   cache,
		backend: client,
		blobs:   blobs,
		limiter: rate.NewLimiter(limit, 1),
		probe:   options.Probe,
		log:     options.Logger,

		resolvedTotal: func(source Source) *metrics.Counter {
			return set.GetOrCreateCounter(`covers_resolved_total{source="` + string(source) + `"}`)
		},
		rebuildFailed:    set.GetOrCreateCounter("covers_rebuild_failed_total"),
		rateLimitedTotal: set.GetOrCreateCounter("covers_rate_limited_total"),
		fetchFailedTotal: set.GetOrCreateCounter("covers_fetch_failed_total"),
	}
}

// Blobs returns the registry holding downloaded covers
func (p *Pipeline) Blobs() *Blobs { return p.blobs }

// Cache returns the cover cache
func (p *Pipeline) Cache() *Cache { return p.cache }

// Resolve resolves ids in order. Fresh cache entries are reused; everything
// else goes through one batch rebuild, and whatever the backend still misses
// is downloaded one at a time. On cancellation the resolutions gathered so
// far are returned with ctx.Err() and nothing further is written.
func (p *Pipeline) Resolve(ctx context.Context, ids []string, progress *Progress) ([]Resolution, error) {
	progress.Start(ids)
	results, err := p.resolve(ctx, ids, progress)
	if err != nil {
		// Ids never reached are no longer loading
		progress.Stop()
	}
	return results, err
}

func (p *Pipeline) resolve(ctx context.Context, ids []string, progress *Progress) ([]Resolution, error) {
	resolved := make(map[string]Resolution, len(ids))
	collect := func() []Resolution {
		out := make([]Resolution, 0, len(resolved))
		for _, id := range ids {
			if resolution, ok := resolved[id]; ok {
				out = append(out, resolution)
			}
		}
		return out
	}

	// Partition into fresh and candidates
	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		lookup := p.cache.Lookup(id)
		switch {
		case lookup.Known && !lookup.Expired:
			resolved[id] = Resolution{BookID: id, URL: lookup.URL, Source: SourceCache, Negative: lookup.Negative}
			p.resolvedTotal(SourceCache).Inc()
			progress.Done(id)
		case lookup.Known:
			// Stale negative, evict and try again
			if err := p.cache.Forget(id); err != nil {
				p.log.WithFields(logrus.Fields{"book_id": id, "error": err}).Warnf("Failed to evict stale cover of %s", id)
			}
			candidates = append(candidates, id)
		default:
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return collect(), nil
	}
	if err := ctx.Err(); err != nil {
		return collect(), err
	}

	// Ask the backend to rebuild its disk cache for every candidate
	missing, err := p.backend.RebuildCoverCache(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return collect(), err
	}
	if err != nil {
		p.rebuildFailed.Inc()
		p.log.WithFields(logrus.Fields{"event": "degraded", "candidates": len(candidates), "error": err}).Warnf("Cover rebuild failed, fetching %d covers individually: %v", len(candidates), err)
		missing = candidates
	}
	missingSet := make(map[string]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}

	// Trust the disk cache for everything the backend did not report missing
	for _, id := range candidates {
		if missingSet[id] {
			continue
		}
		url := p.cache.DiskURL(id)
		p.store(id, url)
		resolved[id] = Resolution{BookID: id, URL: url, Source: SourceDisk}
		p.resolvedTotal(SourceDisk).Inc()
		progress.Done(id)
	}

	// Fetch the rest sequentially
	for _, id := range candidates {
		if !missingSet[id] {
			continue
		}
		resolution, err := p.fetch(ctx, id)
		if err != nil {
			return collect(), err
		}
		resolved[id] = resolution
		progress.Done(id)
	}

	return collect(), nil
}

// RetryAll clears every cover and resolves ids from scratch
func (p *Pipeline) RetryAll(ctx context.Context, ids []string, progress *Progress) ([]Resolution, error) {
	if err := p.cache.Clear(); err != nil {
		p.log.WithFields(logrus.Fields{"error": err}).Errorf("Failed to clear cover cache: %v", err)
	}
	p.blobs.RevokeAll()
	return p.Resolve(ctx, ids, progress)
}

// Retry downloads a single cover again, ignoring any cached answer
func (p *Pipeline) Retry(ctx context.Context, bookID string) (Resolution, error) {
	if err := p.cache.Forget(bookID); err != nil {
		p.log.WithFields(logrus.Fields{"book_id": bookID, "error": err}).Warnf("Failed to forget cover of %s", bookID)
	}
	return p.fetch(ctx, bookID)
}

// fetch downloads one cover. Only context errors are returned; every other
// failure becomes a negative resolution.
func (p *Pipeline) fetch(ctx context.Context, bookID string) (Resolution, error) {
	log := p.log.WithFields(logrus.Fields{"book_id": bookID})

	// Wait for our turn
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		return Resolution{}, err
	}

	// Probe before downloading if enabled
	if p.probe {
		exists, err := p.backend.ProbeCover(ctx, bookID)
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		if err == nil && !exists {
			log.WithFields(logrus.Fields{"event": "probe"}).Debugf("Backend reports no cover for %s", bookID)
			return p.negative(bookID), nil
		}
	}

	// Download cover
	resp, err := p.backend.FetchCover(ctx, bookID)
	if ctx.Err() != nil {
		return Resolution{}, ctx.Err()
	}

	switch {
	case err != nil:
		p.fetchFailedTotal.Inc()
		log.WithFields(logrus.Fields{"event": "failed", "error": err}).Warnf("Failed to fetch cover of %s: %v", bookID, err)
		return p.negative(bookID), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		p.rateLimitedTotal.Inc()
		log.WithFields(logrus.Fields{"event": "rate_limited"}).Warnf("Cover fetch for %s was rate limited", bookID)
		return p.negative(bookID), nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && isImage(resp.ContentType):
		ref := p.blobs.Create(resp.Data, resp.ContentType)
		p.store(bookID, p.cache.DiskURL(bookID))
		p.resolvedTotal(SourceFetched).Inc()
		log.WithFields(logrus.Fields{"event": "fetched", "size": len(resp.Data)}).Debugf("Fetched cover of %s", bookID)
		return Resolution{BookID: bookID, URL: ref, Source: SourceFetched}, nil
	default:
		p.fetchFailedTotal.Inc()
		log.WithFields(logrus.Fields{"event": "failed", "status": resp.StatusCode, "content_type": resp.ContentType}).Warnf("Unusable cover response for %s", bookID)
		return p.negative(bookID), nil
	}
}

func (p *Pipeline) negative(bookID string) Resolution {
	p.store(bookID, NoCoverSentinel)
	p.resolvedTotal(SourceNegative).Inc()
	return Resolution{BookID: bookID, URL: NoCoverSentinel, Source: SourceNegative, Negative: true}
}

func (p *Pipeline) store(bookID string, url string) {
	if err := p.cache.Store(bookID, url); err != nil {
		p.log.WithFields(logrus.Fields{"book_id": bookID, "error": err}).Warnf("Failed to cache cover of %s: %v", bookID, err)
	}
}

func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}
