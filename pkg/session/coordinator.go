// Package session owns the client session id and tells the backend to drop
// background work when the reader navigates away.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lflare/readercache-golang/pkg/kvstore"
	"github.com/sirupsen/logrus"
)

// Kind of background work tied to a session
type Kind string

const (
	KindCover Kind = "cover"
	KindText  Kind = "text"
)

// DefaultCancelTimeout bounds a single cancel notification
const DefaultCancelTimeout = 5 * time.Second

const sessionKey = "session:id"

// Notifier delivers a cancellation to the backend
type Notifier interface {
	CancelSession(ctx context.Context, sessionID string, kind string) error
}

// Options configures a Coordinator
type Options struct {
	CancelTimeout time.Duration
	Logger        *logrus.Logger
}

// Coordinator persists the session id and issues best-effort cancellations
type Coordinator struct {
	mu       sync.Mutex
	store    *kvstore.Store
	notifier Notifier
	timeout  time.Duration
	path     string
	wg       sync.WaitGroup
	log      *logrus.Logger
}

// NewCoordinator creates a coordinator. A nil notifier makes Cancel a no-op.
func NewCoordinator(store *kvstore.Store, notifier Notifier, options Options) *Coordinator {
	if options.CancelTimeout <= 0 {
		options.CancelTimeout = DefaultCancelTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		timeout:  options.CancelTimeout,
		log:      options.Logger,
	}
}

// SessionID returns the persisted id, or "" if none exists yet
func (c *Coordinator) SessionID() string {
	return kvstore.Read(c.store, sessionKey, "")
}

// EnsureSessionID returns the persisted id, creating one if absent. If the
// new id cannot be persisted it is still returned along with the error.
func (c *Coordinator) EnsureSessionID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id := c.SessionID(); id != "" {
		return id, nil
	}

	id := uuid.NewString()
	if err := c.store.Write(sessionKey, id); err != nil {
		return id, err
	}
	c.log.WithFields(logrus.Fields{"session_id": id, "event": "created"}).Infof("Created session %s", id)
	return id, nil
}

// Clear forgets the session id; the next EnsureSessionID creates a new one
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Remove(sessionKey)
}

// Cancel notifies the backend in the background. Failures are logged and dropped.
func (c *Coordinator) Cancel(sessionID string, kind Kind) {
	if c.notifier == nil || sessionID == "" {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.notifier.CancelSession(ctx, sessionID, string(kind)); err != nil {
			c.log.WithFields(logrus.Fields{"session_id": sessionID, "type": kind, "error": err}).Debugf("Failed to cancel %s session: %v", kind, err)
			return
		}
		c.log.WithFields(logrus.Fields{"session_id": sessionID, "type": kind, "event": "cancelled"}).Debugf("Cancelled %s session", kind)
	}()
}

// Navigate records the current route. When it differs from the previous one,
// cover and text work for the session is cancelled and true is returned.
func (c *Coordinator) Navigate(path string) bool {
	c.mu.Lock()
	previous := c.path
	c.path = path
	c.mu.Unlock()

	if previous == "" || previous == path {
		return false
	}

	sessionID := c.SessionID()
	c.Cancel(sessionID, KindCover)
	c.Cancel(sessionID, KindText)
	return true
}

// Wait blocks until every pending cancellation finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
