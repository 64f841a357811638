// Package hub tracks connected editor sessions and fans change events out to
// the subset with the affected document open.
//
// Delivery to each session is an independent, concurrently-awaited send with
// its own timeout, so one slow or dead session can neither delay the others
// nor block broadcast completion. A failed send marks the session stale;
// stale sessions are pruned on the next membership change and by a periodic
// sweep.
package hub

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mdsync/mdsync/internal/watcher"
)

// DefaultSendTimeout converts a hung session send into a failure so broadcast
// latency is bounded by the slowest responsive session.
const DefaultSendTimeout = 5 * time.Second

const sweepInterval = 30 * time.Second

// Sender delivers one change event to a session's transport.
type Sender interface {
	Send(ctx context.Context, event watcher.ChangeEvent) error
}

// Session is one connected client with a set of open documents.
type Session struct {
	id     string
	sender Sender

	mu    sync.Mutex
	open  map[string]struct{}
	stale bool
}

// NewSession creates a session around a transport sender.
func NewSession(id string, sender Sender) *Session {
	return &Session{
		id:     id,
		sender: sender,
		open:   make(map[string]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OpenDocument records that the session is editing the given relative path.
func (s *Session) OpenDocument(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[rel] = struct{}{}
}

// CloseDocument records that the session no longer has the path open.
func (s *Session) CloseDocument(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, rel)
}

// HasOpen reports whether the session is editing the given path.
func (s *Session) HasOpen(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[rel]
	return ok
}

func (s *Session) markStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = true
}

func (s *Session) isStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Options configures a Hub.
type Options struct {
	// SendTimeout bounds each per-session send (default 5s).
	SendTimeout time.Duration
	// Logger for hub activity (default stderr).
	Logger *log.Logger
}

// Hub is the session registry and broadcast path.
type Hub struct {
	sendTimeout time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a hub and starts its periodic stale-session sweep.
func New(opts Options) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	h := &Hub{
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger,
		sessions:    make(map[string]*Session),
		done:        make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// Register adds a session. O(1); pruning of stale sessions piggybacks on the
// membership change.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	h.sessions[s.id] = s
}

// Unregister removes a session. Idempotent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
	h.pruneLocked()
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers the event to every session with the path open. Sends
// run concurrently and are awaited together; a failed or timed-out send is
// logged, flags that session stale, and never aborts the broadcast.
func (h *Hub) Broadcast(ctx context.Context, event watcher.ChangeEvent) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if !s.isStale() && s.HasOpen(event.Path) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	var g errgroup.Group
	for _, s := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()
			if err := s.sender.Send(sendCtx, event); err != nil {
				s.markStale()
				h.logger.Printf("delivery failed: session %s: %v", s.id, err)
			}
			// Delivery failures are isolated per session, never returned.
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops the sweep loop. Registered sessions are left to their
// transports to close.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	h.wg.Wait()
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			h.pruneLocked()
			h.mu.Unlock()
		}
	}
}

func (h *Hub) pruneLocked() {
	for id, s := range h.sessions {
		if s.isStale() {
			delete(h.sessions, id)
			h.logger.Printf("pruned stale session %s", id)
		}
	}
}
