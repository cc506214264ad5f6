package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/storage"
)

// ErrSessionClosed is returned by Do once the registry has evicted the session.
var ErrSessionClosed = errors.New("session closed")

// Session pairs one user's engine with the lock that serializes its calls.
type Session struct {
	UserID string

	mu       sync.Mutex
	engine   *progress.Engine
	clk      clock.Clock
	lastUsed time.Time
	closed   bool
}

// Do runs fn with exclusive access to the session's engine.
func (s *Session) Do(fn func(*progress.Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.lastUsed = s.clk.Now()
	return fn(s.engine)
}

// Snapshot returns a copy of the engine state.
func (s *Session) Snapshot() (progress.Snapshot, error) {
	var snap progress.Snapshot
	err := s.Do(func(e *progress.Engine) error {
		snap = e.Snapshot()
		return nil
	})
	return snap, err
}

// closeIfIdle marks the session closed when it was last used before cutoff
// and has nothing left to flush.
func (s *Session) closeIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if s.lastUsed.After(cutoff) || !s.engine.Pending().Empty() {
		return false
	}
	s.closed = true
	return true
}

// Registry keeps one live session per user id.
type Registry struct {
	gw   storage.Gateway
	clk  clock.Clock
	log  logrus.FieldLogger
	opts []progress.Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(gw storage.Gateway, clk clock.Clock, log logrus.FieldLogger, opts ...progress.Option) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		gw:       gw,
		clk:      clk,
		log:      log,
		opts:     append([]progress.Option{progress.WithLogger(log)}, opts...),
		sessions: map[string]*Session{},
	}
}

// Open returns the session for id.UserID, bootstrapping it first when needed.
// A cached session re-reads the shared pet and, after midnight, today's
// interactions, since other users write the pet in between.
func (r *Registry) Open(ctx context.Context, id Identity) (*Session, error) {
	if s, ok := r.Get(id.UserID); ok {
		err := s.Do(func(e *progress.Engine) error { return e.RefreshShared(ctx) })
		switch {
		case err == nil:
			return s, nil
		case !errors.Is(err, ErrSessionClosed):
			return nil, fmt.Errorf("open session %s: %w", id.UserID, err)
		}
	}

	state, err := Bootstrap(ctx, r.gw, r.clk, id)
	if err != nil {
		return nil, err
	}
	eng := progress.New(r.gw, r.clk, r.opts...)
	eng.Load(state)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id.UserID]; ok && !s.isClosed() {
		return s, nil
	}
	s := &Session{UserID: id.UserID, engine: eng, clk: r.clk, lastUsed: r.clk.Now()}
	r.sessions[id.UserID] = s
	r.log.WithFields(logrus.Fields{"user_id": id.UserID, "day": state.Day, "today": len(state.Today)}).Info("session opened")
	return s, nil
}

func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RetryAll flushes the outbox of every session that has pending writes and
// returns how many sessions still hold some afterwards.
func (r *Registry) RetryAll(ctx context.Context) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	stuck := 0
	for _, s := range all {
		if ctx.Err() != nil {
			break
		}
		_ = s.Do(func(e *progress.Engine) error {
			if e.Pending().Empty() {
				return nil
			}
			if err := e.RetryPending(ctx); err != nil {
				stuck++
				r.log.WithError(err).WithField("user_id", s.UserID).Warn("pending writes still failing")
			}
			return nil
		})
	}
	return stuck
}

// Evict drops sessions unused for at least idle whose outbox is empty and
// returns how many were removed. Sessions with pending writes stay so the
// retry sweep can still flush them.
func (r *Registry) Evict(idle time.Duration) int {
	cutoff := r.clk.Now().Add(-idle)

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range all {
		if !s.closeIfIdle(cutoff) {
			continue
		}
		r.mu.Lock()
		if r.sessions[s.UserID] == s {
			delete(r.sessions, s.UserID)
			n++
		}
		r.mu.Unlock()
		r.log.WithField("user_id", s.UserID).Debug("session evicted")
	}
	return n
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
