// Package browser manages leasable headless browser sessions and the
// per-platform pools that own them.
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionLeased
	SessionUnhealthy
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionLeased:
		return "leased"
	case SessionUnhealthy:
		return "unhealthy"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionFactory creates, probes and destroys sessions for one pool.
type SessionFactory interface {
	Create(ctx context.Context) (*Session, error)
	Close(s *Session) error
	HealthCheck(ctx context.Context, s *Session) bool
}

// Session is a single browser with one working page.
// It is owned by at most one caller while leased and by the pool otherwise.
type Session struct {
	ID        string
	Platform  string
	Browser   *rod.Browser
	Page      *rod.Page
	CreatedAt time.Time

	state    atomic.Int32
	useCount atomic.Int64

	// returning is set while a Release health check is in flight.
	// Guarded by the owning pool's mutex.
	returning bool

	cleanupMu sync.Mutex
	cleanups  []func()
}

// NewSession returns an idle session with a fresh id. Factories fill in
// the browser handles.
func NewSession(platform string) *Session {
	return &Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Platform:  platform,
		CreatedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// UseCount is the number of times the session has been leased.
func (s *Session) UseCount() int64 {
	return s.useCount.Load()
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// OnClose registers fn to run when the session is closed.
func (s *Session) OnClose(fn func()) {
	s.cleanupMu.Lock()
	s.cleanups = append(s.cleanups, fn)
	s.cleanupMu.Unlock()
}

// runCleanups runs registered cleanups once, newest first.
func (s *Session) runCleanups() {
	s.cleanupMu.Lock()
	fns := s.cleanups
	s.cleanups = nil
	s.cleanupMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
