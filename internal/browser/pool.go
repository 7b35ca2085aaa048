package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/scrollharvest/internal/types"
)

// Defaults for PoolOptions fields left zero.
const (
	DefaultWaitTimeout        = 30 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second
	closeConcurrency          = 4
)

// PoolOptions tunes a Pool. Zero values select the defaults.
type PoolOptions struct {
	// WaitTimeout bounds how long Acquire waits in the queue.
	WaitTimeout time.Duration
	// MaxAge retires sessions older than this on release and maintenance.
	// Zero disables age-based retirement.
	MaxAge time.Duration
	// MaintenanceInterval runs HealthCheckAll periodically. Zero disables it.
	MaintenanceInterval time.Duration
	// HealthCheckTimeout bounds each factory health check.
	HealthCheckTimeout time.Duration
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Created  int64 `json:"created"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Evicted  int64 `json:"evicted"`
	Timeouts int64 `json:"timeouts"`
	Handoffs int64 `json:"handoffs"`
}

// PoolStatus describes pool occupancy at one instant.
type PoolStatus struct {
	Platform string    `json:"platform"`
	MaxSize  int       `json:"maxSize"`
	Total    int       `json:"total"`
	Idle     int       `json:"idle"`
	Leased   int       `json:"leased"`
	Waiting  int       `json:"waiting"`
	Creating int       `json:"creating"`
	Stats    PoolStats `json:"stats"`
}

type poolStats struct {
	created  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	evicted  atomic.Int64
	timeouts atomic.Int64
	handoffs atomic.Int64
}

// grant is what a queued Acquire receives: a session handed over directly,
// a reserved creation slot, or an error.
type grant struct {
	session *Session
	slot    bool
	err     error
}

type waiter struct {
	ch chan grant
}

// Pool is a bounded set of sessions for one platform.
//
// Idle sessions are reused first, new ones are created while under maxSize,
// and further callers wait in FIFO order. A healthy released session goes
// straight to the oldest waiter. An unhealthy one is closed, and its slot is
// offered to the oldest waiter as the right to create a replacement.
//
// All bookkeeping is serialized by mu. Factory calls never run under mu.
type Pool struct {
	platform string
	maxSize  int
	factory  SessionFactory
	opts     PoolOptions

	mu       sync.Mutex
	sessions map[*Session]struct{}
	idle     []*Session
	waiters  []*waiter
	creating int
	checking int
	closed   bool

	stats  poolStats
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool. Sessions are created lazily on first Acquire.
func NewPool(platform string, maxSize int, factory SessionFactory, opts PoolOptions) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = DefaultHealthCheckTimeout
	}

	p := &Pool{
		platform: platform,
		maxSize:  maxSize,
		factory:  factory,
		opts:     opts,
		sessions: make(map[*Session]struct{}, maxSize),
		stopCh:   make(chan struct{}),
	}

	if opts.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceRoutine()
	}

	log.Info().
		Str("platform", platform).
		Int("max_size", maxSize).
		Dur("wait_timeout", opts.WaitTimeout).
		Msg("Session pool created")

	return p
}

// Platform returns the platform this pool serves.
func (p *Pool) Platform() string {
	return p.platform
}

// Acquire leases a session, creating one if capacity allows, otherwise
// waiting up to WaitTimeout. A pool timeout returns an error matching
// types.ErrPoolTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewPoolAcquireError(p.platform, types.ErrPoolClosed)
	}

	if s := p.popIdleLocked(); s != nil {
		p.leaseLocked(s)
		p.mu.Unlock()
		return s, nil
	}

	if len(p.sessions)+p.creating < p.maxSize {
		p.creating++
		p.mu.Unlock()
		return p.createLeased(ctx)
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	waiting := len(p.waiters)
	p.mu.Unlock()

	log.Debug().
		Str("platform", p.platform).
		Int("waiting", waiting).
		Msg("Pool exhausted, waiting for session")

	return p.wait(ctx, w)
}

func (p *Pool) wait(ctx context.Context, w *waiter) (*Session, error) {
	timer := time.NewTimer(p.opts.WaitTimeout)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		return p.claim(ctx, g)

	case <-timer.C:
		if p.abandon(w) {
			p.stats.timeouts.Add(1)
			log.Warn().
				Str("platform", p.platform).
				Dur("timeout", p.opts.WaitTimeout).
				Msg("Timed out waiting for session")
			return nil, types.NewPoolAcquireError(p.platform, types.ErrPoolTimeout)
		}
		// Served concurrently with the timeout; take what we were given.
		return p.claim(ctx, <-w.ch)

	case <-ctx.Done():
		if !p.abandon(w) {
			p.giveBack(<-w.ch)
		}
		return nil, ctx.Err()
	}
}

// claim turns a grant into a leased session.
func (p *Pool) claim(ctx context.Context, g grant) (*Session, error) {
	switch {
	case g.err != nil:
		return nil, types.NewPoolAcquireError(p.platform, g.err)
	case g.session != nil:
		return g.session, nil
	default:
		return p.createLeased(ctx)
	}
}

// giveBack returns a grant that a canceled waiter received but will not use.
func (p *Pool) giveBack(g grant) {
	switch {
	case g.session != nil:
		p.returnHealthy(g.session)
	case g.slot:
		p.mu.Lock()
		p.creating--
		p.grantSlotLocked()
		p.mu.Unlock()
	}
}

// abandon removes w from the queue. It reports false if w was already
// dequeued, meaning a grant is in (or about to be in) its channel.
func (p *Pool) abandon(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// createLeased creates a session for a slot already counted in p.creating.
func (p *Pool) createLeased(ctx context.Context) (*Session, error) {
	s, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.grantSlotLocked()
		p.mu.Unlock()
		log.Warn().Err(err).Str("platform", p.platform).Msg("Failed to create session")
		return nil, types.NewPoolAcquireError(p.platform, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeSession(s)
		return nil, types.NewPoolAcquireError(p.platform, types.ErrPoolClosed)
	}
	p.sessions[s] = struct{}{}
	p.leaseLocked(s)
	p.mu.Unlock()

	p.stats.created.Add(1)
	log.Debug().
		Str("platform", p.platform).
		Str("session_id", s.ID).
		Msg("Session created")
	return s, nil
}

// Release returns a leased session. It is health checked first: healthy
// sessions go to the oldest waiter or back to idle, unhealthy ones are
// evicted. Releasing a session that is not currently leased is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.sessions[s]; !ok || s.State() != SessionLeased || s.returning {
		p.mu.Unlock()
		log.Debug().
			Str("platform", p.platform).
			Str("session_id", s.ID).
			Msg("Ignoring release of session that is not leased")
		return
	}
	s.returning = true
	p.mu.Unlock()

	p.stats.released.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthCheckTimeout)
	healthy := p.factory.HealthCheck(ctx, s)
	cancel()

	if !healthy {
		p.evict(s, "unhealthy on release")
		return
	}
	p.returnHealthy(s)
}

// Evict closes a session immediately without a health check, freeing its
// slot. Used to reclaim a session whose holder is unresponsive.
func (p *Pool) Evict(s *Session) {
	if s == nil {
		return
	}
	p.evict(s, "forced")
}

// HealthCheck probes a session through the factory.
func (p *Pool) HealthCheck(ctx context.Context, s *Session) bool {
	if s == nil || s.State() == SessionClosed {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthCheckTimeout)
	defer cancel()
	return p.factory.HealthCheck(ctx, s)
}

func (p *Pool) evict(s *Session, reason string) {
	p.mu.Lock()
	if _, ok := p.sessions[s]; !ok {
		p.mu.Unlock()
		return
	}
	p.removeLocked(s)
	p.grantSlotLocked()
	p.mu.Unlock()

	p.stats.evicted.Add(1)
	log.Info().
		Str("platform", p.platform).
		Str("session_id", s.ID).
		Str("reason", reason).
		Msg("Evicting session")

	p.closeSession(s)
}

// returnHealthy puts a session back into circulation.
func (p *Pool) returnHealthy(s *Session) {
	p.mu.Lock()
	if _, ok := p.sessions[s]; !ok {
		// Evicted or shut down while its health check ran.
		p.mu.Unlock()
		return
	}
	s.returning = false

	if p.closed || p.expired(s) {
		expired := !p.closed
		p.removeLocked(s)
		p.grantSlotLocked()
		p.mu.Unlock()

		if expired {
			p.stats.evicted.Add(1)
			log.Info().
				Str("platform", p.platform).
				Str("session_id", s.ID).
				Str("reason", "max_age").
				Msg("Evicting session")
		}
		p.closeSession(s)
		return
	}

	p.dispatchLocked(s)
	p.mu.Unlock()
}

// dispatchLocked hands s to the oldest waiter, or parks it as idle.
func (p *Pool) dispatchLocked(s *Session) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leaseLocked(s)
		p.stats.handoffs.Add(1)
		w.ch <- grant{session: s}
		return
	}
	s.setState(SessionIdle)
	p.idle = append(p.idle, s)
}

// grantSlotLocked lets the oldest waiter create a session if capacity
// has opened up.
func (p *Pool) grantSlotLocked() {
	if p.closed || len(p.waiters) == 0 || len(p.sessions)+p.creating >= p.maxSize {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.creating++
	w.ch <- grant{slot: true}
}

func (p *Pool) popIdleLocked() *Session {
	if len(p.idle) == 0 {
		return nil
	}
	s := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	return s
}

func (p *Pool) leaseLocked(s *Session) {
	s.setState(SessionLeased)
	s.useCount.Add(1)
	p.stats.acquired.Add(1)
}

// removeLocked drops s from every internal list and marks it unhealthy.
func (p *Pool) removeLocked(s *Session) {
	delete(p.sessions, s)
	for i, q := range p.idle {
		if q == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	s.returning = false
	s.setState(SessionUnhealthy)
}

func (p *Pool) expired(s *Session) bool {
	return p.opts.MaxAge > 0 && s.Age() > p.opts.MaxAge
}

func (p *Pool) closeSession(s *Session) {
	if err := p.factory.Close(s); err != nil {
		log.Warn().
			Err(err).
			Str("platform", p.platform).
			Str("session_id", s.ID).
			Msg("Error closing session")
	}
	s.setState(SessionClosed)
}

// HealthCheckAll probes every idle session in parallel and evicts those
// that fail or have outlived MaxAge. It returns the number evicted.
func (p *Pool) HealthCheckAll(ctx context.Context) int {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return 0
	}
	batch := p.idle
	p.idle = nil
	p.checking += len(batch)
	p.mu.Unlock()

	healthy := make([]bool, len(batch))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(closeConcurrency)
	for i, s := range batch {
		eg.Go(func() error {
			if p.expired(s) {
				return nil
			}
			checkCtx, cancel := context.WithTimeout(egCtx, p.opts.HealthCheckTimeout)
			defer cancel()
			healthy[i] = p.factory.HealthCheck(checkCtx, s)
			return nil
		})
	}
	_ = eg.Wait()

	var evicted []*Session
	p.mu.Lock()
	p.checking -= len(batch)
	for i, s := range batch {
		if _, ok := p.sessions[s]; !ok {
			continue
		}
		if healthy[i] && !p.closed {
			p.dispatchLocked(s)
			continue
		}
		p.removeLocked(s)
		evicted = append(evicted, s)
	}
	for range evicted {
		p.grantSlotLocked()
	}
	p.mu.Unlock()

	for _, s := range evicted {
		p.stats.evicted.Add(1)
		p.closeSession(s)
	}

	if len(evicted) > 0 {
		log.Info().
			Str("platform", p.platform).
			Int("checked", len(batch)).
			Int("evicted", len(evicted)).
			Msg("Idle session health check evicted sessions")
	}
	return len(evicted)
}

func (p *Pool) maintenanceRoutine() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.MaintenanceInterval)
			p.HealthCheckAll(ctx)
			cancel()
		}
	}
}

// Status returns a snapshot of occupancy and counters.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	idle := len(p.idle) + p.checking
	st := PoolStatus{
		Platform: p.platform,
		MaxSize:  p.maxSize,
		Total:    len(p.sessions) + p.creating,
		Idle:     idle,
		Leased:   len(p.sessions) - idle,
		Waiting:  len(p.waiters),
		Creating: p.creating,
	}
	p.mu.Unlock()

	st.Stats = PoolStats{
		Created:  p.stats.created.Load(),
		Acquired: p.stats.acquired.Load(),
		Released: p.stats.released.Load(),
		Evicted:  p.stats.evicted.Load(),
		Timeouts: p.stats.timeouts.Load(),
		Handoffs: p.stats.handoffs.Load(),
	}
	return st
}

// Shutdown fails every waiter with types.ErrPoolClosed and closes all
// sessions, idle and leased, in parallel. Close errors are logged only.
// Safe to call multiple times.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	all := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		all = append(all, s)
	}
	p.sessions = make(map[*Session]struct{})
	p.idle = nil
	p.mu.Unlock()

	close(p.stopCh)

	for _, w := range waiters {
		w.ch <- grant{err: types.ErrPoolClosed}
	}

	log.Info().
		Str("platform", p.platform).
		Int("sessions", len(all)).
		Int("waiters", len(waiters)).
		Msg("Shutting down session pool")

	eg := new(errgroup.Group)
	eg.SetLimit(closeConcurrency)
	for _, s := range all {
		eg.Go(func() error {
			p.closeSession(s)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("platform", p.platform).Msg("Timeout waiting for sessions to close")
	}

	st := p.Status()
	log.Info().
		Str("platform", p.platform).
		Int64("total_created", st.Stats.Created).
		Int64("total_acquired", st.Stats.Acquired).
		Int64("total_evicted", st.Stats.Evicted).
		Int64("total_timeouts", st.Stats.Timeouts).
		Msg("Session pool closed")
	return nil
}
