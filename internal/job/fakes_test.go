package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

type fakeStore struct {
	mu        sync.Mutex
	next      int
	requests  map[string]Request
	statuses  map[string][]Status
	results   map[string]*Result
	records   map[string][]extract.Record
	persisted []string
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[string]Request),
		statuses: make(map[string][]Status),
		results:  make(map[string]*Result),
		records:  make(map[string][]extract.Record),
	}
}

func (s *fakeStore) CreateJob(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.next++
	id := fmt.Sprintf("job-%d", s.next)
	s.requests[id] = req
	s.statuses[id] = []Status{StatusCreated}
	return id, nil
}

func (s *fakeStore) UpdateJobStatus(ctx context.Context, id string, status Status, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	if result != nil {
		res := *result
		s.results[id] = &res
	}
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist, ok := s.statuses[id]
	if !ok {
		return Job{}, types.ErrJobNotFound
	}
	req := s.requests[id]
	return Job{
		ID:       id,
		Platform: req.Platform,
		Target:   req.Target,
		Status:   hist[len(hist)-1],
		Result:   s.results[id],
	}, nil
}

func (s *fakeStore) LoadPersistedIDs(ctx context.Context, platform, target string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.persisted...), nil
}

func (s *fakeStore) SaveRecords(ctx context.Context, jobID string, records []extract.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[jobID] = append(s.records[jobID], records...)
	return nil
}

func (s *fakeStore) ListRecords(ctx context.Context, jobID string, limit int) ([]extract.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[jobID]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) history(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses[id]...)
}

func (s *fakeStore) last(id string) Status {
	h := s.history(id)
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

func (s *fakeStore) result(id string) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id]
}

type fakePool struct {
	mu         sync.Mutex
	acquireErr error
	unhealthy  bool
	acquired   int
	released   int
	evicted    int
}

func (p *fakePool) Acquire(ctx context.Context) (*browser.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return browser.NewSession("twitter"), nil
}

func (p *fakePool) Release(s *browser.Session) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakePool) Evict(s *browser.Session) {
	p.mu.Lock()
	p.evicted++
	p.mu.Unlock()
}

func (p *fakePool) HealthCheck(ctx context.Context, s *browser.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unhealthy
}

func (p *fakePool) counts() (acquired, released, evicted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released, p.evicted
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	offset  int
	process func(ctx context.Context, call int) (extract.ViewportResult, error)
}

func (e *fakeExtractor) ProcessViewport(ctx context.Context, s *browser.Session, target string, persisted, jobLocal *extract.SeenSet) (extract.ViewportResult, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	return e.process(ctx, call)
}

func (e *fakeExtractor) TriggerScroll(ctx context.Context, s *browser.Session) error {
	e.mu.Lock()
	e.offset += 100
	e.mu.Unlock()
	return nil
}

func (e *fakeExtractor) CurrentScrollOffset(ctx context.Context, s *browser.Session) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset, nil
}

func (e *fakeExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// acceptOne yields one new record per call.
func acceptOne(ctx context.Context, call int) (extract.ViewportResult, error) {
	return extract.ViewportResult{
		TotalProcessed: 1,
		Accepted:       []extract.Record{{ID: fmt.Sprintf("r-%d", call), Platform: "twitter"}},
	}, nil
}

// blockUntilDone waits for the run to be cancelled.
func blockUntilDone(ctx context.Context, call int) (extract.ViewportResult, error) {
	<-ctx.Done()
	return extract.ViewportResult{}, ctx.Err()
}

type fakeDriver struct {
	name  string
	ext   extract.Extractor
	mu    sync.Mutex
	opens int
	open  func(n int) error
}

func (d *fakeDriver) Name() string                 { return d.name }
func (d *fakeDriver) Extractor() extract.Extractor { return d.ext }

func (d *fakeDriver) Open(ctx context.Context, s *browser.Session, target string) error {
	d.mu.Lock()
	d.opens++
	n := d.opens
	d.mu.Unlock()
	if d.open != nil {
		return d.open(n)
	}
	return nil
}

// normalizingDriver lower-cases handles and strips the @, rejecting
// anything with spaces.
type normalizingDriver struct {
	*fakeDriver
}

func (d normalizingDriver) NormalizeTarget(target string) (string, error) {
	if strings.ContainsAny(target, " \t") {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidTarget, target)
	}
	return strings.ToLower(strings.TrimPrefix(target, "@")), nil
}

type fakeNotifier struct {
	events chan Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan Event, 16)}
}

func (n *fakeNotifier) Notify(ctx context.Context, ev Event) error {
	n.events <- ev
	return nil
}

func (n *fakeNotifier) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job event")
		return Event{}
	}
}

type fakePools struct{}

func (fakePools) Status(platform string) (browser.PoolStatus, error) {
	if platform != "twitter" {
		return browser.PoolStatus{}, types.ErrUnknownPlatform
	}
	return browser.PoolStatus{Platform: "twitter", MaxSize: 3, Idle: 1}, nil
}

func (fakePools) Platforms() []string { return []string{"twitter"} }

var testLoopConfig = extract.LoopConfig{
	TargetCount:      3,
	MaxIterations:    10,
	HealthCheckEvery: 100,
	MinScrollDelta:   50,
}

type harness struct {
	store  *fakeStore
	pool   *fakePool
	ext    *fakeExtractor
	driver *fakeDriver
	exec   *Executor
}

func newHarness(process func(ctx context.Context, call int) (extract.ViewportResult, error)) *harness {
	h := &harness{
		store: newFakeStore(),
		pool:  &fakePool{},
		ext:   &fakeExtractor{process: process},
	}
	h.driver = &fakeDriver{name: "twitter", ext: h.ext}
	h.exec = NewExecutor(h.driver, h.pool, h.store, ExecutorConfig{
		TaskTimeout: 5 * time.Second,
		Loop:        testLoopConfig,
	})
	return h
}

func (h *harness) newJob(t *testing.T) Job {
	t.Helper()
	id, err := h.store.CreateJob(context.Background(), Request{Platform: "twitter", Target: "@golang"})
	require.NoError(t, err)
	return Job{ID: id, Platform: "twitter", Target: "@golang", CreatedAt: time.Now()}
}

// eventually polls cond for up to five seconds.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond, msg)
}
