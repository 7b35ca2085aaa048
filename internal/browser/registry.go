package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/scrollharvest/internal/types"
)

// Registry holds exactly one pool per platform. Pools are registered once
// at startup; a second registration for the same platform is an error.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Register adds the pool for its platform.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[p.Platform()]; exists {
		return fmt.Errorf("%w: %s", types.ErrPoolAlreadyRegistered, p.Platform())
	}
	r.pools[p.Platform()] = p
	return nil
}

// Get returns the pool for a platform.
func (r *Registry) Get(platform string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the status of one platform's pool.
func (r *Registry) Status(platform string) (PoolStatus, error) {
	p, err := r.Get(platform)
	if err != nil {
		return PoolStatus{}, err
	}
	return p.Status(), nil
}

// Statuses returns the status of every pool, sorted by platform.
func (r *Registry) Statuses() []PoolStatus {
	names := r.Platforms()
	out := make([]PoolStatus, 0, len(names))
	for _, name := range names {
		if st, err := r.Status(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Shutdown shuts every pool down in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range pools {
		eg.Go(func() error {
			return p.Shutdown(egCtx)
		})
	}
	err := eg.Wait()
	log.Info().Int("pools", len(pools)).Msg("All session pools shut down")
	return err
}
