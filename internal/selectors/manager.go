package selectors

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about selector reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable selector management.
// It keeps the embedded catalogue and optionally watches an external
// override file. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Selectors   // Compiled-in defaults (immutable)
	current      atomic.Value // *Selectors
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a Manager.
// If externalPath is empty, only embedded selectors are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
// A broken override file is logged and the embedded catalogue is used.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.loadExternal(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external selectors, using embedded defaults")
	} else {
		log.Info().
			Str("path", externalPath).
			Msg("Loaded external selectors file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for selectors file")
		}
	}
	return m, nil
}

// Get returns the current catalogue.
func (m *Manager) Get() *Selectors {
	return m.current.Load().(*Selectors)
}

// Platform returns the current selectors for one platform.
func (m *Manager) Platform(name string) (Platform, bool) {
	return m.Get().Platform(name)
}

// Reload re-reads the external file. On failure the previous selectors
// remain in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external selectors path configured")
	}
	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read selectors file: %w", err)
	}

	var external Selectors
	if err := yaml.Unmarshal(data, &external); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse selectors file: %w", err)
	}

	merged := m.mergeWithEmbedded(&external)
	if err := merged.Validate(); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("invalid selectors file: %w", err)
	}

	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Strs("platforms", merged.Names()).
		Msg("Selectors reloaded")
	return nil
}

func parseAndValidate(data []byte) (*Selectors, error) {
	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// mergeWithEmbedded overlays external on the embedded catalogue field by
// field. Platforms only present in external are taken as-is.
func (m *Manager) mergeWithEmbedded(external *Selectors) *Selectors {
	merged := &Selectors{Platforms: make(map[string]Platform, len(m.embedded.Platforms))}
	for name, p := range m.embedded.Platforms {
		merged.Platforms[name] = p
	}
	for name, ext := range external.Platforms {
		base, ok := merged.Platforms[name]
		if !ok {
			merged.Platforms[name] = ext
			continue
		}
		merged.Platforms[name] = mergePlatform(base, ext)
	}
	return merged
}

func mergePlatform(base, ext Platform) Platform {
	out := base
	if ext.Card != "" {
		out.Card = ext.Card
	}
	if ext.Link != "" {
		out.Link = ext.Link
	}
	if ext.IDPattern != "" {
		out.IDPattern = ext.IDPattern
	}
	if ext.Text != "" {
		out.Text = ext.Text
	}
	if ext.Author != "" {
		out.Author = ext.Author
	}
	if ext.Time != "" {
		out.Time = ext.Time
	}
	if len(ext.Fields) > 0 {
		out.Fields = ext.Fields
	}
	if len(ext.Skip) > 0 {
		out.Skip = ext.Skip
	}
	if len(ext.Banners) > 0 {
		out.Banners = ext.Banners
	}
	return out
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile debounces write bursts into a single reload.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Selectors file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Hot-reload failed, keeping previous selectors")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
