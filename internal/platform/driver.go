// Package platform implements the per-platform drivers: target
// normalization, navigation, and the selector-driven DOM extractor.
package platform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/selectors"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

const (
	navigationTimeout = 45 * time.Second
	firstCardTimeout  = 15 * time.Second
)

// Driver is everything the job runtime needs to know about one platform.
type Driver interface {
	Name() string
	Extractor() extract.Extractor
	// NormalizeTarget returns the canonical form of a user-supplied target.
	// Records are deduplicated per canonical target.
	NormalizeTarget(target string) (string, error)
	TargetURL(target string) (string, error)
	Open(ctx context.Context, s *browser.Session, target string) error
	Defaults() config.PlatformConfig
}

// SelectorSource supplies the current selectors for a platform.
// Both *selectors.Selectors and the hot-reloading *selectors.Manager satisfy it.
type SelectorSource interface {
	Platform(name string) (selectors.Platform, bool)
}

// driver holds what Twitter and YouTube share; they differ in target
// grammar and record URLs.
type driver struct {
	name      string
	source    SelectorSource
	extractor *DOMExtractor
	normalize func(string) (string, error)
	targetURL func(string) string
}

func (d *driver) Name() string                   { return d.name }
func (d *driver) Extractor() extract.Extractor   { return d.extractor }
func (d *driver) Defaults() config.PlatformConfig { return config.DefaultPlatform(d.name) }

func (d *driver) NormalizeTarget(target string) (string, error) {
	t, err := d.normalize(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidTarget, err)
	}
	return t, nil
}

func (d *driver) TargetURL(target string) (string, error) {
	t, err := d.NormalizeTarget(target)
	if err != nil {
		return "", err
	}
	return d.targetURL(t), nil
}

// Open navigates the session's page to the target feed and waits briefly
// for the first card. A feed with no cards is not an error here; the
// extraction loop reports it as NO_MORE_CONTENT.
func (d *driver) Open(ctx context.Context, s *browser.Session, target string) error {
	if s == nil || s.Page == nil {
		return types.ErrNoPage
	}
	u, err := d.TargetURL(target)
	if err != nil {
		return err
	}
	sel, ok := d.source.Platform(d.name)
	if !ok {
		return fmt.Errorf("no selectors for platform %s", d.name)
	}

	page := s.Page.Context(ctx)
	if err := page.Timeout(navigationTimeout).Navigate(u); err != nil {
		return fmt.Errorf("navigate to %s: %w", u, err)
	}
	if err := page.Timeout(navigationTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s to load: %w", u, err)
	}

	if _, err := page.Timeout(firstCardTimeout).Element(sel.Card); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().
			Str("platform", d.name).
			Str("url", u).
			Msg("No cards rendered after load")
	}
	return nil
}

// New returns the built-in driver for name.
func New(name string, source SelectorSource) (Driver, error) {
	switch name {
	case config.PlatformTwitter:
		return NewTwitter(source), nil
	case config.PlatformYouTube:
		return NewYouTube(source), nil
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownPlatform, name)
	}
}

// Builtin returns the names of the built-in drivers, sorted.
func Builtin() []string {
	names := []string{config.PlatformTwitter, config.PlatformYouTube}
	sort.Strings(names)
	return names
}
