package humanize

import (
	"context"
	"math"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ScrollConfig contains configuration for humanized scroll behavior.
type ScrollConfig struct {
	// MinScrollSteps is the minimum number of scroll increments for smooth scrolling.
	MinScrollSteps int
	// MaxScrollSteps is the maximum number of scroll increments.
	MaxScrollSteps int
	MinStepDelayMs int
	MaxStepDelayMs int
	// ViewportFraction is how much of the viewport height one page-down covers.
	ViewportFraction float64
}

// DefaultScrollConfig returns sensible defaults for feed scrolling.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		MinScrollSteps:   6,
		MaxScrollSteps:   18,
		MinStepDelayMs:   20,
		MaxStepDelayMs:   60,
		ViewportFraction: 0.85,
	}
}

// Position is the vertical scroll state of a page in CSS pixels.
type Position struct {
	Y              float64
	ViewportHeight float64
	ContentHeight  float64
}

// AtBottom reports whether the viewport touches the end of the content.
func (p Position) AtBottom() bool {
	return p.ContentHeight-(p.Y+p.ViewportHeight) < 2
}

// Scroller provides humanized scroll interactions for a browser page.
type Scroller struct {
	page   *rod.Page
	config ScrollConfig
}

// NewScroller creates a new humanized scroller for the given page.
func NewScroller(page *rod.Page) *Scroller {
	return NewScrollerWithConfig(page, DefaultScrollConfig())
}

// NewScrollerWithConfig creates a new humanized scroller with custom config.
func NewScrollerWithConfig(page *rod.Page, config ScrollConfig) *Scroller {
	return &Scroller{
		page:   page,
		config: config,
	}
}

// Position reads the current scroll position from the layout metrics.
func (s *Scroller) Position(ctx context.Context) (Position, error) {
	metrics, err := proto.PageGetLayoutMetrics{}.Call(s.page.Context(ctx))
	if err != nil {
		return Position{}, err
	}
	return Position{
		Y:              metrics.VisualViewport.PageY,
		ViewportHeight: metrics.VisualViewport.ClientHeight,
		ContentHeight:  metrics.ContentSize.Height,
	}, nil
}

// PageDown scrolls by a fraction of the viewport height, which keeps
// virtualized feeds rendering every card at least once.
func (s *Scroller) PageDown(ctx context.Context) error {
	pos, err := s.Position(ctx)
	if err != nil {
		return err
	}
	delta := pos.ViewportHeight * s.config.ViewportFraction
	if delta < 1 {
		delta = 600
	}
	return s.scrollFrom(ctx, pos, delta)
}

// ScrollBy scrolls the page by the specified delta with smooth animation.
func (s *Scroller) ScrollBy(ctx context.Context, deltaY float64) error {
	pos, err := s.Position(ctx)
	if err != nil {
		return err
	}
	return s.scrollFrom(ctx, pos, deltaY)
}

// ScrollToBottom smoothly scrolls to the bottom of the page.
func (s *Scroller) ScrollToBottom(ctx context.Context) error {
	pos, err := s.Position(ctx)
	if err != nil {
		return err
	}
	if pos.AtBottom() {
		return nil
	}
	return s.smoothScrollTo(ctx, pos.Y, pos.ContentHeight-pos.ViewportHeight)
}

func (s *Scroller) scrollFrom(ctx context.Context, pos Position, deltaY float64) error {
	target := clampScroll(pos.Y+deltaY, pos.ContentHeight-pos.ViewportHeight)
	return s.smoothScrollTo(ctx, pos.Y, target)
}

// clampScroll keeps a target inside [0, maxY].
func clampScroll(y, maxY float64) float64 {
	if maxY < 0 {
		maxY = 0
	}
	if y < 0 {
		return 0
	}
	if y > maxY {
		return maxY
	}
	return y
}

// smoothScrollTo performs a smooth scroll animation from current to target Y position.
func (s *Scroller) smoothScrollTo(ctx context.Context, fromY, toY float64) error {
	distance := math.Abs(toY - fromY)
	if distance < 1 {
		return nil
	}

	numSteps := s.config.MinScrollSteps + int(distance/100)
	if numSteps > s.config.MaxScrollSteps {
		numSteps = s.config.MaxScrollSteps
	}
	if numSteps < 1 {
		numSteps = 1
	}

	page := s.page.Context(ctx)
	for i := 1; i <= numSteps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		y := fromY + (toY-fromY)*easeOutCubic(float64(i)/float64(numSteps))
		if _, err := page.Eval(`(y) => window.scrollTo({top: y, behavior: 'instant'})`, y); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Err(err).Msg("Scroll step failed")
		}

		if !sleepWithContext(ctx, RandomDuration(s.config.MinStepDelayMs, s.config.MaxStepDelayMs)) {
			return ctx.Err()
		}
	}

	log.Debug().
		Float64("from_y", fromY).
		Float64("to_y", toY).
		Int("steps", numSteps).
		Msg("Smooth scroll completed")
	return nil
}

// easeOutCubic provides deceleration easing for natural scroll ending.
func easeOutCubic(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}
