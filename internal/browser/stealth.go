package browser

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ResourceKind selects resource types to block on a page.
type ResourceKind uint8

const (
	BlockImages ResourceKind = 1 << iota
	BlockStylesheets
	BlockFonts
	BlockMedia
)

// BlockResources fails requests for the selected resource kinds. Feeds keep
// rendering text and links without them and use far less memory.
//
// The returned cleanup stops the interception listeners and is safe to
// call more than once.
func BlockResources(ctx context.Context, page *rod.Page, kinds ResourceKind) (cleanup func(), err error) {
	patterns := buildBlockPatterns(kinds)
	if len(patterns) == 0 {
		return func() {}, nil
	}

	if err := (proto.FetchEnable{Patterns: patterns}).Call(page); err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for resource blocking listeners to stop")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			if listenerCtx.Err() != nil {
				return true
			}
			// Request may already be gone if the page navigated.
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()

	return cleanup, nil
}

// buildBlockPatterns creates the interception patterns for kinds.
func buildBlockPatterns(kinds ResourceKind) []*proto.FetchRequestPattern {
	var patterns []*proto.FetchRequestPattern
	add := func(kind ResourceKind, rt proto.NetworkResourceType) {
		if kinds&kind != 0 {
			patterns = append(patterns, &proto.FetchRequestPattern{
				URLPattern:   "*",
				ResourceType: rt,
			})
		}
	}
	add(BlockImages, proto.NetworkResourceTypeImage)
	add(BlockStylesheets, proto.NetworkResourceTypeStylesheet)
	add(BlockFonts, proto.NetworkResourceTypeFont)
	add(BlockMedia, proto.NetworkResourceTypeMedia)
	return patterns
}

// SetUserAgent sets a custom user agent on the page.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	}.Call(page)
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}
