package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/logging"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

const (
	defaultViewportWidth  = 1366
	defaultViewportHeight = 900
	browserCloseTimeout   = 10 * time.Second
)

// RodOptions configures how RodFactory launches browsers.
type RodOptions struct {
	Platform         string
	Headless         bool
	BrowserPath      string
	ProxyURL         string
	IgnoreCertErrors bool
	UserAgent        string
	BlockMedia       bool
	ViewportWidth    int
	ViewportHeight   int
}

// RodOptionsFromConfig derives factory options for one platform.
func RodOptionsFromConfig(cfg *config.Config, platform string) RodOptions {
	return RodOptions{
		Platform:         platform,
		Headless:         cfg.Headless,
		BrowserPath:      cfg.BrowserPath,
		ProxyURL:         cfg.ProxyURL,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
		UserAgent:        cfg.UserAgent,
		BlockMedia:       cfg.BlockMedia,
	}
}

// RodFactory launches one Chrome process per session, with a single
// stealth-patched working page.
type RodFactory struct {
	opts  RodOptions
	proxy *ProxyConfig
}

// NewRodFactory creates a factory. An unparsable proxy URL is an error.
func NewRodFactory(opts RodOptions) (*RodFactory, error) {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = defaultViewportWidth
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = defaultViewportHeight
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent
	}

	proxy, err := ParseProxyURL(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &RodFactory{opts: opts, proxy: proxy}, nil
}

// Create launches a browser and opens its working page.
func (f *RodFactory) Create(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := f.createLauncher()
	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	s := NewSession(f.opts.Platform)
	s.Browser = b
	s.OnClose(l.Cleanup)

	if f.opts.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = f.Close(s)
		return nil, fmt.Errorf("failed to open stealth page: %w", err)
	}
	s.Page = page

	if err := f.preparePage(ctx, s); err != nil {
		_ = f.Close(s)
		return nil, err
	}

	log.Debug().
		Str("platform", f.opts.Platform).
		Str("session_id", s.ID).
		Msg("Browser session launched")
	return s, nil
}

func (f *RodFactory) preparePage(ctx context.Context, s *Session) error {
	if err := SetUserAgent(s.Page, f.opts.UserAgent); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}
	if err := SetViewport(s.Page, f.opts.ViewportWidth, f.opts.ViewportHeight); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	// Listener goroutines must outlive Create's ctx, so they get their own.
	listenerCtx, cancel := context.WithCancel(context.Background())
	s.OnClose(cancel)

	if f.proxy != nil && f.proxy.HasCredentials() {
		cleanup, err := SetPageProxy(listenerCtx, s.Page, f.proxy)
		if err != nil {
			return fmt.Errorf("failed to configure proxy auth: %w", err)
		}
		s.OnClose(cleanup)
	} else if f.opts.BlockMedia {
		// Fetch interception is shared with proxy auth, so blocking is only
		// enabled when auth is not using it.
		cleanup, err := BlockResources(listenerCtx, s.Page, BlockImages|BlockMedia|BlockFonts)
		if err != nil {
			log.Warn().Err(err).Msg("Resource blocking unavailable, continuing")
		} else {
			s.OnClose(cleanup)
		}
	}
	return ctx.Err()
}

// HealthCheck opens a throwaway about:blank page and checks that the
// working page still evaluates script.
func (f *RodFactory) HealthCheck(ctx context.Context, s *Session) bool {
	if s == nil || s.Browser == nil || s.Page == nil {
		return false
	}

	probe, err := s.Browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Health check failed: cannot create page")
		return false
	}
	defer probe.Close()

	if err := probe.Context(ctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Health check failed: cannot navigate")
		return false
	}

	if _, err := s.Page.Context(ctx).Eval(`() => document.readyState`); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Health check failed: working page unresponsive")
		return false
	}
	return true
}

// Close closes the page and browser, giving up after a timeout so a hung
// Chrome cannot block the caller.
func (f *RodFactory) Close(s *Session) error {
	if s == nil {
		return nil
	}
	defer s.runCleanups()

	if s.Browser == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		if s.Page != nil {
			_ = s.Page.Close()
		}
		done <- s.Browser.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(browserCloseTimeout):
		return errors.New("timed out closing browser")
	}
}

// createLauncher builds the Chrome command line. Each launch needs a fresh
// launcher since launchers can only launch once.
func (f *RodFactory) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if f.opts.BrowserPath != "" {
		l = l.Bin(f.opts.BrowserPath)
	}

	if f.opts.Headless {
		l = l.Set("headless", "new")
	} else {
		// rod defaults to headless; headed mode relies on an X display.
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if f.proxy != nil {
		l = l.Set("proxy-server", f.proxy.Server)
		log.Debug().Str("proxy", logging.RedactURL(f.opts.ProxyURL)).Msg("Browser proxy configured")
	}

	// Never leak the host IP over WebRTC.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader")

	if f.opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", fmt.Sprintf("%d,%d", f.opts.ViewportWidth, f.opts.ViewportHeight))

	// Long feed sessions accumulate DOM; keep the renderer awake and bounded.
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("js-flags", "--max-old-space-size=512").
		Set("disable-renderer-backgrounding").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-gpu-sandbox")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// isARM returns true if running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
