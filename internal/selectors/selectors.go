// Package selectors provides the per-platform DOM selector catalogue used by
// the feed extractors.
package selectors

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

//go:embed selectors.yaml
var defaultSelectorsFS embed.FS

// Selectors is the whole catalogue, keyed by platform name.
type Selectors struct {
	Platforms map[string]Platform `yaml:"platforms"`
}

// Platform describes how to find and read cards on one platform's feed.
type Platform struct {
	// Card matches one record in the feed.
	Card string `yaml:"card"`
	// Link is the anchor inside a card whose href carries the record id.
	Link string `yaml:"link"`
	// IDPattern is applied to the link href; its first group is the id.
	IDPattern string `yaml:"id_pattern"`
	Text      string `yaml:"text"`
	Author    string `yaml:"author"`
	// Time matches an element with a datetime attribute. Optional.
	Time   string            `yaml:"time"`
	Fields map[string]string `yaml:"fields"`
	// Skip maps a skip reason to a selector; matching cards are not recorded.
	Skip map[string]string `yaml:"skip"`
	// Banners are checked for throttle and bot-check messages.
	Banners []string `yaml:"banners"`
}

// Platform returns the selectors for name.
func (s *Selectors) Platform(name string) (Platform, bool) {
	p, ok := s.Platforms[name]
	return p, ok
}

// Names returns the configured platform names, sorted.
func (s *Selectors) Names() []string {
	names := make([]string, 0, len(s.Platforms))
	for name := range s.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every platform can locate cards and ids.
func (s *Selectors) Validate() error {
	if len(s.Platforms) == 0 {
		return fmt.Errorf("selectors must define at least one platform")
	}
	for name, p := range s.Platforms {
		if err := p.validate(); err != nil {
			return fmt.Errorf("platform %s: %w", name, err)
		}
	}
	return nil
}

func (p Platform) validate() error {
	if p.Card == "" {
		return fmt.Errorf("card selector is required")
	}
	if p.Link == "" {
		return fmt.Errorf("link selector is required")
	}
	re, err := regexp.Compile(p.IDPattern)
	if err != nil {
		return fmt.Errorf("invalid id_pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("id_pattern needs a capture group")
	}
	return nil
}

var (
	instance *Selectors
	once     sync.Once
	loadErr  error
)

// Get returns the catalogue compiled into the binary.
func Get() *Selectors {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load selectors, using defaults")
			instance = defaultSelectors()
		}
	})
	return instance
}

func load() (*Selectors, error) {
	data, err := defaultSelectorsFS.ReadFile("selectors.yaml")
	if err != nil {
		return nil, err
	}
	s, err := parseAndValidate(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Strs("platforms", s.Names()).
		Msg("Selectors loaded")
	return s, nil
}

// defaultSelectors is the hardcoded fallback: just enough to find cards and ids.
func defaultSelectors() *Selectors {
	return &Selectors{
		Platforms: map[string]Platform{
			"twitter": {
				Card:      `article[data-testid="tweet"]`,
				Link:      `a[href*="/status/"]`,
				IDPattern: `/status/(\d+)`,
				Text:      `[data-testid="tweetText"]`,
				Author:    `[data-testid="User-Name"]`,
				Time:      `time[datetime]`,
				Skip:      map[string]string{"promoted": `[data-testid="placementTracking"]`},
			},
			"youtube": {
				Card:      `ytd-rich-item-renderer`,
				Link:      `a#video-title-link, a#thumbnail`,
				IDPattern: `v=([A-Za-z0-9_-]{11})`,
				Text:      `#video-title`,
				Author:    `#channel-name #text`,
				Skip:      map[string]string{"shorts": `a[href*="/shorts/"]`},
			},
		},
	}
}
