// Package ratelimit detects throttle and bot-check banners on rendered feed pages.
package ratelimit

import (
	"regexp"
	"time"

	"github.com/Rorqualx/scrollharvest/internal/types"
)

// maxTextLenForRegex limits the scanned page text to prevent ReDoS on huge feeds.
// Banners are rendered near the top of the document, so 100KB is plenty.
const maxTextLenForRegex = 100 * 1024

// Category is the broad kind of a detected banner.
type Category string

// Banner categories.
const (
	CategoryRateLimit Category = "rate_limit"
	CategoryBotCheck  Category = "bot_check"
	CategoryLoginWall Category = "login_wall"
	CategoryFeedError Category = "feed_error"
)

// Pattern defines a detection pattern and its metadata.
type Pattern struct {
	Pattern     *regexp.Regexp
	Code        string
	Category    Category
	BaseDelay   time.Duration
	Description string
}

// Info contains detected throttle information.
type Info struct {
	Detected       bool
	Code           string
	Category       Category
	SuggestedDelay time.Duration
	Description    string
}

// Err converts a detection into a *types.ThrottleError, or nil when nothing
// was detected.
func (i Info) Err() error {
	if !i.Detected {
		return nil
	}
	return &types.ThrottleError{Code: i.Code, SuggestedDelay: i.SuggestedDelay}
}

// patterns are ordered by specificity; the first match wins.
// [^<]{0,N} instead of .{0,N} keeps backtracking bounded on HTML input.
var patterns = []Pattern{
	// Platform-specific banners
	{
		Pattern:     regexp.MustCompile(`(?i)our\s{1,5}systems\s{1,5}have\s{1,5}detected\s{1,5}unusual\s{1,5}traffic`),
		Code:        "YT_UNUSUAL_TRAFFIC",
		Category:    CategoryBotCheck,
		BaseDelay:   time.Minute,
		Description: "YouTube unusual traffic interstitial",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)sign\s{1,5}in\s{1,5}to\s{1,5}confirm[^<]{0,20}not\s{1,5}a\s{1,5}bot`),
		Code:        "YT_CONFIRM_NOT_BOT",
		Category:    CategoryBotCheck,
		BaseDelay:   time.Minute,
		Description: "YouTube bot confirmation wall",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)rate\s{0,3}limit\s{0,3}exceeded`),
		Code:        "X_RATE_LIMIT",
		Category:    CategoryRateLimit,
		BaseDelay:   30 * time.Second,
		Description: "X rate limit banner",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)something\s{1,5}went\s{1,5}wrong[^<]{0,10}try\s{1,5}reloading`),
		Code:        "X_FEED_ERROR",
		Category:    CategoryFeedError,
		BaseDelay:   10 * time.Second,
		Description: "X timeline failed to load",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(log\s{0,3}in|sign\s{1,5}in)\s{1,5}to\s{1,5}(x|twitter)\b`),
		Code:        "X_LOGIN_WALL",
		Category:    CategoryLoginWall,
		BaseDelay:   0, // Waiting does not help
		Description: "X login wall",
	},

	// Generic patterns
	{
		Pattern:     regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`),
		Code:        "TOO_MANY_REQUESTS",
		Category:    CategoryRateLimit,
		BaseDelay:   20 * time.Second,
		Description: "Too many requests",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)rate\s{0,3}limit`),
		Code:        "RATE_LIMITED",
		Category:    CategoryRateLimit,
		BaseDelay:   10 * time.Second,
		Description: "Generic rate limit",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)unusual\s{1,5}traffic`),
		Code:        "UNUSUAL_TRAFFIC",
		Category:    CategoryBotCheck,
		BaseDelay:   30 * time.Second,
		Description: "Unusual traffic notice",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(captcha|recaptcha|are\s{1,5}you\s{1,5}a\s{1,5}robot)`),
		Code:        "CAPTCHA_REQUIRED",
		Category:    CategoryBotCheck,
		BaseDelay:   0, // Manual intervention needed
		Description: "CAPTCHA required",
	},
}

// Detect scans visible banner text for throttle indicators.
// Text longer than maxTextLenForRegex is truncated.
func Detect(text string) Info {
	if len(text) > maxTextLenForRegex {
		text = text[:maxTextLenForRegex]
	}
	for _, p := range patterns {
		if p.Pattern.MatchString(text) {
			return Info{
				Detected:       true,
				Code:           p.Code,
				Category:       p.Category,
				SuggestedDelay: p.BaseDelay,
				Description:    p.Description,
			}
		}
	}
	return Info{}
}

// AdjustDelay clamps a suggested delay into [minDelay, maxDelay].
func AdjustDelay(d, minDelay, maxDelay time.Duration) time.Duration {
	if d < minDelay {
		return minDelay
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
