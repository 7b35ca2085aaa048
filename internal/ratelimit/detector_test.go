package ratelimit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/scrollharvest/internal/types"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantDetected bool
		wantCode     string
		wantCategory Category
		wantDelay    time.Duration
	}{
		{
			name:         "youtube unusual traffic",
			text:         "Our systems have detected unusual traffic from your computer network.",
			wantDetected: true,
			wantCode:     "YT_UNUSUAL_TRAFFIC",
			wantCategory: CategoryBotCheck,
			wantDelay:    time.Minute,
		},
		{
			name:         "youtube bot wall",
			text:         "Sign in to confirm you’re not a bot",
			wantDetected: true,
			wantCode:     "YT_CONFIRM_NOT_BOT",
			wantCategory: CategoryBotCheck,
			wantDelay:    time.Minute,
		},
		{
			name:         "x rate limit",
			text:         "Rate limit exceeded.",
			wantDetected: true,
			wantCode:     "X_RATE_LIMIT",
			wantCategory: CategoryRateLimit,
			wantDelay:    30 * time.Second,
		},
		{
			name:         "x feed error",
			text:         "Something went wrong. Try reloading.",
			wantDetected: true,
			wantCode:     "X_FEED_ERROR",
			wantCategory: CategoryFeedError,
			wantDelay:    10 * time.Second,
		},
		{
			name:         "x login wall",
			text:         "Log in to X to see more posts",
			wantDetected: true,
			wantCode:     "X_LOGIN_WALL",
			wantCategory: CategoryLoginWall,
			wantDelay:    0,
		},
		{
			name:         "too many requests",
			text:         "Too many requests from your IP",
			wantDetected: true,
			wantCode:     "TOO_MANY_REQUESTS",
			wantCategory: CategoryRateLimit,
			wantDelay:    20 * time.Second,
		},
		{
			name:         "captcha",
			text:         "Please complete the CAPTCHA to continue",
			wantDetected: true,
			wantCode:     "CAPTCHA_REQUIRED",
			wantCategory: CategoryBotCheck,
			wantDelay:    0,
		},
		{
			name:         "case insensitive",
			text:         "RATE LIMIT EXCEEDED",
			wantDetected: true,
			wantCode:     "X_RATE_LIMIT",
			wantCategory: CategoryRateLimit,
			wantDelay:    30 * time.Second,
		},
		{
			name:         "normal feed",
			text:         "Posts Replies Media Likes",
			wantDetected: false,
		},
		{
			name:         "empty",
			text:         "",
			wantDetected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(tt.text)

			if info.Detected != tt.wantDetected {
				t.Errorf("Detected = %v, want %v", info.Detected, tt.wantDetected)
			}
			if info.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", info.Code, tt.wantCode)
			}
			if info.Category != tt.wantCategory {
				t.Errorf("Category = %v, want %v", info.Category, tt.wantCategory)
			}
			if info.SuggestedDelay != tt.wantDelay {
				t.Errorf("SuggestedDelay = %v, want %v", info.SuggestedDelay, tt.wantDelay)
			}
		})
	}
}

func TestDetectTruncatesLongText(t *testing.T) {
	text := strings.Repeat("a", maxTextLenForRegex) + "rate limit exceeded"
	if info := Detect(text); info.Detected {
		t.Errorf("Detected banner beyond the scan limit: %+v", info)
	}
}

func TestInfoErr(t *testing.T) {
	if err := (Info{}).Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	err := Detect("Rate limit exceeded").Err()
	if !errors.Is(err, types.ErrThrottled) {
		t.Fatalf("Err() = %v, want ErrThrottled", err)
	}
	var te *types.ThrottleError
	if !errors.As(err, &te) {
		t.Fatalf("Err() = %T, want *types.ThrottleError", err)
	}
	if te.Code != "X_RATE_LIMIT" || te.SuggestedDelay != 30*time.Second {
		t.Errorf("ThrottleError = %+v", te)
	}
}

func TestAdjustDelay(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want time.Duration
	}{
		{"within bounds", 5 * time.Second, 5 * time.Second},
		{"below minimum", 500 * time.Millisecond, time.Second},
		{"above maximum", time.Minute, 30 * time.Second},
		{"at minimum", time.Second, time.Second},
		{"at maximum", 30 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdjustDelay(tt.d, time.Second, 30*time.Second)
			if got != tt.want {
				t.Errorf("AdjustDelay(%v) = %v, want %v", tt.d, got, tt.want)
			}
		})
	}
}
