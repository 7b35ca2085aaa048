package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Platform names with built-in defaults.
const (
	PlatformTwitter = "twitter"
	PlatformYouTube = "youtube"
)

var platformNames = []string{PlatformTwitter, PlatformYouTube}

// PlatformConfig holds the pool size and extraction tuning for one platform.
// Environment keys are the field names prefixed by the upper-cased platform,
// e.g. TWITTER_POOL_SIZE or YOUTUBE_TASK_TIMEOUT.
type PlatformConfig struct {
	Enabled            bool
	PoolSize           int
	TaskTimeout        time.Duration
	TargetCount        int
	DuplicateThreshold int
	MaxIterations      int
	StallThreshold     int
	MinScrollDelta     int
	HealthCheckEvery   int
	MinDelay           time.Duration
	MaxDelay           time.Duration
	ScrollWait         time.Duration
}

// DefaultPlatform returns the built-in defaults for a platform.
// Unknown names get the Twitter profile.
func DefaultPlatform(name string) PlatformConfig {
	switch name {
	case PlatformYouTube:
		// Video grids are heavy; fewer browsers, longer timeout, shorter streaks.
		return PlatformConfig{
			Enabled:            true,
			PoolSize:           2,
			TaskTimeout:        8 * time.Minute,
			TargetCount:        60,
			DuplicateThreshold: 2,
			MaxIterations:      30,
			StallThreshold:     3,
			MinScrollDelta:     50,
			HealthCheckEvery:   5,
			MinDelay:           time.Second,
			MaxDelay:           3 * time.Second,
			ScrollWait:         2 * time.Second,
		}
	default:
		return PlatformConfig{
			Enabled:            true,
			PoolSize:           3,
			TaskTimeout:        5 * time.Minute,
			TargetCount:        100,
			DuplicateThreshold: 3,
			MaxIterations:      50,
			StallThreshold:     3,
			MinScrollDelta:     50,
			HealthCheckEvery:   5,
			MinDelay:           800 * time.Millisecond,
			MaxDelay:           2500 * time.Millisecond,
			ScrollWait:         1500 * time.Millisecond,
		}
	}
}

func loadPlatforms() map[string]PlatformConfig {
	out := make(map[string]PlatformConfig, len(platformNames))
	for _, name := range platformNames {
		out[name] = loadPlatform(name)
	}
	return out
}

func loadPlatform(name string) PlatformConfig {
	d := DefaultPlatform(name)
	prefix := strings.ToUpper(name) + "_"
	return PlatformConfig{
		Enabled:            getEnvBool(prefix+"ENABLED", d.Enabled),
		PoolSize:           getEnvInt(prefix+"POOL_SIZE", d.PoolSize),
		TaskTimeout:        getEnvDuration(prefix+"TASK_TIMEOUT", d.TaskTimeout),
		TargetCount:        getEnvInt(prefix+"TARGET_COUNT", d.TargetCount),
		DuplicateThreshold: getEnvInt(prefix+"DUPLICATE_THRESHOLD", d.DuplicateThreshold),
		MaxIterations:      getEnvInt(prefix+"MAX_ITERATIONS", d.MaxIterations),
		StallThreshold:     getEnvInt(prefix+"STALL_THRESHOLD", d.StallThreshold),
		MinScrollDelta:     getEnvInt(prefix+"MIN_SCROLL_DELTA", d.MinScrollDelta),
		HealthCheckEvery:   getEnvInt(prefix+"HEALTH_CHECK_EVERY", d.HealthCheckEvery),
		MinDelay:           getEnvDuration(prefix+"MIN_DELAY", d.MinDelay),
		MaxDelay:           getEnvDuration(prefix+"MAX_DELAY", d.MaxDelay),
		ScrollWait:         getEnvDuration(prefix+"SCROLL_WAIT", d.ScrollWait),
	}
}

// validate clamps the platform settings, logging every correction.
func (p PlatformConfig) validate(name string) PlatformConfig {
	d := DefaultPlatform(name)
	l := log.With().Str("platform", name).Logger()

	if p.PoolSize < 1 {
		l.Warn().Int("size", p.PoolSize).Int("default", d.PoolSize).Msg("Invalid pool size, using default")
		p.PoolSize = d.PoolSize
	} else if p.PoolSize > maxPoolSize {
		l.Warn().Int("size", p.PoolSize).Int("max", maxPoolSize).Msg("Pool size too large, capping to maximum")
		p.PoolSize = maxPoolSize
	}

	const minTaskTimeout = 10 * time.Second
	const maxTaskTimeout = time.Hour
	if p.TaskTimeout < minTaskTimeout {
		l.Warn().Dur("timeout", p.TaskTimeout).Dur("min", minTaskTimeout).Msg("Task timeout too short, using minimum")
		p.TaskTimeout = minTaskTimeout
	} else if p.TaskTimeout > maxTaskTimeout {
		l.Warn().Dur("timeout", p.TaskTimeout).Dur("max", maxTaskTimeout).Msg("Task timeout too long, using maximum")
		p.TaskTimeout = maxTaskTimeout
	}

	if p.TargetCount < 0 {
		p.TargetCount = d.TargetCount
	}
	if p.DuplicateThreshold < 1 {
		l.Warn().Int("threshold", p.DuplicateThreshold).Msg("Invalid duplicate threshold, using default")
		p.DuplicateThreshold = d.DuplicateThreshold
	}
	if p.MaxIterations < 1 {
		l.Warn().Int("iterations", p.MaxIterations).Msg("Invalid max iterations, using default")
		p.MaxIterations = d.MaxIterations
	}
	if p.StallThreshold < 1 {
		p.StallThreshold = d.StallThreshold
	}
	if p.MinScrollDelta < 1 {
		p.MinScrollDelta = d.MinScrollDelta
	}
	if p.HealthCheckEvery < 1 {
		p.HealthCheckEvery = d.HealthCheckEvery
	}
	if p.MaxDelay < p.MinDelay {
		l.Warn().
			Dur("min", p.MinDelay).
			Dur("max", p.MaxDelay).
			Msg("MAX_DELAY below MIN_DELAY, swapping")
		p.MinDelay, p.MaxDelay = p.MaxDelay, p.MinDelay
	}
	return p
}
