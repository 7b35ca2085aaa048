// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSize          = 20
	maxConcurrentJobs    = 64
	maxRetries           = 10
	maxRateLimitRPM      = 10000 // Maximum requests per minute per IP
	minAPIKeyLength      = 16    // Minimum API key length for security
	maxRetryDelay        = 10 * time.Minute
	minMaintenanceTicker = 5 * time.Second
)

// Storage driver names.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageDuckDB   = "duckdb"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	BrowserPath      string
	UserAgent        string
	IgnoreCertErrors bool
	BlockMedia       bool
	ProxyURL         string

	// Pool settings
	PoolWaitTimeout         time.Duration
	SessionMaxAge           time.Duration
	PoolMaintenanceInterval time.Duration

	// Job lifecycle
	MaxConcurrentJobs   int
	RetryEnabled        bool
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	ZombieSweepInterval time.Duration
	ZombieGrace         time.Duration

	// Per-platform scraping settings, keyed by platform name
	Platforms map[string]PlatformConfig

	// Storage
	StorageDriver string
	DatabaseURL   string
	DuckDBPath    string

	// Completion events
	PubSubProjectID string
	PubSubTopic     string

	// Logging
	LogLevel       string
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	LogMaxAgeDays  int
	LogJSONConsole bool

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int      // Requests per minute per IP
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = reject cross-origin)
	APIKeyEnabled      bool
	APIKey             string

	// Selectors settings
	SelectorsPath      string // Path to external selectors override file
	SelectorsHotReload bool   // Enable file watching for hot-reload of selectors
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost so the API is not exposed by accident
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8191),

		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		UserAgent:        getEnvString("USER_AGENT", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		BlockMedia:       getEnvBool("BLOCK_MEDIA", true),
		ProxyURL:         getEnvString("PROXY_URL", ""),

		PoolWaitTimeout:         getEnvDuration("POOL_WAIT_TIMEOUT", 30*time.Second),
		SessionMaxAge:           getEnvDuration("SESSION_MAX_AGE", 30*time.Minute),
		PoolMaintenanceInterval: getEnvDuration("POOL_MAINTENANCE_INTERVAL", time.Minute),

		MaxConcurrentJobs:   getEnvInt("MAX_CONCURRENT_JOBS", 4),
		RetryEnabled:        getEnvBool("RETRY_ENABLED", false),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:      getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:       getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		ZombieSweepInterval: getEnvDuration("ZOMBIE_SWEEP_INTERVAL", time.Minute),
		ZombieGrace:         getEnvDuration("ZOMBIE_GRACE", 30*time.Second),

		Platforms: loadPlatforms(),

		StorageDriver: strings.ToLower(getEnvString("STORAGE_DRIVER", StorageMemory)),
		DatabaseURL:   getEnvString("DATABASE_URL", ""),
		DuckDBPath:    getEnvString("DUCKDB_PATH", "scrollharvest.duckdb"),

		PubSubProjectID: getEnvString("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnvString("PUBSUB_TOPIC", ""),

		LogLevel:       getEnvString("LOG_LEVEL", "info"),
		LogFile:        getEnvString("LOG_FILE", ""),
		LogMaxSizeMB:   getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:  getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:  getEnvInt("LOG_MAX_AGE_DAYS", 14),
		LogJSONConsole: getEnvBool("LOG_JSON", false),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 8192),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),

		SelectorsPath:      getEnvString("SELECTORS_PATH", ""),
		SelectorsHotReload: getEnvBool("SELECTORS_HOT_RELOAD", false),
	}
}

// Platform returns the settings for a platform and whether it is known.
func (c *Config) Platform(name string) (PlatformConfig, bool) {
	p, ok := c.Platforms[name]
	return p, ok
}

// EnabledPlatforms returns the names of platforms that should get a pool,
// in a stable order.
func (c *Config) EnabledPlatforms() []string {
	var names []string
	for _, name := range platformNames {
		if p, ok := c.Platforms[name]; ok && p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8191")
		c.Port = 8191
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	const minPoolWait = 10 * time.Millisecond
	const maxPoolWait = 5 * time.Minute
	if c.PoolWaitTimeout < minPoolWait {
		log.Warn().
			Dur("timeout", c.PoolWaitTimeout).
			Dur("min", minPoolWait).
			Msg("Pool wait timeout too short, using minimum")
		c.PoolWaitTimeout = minPoolWait
	} else if c.PoolWaitTimeout > maxPoolWait {
		log.Warn().
			Dur("timeout", c.PoolWaitTimeout).
			Dur("max", maxPoolWait).
			Msg("Pool wait timeout too long, using maximum")
		c.PoolWaitTimeout = maxPoolWait
	}

	if c.PoolMaintenanceInterval < minMaintenanceTicker {
		log.Warn().
			Dur("interval", c.PoolMaintenanceInterval).
			Dur("min", minMaintenanceTicker).
			Msg("Pool maintenance interval too short, using minimum")
		c.PoolMaintenanceInterval = minMaintenanceTicker
	}

	if c.MaxConcurrentJobs < 1 {
		log.Warn().Int("jobs", c.MaxConcurrentJobs).Msg("Invalid MAX_CONCURRENT_JOBS, using 4")
		c.MaxConcurrentJobs = 4
	} else if c.MaxConcurrentJobs > maxConcurrentJobs {
		log.Warn().
			Int("jobs", c.MaxConcurrentJobs).
			Int("max", maxConcurrentJobs).
			Msg("MAX_CONCURRENT_JOBS too high, capping to maximum")
		c.MaxConcurrentJobs = maxConcurrentJobs
	}

	if c.MaxRetries < 0 {
		log.Warn().Int("retries", c.MaxRetries).Msg("Negative MAX_RETRIES, using 0")
		c.MaxRetries = 0
	} else if c.MaxRetries > maxRetries {
		log.Warn().
			Int("retries", c.MaxRetries).
			Int("max", maxRetries).
			Msg("MAX_RETRIES too high, capping to maximum")
		c.MaxRetries = maxRetries
	}
	if c.RetryMaxDelay > maxRetryDelay {
		log.Warn().
			Dur("delay", c.RetryMaxDelay).
			Dur("max", maxRetryDelay).
			Msg("RETRY_MAX_DELAY too long, using maximum")
		c.RetryMaxDelay = maxRetryDelay
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		log.Warn().
			Dur("base", c.RetryBaseDelay).
			Dur("max", c.RetryMaxDelay).
			Msg("RETRY_BASE_DELAY exceeds RETRY_MAX_DELAY, adjusting to max")
		c.RetryBaseDelay = c.RetryMaxDelay
	}

	switch c.StorageDriver {
	case StorageMemory, StorageDuckDB:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			log.Warn().Msg("STORAGE_DRIVER=postgres but DATABASE_URL is empty, using memory storage")
			c.StorageDriver = StorageMemory
		}
	default:
		log.Warn().Str("driver", c.StorageDriver).Msg("Unknown STORAGE_DRIVER, using memory")
		c.StorageDriver = StorageMemory
	}

	if c.PrometheusEnabled && (c.PrometheusPort < 1 || c.PrometheusPort > 65535 || c.PrometheusPort == c.Port) {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid PROMETHEUS_PORT, using 8192")
		c.PrometheusPort = 8192
	}

	if c.RateLimitRPM < 1 {
		log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid RATE_LIMIT_RPM, using 60")
		c.RateLimitRPM = 60
	} else if c.RateLimitRPM > maxRateLimitRPM {
		log.Warn().
			Int("rpm", c.RateLimitRPM).
			Int("max", maxRateLimitRPM).
			Msg("RATE_LIMIT_RPM too high, capping to maximum")
		c.RateLimitRPM = maxRateLimitRPM
	}

	if c.APIKeyEnabled {
		if c.APIKey == "" {
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty, disabling API key authentication")
			c.APIKeyEnabled = false
		} else if len(c.APIKey) < minAPIKeyLength {
			log.Warn().
				Int("length", len(c.APIKey)).
				Int("min", minAPIKeyLength).
				Msg("API_KEY is shorter than recommended")
		}
	}

	if c.SelectorsHotReload && c.SelectorsPath == "" {
		log.Warn().Msg("SELECTORS_HOT_RELOAD is set without SELECTORS_PATH, hot-reload disabled")
		c.SelectorsHotReload = false
	}

	for name, p := range c.Platforms {
		c.Platforms[name] = p.validate(name)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
