// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls console and file output.
type Options struct {
	Level      string // debug, info, warn, error
	JSON       bool   // raw JSON on stdout instead of the console writer
	File       string // rotated log file, empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup installs the global logger and returns a closer for the log file.
// The closer is always non-nil.
func Setup(opts Options) (io.Closer, error) {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var console io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	if opts.JSON {
		console = os.Stdout
	}

	if opts.File == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nopCloser{}, nil
	}

	if dir := filepath.Dir(opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nopCloser{}, err
		}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
	return file, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
