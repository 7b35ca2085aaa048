package logging

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
		{"off", zerolog.Disabled},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWithFile(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	closer, err := Setup(Options{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer closer.Close()

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("GlobalLevel = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in        string
		contains  string
		forbidden string
	}{
		{"postgres://app:hunter2@db:5432/harvest?sslmode=disable", "app:%5BREDACTED%5D@db", "hunter2"},
		{"http://proxy:8080/?token=abc123&region=eu", "region=eu", "abc123"},
		{"http://user@proxy:8080", "user@proxy", ""},
	}
	for _, tt := range tests {
		got := RedactURL(tt.in)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("RedactURL(%q) = %q, want containing %q", tt.in, got, tt.contains)
		}
		if tt.forbidden != "" && strings.Contains(got, tt.forbidden) {
			t.Errorf("RedactURL(%q) = %q leaks %q", tt.in, got, tt.forbidden)
		}
	}
	if RedactURL("") != "" {
		t.Error("RedactURL(\"\") should be empty")
	}
}
