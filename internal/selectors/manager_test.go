package selectors

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNewManager_EmbeddedOnly(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	sel := m.Get()
	if sel == nil {
		t.Fatal("Get() returned nil")
	}
	for _, name := range []string{"twitter", "youtube"} {
		p, ok := m.Platform(name)
		if !ok {
			t.Errorf("Expected embedded selectors for %s", name)
			continue
		}
		if p.Card == "" || p.Link == "" || p.IDPattern == "" {
			t.Errorf("Incomplete embedded selectors for %s: %+v", name, p)
		}
	}
}

func TestNewManager_ExternalFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `
platforms:
  twitter:
    card: "div.custom-card"
  mastodon:
    card: "article.status"
    link: "a.status-link"
    id_pattern: '/(\d+)$'
`)

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	tw, _ := m.Platform("twitter")
	if tw.Card != "div.custom-card" {
		t.Errorf("Card = %q, want override", tw.Card)
	}
	// Embedded fields fill in the rest.
	if tw.Link == "" || tw.IDPattern == "" {
		t.Errorf("Expected embedded link and id pattern, got %+v", tw)
	}
	if _, ok := m.Platform("mastodon"); !ok {
		t.Error("Expected new platform from external file")
	}
	if _, ok := m.Platform("youtube"); !ok {
		t.Error("Expected embedded youtube selectors to remain")
	}
}

func TestNewManager_BrokenExternalFileFallsBack(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml"), false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Get() != Get() {
		t.Error("Expected embedded selectors when the override file is missing")
	}
	if m.Stats().LastErrorStr == "" {
		t.Error("Expected LastError to be recorded")
	}
}

func TestManager_Get_LockFree(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	const goroutines = 50
	const iterations = 500

	done := make(chan bool)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				if _, ok := m.Platform("twitter"); !ok {
					t.Error("Expected twitter selectors")
					break
				}
			}
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
}

func TestManager_Reload(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `
platforms:
  youtube:
    text: "#initial"
`)

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if p, _ := m.Platform("youtube"); p.Text != "#initial" {
		t.Errorf("Text = %q, want #initial", p.Text)
	}

	writeFile(t, tmpFile, `
platforms:
  youtube:
    text: "#updated"
`)
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if p, _ := m.Platform("youtube"); p.Text != "#updated" {
		t.Errorf("Text = %q, want #updated", p.Text)
	}

	// Initial load + manual reload.
	stats := m.Stats()
	if stats.ReloadCount != 2 {
		t.Errorf("ReloadCount = %d, want 2", stats.ReloadCount)
	}
	if stats.LastError != nil {
		t.Errorf("Expected no error, got %v", stats.LastError)
	}
}

func TestManager_Reload_InvalidYAML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `
platforms:
  youtube:
    text: "#valid"
`)

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeFile(t, tmpFile, `
platforms:
  - not valid yaml {{{
    incomplete:
`)
	if err := m.Reload(); err == nil {
		t.Error("Expected Reload() to fail with invalid YAML")
	}

	if p, _ := m.Platform("youtube"); p.Text != "#valid" {
		t.Errorf("Expected previous selectors to be preserved, got %q", p.Text)
	}
	if m.Stats().LastError == nil {
		t.Error("Expected LastError to be set")
	}
}

func TestManager_Reload_InvalidPattern(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `
platforms:
  twitter:
    id_pattern: "(unclosed"
`)

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Get() != Get() {
		t.Error("Expected embedded selectors when the override has a bad pattern")
	}
}

func TestManager_Reload_NoExternalPath(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Reload(); err == nil {
		t.Error("Expected Reload() to fail when no external path is configured")
	}
}

func TestManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping hot-reload test in short mode")
	}

	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `
platforms:
  twitter:
    text: "#before"
`)

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeFile(t, tmpFile, `
platforms:
  twitter:
    text: "#after"
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := m.Platform("twitter"); p.Text == "#after" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	p, _ := m.Platform("twitter")
	t.Errorf("Text = %q after hot-reload, want #after", p.Text)
}

func TestManager_MergeWithEmbedded(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	merged := m.mergeWithEmbedded(&Selectors{Platforms: map[string]Platform{
		"youtube": {Skip: map[string]string{"members_only": ".badge-members"}},
	}})

	yt := merged.Platforms["youtube"]
	if len(yt.Skip) != 1 || yt.Skip["members_only"] == "" {
		t.Errorf("Expected skip map to be replaced, got %v", yt.Skip)
	}
	if yt.Card != Get().Platforms["youtube"].Card {
		t.Errorf("Expected embedded card selector, got %q", yt.Card)
	}
	// The embedded catalogue itself is untouched.
	if _, ok := Get().Platforms["youtube"].Skip["members_only"]; ok {
		t.Error("mergeWithEmbedded mutated the embedded catalogue")
	}
}

func TestManager_Close(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "selectors.yaml")
	writeFile(t, tmpFile, `platforms: {twitter: {text: "#x"}}`)

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
