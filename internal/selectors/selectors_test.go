package selectors

import (
	"regexp"
	"testing"
)

func TestGetSelectors(t *testing.T) {
	sel := Get()
	if sel == nil {
		t.Fatal("Get() returned nil")
	}
	if err := sel.Validate(); err != nil {
		t.Fatalf("embedded selectors invalid: %v", err)
	}
	if got := sel.Names(); len(got) != 2 || got[0] != "twitter" || got[1] != "youtube" {
		t.Errorf("Names() = %v, want [twitter youtube]", got)
	}
}

func TestGetSelectorsSingleton(t *testing.T) {
	if Get() != Get() {
		t.Error("Get() should return the same instance")
	}
}

func TestDefaultSelectorsAreValid(t *testing.T) {
	if err := defaultSelectors().Validate(); err != nil {
		t.Fatalf("defaultSelectors() invalid: %v", err)
	}
}

func TestIDPatterns(t *testing.T) {
	tests := []struct {
		platform string
		href     string
		want     string
	}{
		{"twitter", "/golang/status/1790000000000000000", "1790000000000000000"},
		{"twitter", "https://x.com/golang/status/42/photo/1", "42"},
		{"youtube", "/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"youtube", "/watch?v=abc_DEF-123&t=10s", "abc_DEF-123"},
		{"youtube", "/shorts/abc", ""},
	}

	for _, tt := range tests {
		t.Run(tt.platform+" "+tt.href, func(t *testing.T) {
			p, ok := Get().Platform(tt.platform)
			if !ok {
				t.Fatalf("no selectors for %s", tt.platform)
			}
			m := regexp.MustCompile(p.IDPattern).FindStringSubmatch(tt.href)
			got := ""
			if len(m) > 1 {
				got = m[1]
			}
			if got != tt.want {
				t.Errorf("id from %q = %q, want %q", tt.href, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Platform{Card: "a", Link: "b", IDPattern: `(\d+)`}

	tests := []struct {
		name    string
		sel     *Selectors
		wantErr bool
	}{
		{"valid", &Selectors{Platforms: map[string]Platform{"x": valid}}, false},
		{"empty", &Selectors{}, true},
		{"missing card", &Selectors{Platforms: map[string]Platform{"x": {Link: "b", IDPattern: `(\d+)`}}}, true},
		{"missing link", &Selectors{Platforms: map[string]Platform{"x": {Card: "a", IDPattern: `(\d+)`}}}, true},
		{"bad pattern", &Selectors{Platforms: map[string]Platform{"x": {Card: "a", Link: "b", IDPattern: `(`}}}, true},
		{"no capture group", &Selectors{Platforms: map[string]Platform{"x": {Card: "a", Link: "b", IDPattern: `\d+`}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
