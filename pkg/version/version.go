// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/scrollharvest/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// Commit is the git revision, set at build time.
var Commit = "unknown"

// UserAgent is the default browser user agent string.
// Keep it close to current stable Chrome; stale versions are a bot signal.
var UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// Full returns the full version string.
func Full() string {
	if Commit == "unknown" || Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
