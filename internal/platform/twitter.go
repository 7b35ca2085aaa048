package platform

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/Rorqualx/scrollharvest/internal/config"
)

const twitterBaseURL = "https://x.com"

var (
	twitterHandleRe = regexp.MustCompile(`^@?([A-Za-z0-9_]{1,15})$`)
	twitterListRe   = regexp.MustCompile(`^\d{5,25}$`)
	twitterHosts    = map[string]bool{
		"x.com": true, "www.x.com": true, "mobile.x.com": true,
		"twitter.com": true, "www.twitter.com": true, "mobile.twitter.com": true,
	}
)

// NewTwitter returns the X/Twitter driver. Targets are a handle (with or
// without @), a numeric list id, or an x.com / twitter.com URL.
func NewTwitter(source SelectorSource) Driver {
	return &driver{
		name:      config.PlatformTwitter,
		source:    source,
		extractor: NewDOMExtractor(config.PlatformTwitter, source, twitterRecordURL),
		normalize: normalizeTwitterTarget,
		targetURL: func(t string) string { return twitterBaseURL + "/" + t },
	}
}

// normalizeTwitterTarget returns a path relative to x.com: "handle",
// "i/lists/<id>", or the cleaned path of a pasted URL.
func normalizeTwitterTarget(target string) (string, error) {
	t := strings.TrimSpace(target)
	switch {
	case t == "":
		return "", errors.New("empty target")
	case strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://"):
		return twitterPathFromURL(t)
	case twitterListRe.MatchString(t):
		return "i/lists/" + t, nil
	}
	if m := twitterHandleRe.FindStringSubmatch(t); m != nil {
		return strings.ToLower(m[1]), nil
	}
	return "", errors.New("not a handle, list id or x.com URL")
}

func twitterPathFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !twitterHosts[strings.ToLower(u.Hostname())] {
		return "", errors.New("not an x.com or twitter.com URL")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", errors.New("URL has no path")
	}
	if m := twitterHandleRe.FindStringSubmatch(path); m != nil {
		return strings.ToLower(m[1]), nil
	}
	return path, nil
}

func twitterRecordURL(id, href string) string {
	if strings.HasPrefix(href, "/") {
		return twitterBaseURL + href
	}
	if href != "" {
		return href
	}
	return twitterBaseURL + "/i/status/" + id
}
