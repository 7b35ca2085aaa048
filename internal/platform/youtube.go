package platform

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/Rorqualx/scrollharvest/internal/config"
)

const youtubeBaseURL = "https://www.youtube.com"

var (
	youtubeChannelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
	youtubeHandleRe    = regexp.MustCompile(`^@?([A-Za-z0-9._-]{3,30})$`)
	youtubeHosts       = map[string]bool{
		"youtube.com": true, "www.youtube.com": true, "m.youtube.com": true,
	}
	// Channel tabs that are already a video listing.
	youtubeTabs = []string{"/videos", "/streams", "/shorts"}
)

// NewYouTube returns the YouTube driver. Targets are a channel handle, a
// UC channel id, or a youtube.com channel URL; all are opened on the
// channel's videos tab.
func NewYouTube(source SelectorSource) Driver {
	return &driver{
		name:      config.PlatformYouTube,
		source:    source,
		extractor: NewDOMExtractor(config.PlatformYouTube, source, youtubeRecordURL),
		normalize: normalizeYouTubeTarget,
		targetURL: func(t string) string { return youtubeBaseURL + t },
	}
}

// normalizeYouTubeTarget returns a channel tab path such as
// "/@handle/videos" or "/channel/UC.../videos".
func normalizeYouTubeTarget(target string) (string, error) {
	t := strings.TrimSpace(target)
	switch {
	case t == "":
		return "", errors.New("empty target")
	case strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://"):
		return youtubePathFromURL(t)
	case youtubeChannelIDRe.MatchString(t):
		return "/channel/" + t + "/videos", nil
	}
	if m := youtubeHandleRe.FindStringSubmatch(t); m != nil {
		return "/@" + strings.ToLower(m[1]) + "/videos", nil
	}
	return "", errors.New("not a handle, channel id or youtube.com URL")
}

func youtubePathFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !youtubeHosts[strings.ToLower(u.Hostname())] {
		return "", errors.New("not a youtube.com URL")
	}
	path := strings.TrimRight(u.Path, "/")

	switch {
	case strings.HasPrefix(path, "/@"):
		parts := strings.SplitN(path[2:], "/", 2)
		if !youtubeHandleRe.MatchString(parts[0]) {
			return "", errors.New("invalid channel handle")
		}
		path = "/@" + strings.ToLower(parts[0]) + restOf(parts)
	case strings.HasPrefix(path, "/channel/"), strings.HasPrefix(path, "/c/"), strings.HasPrefix(path, "/user/"):
		if strings.Count(path, "/") < 2 {
			return "", errors.New("channel URL has no name")
		}
	default:
		return "", errors.New("not a channel URL")
	}

	for _, tab := range youtubeTabs {
		if strings.HasSuffix(path, tab) {
			return path, nil
		}
	}
	return channelRoot(path) + "/videos", nil
}

// channelRoot strips any tab (/featured, /about, ...) after the channel name.
func channelRoot(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if strings.HasPrefix(parts[0], "@") {
		return "/" + parts[0]
	}
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return path
}

func restOf(parts []string) string {
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	return "/" + parts[1]
}

func youtubeRecordURL(id, _ string) string {
	return youtubeBaseURL + "/watch?v=" + id
}
