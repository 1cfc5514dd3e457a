package media

import (
	"net/url"
	"strings"
)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// IsYouTubeURL reports whether raw points at a single YouTube video.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Host)
	if !youtubeHosts[host] {
		return false
	}
	if host == "youtu.be" {
		return len(strings.Trim(u.Path, "/")) > 0
	}
	switch {
	case u.Path == "/watch":
		return u.Query().Get("v") != ""
	case strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/live/"), strings.HasPrefix(u.Path, "/embed/"):
		return len(strings.Trim(u.Path, "/")) > len("shorts")
	}
	return false
}
