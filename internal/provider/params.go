package provider

import (
	"regexp"
	"strconv"
	"strings"
)

// Params are generation settings written into the prompt as "key: value"
// lines. Zero values mean "provider default".
type Params struct {
	AspectRatio      string
	Size             string
	Quality          string
	Style            string
	NegativePrompt   string
	Resolution       string
	PersonGeneration string
	Count            int
	DurationSeconds  int
	Seed             *int64
}

var (
	paramLine      = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z _-]*?)\s*[:=]\s*(.+?)\s*$`)
	aspectRatioRe  = regexp.MustCompile(`^\d{1,2}:\d{1,2}$`)
	imageSizeRe    = regexp.MustCompile(`^(\d{2,4}x\d{2,4}|auto)$`)
	qualityValues  = set("standard", "hd", "low", "medium", "high", "auto")
	styleValues    = set("vivid", "natural")
	personValues   = set("dont_allow", "allow_adult", "allow_all")
	resolutionVals = set("720p", "1080p")
)

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// ParseInlineParams pulls recognized "key: value" lines out of text. Lines
// with unknown keys or invalid values stay part of the prompt.
func ParseInlineParams(text string) (string, Params) {
	var p Params
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		m := paramLine.FindStringSubmatch(line)
		if m == nil || !p.apply(normalizeKey(m[1]), m[2]) {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), p
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	return k
}

func (p *Params) apply(key, raw string) bool {
	val := strings.Trim(raw, `"'`)
	lower := strings.ToLower(val)
	switch key {
	case "aspect_ratio", "ratio":
		if aspectRatioRe.MatchString(val) {
			p.AspectRatio = val
			return true
		}
	case "size":
		if imageSizeRe.MatchString(lower) {
			p.Size = lower
			return true
		}
	case "quality":
		if qualityValues[lower] {
			p.Quality = lower
			return true
		}
	case "style":
		if styleValues[lower] {
			p.Style = lower
			return true
		}
	case "negative_prompt":
		if val != "" {
			p.NegativePrompt = val
			return true
		}
	case "resolution":
		if resolutionVals[lower] {
			p.Resolution = lower
			return true
		}
	case "person_generation":
		if personValues[lower] {
			p.PersonGeneration = lower
			return true
		}
	case "n", "count", "number_of_images":
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= 4 {
			p.Count = n
			return true
		}
	case "duration", "duration_seconds":
		if n, err := strconv.Atoi(strings.TrimSuffix(lower, "s")); err == nil && n >= 1 && n <= 60 {
			p.DurationSeconds = n
			return true
		}
	case "seed":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			p.Seed = &n
			return true
		}
	}
	return false
}

// CountOr returns Count, or def when unset.
func (p Params) CountOr(def int) int {
	if p.Count > 0 {
		return p.Count
	}
	return def
}
