package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ============================================================================
// Track Model
// ============================================================================

// Chapter is a named position inside a track.
type Chapter struct {
	Label         string `json:"label"`
	OffsetSeconds int    `json:"offsetSeconds"`
	ThumbnailURL  string `json:"thumbnailUrl,omitempty"`
}

// Track is an immutable descriptor of one queue entry. The chapter
// position lives on the owning queue, not here, so a track is never
// written after creation.
type Track struct {
	Title         string
	Uploader      string
	SourceURL     string
	DurationLabel string
	ThumbnailURL  string
	Chapters      []Chapter
	IsLiveStation bool
	StationName   string
	StationHome   string
}

func (t *Track) HasChapters() bool {
	return len(t.Chapters) > 1
}

// CacheKey is the filesystem-safe key the audio cache stores this track
// under. It must match the names yt-dlp produces with restricted filenames.
func (t *Track) CacheKey() string {
	return sanitizeFilename(t.Title)
}

// ClampChapter bounds i to the track's chapter list.
func (t *Track) ClampChapter(i int) int {
	if i < 0 {
		i = 0
	}
	if i >= len(t.Chapters) {
		i = len(t.Chapters) - 1
	}
	return i
}

// ActiveChapter returns the chapter at index i, clamped.
func (t *Track) ActiveChapter(i int) Chapter {
	return t.Chapters[t.ClampChapter(i)]
}

func formatDurationLabel(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatChapterOffset(seconds int) string {
	h, m, s := seconds/3600, (seconds/60)%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ============================================================================
// Filename Sanitization
// ============================================================================

// accentChars mirrors yt-dlp's ACCENT_CHARS table.
var accentChars = map[rune]string{
	'Â': "A", 'Ã': "A", 'Ä': "A", 'À': "A", 'Á': "A", 'Å': "A", 'Æ': "AE",
	'Ç': "C", 'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E",
	'Ì': "I", 'Í': "I", 'Î': "I", 'Ï': "I", 'Ð': "D", 'Ñ': "N",
	'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O", 'Ö': "O", 'Ő': "O", 'Ø': "O", 'Œ': "OE",
	'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "U", 'Ű': "U", 'Ý': "Y", 'Þ': "TH", 'ß': "ss",
	'â': "a", 'ã': "a", 'ä': "a", 'à': "a", 'á': "a", 'å': "a", 'æ': "ae",
	'ç': "c", 'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i", 'ð': "d", 'ñ': "n",
	'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o", 'ö': "o", 'ő': "o", 'ø': "o", 'œ': "oe",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u", 'ű': "u", 'ý': "y", 'þ': "th", 'ÿ': "y",
}

var timestampRegex = regexp.MustCompile(`[0-9]+(?::[0-9]+)+`)

func replaceInsane(r rune) string {
	if repl, ok := accentChars[r]; ok {
		return repl
	}
	switch {
	case r == '?' || r < 32 || r == 127:
		return ""
	case r == '"':
		return ""
	case r == ':':
		return "\x00_\x00-"
	case strings.ContainsRune(`\/|*<>`, r):
		return "\x00_"
	case strings.ContainsRune("!&'()[]{}$;`^,#", r) || unicode.IsSpace(r) || r > 127:
		if unicode.IsControl(r) || unicode.IsMark(r) || !unicode.IsPrint(r) {
			return ""
		}
		return "\x00_"
	}
	return string(r)
}

// sanitizeFilename is a port of yt-dlp's sanitize_filename in restricted
// mode, which is what the audio cache names files with.
func sanitizeFilename(s string) string {
	s = norm.NFKC.String(s)

	// Keep timestamps readable: 1:02:03 -> 1_02_03
	s = timestampRegex.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ReplaceAll(m, ":", "_")
	})

	var b strings.Builder
	for _, r := range s {
		b.WriteString(replaceInsane(r))
	}
	result := strings.ReplaceAll(b.String(), "\x00", "")
	if result == "" {
		return "_"
	}

	for strings.Contains(result, "__") {
		result = strings.ReplaceAll(result, "__", "_")
	}
	result = strings.Trim(result, "_")
	result = strings.TrimPrefix(result, "-_")
	if strings.HasPrefix(result, "-") {
		result = "_" + result[1:]
	}
	result = strings.TrimLeft(result, ".")
	if result == "" {
		return "_"
	}
	return result
}
