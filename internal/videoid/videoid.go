// Package videoid reduces raw caller input to the canonical 11-character
// YouTube video ID.
package videoid

import (
	"regexp"
	"strings"

	"github.com/famomatic/ytrelay/internal/types"
)

var (
	idPattern  = regexp.MustCompile(`^[0-9A-Za-z_-]{11}$`)
	urlPattern = regexp.MustCompile(`(?:v=|/embed/|/v/|/shorts/|youtu\.be/)([0-9A-Za-z_-]{11})`)
	anyPattern = regexp.MustCompile(`([0-9A-Za-z_-]{11})`)
)

// Normalize accepts a raw id, a prefixed id (e.g. "0_dQw4w9WgXcQ") or common
// YouTube URL shapes and returns the canonical 11-character ID.
func Normalize(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", types.ErrInvalidVideoID
	}
	if idPattern.MatchString(s) {
		return s, nil
	}
	if m := urlPattern.FindStringSubmatch(s); len(m) == 2 {
		return m[1], nil
	}
	// Playlist exports and some chat clients prepend an index like "3_<id>";
	// take the part after the last underscore before pattern matching.
	if i := strings.LastIndex(s, "_"); i >= 0 && i+1 < len(s) {
		tail := s[i+1:]
		if idPattern.MatchString(tail) {
			return tail, nil
		}
	}
	if m := anyPattern.FindStringSubmatch(s); len(m) == 2 {
		return m[1], nil
	}
	return "", types.ErrInvalidVideoID
}
