package videoid

import (
	"errors"
	"testing"

	"github.com/famomatic/ytrelay/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare id", "dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"bare id with whitespace", "  dQw4w9WgXcQ\n", "dQw4w9WgXcQ"},
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"watch url with extra params", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"short url", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"embed url", "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"shorts url", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"legacy v path", "https://www.youtube.com/v/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"underscore prefix", "3_dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"embedded somewhere", "id:dQw4w9WgXcQ;", "dQw4w9WgXcQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, input := range []string{"", "   ", "short", "https://example.com/"} {
		if _, err := Normalize(input); !errors.Is(err, types.ErrInvalidVideoID) {
			t.Errorf("Normalize(%q) error = %v, want ErrInvalidVideoID", input, err)
		}
	}
}
