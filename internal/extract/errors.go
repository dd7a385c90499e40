package extract

import (
	"fmt"

	"github.com/famomatic/ytrelay/internal/types"
)

// AttemptError captures one method attempt failure.
type AttemptError struct {
	Method string
	Err    error
}

// ExhaustedError is returned when every method ran out without producing a
// playable variant. It unwraps to types.ErrNoUsableSource so callers can
// distinguish exhaustion from a transient failure of a single fetch.
type ExhaustedError struct {
	VideoID  string
	Attempts []AttemptError
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no usable source for video=%s", e.VideoID)
	}
	return fmt.Sprintf("no usable source for video=%s: %d method(s) failed", e.VideoID, len(e.Attempts))
}

func (e *ExhaustedError) Unwrap() error { return types.ErrNoUsableSource }

// HTTPStatusError indicates a non-200 upstream response.
type HTTPStatusError struct {
	Method     string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream http status=%d method=%s", e.StatusCode, e.Method)
}
