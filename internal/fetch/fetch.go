// Package fetch streams a resolved transport URL to transient local storage
// for the duration of one download-then-upload run.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/types"
)

// AcquisitionError wraps any failure to land variant bytes on local disk.
type AcquisitionError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *AcquisitionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("acquisition failed: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("acquisition failed: %v", e.Cause)
}

func (e *AcquisitionError) Unwrap() error { return e.Cause }

// Config controls retry behavior for acquisition downloads.
type Config struct {
	WorkDir        string
	UserAgent      string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Fetcher downloads variants into a work directory.
type Fetcher struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
}

func New(client *http.Client, cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 3 * time.Second
	}
	return &Fetcher{client: client, cfg: cfg, log: logger}
}

var retryStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// FetchToLocal streams the variant's transport URL into a transient file and
// returns its path. The caller owns the file and must release it via Cleanup
// on every exit path.
func (f *Fetcher) FetchToLocal(ctx context.Context, v types.Variant, kind types.MediaKind) (string, error) {
	if !v.Playable() {
		return "", &AcquisitionError{Cause: errors.New("variant has no transport url")}
	}
	if err := os.MkdirAll(f.cfg.WorkDir, 0o755); err != nil {
		return "", &AcquisitionError{Cause: err}
	}

	path := filepath.Join(f.cfg.WorkDir, fmt.Sprintf("%s-%s%s", kind, uuid.NewString(), extensionFor(v, kind)))

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, f.backoffFor(attempt-1)); err != nil {
				return "", err
			}
			f.log.Warn().Str("url", v.URL).Int("attempt", attempt).Err(lastErr).
				Msg("retrying acquisition download")
		}

		n, err := f.downloadOnce(ctx, v.URL, path)
		if err == nil && n > 0 {
			return path, nil
		}
		if err == nil {
			err = &AcquisitionError{URL: v.URL, Cause: errors.New("zero-length body")}
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	_ = os.Remove(path)
	return "", lastErr
}

func (f *Fetcher) downloadOnce(ctx context.Context, rawURL, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &AcquisitionError{URL: rawURL, Cause: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &AcquisitionError{URL: rawURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &AcquisitionError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, &AcquisitionError{URL: rawURL, Cause: err}
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, &AcquisitionError{URL: rawURL, Cause: err}
	}
	return n, nil
}

// Cleanup removes transient files unconditionally. Missing files are fine:
// cleanup runs on every exit path, including ones that never created a file.
func (f *Fetcher) Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			f.log.Warn().Str("path", p).Err(err).Msg("failed to remove transient file")
		}
	}
}

func (f *Fetcher) backoffFor(attempt int) time.Duration {
	backoff := f.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			return f.cfg.MaxBackoff
		}
	}
	return backoff
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) && acqErr.StatusCode != 0 {
		for _, code := range retryStatusCodes {
			if acqErr.StatusCode == code {
				return true
			}
		}
		return false
	}
	return true
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// extensionFor derives a file extension from the variant MIME type, falling
// back to the conventional container per kind.
func extensionFor(v types.Variant, kind types.MediaKind) string {
	mimeType := v.MimeType
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	switch strings.TrimSpace(mimeType) {
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/webm":
		return ".weba"
	case "audio/mpeg":
		return ".mp3"
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	}
	if kind == types.KindAudio {
		return ".m4a"
	}
	return ".mp4"
}
