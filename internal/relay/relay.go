// Package relay serves stored media back to heterogeneous clients, either by
// redirecting to a freshly resolved store URL or by proxying the byte stream,
// with one automatic delete-and-reacquire cycle when a stored handle has
// expired.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/metrics"
	"github.com/famomatic/ytrelay/internal/types"
)

// RecordStore is the record persistence surface the relay needs.
type RecordStore interface {
	Find(ctx context.Context, videoID string) (*types.MediaRecord, error)
	Delete(ctx context.Context, videoID string) error
	TouchLastAccess(ctx context.Context, videoID string) error
}

// Acquirer runs (or joins) the acquisition pipeline for a video ID.
type Acquirer interface {
	Acquire(ctx context.Context, videoID string) (*types.MediaRecord, error)
}

// Resolver turns a permanent handle into a short-lived direct URL.
type Resolver interface {
	Resolve(ctx context.Context, fileID string) (string, error)
}

// Config tunes relay behavior.
type Config struct {
	// StreamTimeout bounds one proxied transfer end to end. Long on purpose:
	// media payloads are large.
	StreamTimeout time.Duration
}

// Relay is the per-request delivery engine.
type Relay struct {
	records  RecordStore
	acquirer Acquirer
	resolver Resolver
	classify Classifier
	client   *http.Client
	cfg      Config
	log      zerolog.Logger
}

func New(records RecordStore, acquirer Acquirer, resolver Resolver, classify Classifier, client *http.Client, cfg Config, logger zerolog.Logger) *Relay {
	if classify == nil {
		classify = DefaultClassifier
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 2 * time.Minute
	}
	return &Relay{
		records:  records,
		acquirer: acquirer,
		resolver: resolver,
		classify: classify,
		client:   client,
		cfg:      cfg,
		log:      logger,
	}
}

// RecordInfo returns the persisted record for videoID or
// types.ErrRecordNotFound.
func (rl *Relay) RecordInfo(ctx context.Context, videoID string) (*types.MediaRecord, error) {
	rec, err := rl.records.Find(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: video=%s", types.ErrRecordNotFound, videoID)
	}
	return rec, nil
}

// Deliver serves the stored blob of the given kind for videoID. Browsers are
// redirected to a freshly resolved URL; programmatic callers get the bytes
// proxied. A stored handle found expired triggers exactly one
// delete-reacquire-retry cycle.
func (rl *Relay) Deliver(w http.ResponseWriter, r *http.Request, videoID string, kind types.MediaKind) {
	ctx := r.Context()
	caller := rl.classify(r)
	logger := rl.log.With().Str("video_id", videoID).Str("kind", string(kind)).
		Str("caller", caller.String()).Logger()

	rec, err := rl.records.Find(ctx, videoID)
	if err != nil {
		rl.fail(w, caller, videoID, http.StatusInternalServerError, "lookup failed", err, logger)
		return
	}
	if rec == nil {
		rec, err = rl.acquirer.Acquire(ctx, videoID)
		if err != nil {
			metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "acquire_error").Inc()
			rl.fail(w, caller, videoID, http.StatusInternalServerError, "failed to acquire this video", err, logger)
			return
		}
	}

	if caller == CallerProgrammatic {
		rl.deliverStream(w, r, rec, kind, caller, logger)
		return
	}
	rl.deliverRedirect(w, r, rec, kind, caller, logger)
}

func (rl *Relay) deliverStream(w http.ResponseWriter, r *http.Request, rec *types.MediaRecord, kind types.MediaKind, caller Caller, logger zerolog.Logger) {
	videoID := rec.VideoID

	err := rl.stream(w, r, rec, kind)
	if err == nil {
		metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "streamed").Inc()
		return
	}
	if !errors.Is(err, types.ErrHandleExpired) {
		rl.fail(w, caller, videoID, http.StatusInternalServerError, "stream failed", err, logger)
		return
	}

	rec, err = rl.reacquire(r.Context(), videoID, logger)
	if err != nil {
		rl.fail(w, caller, videoID, http.StatusInternalServerError, "file expired and reacquisition failed", err, logger)
		return
	}
	// One retry only: a second consecutive expiry is terminal for this
	// request, never a loop.
	if err := rl.stream(w, r, rec, kind); err != nil {
		result := "retry_error"
		if errors.Is(err, types.ErrHandleExpired) {
			result = "expired_twice"
		}
		metrics.Deliveries.WithLabelValues(string(kind), caller.String(), result).Inc()
		rl.fail(w, caller, videoID, http.StatusInternalServerError, "stream failed after reacquisition", err, logger)
		return
	}
	metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "streamed_after_retry").Inc()
}

func (rl *Relay) deliverRedirect(w http.ResponseWriter, r *http.Request, rec *types.MediaRecord, kind types.MediaKind, caller Caller, logger zerolog.Logger) {
	ctx := r.Context()

	directURL, err := rl.resolver.Resolve(ctx, rec.FileID(kind))
	if err == nil {
		rl.redirect(w, r, rec, directURL)
		metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "redirected").Inc()
		return
	}

	if errors.Is(err, types.ErrHandleExpired) {
		videoID := rec.VideoID
		rec, err = rl.reacquire(ctx, videoID, logger)
		if err != nil {
			rl.fail(w, caller, videoID, http.StatusInternalServerError, "file expired and reacquisition failed", err, logger)
			return
		}
		directURL, err = rl.resolver.Resolve(ctx, rec.FileID(kind))
		if err != nil {
			rl.fail(w, caller, rec.VideoID, http.StatusInternalServerError, "resolve failed after reacquisition", err, logger)
			return
		}
		rl.redirect(w, r, rec, directURL)
		metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "redirected_after_retry").Inc()
		return
	}

	// Ambiguous resolve failure: partial delivery beats a hard error when the
	// cause may be store-side flakiness, so fall back to proxying.
	logger.Warn().Err(err).Msg("redirect resolution failed, falling back to streaming")
	if streamErr := rl.stream(w, r, rec, kind); streamErr != nil {
		rl.fail(w, caller, rec.VideoID, http.StatusInternalServerError, "fallback stream failed", streamErr, logger)
		return
	}
	metrics.Deliveries.WithLabelValues(string(kind), caller.String(), "stream_fallback").Inc()
}

// reacquire deletes the stale record and runs the pipeline again.
func (rl *Relay) reacquire(ctx context.Context, videoID string, logger zerolog.Logger) (*types.MediaRecord, error) {
	metrics.ExpiredRetries.Inc()
	logger.Warn().Msg("stored handle expired, deleting record and reacquiring")
	if err := rl.records.Delete(ctx, videoID); err != nil {
		return nil, err
	}
	return rl.acquirer.Acquire(ctx, videoID)
}

// stream proxies the resolved blob to the client. The upstream fetch uses the
// request context, so a client hanging up aborts the transfer.
func (rl *Relay) stream(w http.ResponseWriter, r *http.Request, rec *types.MediaRecord, kind types.MediaKind) error {
	ctx, cancel := context.WithTimeout(r.Context(), rl.cfg.StreamTimeout)
	defer cancel()

	directURL, err := rl.resolver.Resolve(ctx, rec.FileID(kind))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directURL, nil)
	if err != nil {
		return err
	}
	resp, err := rl.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream fetch status=%d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "inline")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(http.StatusOK)

	// Bytes are flowing: this delivery counts as an access exactly once.
	if err := rl.records.TouchLastAccess(r.Context(), rec.VideoID); err != nil {
		rl.log.Warn().Str("video_id", rec.VideoID).Err(err).Msg("failed to touch last access")
	}

	n, err := io.Copy(w, resp.Body)
	metrics.ProxiedBytes.Add(float64(n))
	if err != nil {
		// Headers are out and the body is mid-flight; terminating the
		// connection is the only honest failure mode left.
		rl.log.Warn().Err(err).Int64("bytes", n).Msg("stream aborted mid-flight")
		panic(http.ErrAbortHandler)
	}
	return nil
}

func (rl *Relay) redirect(w http.ResponseWriter, r *http.Request, rec *types.MediaRecord, directURL string) {
	http.Redirect(w, r, directURL, http.StatusFound)
	if err := rl.records.TouchLastAccess(r.Context(), rec.VideoID); err != nil {
		rl.log.Warn().Str("video_id", rec.VideoID).Err(err).Msg("failed to touch last access")
	}
}

func (rl *Relay) fail(w http.ResponseWriter, caller Caller, videoID string, status int, message string, err error, logger zerolog.Logger) {
	logger.Error().Err(err).Msg(message)
	writeError(w, status, message, videoID, err)
}

// writeError reports the identifier and a human-readable cause. If headers
// already went out the connection is terminated instead; a JSON body glued to
// a half-sent stream would only corrupt it.
func writeError(w http.ResponseWriter, status int, message, videoID string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"message": fmt.Sprintf("%s: %v", message, err),
		"videoId": videoID,
	})
}
