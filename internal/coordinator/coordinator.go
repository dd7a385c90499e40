// Package coordinator runs the acquisition pipeline at most once per video ID
// at a time. Concurrent callers for the same ID join the in-flight run.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/famomatic/ytrelay/internal/extract"
	"github.com/famomatic/ytrelay/internal/metrics"
	"github.com/famomatic/ytrelay/internal/selector"
	"github.com/famomatic/ytrelay/internal/types"
)

// Extractor resolves stream variants for a video ID.
type Extractor interface {
	Extract(ctx context.Context, videoID string) (*extract.Result, error)
}

// Fetcher lands variant bytes in transient local storage.
type Fetcher interface {
	FetchToLocal(ctx context.Context, v types.Variant, kind types.MediaKind) (string, error)
	Cleanup(paths ...string)
}

// BlobStore uploads local files into durable storage.
type BlobStore interface {
	Upload(ctx context.Context, localPath string, kind types.MediaKind, title string) (string, error)
}

// RecordStore is the subset of record persistence the coordinator needs.
type RecordStore interface {
	Find(ctx context.Context, videoID string) (*types.MediaRecord, error)
	Save(ctx context.Context, rec *types.MediaRecord) error
}

// Config tunes coordinator behavior.
type Config struct {
	// DownloadTimeout bounds each variant download. Long on purpose: media
	// payloads are large and the upstream is slow.
	DownloadTimeout time.Duration
}

// Coordinator deduplicates concurrent acquisition runs per video ID.
// Construct one per process and inject it; the in-flight table is
// process-local state, not a singleton.
type Coordinator struct {
	records   RecordStore
	extractor Extractor
	fetcher   Fetcher
	blobs     BlobStore
	cfg       Config
	flights   singleflight.Group
	log       zerolog.Logger
}

func New(records RecordStore, extractor Extractor, fetcher Fetcher, blobs BlobStore, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	return &Coordinator{
		records:   records,
		extractor: extractor,
		fetcher:   fetcher,
		blobs:     blobs,
		cfg:       cfg,
		log:       logger,
	}
}

// Acquire returns the persisted record for videoID, running the full
// extraction, acquisition and upload pipeline when no record exists.
// Concurrent callers share one run; its error fans out to every waiter and is
// never cached, so the next request starts fresh.
func (c *Coordinator) Acquire(ctx context.Context, videoID string) (*types.MediaRecord, error) {
	rec, err := c.records.Find(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	// The run is detached from the first caller's context: a waiter that
	// hangs up must not cancel the pipeline for everyone who joined it.
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := c.flights.Do(videoID, func() (any, error) {
		return c.run(runCtx, videoID)
	})
	if shared {
		metrics.CoalescedRequests.Inc()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return v.(*types.MediaRecord), nil
}

func (c *Coordinator) run(ctx context.Context, videoID string) (*types.MediaRecord, error) {
	// Re-check inside the flight: a caller that missed the store may have
	// queued behind a run that just persisted this ID.
	rec, err := c.records.Find(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	started := time.Now()
	c.log.Info().Str("video_id", videoID).Msg("starting acquisition pipeline")

	rec, err = c.pipeline(ctx, videoID)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(resultLabel(err)).Inc()
		c.log.Error().Str("video_id", videoID).Dur("elapsed", time.Since(started)).Err(err).
			Msg("acquisition pipeline failed")
		return nil, err
	}

	metrics.PipelineRuns.WithLabelValues("success").Inc()
	c.log.Info().Str("video_id", videoID).Str("title", rec.Title).
		Dur("elapsed", time.Since(started)).Msg("acquisition pipeline completed")
	return rec, nil
}

func (c *Coordinator) pipeline(ctx context.Context, videoID string) (*types.MediaRecord, error) {
	res, err := c.extractor.Extract(ctx, videoID)
	if err != nil {
		return nil, err
	}

	audioVariant, ok := selector.BestAudio(res.Variants)
	if !ok {
		return nil, fmt.Errorf("%w: no audio-bearing variant for video=%s", types.ErrNoUsableSource, videoID)
	}
	videoVariant, ok := selector.BestVideo(res.Variants)
	if !ok {
		return nil, fmt.Errorf("%w: no video-bearing variant for video=%s", types.ErrNoUsableSource, videoID)
	}

	// Both halves run as a structured join: either failure fails the run and
	// no partial record is ever persisted.
	var audioFileID, videoFileID string
	var audioPath, videoPath string
	defer func() {
		c.fetcher.Cleanup(audioPath, videoPath)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		audioPath, audioFileID, err = c.acquireAndUpload(gctx, audioVariant, types.KindAudio, res.Title)
		return err
	})
	g.Go(func() error {
		var err error
		videoPath, videoFileID, err = c.acquireAndUpload(gctx, videoVariant, types.KindVideo, res.Title)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rec := &types.MediaRecord{
		VideoID:     videoID,
		Title:       res.Title,
		AudioFileID: audioFileID,
		VideoFileID: videoFileID,
	}
	if err := c.records.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) acquireAndUpload(ctx context.Context, v types.Variant, kind types.MediaKind, title string) (path, fileID string, err error) {
	dlCtx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	path, err = c.fetcher.FetchToLocal(dlCtx, v, kind)
	if err != nil {
		return path, "", err
	}
	fileID, err = c.blobs.Upload(ctx, path, kind, title)
	if err != nil {
		return path, "", err
	}
	return path, fileID, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, types.ErrNoUsableSource):
		return "no_source"
	case errors.Is(err, types.ErrUploadTooLarge):
		return "too_large"
	default:
		return "error"
	}
}
