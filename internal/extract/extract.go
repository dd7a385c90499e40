// Package extract resolves playable stream variants for a video ID against
// an unreliable, frequently-changing upstream. Methods are tried in fixed
// priority order; the first one yielding a playable variant wins.
package extract

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/types"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultMirrorInstances are the fallback mirror API hosts tried in order.
var DefaultMirrorInstances = []string{
	"https://invidious.snopyta.org",
	"https://yewtu.be",
	"https://invidiou.site",
}

// Result is the normalized outcome of one extraction method.
type Result struct {
	VideoID     string
	Title       string
	Author      string
	Thumbnail   string
	DurationSec int
	Variants    []types.Variant
	Source      string
}

// Method is one extraction strategy. A method may return metadata with an
// empty variant list; the pipeline keeps it for title continuity only.
type Method interface {
	Name() string
	Extract(ctx context.Context, videoID string) (*Result, error)
}

// Config controls pipeline construction.
type Config struct {
	// BaseURL overrides the watch/embed/oembed host (tests). Default is
	// https://www.youtube.com.
	BaseURL string
	// MirrorInstances overrides the mirror API hosts tried last.
	MirrorInstances []string
	// UserAgent overrides the browser User-Agent sent upstream.
	UserAgent string
	// AttemptTimeout bounds each method attempt. Short on purpose: a stuck
	// upstream should fail over to the next method quickly.
	AttemptTimeout time.Duration
}

// Pipeline runs the ordered method chain. Each method bounds its own network
// attempts; the pipeline itself adds no extra deadline.
type Pipeline struct {
	methods []Method
	log     zerolog.Logger
}

// NewPipeline builds the default four-method chain: watch-page scrape,
// embed-page fetch, oEmbed lookup, mirror API.
func NewPipeline(client *http.Client, cfg Config, logger zerolog.Logger) *Pipeline {
	base := cfg.BaseURL
	if base == "" {
		base = "https://www.youtube.com"
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}
	instances := cfg.MirrorInstances
	if len(instances) == 0 {
		instances = DefaultMirrorInstances
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pipeline{
		methods: []Method{
			&watchPage{client: client, baseURL: base, userAgent: agent, timeout: timeout},
			&embedPage{client: client, baseURL: base, userAgent: agent, timeout: timeout},
			&oEmbed{client: client, baseURL: base, userAgent: agent, timeout: timeout},
			&mirrorAPI{client: client, instances: instances, userAgent: agent, timeout: timeout},
		},
		log: logger,
	}
}

// NewPipelineWithMethods builds a pipeline over an explicit method chain.
func NewPipelineWithMethods(methods []Method, logger zerolog.Logger) *Pipeline {
	return &Pipeline{methods: methods, log: logger}
}

// Extract tries each method in order and returns the first result carrying at
// least one playable variant. Metadata-only results (embed page, oEmbed) do
// not satisfy extraction but their title backfills a winner that lacks one.
func (p *Pipeline) Extract(ctx context.Context, videoID string) (*Result, error) {
	var meta *Result
	var attempts []AttemptError

	for _, m := range p.methods {
		res, err := m.Extract(ctx, videoID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn().Str("method", m.Name()).Str("video_id", videoID).Err(err).
				Msg("extraction method failed")
			attempts = append(attempts, AttemptError{Method: m.Name(), Err: err})
			continue
		}
		if res == nil {
			continue
		}

		playable := playableVariants(res.Variants)
		if len(playable) > 0 {
			res.Variants = playable
			if res.Title == "" && meta != nil {
				res.Title = meta.Title
			}
			p.log.Info().Str("method", m.Name()).Str("video_id", videoID).
				Int("variants", len(playable)).Msg("extraction succeeded")
			return res, nil
		}
		if meta == nil && res.Title != "" {
			meta = res
		}
	}

	return nil, &ExhaustedError{VideoID: videoID, Attempts: attempts}
}

func playableVariants(variants []types.Variant) []types.Variant {
	var out []types.Variant
	for _, v := range variants {
		if v.Playable() {
			out = append(out, v)
		}
	}
	return out
}

func thumbnailURL(videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/maxresdefault.jpg"
}
