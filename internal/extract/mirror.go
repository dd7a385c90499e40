package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/famomatic/ytrelay/internal/types"
)

// mirrorAPI queries independent mirror instances in sequence, each with its
// own short timeout, until one responds with a variant list.
type mirrorAPI struct {
	client    *http.Client
	instances []string
	userAgent string
	timeout   time.Duration
}

func (m *mirrorAPI) Name() string { return "mirror-api" }

func (m *mirrorAPI) Extract(ctx context.Context, videoID string) (*Result, error) {
	var lastErr error
	for _, instance := range m.instances {
		res, err := m.tryInstance(ctx, instance, videoID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if res != nil && len(res.Variants) > 0 {
			return res, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

func (m *mirrorAPI) tryInstance(ctx context.Context, instance, videoID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	endpoint := strings.TrimRight(instance, "/") + "/api/v1/videos/" + url.PathEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Method: m.Name(), StatusCode: resp.StatusCode}
	}

	var payload mirrorVideo
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	var variants []types.Variant
	for _, s := range payload.FormatStreams {
		if s.URL == "" {
			continue
		}
		variants = append(variants, types.Variant{
			Quality:  firstNonEmpty(s.Quality, s.Resolution, "unknown"),
			URL:      s.URL,
			MimeType: firstNonEmpty(s.Type, "video/mp4"),
			Height:   heightFromLabel(firstNonEmpty(s.Resolution, s.Quality)),
			Bitrate:  int(s.Bitrate),
			HasAudio: true,
			HasVideo: true,
		})
	}
	for _, s := range payload.AdaptiveFormats {
		if s.URL == "" {
			continue
		}
		isAudio := strings.Contains(s.Type, "audio")
		quality := s.QualityLabel
		if quality == "" {
			if isAudio {
				quality = "audio"
			} else {
				quality = "unknown"
			}
		}
		variants = append(variants, types.Variant{
			Quality:  quality,
			URL:      s.URL,
			MimeType: firstNonEmpty(s.Type, "video/mp4"),
			Height:   heightFromLabel(s.QualityLabel),
			Bitrate:  int(s.Bitrate),
			HasAudio: isAudio,
			HasVideo: !isAudio,
		})
	}

	thumb := thumbnailURL(videoID)
	if len(payload.VideoThumbnails) > 0 && payload.VideoThumbnails[0].URL != "" {
		thumb = payload.VideoThumbnails[0].URL
	}
	return &Result{
		VideoID:     videoID,
		Title:       firstNonEmpty(payload.Title, "YouTube Video"),
		Author:      payload.Author,
		Thumbnail:   thumb,
		DurationSec: payload.LengthSeconds,
		Variants:    variants,
		Source:      m.Name(),
	}, nil
}

type mirrorVideo struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	LengthSeconds   int    `json:"lengthSeconds"`
	VideoThumbnails []struct {
		URL string `json:"url"`
	} `json:"videoThumbnails"`
	FormatStreams []struct {
		URL        string        `json:"url"`
		Quality    string        `json:"quality"`
		Resolution string        `json:"resolution"`
		Type       string        `json:"type"`
		Bitrate    mirrorBitrate `json:"bitrate"`
	} `json:"formatStreams"`
	AdaptiveFormats []struct {
		URL          string        `json:"url"`
		Type         string        `json:"type"`
		QualityLabel string        `json:"qualityLabel"`
		Bitrate      mirrorBitrate `json:"bitrate"`
	} `json:"adaptiveFormats"`
}

// mirrorBitrate tolerates both string and numeric bitrate encodings seen
// across mirror instances.
type mirrorBitrate int

func (b *mirrorBitrate) UnmarshalJSON(data []byte) error {
	v, err := strconv.Atoi(strings.Trim(string(data), `"`))
	if err != nil {
		*b = 0
		return nil
	}
	*b = mirrorBitrate(v)
	return nil
}

// heightFromLabel parses the leading digits of a label like "720p" or
// "720p60".
func heightFromLabel(label string) int {
	end := 0
	for end < len(label) && label[end] >= '0' && label[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	h, _ := strconv.Atoi(label[:end])
	return h
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
