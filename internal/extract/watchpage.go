package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/famomatic/ytrelay/internal/types"
)

// playerResponsePatterns match the embedded player-configuration blob. The
// page markup varies between rollouts, so several shapes are tried in order.
var playerResponsePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)ytInitialPlayerResponse\s*=\s*(\{.+?\});\s*var`),
	regexp.MustCompile(`(?s)var ytInitialPlayerResponse = (\{.+?\});</script>`),
	regexp.MustCompile(`(?s)window\["ytInitialPlayerResponse"\] = (\{.+?\});</script>`),
}

var titlePattern = regexp.MustCompile(`<title>([^<]*)</title>`)

// watchPage scrapes the canonical watch page for the player-configuration
// JSON and normalizes its combined and adaptive format groups.
type watchPage struct {
	client    *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
}

func (w *watchPage) Name() string { return "watch-page" }

func (w *watchPage) Extract(ctx context.Context, videoID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/watch?v="+url.QueryEscape(videoID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Method: w.Name(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	html := string(body)

	title := "YouTube Video"
	if m := titlePattern.FindStringSubmatch(html); len(m) == 2 {
		title = strings.TrimSpace(strings.TrimSuffix(m[1], " - YouTube"))
	}

	for _, pattern := range playerResponsePatterns {
		m := pattern.FindStringSubmatch(html)
		if len(m) != 2 {
			continue
		}
		var player playerResponse
		if err := json.Unmarshal([]byte(m[1]), &player); err != nil {
			continue
		}
		res := w.normalize(&player, videoID, title)
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (w *watchPage) normalize(player *playerResponse, videoID, pageTitle string) *Result {
	var variants []types.Variant

	for _, f := range player.StreamingData.Formats {
		v, ok := normalizeFormat(f, true)
		if !ok {
			continue
		}
		variants = append(variants, v)
	}
	for _, f := range player.StreamingData.AdaptiveFormats {
		v, ok := normalizeFormat(f, false)
		if !ok {
			continue
		}
		variants = append(variants, v)
	}

	if len(variants) == 0 {
		return nil
	}

	title := player.VideoDetails.Title
	if title == "" {
		title = pageTitle
	}
	return &Result{
		VideoID:     videoID,
		Title:       title,
		Author:      player.VideoDetails.Author,
		Thumbnail:   thumbnailURL(videoID),
		DurationSec: parseIntString(player.VideoDetails.LengthSeconds),
		Variants:    variants,
		Source:      w.Name(),
	}
}

// normalizeFormat maps one raw player format to a Variant. Combined entries
// carry audio and video together; adaptive entries carry exactly one track,
// inferred from the MIME type.
func normalizeFormat(f playerFormat, combined bool) (types.Variant, bool) {
	streamURL := f.URL
	if streamURL == "" && f.SignatureCipher != "" {
		// The cipher indirection sub-encodes the transport URL as a query
		// parameter. No cipher execution here: an entry whose URL cannot be
		// pulled out this way is simply unresolved.
		if params, err := url.ParseQuery(f.SignatureCipher); err == nil {
			streamURL = params.Get("url")
		}
	}
	if streamURL == "" {
		return types.Variant{}, false
	}

	isAudio := strings.Contains(f.MimeType, "audio")
	quality := f.QualityLabel
	if quality == "" {
		switch {
		case combined && f.Height > 0:
			quality = fmt.Sprintf("%dp", f.Height)
		case !combined && isAudio:
			quality = "audio"
		default:
			quality = "unknown"
		}
	}
	mimeType := f.MimeType
	if mimeType == "" {
		if isAudio {
			mimeType = "audio/mp4"
		} else {
			mimeType = "video/mp4"
		}
	}

	v := types.Variant{
		Quality:  quality,
		URL:      streamURL,
		MimeType: mimeType,
		Width:    f.Width,
		Height:   f.Height,
		FPS:      f.FPS,
		Bitrate:  f.Bitrate,
	}
	if combined {
		v.HasAudio = true
		v.HasVideo = true
	} else {
		v.HasAudio = isAudio
		v.HasVideo = !isAudio
	}
	return v, true
}

type playerResponse struct {
	StreamingData struct {
		Formats         []playerFormat `json:"formats"`
		AdaptiveFormats []playerFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		LengthSeconds string `json:"lengthSeconds"`
	} `json:"videoDetails"`
}

type playerFormat struct {
	Itag            int    `json:"itag"`
	URL             string `json:"url"`
	SignatureCipher string `json:"signatureCipher"`
	MimeType        string `json:"mimeType"`
	QualityLabel    string `json:"qualityLabel"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	FPS             int    `json:"fps"`
	Bitrate         int    `json:"bitrate"`
	AudioQuality    string `json:"audioQuality"`
}

func parseIntString(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
