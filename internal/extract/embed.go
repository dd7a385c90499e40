package extract

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

var setConfigPattern = regexp.MustCompile(`(?s)yt\.setConfig\((\{.+?\})\);`)

// embedPage fetches the lighter embedded-player page. It never yields
// variants, only a title and thumbnail for metadata continuity when the
// watch-page scrape fails to parse.
type embedPage struct {
	client    *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
}

func (e *embedPage) Name() string { return "embed-page" }

func (e *embedPage) Extract(ctx context.Context, videoID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/embed/"+url.PathEscape(videoID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Method: e.Name(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	m := setConfigPattern.FindSubmatch(body)
	if len(m) != 2 {
		return nil, nil
	}
	var config struct {
		VideoInfo string `json:"VIDEO_INFO"`
	}
	if err := json.Unmarshal(m[1], &config); err != nil || config.VideoInfo == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(config.VideoInfo)
	if err != nil {
		return nil, nil
	}
	title := values.Get("title")
	if title == "" {
		title = "YouTube Video"
	}

	return &Result{
		VideoID:   videoID,
		Title:     title,
		Thumbnail: thumbnailURL(videoID),
		Source:    e.Name(),
	}, nil
}
