package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// oEmbed is the last-resort metadata source. It contributes a title, author
// and thumbnail with an empty variant list, which is never sufficient to
// satisfy extraction on its own.
type oEmbed struct {
	client    *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
}

func (o *oEmbed) Name() string { return "oembed" }

func (o *oEmbed) Extract(ctx context.Context, videoID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	watchURL := o.baseURL + "/watch?v=" + videoID
	endpoint := o.baseURL + "/oembed?url=" + url.QueryEscape(watchURL) + "&format=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Method: o.Name(), StatusCode: resp.StatusCode}
	}

	var payload struct {
		Title        string `json:"title"`
		AuthorName   string `json:"author_name"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	title := payload.Title
	if title == "" {
		title = "YouTube Video"
	}
	thumb := payload.ThumbnailURL
	if thumb == "" {
		thumb = thumbnailURL(videoID)
	}

	return &Result{
		VideoID:   videoID,
		Title:     title,
		Author:    payload.AuthorName,
		Thumbnail: thumb,
		Source:    o.Name(),
	}, nil
}
