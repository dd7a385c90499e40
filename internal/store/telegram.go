// Package store adapts the Telegram Bot API into durable blob storage.
// Uploading a file to a channel yields a permanent file_id; getFile resolves
// that handle into a short-lived direct download URL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/types"
)

// DefaultMaxUploadBytes is the bot API hard ceiling for uploaded files.
const DefaultMaxUploadBytes = 50 * 1024 * 1024

// expiredPhrases is the store's (undocumented) error vocabulary for handles
// that are permanently gone. Anything not matching is treated conservatively
// as a generic resolve failure, never as expiry.
var expiredPhrases = []string{
	"wrong file_id",
	"wrong file identifier",
	"temporarily unavailable",
}

// UploadError indicates a transport-level upload failure.
type UploadError struct {
	Kind        types.MediaKind
	Description string
	Cause       error
}

func (e *UploadError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upload %s failed: %s", e.Kind, e.Description)
	}
	return fmt.Sprintf("upload %s failed: %v", e.Kind, e.Cause)
}

func (e *UploadError) Unwrap() error { return e.Cause }

// ResolveError indicates a handle resolution failure that is not expiry.
type ResolveError struct {
	Description string
	Cause       error
}

func (e *ResolveError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("resolve failed: %s", e.Description)
	}
	return fmt.Sprintf("resolve failed: %v", e.Cause)
}

func (e *ResolveError) Unwrap() error { return e.Cause }

// Config configures the Telegram store adapter.
type Config struct {
	Token          string
	AudioChannelID string
	VideoChannelID string
	// APIBaseURL overrides the bot API host (tests). Default is
	// https://api.telegram.org.
	APIBaseURL     string
	MaxUploadBytes int64
}

// Telegram is the durable store adapter.
type Telegram struct {
	client  *http.Client
	cfg     Config
	baseURL string
	log     zerolog.Logger
}

func NewTelegram(client *http.Client, cfg Config, logger zerolog.Logger) *Telegram {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Telegram{client: client, cfg: cfg, baseURL: strings.TrimRight(base, "/"), log: logger}
}

// Upload sends the local file to the per-kind channel and returns the
// permanent file_id. Payloads over the size ceiling fail with
// types.ErrUploadTooLarge; the run must not degrade quality silently.
func (t *Telegram) Upload(ctx context.Context, localPath string, kind types.MediaKind, title string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", &UploadError{Kind: kind, Cause: err}
	}
	if info.Size() > t.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d byte ceiling", types.ErrUploadTooLarge, info.Size(), t.cfg.MaxUploadBytes)
	}

	method, field, channel := "sendAudio", "audio", t.cfg.AudioChannelID
	if kind == types.KindVideo {
		method, field, channel = "sendVideo", "video", t.cfg.VideoChannelID
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Kind: kind, Cause: err}
	}
	defer file.Close()

	sanitized := SanitizeFilename(title)
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(form, file, field, channel, sanitized, filepath.Ext(localPath), kind)
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), pr)
	if err != nil {
		return "", &UploadError{Kind: kind, Cause: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &UploadError{Kind: kind, Cause: err}
	}
	defer resp.Body.Close()

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &UploadError{Kind: kind, Cause: err}
	}
	if !payload.OK {
		return "", &UploadError{Kind: kind, Description: payload.Description}
	}

	fileID := payload.Result.Audio.FileID
	if kind == types.KindVideo {
		fileID = payload.Result.Video.FileID
	}
	// Some uploads come back reclassified (e.g. audio stored as a document).
	if fileID == "" {
		fileID = payload.Result.Document.FileID
	}
	if fileID == "" {
		return "", &UploadError{Kind: kind, Description: "response carried no file_id"}
	}

	t.log.Info().Str("kind", string(kind)).Str("title", sanitized).
		Int64("bytes", info.Size()).Msg("uploaded blob to channel")
	return fileID, nil
}

// Resolve asks the store for a short-lived direct URL for the handle.
// Expired handles are detected by message-text matching and surface as
// types.ErrHandleExpired; everything else is a generic *ResolveError.
func (t *Telegram) Resolve(ctx context.Context, fileID string) (string, error) {
	if fileID == "" {
		return "", &ResolveError{Description: "empty file_id"}
	}

	endpoint := t.methodURL("getFile") + "?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &ResolveError{Cause: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &ResolveError{Cause: err}
	}
	defer resp.Body.Close()

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &ResolveError{Cause: err}
	}
	if !payload.OK {
		if isExpiredDescription(payload.Description) {
			return "", fmt.Errorf("%w: %s", types.ErrHandleExpired, payload.Description)
		}
		return "", &ResolveError{Description: payload.Description}
	}
	if payload.Result.FilePath == "" {
		return "", &ResolveError{Description: "response carried no file_path"}
	}

	return t.baseURL + "/file/bot" + t.cfg.Token + "/" + payload.Result.FilePath, nil
}

func (t *Telegram) methodURL(method string) string {
	return t.baseURL + "/bot" + t.cfg.Token + "/" + method
}

func isExpiredDescription(description string) bool {
	lowered := strings.ToLower(description)
	for _, phrase := range expiredPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func writeUploadForm(form *multipart.Writer, file *os.File, field, channel, title, ext string, kind types.MediaKind) error {
	if err := form.WriteField("chat_id", channel); err != nil {
		return err
	}
	if kind == types.KindAudio {
		if err := form.WriteField("title", title); err != nil {
			return err
		}
		if err := form.WriteField("performer", "YouTube"); err != nil {
			return err
		}
	} else {
		if err := form.WriteField("caption", title); err != nil {
			return err
		}
		if err := form.WriteField("supports_streaming", "true"); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile(field, title+ext)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		FilePath string `json:"file_path"`
		Audio    struct {
			FileID string `json:"file_id"`
		} `json:"audio"`
		Video struct {
			FileID string `json:"file_id"`
		} `json:"video"`
		Document struct {
			FileID string `json:"file_id"`
		} `json:"document"`
	} `json:"result"`
}

var (
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	multiSpace     = regexp.MustCompile(`\s+`)
)

// SanitizeFilename strips characters the store rejects in filenames and caps
// the length.
func SanitizeFilename(title string) string {
	s := forbiddenChars.ReplaceAllString(title, "")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
