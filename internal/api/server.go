// Package api exposes the HTTP surface: media delivery, record inspection and
// deletion, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/famomatic/ytrelay/internal/types"
	"github.com/famomatic/ytrelay/internal/videoid"
)

// Deliverer serves one media request end to end.
type Deliverer interface {
	Deliver(w http.ResponseWriter, r *http.Request, videoID string, kind types.MediaKind)
	RecordInfo(ctx context.Context, videoID string) (*types.MediaRecord, error)
}

// RecordAdmin is the maintenance surface for stored records.
type RecordAdmin interface {
	Delete(ctx context.Context, videoID string) error
	Count(ctx context.Context) (int64, error)
}

// Config tunes the HTTP layer.
type Config struct {
	// OwnerIDs may delete records. Empty disables the endpoint.
	OwnerIDs           []string
	RateLimitPerMinute int
}

// Server routes HTTP traffic to the delivery engine.
type Server struct {
	deliverer Deliverer
	records   RecordAdmin
	cfg       Config
	log       zerolog.Logger
	started   time.Time
}

func NewServer(deliverer Deliverer, records RecordAdmin, cfg Config, logger zerolog.Logger) *Server {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	return &Server{
		deliverer: deliverer,
		records:   records,
		cfg:       cfg,
		log:       logger,
		started:   time.Now(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))

	r.Get("/audio/{videoID}", s.handleMedia(types.KindAudio))
	r.Get("/video/{videoID}", s.handleMedia(types.KindVideo))
	r.Get("/info/{videoID}", s.handleInfo)
	r.Delete("/records/{videoID}", s.handleDelete)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleMedia(kind types.MediaKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := videoid.Normalize(chi.URLParam(r, "videoID"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid video id", chi.URLParam(r, "videoID"))
			return
		}
		s.deliverer.Deliver(w, r, id, kind)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id, err := videoid.Normalize(chi.URLParam(r, "videoID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid video id", chi.URLParam(r, "videoID"))
		return
	}

	rec, err := s.deliverer.RecordInfo(r.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found", id)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "lookup failed", id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"videoId":        rec.VideoID,
		"title":          rec.Title,
		"hasAudio":       rec.AudioFileID != "",
		"hasVideo":       rec.VideoFileID != "",
		"createdAt":      rec.CreatedAt,
		"lastAccessedAt": rec.LastAccessedAt,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.isOwner(r.Header.Get("X-Owner-ID")) {
		s.writeError(w, http.StatusForbidden, "not authorized", "")
		return
	}

	id, err := videoid.Normalize(chi.URLParam(r, "videoID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid video id", chi.URLParam(r, "videoID"))
		return
	}

	if err := s.records.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete failed", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "videoId": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.records.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "record store unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"records": count,
	})
}

func (s *Server) isOwner(id string) bool {
	if id == "" {
		return false
	}
	for _, owner := range s.cfg.OwnerIDs {
		if owner == id {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, videoID string) {
	writeJSON(w, status, map[string]string{
		"error":   message,
		"message": message,
		"videoId": videoID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
