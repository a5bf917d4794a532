package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Geetur/NextTube/internal/models"
	"github.com/Geetur/NextTube/internal/objectstore"
)

type videoSummaryResponse struct {
	ID         string             `json:"id"`
	SourceKey  string             `json:"sourceKey"`
	CreatedAt  string             `json:"createdAt"`
	Renditions []models.Rendition `json:"renditions"`
}

// Videos handles GET /api/videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	videos, err := h.Store.ListVideos(r.Context(), limit)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, videos)
}

// VideoByID routes /api/videos/{id}/summary, /api/videos/{id}/playlist, and
// /api/videos/{id}/hls/{asset...}.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("video not found"))
		return
	}
	videoID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "summary":
		h.videoSummary(w, r, videoID)
	case sub == "playlist":
		h.masterPlaylist(w, r, videoID)
	case strings.HasPrefix(sub, "hls/"):
		h.hlsAsset(w, r, videoID, strings.TrimPrefix(sub, "hls/"))
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (h *Handler) videoSummary(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	video, err := h.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	renditions, err := h.Store.ListRenditions(r.Context(), videoID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	if renditions == nil {
		renditions = []models.Rendition{}
	}
	writeJSON(w, http.StatusOK, videoSummaryResponse{
		ID:         video.ID,
		SourceKey:  video.Key,
		CreatedAt:  video.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Renditions: renditions,
	})
}

// masterPlaylist proxies the master manifest once the latest job finished
// with at least one ready rendition. Until then it answers 409 so players
// can distinguish "not yet" from "never existed".
func (h *Handler) masterPlaylist(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if _, err := h.Store.GetVideo(r.Context(), videoID); err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	job, err := h.Store.LatestJobForVideo(r.Context(), videoID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	switch job.Status {
	case models.JobDone:
	case models.JobFailed:
		writeError(w, http.StatusConflict, fmt.Errorf("transcode failed: %s", job.Error))
		return
	default:
		writeError(w, http.StatusConflict, fmt.Errorf("transcode %s", job.Status))
		return
	}

	key := objectstore.MasterKey(videoID)
	h.streamObject(w, r, key, "public, max-age=60")
}

func (h *Handler) hlsAsset(w http.ResponseWriter, r *http.Request, videoID, asset string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if asset == "" || strings.Contains(asset, "..") {
		writeError(w, http.StatusBadRequest, errors.New("invalid asset path"))
		return
	}
	key := fmt.Sprintf("HLS/%s/%s", videoID, asset)
	h.streamObject(w, r, key, "public, max-age=3600")
}

func (h *Handler) streamObject(w http.ResponseWriter, r *http.Request, key, cacheControl string) {
	reader, err := h.Objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", objectstore.ContentTypeForKey(key))
	w.Header().Set("Cache-Control", cacheControl)
	if _, err := io.Copy(w, reader); err != nil {
		h.Logger.Warn("object stream aborted", "key", key, "error", err)
	}
}
