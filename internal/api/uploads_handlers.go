package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/Geetur/NextTube/internal/storage"
)

// maxUploadBytes caps one multipart upload.
const maxUploadBytes = 2 << 30

type uploadResponse struct {
	VideoID string `json:"videoId"`
	Key     string `json:"key"`
}

// Upload accepts a multipart source file, stores it under source/, and
// records the video row. The object lands before the row so a committed
// video always has media behind its key.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q is required", "file"))
		return
	}
	defer file.Close()
	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty file"))
		return
	}

	videoID := uuid.NewString()
	ext := strings.ToLower(path.Ext(header.Filename))
	if ext == "" {
		ext = ".mp4"
	}
	key := fmt.Sprintf("source/%s%s", videoID, ext)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.Objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		h.Logger.Error("source upload failed", "key", key, "error", err)
		writeError(w, statusFromError(err), errors.New("failed to store upload"))
		return
	}

	video, err := h.Store.CreateVideo(r.Context(), storage.CreateVideoParams{ID: videoID, Key: key})
	if err != nil {
		h.Logger.Error("video row create failed", "videoID", videoID, "error", err)
		writeError(w, statusFromError(err), errors.New("failed to record upload"))
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{VideoID: video.ID, Key: video.Key})
}
