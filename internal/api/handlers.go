// Package api exposes the HTTP surface: uploads, job control, status reads,
// and the HLS proxy that fronts the object store.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Geetur/NextTube/internal/objectstore"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/storage"
	"github.com/Geetur/NextTube/internal/transcode"
)

type Handler struct {
	Store    storage.Repository
	Objects  objectstore.Gateway
	Queue    queue.Queue
	Producer *transcode.Producer
	Logger   *slog.Logger
}

func NewHandler(store storage.Repository, objects objectstore.Gateway, jobs queue.Queue, producer *transcode.Producer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Objects: objects, Queue: jobs, Producer: producer, Logger: logger}
}

// Health reports overall liveness plus per-dependency reachability, degraded
// rather than failing when one backend is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	dbOK := h.Store.Ping(r.Context()) == nil
	storeOK := h.Objects.Ping(r.Context()) == nil
	queueOK := h.Queue.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok":    true,
		"db":    dbOK,
		"store": storeOK,
		"queue": queueOK,
	})
}

// statusFromError maps the domain error taxonomy onto HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound) || errors.Is(err, objectstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transcode.ErrInvalidProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, objectstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
