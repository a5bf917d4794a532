package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Geetur/NextTube/internal/models"
)

type createJobRequest struct {
	VideoID  string `json:"videoId"`
	Profiles []int  `json:"profiles"`
}

type jobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type jobDetailResponse struct {
	Job        models.Job         `json:"job"`
	Renditions []models.Rendition `json:"renditions"`
}

// Jobs handles POST /api/jobs/transcode.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.VideoID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("videoId is required"))
		return
	}

	job, _, err := h.Producer.CreateJob(r.Context(), req.VideoID, req.Profiles)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: string(job.Status)})
}

// JobByID handles GET /api/jobs/{id}.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}

	snapshot, err := h.Store.JobSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{Job: snapshot.Job, Renditions: snapshot.Renditions})
}
