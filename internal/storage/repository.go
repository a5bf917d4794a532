// Package storage provides the metadata store for videos, transcode jobs, and
// renditions. Two drivers implement the Repository contract: an in-memory
// store for tests and single-node development, and a Postgres store backed by
// pgx for production deployments.
package storage

import (
	"context"
	"errors"

	"github.com/Geetur/NextTube/internal/models"
)

// ErrNotFound is returned when a referenced video, job, or rendition does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned when a status update would violate the
// monotone job or rendition lifecycle.
var ErrStateConflict = errors.New("status transition conflict")

// CreateVideoParams describes an accepted upload. ID is generated when empty.
type CreateVideoParams struct {
	ID  string
	Key string
}

// CreateJobParams describes a transcode request: one job row plus one
// rendition row per requested height, created atomically.
type CreateJobParams struct {
	JobID   string
	VideoID string
	Heights []int
}

// JobSnapshot is the coherent read model exposed to status queries: the job
// alongside every rendition of its video, ordered ascending by height.
type JobSnapshot struct {
	Job        models.Job         `json:"job"`
	Renditions []models.Rendition `json:"renditions"`
}

// Repository exposes the datastore operations required by the API handlers,
// the job producer, and the transcode worker. Status transitions are
// validated against the monotone lifecycle; violations surface as
// ErrStateConflict. A rendition is never observable as ready without its
// playlist key.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, limit int) ([]models.Video, error)

	CreateTranscodeJob(ctx context.Context, params CreateJobParams) (models.Job, []models.Rendition, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	JobSnapshot(ctx context.Context, id string) (JobSnapshot, error)
	LatestJobForVideo(ctx context.Context, videoID string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) (models.Job, error)

	MarkRenditionRunning(ctx context.Context, videoID string, height int) (models.Rendition, error)
	CompleteRendition(ctx context.Context, videoID string, height int, key string) (models.Rendition, error)
	FailRendition(ctx context.Context, videoID string, height int, cause string) (models.Rendition, error)
	ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error)

	Close(ctx context.Context) error
}
