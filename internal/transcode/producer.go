package transcode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Geetur/NextTube/internal/models"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/storage"
)

// Producer validates transcode requests, writes the initial job and
// rendition rows, and hands the descriptor to the queue. The enqueue happens
// only after the rows are committed so a worker never sees a descriptor with
// no backing state.
type Producer struct {
	repo   storage.Repository
	queue  queue.Queue
	ladder Ladder
	logger *slog.Logger
}

func NewProducer(repo storage.Repository, q queue.Queue, ladder Ladder, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{repo: repo, queue: q, ladder: ladder, logger: logger}
}

// CreateJob accepts a transcode request for a known video. An empty height
// set requests the full ladder.
func (p *Producer) CreateJob(ctx context.Context, videoID string, heights []int) (models.Job, []models.Rendition, error) {
	profiles, err := p.ladder.Resolve(heights)
	if err != nil {
		return models.Job{}, nil, err
	}
	if _, err := p.repo.GetVideo(ctx, videoID); err != nil {
		return models.Job{}, nil, err
	}

	resolved := make([]int, len(profiles))
	for i, profile := range profiles {
		resolved[i] = profile.Height
	}
	job, renditions, err := p.repo.CreateTranscodeJob(ctx, storage.CreateJobParams{
		VideoID: videoID,
		Heights: resolved,
	})
	if err != nil {
		return models.Job{}, nil, err
	}

	descriptor := queue.Descriptor{JobID: job.ID, VideoID: videoID, Profiles: resolved}
	if err := p.queue.Enqueue(ctx, descriptor); err != nil {
		// The rows exist but no worker will ever see them; fail the job so
		// status reads do not report queued forever.
		if _, failErr := p.repo.UpdateJobStatus(ctx, job.ID, models.JobFailed, "enqueue failed: "+err.Error()); failErr != nil {
			p.logger.Error("failed to mark unenqueued job failed", "jobID", job.ID, "error", failErr)
		}
		return models.Job{}, nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	p.logger.Info("transcode job enqueued", "jobID", job.ID, "videoID", videoID, "profiles", resolved)
	return job, renditions, nil
}
