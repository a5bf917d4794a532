package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Geetur/NextTube/internal/models"
)

func seedVideoAndJob(t *testing.T, repo *MemoryRepository, heights []int) (models.Video, models.Job, []models.Rendition) {
	t.Helper()
	ctx := context.Background()
	video, err := repo.CreateVideo(ctx, CreateVideoParams{Key: "source/demo.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	job, renditions, err := repo.CreateTranscodeJob(ctx, CreateJobParams{VideoID: video.ID, Heights: heights})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return video, job, renditions
}

func TestCreateTranscodeJobSeedsQueuedRenditions(t *testing.T) {
	repo := NewMemoryRepository()
	_, job, renditions := seedVideoAndJob(t, repo, []int{720, 240, 480})

	if job.Status != models.JobQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}
	if len(renditions) != 3 {
		t.Fatalf("expected 3 renditions, got %d", len(renditions))
	}
	for i, want := range []int{240, 480, 720} {
		if renditions[i].Height != want {
			t.Fatalf("rendition %d height = %d, want %d", i, renditions[i].Height, want)
		}
		if renditions[i].Status != models.RenditionQueued {
			t.Fatalf("rendition %d status = %s, want queued", i, renditions[i].Status)
		}
	}
}

func TestCreateTranscodeJobUnknownVideo(t *testing.T) {
	repo := NewMemoryRepository()
	_, _, err := repo.CreateTranscodeJob(context.Background(), CreateJobParams{VideoID: "missing", Heights: []int{480}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStatusTransitionsAreMonotone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, job, _ := seedVideoAndJob(t, repo, []int{480})

	if _, err := repo.UpdateJobStatus(ctx, job.ID, models.JobRunning, ""); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	if _, err := repo.UpdateJobStatus(ctx, job.ID, models.JobDone, ""); err != nil {
		t.Fatalf("running -> done: %v", err)
	}
	if _, err := repo.UpdateJobStatus(ctx, job.ID, models.JobRunning, ""); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("done -> running should conflict, got %v", err)
	}
	if _, err := repo.UpdateJobStatus(ctx, job.ID, models.JobFailed, "late"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("done -> failed should conflict, got %v", err)
	}
}

func TestSameStatusUpdateIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, job, _ := seedVideoAndJob(t, repo, []int{480})

	if _, err := repo.UpdateJobStatus(ctx, job.ID, models.JobRunning, ""); err != nil {
		t.Fatalf("first running: %v", err)
	}
	got, err := repo.UpdateJobStatus(ctx, job.ID, models.JobRunning, "")
	if err != nil {
		t.Fatalf("repeat running should be a no-op, got %v", err)
	}
	if got.Status != models.JobRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestCompleteRenditionRequiresKey(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video, _, _ := seedVideoAndJob(t, repo, []int{480})

	if _, err := repo.MarkRenditionRunning(ctx, video.ID, 480); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := repo.CompleteRendition(ctx, video.ID, 480, ""); err == nil {
		t.Fatal("expected error for empty key")
	}
	got, err := repo.CompleteRendition(ctx, video.ID, 480, "HLS/"+video.ID+"/480/index.m3u8")
	if err != nil {
		t.Fatalf("complete rendition: %v", err)
	}
	if got.Status != models.RenditionReady || got.Key == "" {
		t.Fatalf("ready rendition must carry its key, got %+v", got)
	}
}

func TestRenditionTerminalStatesAreSticky(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video, _, _ := seedVideoAndJob(t, repo, []int{720})

	if _, err := repo.MarkRenditionRunning(ctx, video.ID, 720); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := repo.FailRendition(ctx, video.ID, 720, "encoder exit 1"); err != nil {
		t.Fatalf("fail rendition: %v", err)
	}
	if _, err := repo.MarkRenditionRunning(ctx, video.ID, 720); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("failed -> running should conflict, got %v", err)
	}
	if _, err := repo.CompleteRendition(ctx, video.ID, 720, "HLS/x/720/index.m3u8"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("failed -> ready should conflict, got %v", err)
	}
}

func TestNewJobResetsRenditionLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video, _, _ := seedVideoAndJob(t, repo, []int{480})

	if _, err := repo.MarkRenditionRunning(ctx, video.ID, 480); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := repo.FailRendition(ctx, video.ID, 480, "boom"); err != nil {
		t.Fatalf("fail rendition: %v", err)
	}

	_, renditions, err := repo.CreateTranscodeJob(ctx, CreateJobParams{VideoID: video.ID, Heights: []int{480}})
	if err != nil {
		t.Fatalf("second job: %v", err)
	}
	if renditions[0].Status != models.RenditionQueued {
		t.Fatalf("retried rendition status = %s, want queued", renditions[0].Status)
	}
	if renditions[0].Error != "" {
		t.Fatalf("retried rendition should drop the old error, got %q", renditions[0].Error)
	}
}

func TestJobSnapshotIncludesRenditions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video, job, _ := seedVideoAndJob(t, repo, []int{240, 720})

	if _, err := repo.MarkRenditionRunning(ctx, video.ID, 240); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	snapshot, err := repo.JobSnapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Job.ID != job.ID {
		t.Fatalf("snapshot job = %s, want %s", snapshot.Job.ID, job.ID)
	}
	if len(snapshot.Renditions) != 2 {
		t.Fatalf("expected 2 renditions, got %d", len(snapshot.Renditions))
	}
	if snapshot.Renditions[0].Height != 240 || snapshot.Renditions[1].Height != 720 {
		t.Fatalf("renditions out of order: %+v", snapshot.Renditions)
	}
}

func TestLatestJobForVideoPrefersNewest(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video, first, _ := seedVideoAndJob(t, repo, []int{480})

	second, _, err := repo.CreateTranscodeJob(ctx, CreateJobParams{VideoID: video.ID, Heights: []int{480}})
	if err != nil {
		t.Fatalf("second job: %v", err)
	}
	latest, err := repo.LatestJobForVideo(ctx, video.ID)
	if err != nil {
		t.Fatalf("latest job: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest = %s, want %s (not %s)", latest.ID, second.ID, first.ID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
