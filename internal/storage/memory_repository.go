package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Geetur/NextTube/internal/models"
)

// MemoryRepository keeps all metadata in process memory behind a RWMutex. It
// enforces the same lifecycle discipline as the Postgres driver so tests
// exercise identical semantics.
type MemoryRepository struct {
	mu         sync.RWMutex
	videos     map[string]models.Video
	jobs       map[string]models.Job
	renditions map[string]map[int]models.Rendition
	jobSeq     map[string]uint64
	seq        uint64
	now        func() time.Time
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		videos:     make(map[string]models.Video),
		jobs:       make(map[string]models.Job),
		renditions: make(map[string]map[int]models.Rendition),
		jobSeq:     make(map[string]uint64),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close(context.Context) error { return nil }

func (m *MemoryRepository) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	key := strings.TrimSpace(params.Key)
	if key == "" {
		return models.Video{}, fmt.Errorf("video key is required")
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.videos[id]; exists {
		return models.Video{}, fmt.Errorf("video %s already exists", id)
	}
	video := models.Video{ID: id, Key: key, CreatedAt: m.now()}
	m.videos[id] = video
	return video, nil
}

func (m *MemoryRepository) GetVideo(_ context.Context, id string) (models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return video, nil
}

func (m *MemoryRepository) ListVideos(_ context.Context, limit int) ([]models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	videos := make([]models.Video, 0, len(m.videos))
	for _, video := range m.videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID > videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	if limit > 0 && len(videos) > limit {
		videos = videos[:limit]
	}
	return videos, nil
}

func (m *MemoryRepository) CreateTranscodeJob(_ context.Context, params CreateJobParams) (models.Job, []models.Rendition, error) {
	if len(params.Heights) == 0 {
		return models.Job{}, nil, fmt.Errorf("at least one profile height is required")
	}
	jobID := strings.TrimSpace(params.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.videos[params.VideoID]; !ok {
		return models.Job{}, nil, fmt.Errorf("video %s: %w", params.VideoID, ErrNotFound)
	}
	if _, exists := m.jobs[jobID]; exists {
		return models.Job{}, nil, fmt.Errorf("job %s already exists", jobID)
	}
	now := m.now()
	job := models.Job{
		ID:        jobID,
		VideoID:   params.VideoID,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[jobID] = job
	m.seq++
	m.jobSeq[jobID] = m.seq

	byHeight := m.renditions[params.VideoID]
	if byHeight == nil {
		byHeight = make(map[int]models.Rendition)
		m.renditions[params.VideoID] = byHeight
	}
	created := make([]models.Rendition, 0, len(params.Heights))
	for _, height := range params.Heights {
		// A new job restarts the rendition lifecycle for its heights.
		rendition := models.Rendition{
			ID:        uuid.NewString(),
			VideoID:   params.VideoID,
			Height:    height,
			Status:    models.RenditionQueued,
			CreatedAt: now,
		}
		byHeight[height] = rendition
		created = append(created, rendition)
	}
	sortRenditions(created)
	return job, created, nil
}

func (m *MemoryRepository) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *MemoryRepository) JobSnapshot(_ context.Context, id string) (JobSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return JobSnapshot{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return JobSnapshot{Job: job, Renditions: m.renditionsLocked(job.VideoID)}, nil
}

func (m *MemoryRepository) LatestJobForVideo(_ context.Context, videoID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest    models.Job
		latestSeq uint64
		found     bool
	)
	for id, job := range m.jobs {
		if job.VideoID != videoID {
			continue
		}
		if seq := m.jobSeq[id]; !found || seq > latestSeq {
			latest = job
			latestSeq = seq
			found = true
		}
	}
	if !found {
		return models.Job{}, fmt.Errorf("no job for video %s: %w", videoID, ErrNotFound)
	}
	return latest, nil
}

func (m *MemoryRepository) UpdateJobStatus(_ context.Context, id string, status models.JobStatus, message string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !job.Status.CanTransitionTo(status) {
		return models.Job{}, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, status, ErrStateConflict)
	}
	job.Status = status
	job.Error = message
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return job, nil
}

func (m *MemoryRepository) MarkRenditionRunning(_ context.Context, videoID string, height int) (models.Rendition, error) {
	return m.transitionRendition(videoID, height, models.RenditionRunning, "", "")
}

func (m *MemoryRepository) CompleteRendition(_ context.Context, videoID string, height int, key string) (models.Rendition, error) {
	if strings.TrimSpace(key) == "" {
		return models.Rendition{}, fmt.Errorf("ready rendition requires a playlist key")
	}
	return m.transitionRendition(videoID, height, models.RenditionReady, key, "")
}

func (m *MemoryRepository) FailRendition(_ context.Context, videoID string, height int, cause string) (models.Rendition, error) {
	return m.transitionRendition(videoID, height, models.RenditionFailed, "", cause)
}

func (m *MemoryRepository) transitionRendition(videoID string, height int, status models.RenditionStatus, key, cause string) (models.Rendition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byHeight, ok := m.renditions[videoID]
	if !ok {
		return models.Rendition{}, fmt.Errorf("rendition %s/%d: %w", videoID, height, ErrNotFound)
	}
	rendition, ok := byHeight[height]
	if !ok {
		return models.Rendition{}, fmt.Errorf("rendition %s/%d: %w", videoID, height, ErrNotFound)
	}
	if !rendition.Status.CanTransitionTo(status) {
		return models.Rendition{}, fmt.Errorf("rendition %s/%d %s -> %s: %w", videoID, height, rendition.Status, status, ErrStateConflict)
	}
	rendition.Status = status
	if key != "" {
		rendition.Key = key
	}
	rendition.Error = cause
	byHeight[height] = rendition
	return rendition, nil
}

func (m *MemoryRepository) ListRenditions(_ context.Context, videoID string) ([]models.Rendition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renditionsLocked(videoID), nil
}

func (m *MemoryRepository) renditionsLocked(videoID string) []models.Rendition {
	byHeight := m.renditions[videoID]
	renditions := make([]models.Rendition, 0, len(byHeight))
	for _, rendition := range byHeight {
		renditions = append(renditions, rendition)
	}
	sortRenditions(renditions)
	return renditions
}

func sortRenditions(renditions []models.Rendition) {
	sort.Slice(renditions, func(i, j int) bool {
		return renditions[i].Height < renditions[j].Height
	})
}

var _ Repository = (*MemoryRepository)(nil)
