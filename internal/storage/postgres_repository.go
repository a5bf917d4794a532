package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Geetur/NextTube/internal/models"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Callers should
// run Migrate before first use unless the schema is managed externally.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const (
	videoColumns     = "id, key, created_at"
	jobColumns       = "id, video_id, status, COALESCE(error, ''), created_at, updated_at"
	renditionColumns = "id, video_id, height, status, COALESCE(key, ''), COALESCE(error, ''), created_at"
)

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	key := strings.TrimSpace(params.Key)
	if key == "" {
		return models.Video{}, fmt.Errorf("video key is required")
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx,
		"INSERT INTO videos (id, key) VALUES ($1, $2) RETURNING "+videoColumns,
		id, key,
	)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, fmt.Errorf("create video: %w", err)
	}
	return video, nil
}

func (r *PostgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1", id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("get video: %w", err)
	}
	return video, nil
}

func (r *PostgresRepository) ListVideos(ctx context.Context, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+videoColumns+" FROM videos ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *PostgresRepository) CreateTranscodeJob(ctx context.Context, params CreateJobParams) (models.Job, []models.Rendition, error) {
	if len(params.Heights) == 0 {
		return models.Job{}, nil, fmt.Errorf("at least one profile height is required")
	}
	jobID := strings.TrimSpace(params.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("begin job transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)", params.VideoID).Scan(&exists); err != nil {
		return models.Job{}, nil, fmt.Errorf("check video: %w", err)
	}
	if !exists {
		return models.Job{}, nil, fmt.Errorf("video %s: %w", params.VideoID, ErrNotFound)
	}

	row := tx.QueryRow(ctx,
		"INSERT INTO jobs (id, video_id, status) VALUES ($1, $2, 'queued') RETURNING "+jobColumns,
		jobID, params.VideoID,
	)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("create job: %w", err)
	}

	renditions := make([]models.Rendition, 0, len(params.Heights))
	for _, height := range params.Heights {
		// A new job restarts the rendition lifecycle for its heights.
		row := tx.QueryRow(ctx, `
			INSERT INTO renditions (id, video_id, height, status)
			VALUES ($1, $2, $3, 'queued')
			ON CONFLICT (video_id, height)
			DO UPDATE SET status = 'queued', key = NULL, error = NULL
			RETURNING `+renditionColumns,
			uuid.NewString(), params.VideoID, height,
		)
		rendition, err := scanRendition(row)
		if err != nil {
			return models.Job{}, nil, fmt.Errorf("create rendition %d: %w", height, err)
		}
		renditions = append(renditions, rendition)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, nil, fmt.Errorf("commit job transaction: %w", err)
	}
	sortRenditions(renditions)
	return job, renditions, nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) JobSnapshot(ctx context.Context, id string) (JobSnapshot, error) {
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return JobSnapshot{}, err
	}
	renditions, err := r.ListRenditions(ctx, job.VideoID)
	if err != nil {
		return JobSnapshot{}, err
	}
	return JobSnapshot{Job: job, Renditions: renditions}, nil
}

func (r *PostgresRepository) LatestJobForVideo(ctx context.Context, videoID string) (models.Job, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE video_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1",
		videoID,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("no job for video %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("latest job: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) (models.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns,
		id, string(status), message, jobStatusesAllowing(status),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, r.jobUpdateConflict(ctx, id, status)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job status: %w", err)
	}
	return job, nil
}

func (r *PostgresRepository) jobUpdateConflict(ctx context.Context, id string, status models.JobStatus) error {
	var current string
	err := r.pool.QueryRow(ctx, "SELECT status FROM jobs WHERE id = $1", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect job status: %w", err)
	}
	return fmt.Errorf("job %s %s -> %s: %w", id, current, status, ErrStateConflict)
}

func (r *PostgresRepository) MarkRenditionRunning(ctx context.Context, videoID string, height int) (models.Rendition, error) {
	return r.transitionRendition(ctx, videoID, height, models.RenditionRunning, "", "")
}

func (r *PostgresRepository) CompleteRendition(ctx context.Context, videoID string, height int, key string) (models.Rendition, error) {
	if strings.TrimSpace(key) == "" {
		return models.Rendition{}, fmt.Errorf("ready rendition requires a playlist key")
	}
	return r.transitionRendition(ctx, videoID, height, models.RenditionReady, key, "")
}

func (r *PostgresRepository) FailRendition(ctx context.Context, videoID string, height int, cause string) (models.Rendition, error) {
	return r.transitionRendition(ctx, videoID, height, models.RenditionFailed, "", cause)
}

// transitionRendition applies status, key, and error in one statement so a
// reader can never observe ready without its key.
func (r *PostgresRepository) transitionRendition(ctx context.Context, videoID string, height int, status models.RenditionStatus, key, cause string) (models.Rendition, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE renditions
		SET status = $3, key = COALESCE(NULLIF($4, ''), key), error = NULLIF($5, '')
		WHERE video_id = $1 AND height = $2 AND status = ANY($6)
		RETURNING `+renditionColumns,
		videoID, height, string(status), key, cause, renditionStatusesAllowing(status),
	)
	rendition, err := scanRendition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rendition{}, r.renditionUpdateConflict(ctx, videoID, height, status)
	}
	if err != nil {
		return models.Rendition{}, fmt.Errorf("update rendition status: %w", err)
	}
	return rendition, nil
}

func (r *PostgresRepository) renditionUpdateConflict(ctx context.Context, videoID string, height int, status models.RenditionStatus) error {
	var current string
	err := r.pool.QueryRow(ctx,
		"SELECT status FROM renditions WHERE video_id = $1 AND height = $2",
		videoID, height,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rendition %s/%d: %w", videoID, height, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect rendition status: %w", err)
	}
	return fmt.Errorf("rendition %s/%d %s -> %s: %w", videoID, height, current, status, ErrStateConflict)
}

func (r *PostgresRepository) ListRenditions(ctx context.Context, videoID string) ([]models.Rendition, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+renditionColumns+" FROM renditions WHERE video_id = $1 ORDER BY height ASC",
		videoID,
	)
	if err != nil {
		return nil, fmt.Errorf("list renditions: %w", err)
	}
	defer rows.Close()
	var renditions []models.Rendition
	for rows.Next() {
		rendition, err := scanRendition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rendition: %w", err)
		}
		renditions = append(renditions, rendition)
	}
	return renditions, rows.Err()
}

// jobStatusesAllowing lists the statuses a job may hold immediately before
// moving to next, derived from the models transition table.
func jobStatusesAllowing(next models.JobStatus) []string {
	all := []models.JobStatus{models.JobQueued, models.JobRunning, models.JobDone, models.JobFailed}
	var allowed []string
	for _, status := range all {
		if status.CanTransitionTo(next) {
			allowed = append(allowed, string(status))
		}
	}
	return allowed
}

func renditionStatusesAllowing(next models.RenditionStatus) []string {
	all := []models.RenditionStatus{models.RenditionQueued, models.RenditionRunning, models.RenditionReady, models.RenditionFailed}
	var allowed []string
	for _, status := range all {
		if status.CanTransitionTo(next) {
			allowed = append(allowed, string(status))
		}
	}
	return allowed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var video models.Video
	if err := row.Scan(&video.ID, &video.Key, &video.CreatedAt); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	if err := row.Scan(&job.ID, &job.VideoID, &job.Status, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func scanRendition(row rowScanner) (models.Rendition, error) {
	var rendition models.Rendition
	if err := row.Scan(&rendition.ID, &rendition.VideoID, &rendition.Height, &rendition.Status, &rendition.Key, &rendition.Error, &rendition.CreatedAt); err != nil {
		return models.Rendition{}, err
	}
	return rendition, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if tx == nil {
		return
	}
	_ = tx.Rollback(ctx)
}
