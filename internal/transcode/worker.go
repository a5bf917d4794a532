package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Geetur/NextTube/internal/models"
	"github.com/Geetur/NextTube/internal/objectstore"
	"github.com/Geetur/NextTube/internal/observability/logging"
	"github.com/Geetur/NextTube/internal/observability/metrics"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/storage"
)

// WorkerConfig wires one worker loop.
type WorkerConfig struct {
	Repository  storage.Repository
	Store       objectstore.Gateway
	Queue       queue.Queue
	Transcoder  Transcoder
	Ladder      Ladder
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// EncodeConcurrency bounds how many profiles of one job encode at once.
	// Zero or one runs the profile loop sequentially.
	EncodeConcurrency int
	// WorkDir hosts the per-job scratch areas. Empty uses the OS default.
	WorkDir string
	// ReclaimInterval paces the lease reaper loop.
	ReclaimInterval time.Duration
}

// Worker drives jobs from the queue to a terminal state. Multiple workers
// run the same loop; the queue's atomic hand-off keeps a job on exactly one
// of them while its lease is live.
type Worker struct {
	repo        storage.Repository
	store       objectstore.Gateway
	queue       queue.Queue
	transcoder  Transcoder
	ladder      Ladder
	logger      *slog.Logger
	metrics     *metrics.Recorder
	concurrency int
	workDir     string
	reclaimTick time.Duration
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Repository == nil {
		return nil, errors.New("worker requires a repository")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker requires an object store")
	}
	if cfg.Queue == nil {
		return nil, errors.New("worker requires a queue")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("worker requires a transcoder")
	}
	if len(cfg.Ladder.Heights()) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.EncodeConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	reclaim := cfg.ReclaimInterval
	if reclaim <= 0 {
		reclaim = time.Minute
	}
	return &Worker{
		repo:        cfg.Repository,
		store:       cfg.Store,
		queue:       cfg.Queue,
		transcoder:  cfg.Transcoder,
		ladder:      cfg.Ladder,
		logger:      logging.WithComponent(logger, "transcode-worker"),
		metrics:     cfg.Metrics,
		concurrency: concurrency,
		workDir:     cfg.WorkDir,
		reclaimTick: reclaim,
	}, nil
}

// Run loops dequeue, process, ack until ctx is cancelled. Queue errors back
// off briefly instead of spinning.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if lease == nil {
			continue
		}
		w.handleLease(ctx, lease)
	}
}

// RunReaper periodically requeues descriptors whose lease lapsed and samples
// the queue depth gauge. One reaper per deployment is enough, but running it
// on every worker is harmless.
func (w *Worker) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(w.reclaimTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reclaimed, err := w.queue.ReclaimExpired(ctx)
			if err != nil {
				w.logger.Error("lease reclaim failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				w.logger.Info("requeued expired jobs", "count", reclaimed)
			}
			if w.metrics != nil {
				if depth, err := w.queue.Depth(ctx); err == nil {
					w.metrics.SetQueueDepth(depth)
				}
			}
		}
	}
}

func (w *Worker) handleLease(ctx context.Context, lease *queue.Lease) {
	d := lease.Descriptor
	ctx = logging.ContextWithJobID(ctx, d.JobID)
	ctx = logging.ContextWithVideoID(ctx, d.VideoID)
	logger := logging.WithContext(ctx, w.logger)

	err := w.ProcessJob(ctx, d)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStateConflict):
		// Redelivery of a job another attempt already finished.
		logger.Info("skipping job in terminal state")
	case errors.Is(err, storage.ErrNotFound):
		// The job or video row is gone; retrying can never succeed.
		logger.Warn("dropping job for missing record", "error", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-job: leave the lease to expire so another worker
		// picks the descriptor back up.
		logger.Warn("job interrupted by shutdown, leaving lease for reclaim")
		return
	default:
		// Transient trouble (repo or store outage). Keep the lease so
		// the reaper redelivers the descriptor.
		logger.Error("job processing failed, leaving lease for reclaim", "error", err)
		return
	}

	if ackErr := w.queue.Ack(ctx, lease); ackErr != nil {
		logger.Error("ack failed", "error", ackErr)
	}
}

// ProcessJob runs one descriptor to a terminal job state. The returned error
// reports unexpected infrastructure trouble; per-profile encode failures are
// recorded on the rendition rows, not returned.
func (w *Worker) ProcessJob(ctx context.Context, d queue.Descriptor) error {
	logger := logging.WithContext(ctx, w.logger)

	if _, err := w.repo.UpdateJobStatus(ctx, d.JobID, models.JobRunning, ""); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if w.metrics != nil {
		w.metrics.JobStarted()
	}

	profiles, setupErr := w.ladder.Resolve(d.Profiles)
	var video models.Video
	if setupErr == nil {
		video, setupErr = w.repo.GetVideo(ctx, d.VideoID)
	}
	var workDir string
	if setupErr == nil {
		workDir, setupErr = os.MkdirTemp(w.workDir, "hls_"+d.VideoID+"_")
	}
	if workDir != "" {
		defer os.RemoveAll(workDir)
	}
	if setupErr == nil {
		setupErr = w.markRenditionsRunning(ctx, d, profiles)
	}
	var sourcePath string
	if setupErr == nil {
		sourcePath = filepath.Join(workDir, "source.mp4")
		setupErr = w.downloadSource(ctx, video.Key, sourcePath)
	}
	if setupErr != nil {
		return w.failJob(ctx, d, profiles, "setup failed: "+setupErr.Error())
	}

	results := w.encodeProfiles(ctx, d, profiles, sourcePath, workDir)
	if err := ctx.Err(); err != nil {
		return err
	}

	var ready []Variant
	var failures []string
	for _, r := range results {
		if r.err == nil {
			ready = append(ready, Variant{
				Profile: r.profile,
				URI:     fmt.Sprintf("%d/index.m3u8", r.profile.Height),
			})
			continue
		}
		failures = append(failures, fmt.Sprintf("%dp: %v", r.profile.Height, r.err))
	}

	if len(ready) == 0 {
		message := "all renditions failed"
		if len(failures) > 0 {
			message = strings.Join(failures, "; ")
		}
		return w.finishJob(ctx, d, models.JobFailed, message, logger)
	}

	master := BuildMasterPlaylist(ready)
	masterKey := objectstore.MasterKey(d.VideoID)
	err := w.store.Put(ctx, masterKey, strings.NewReader(master), int64(len(master)),
		objectstore.ContentTypeForKey(masterKey))
	if err != nil {
		return w.finishJob(ctx, d, models.JobFailed, "upload master playlist: "+err.Error(), logger)
	}

	logger.Info("job complete", "ready", len(ready), "failed", len(failures))
	return w.finishJob(ctx, d, models.JobDone, strings.Join(failures, "; "), logger)
}

type profileResult struct {
	profile Profile
	err     error
}

// encodeProfiles runs the per-profile pipeline with bounded parallelism.
// Each profile fails independently; one bad rung never aborts its siblings.
func (w *Worker) encodeProfiles(ctx context.Context, d queue.Descriptor, profiles []Profile, sourcePath, workDir string) []profileResult {
	results := make([]profileResult, len(profiles))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for i, profile := range profiles {
		i, profile := i, profile
		group.Go(func() error {
			err := w.processProfile(groupCtx, d, profile, sourcePath, workDir)
			mu.Lock()
			results[i] = profileResult{profile: profile, err: err}
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].profile.Height < results[j].profile.Height })
	return results
}

// markRenditionsRunning moves every target rendition to running before the
// source download starts. A conflict means a prior delivery already drove
// that rendition to a terminal state; re-encoding it overwrites by
// deterministic key, so the attempt proceeds.
func (w *Worker) markRenditionsRunning(ctx context.Context, d queue.Descriptor, profiles []Profile) error {
	for _, profile := range profiles {
		if _, err := w.repo.MarkRenditionRunning(ctx, d.VideoID, profile.Height); err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return fmt.Errorf("mark rendition %d running: %w", profile.Height, err)
		}
	}
	return nil
}

func (w *Worker) processProfile(ctx context.Context, d queue.Descriptor, profile Profile, sourcePath, workDir string) error {
	logger := logging.WithContext(ctx, w.logger).With("height", profile.Height)

	fail := func(cause error) error {
		if w.metrics != nil {
			w.metrics.ObserveRendition(profile.Height, string(models.RenditionFailed))
		}
		if _, markErr := w.repo.FailRendition(ctx, d.VideoID, profile.Height, cause.Error()); markErr != nil {
			logger.Error("failed to record rendition failure", "error", markErr)
		}
		return cause
	}

	outputDir := filepath.Join(workDir, fmt.Sprintf("%d", profile.Height))
	if err := w.transcoder.Transcode(ctx, sourcePath, outputDir, profile); err != nil {
		logger.Warn("encode failed", "error", err)
		return fail(err)
	}
	if err := w.uploadVariant(ctx, d.VideoID, profile.Height, outputDir); err != nil {
		logger.Warn("variant upload failed", "error", err)
		return fail(err)
	}

	playlistKey := objectstore.VariantPlaylistKey(d.VideoID, profile.Height)
	if _, err := w.repo.CompleteRendition(ctx, d.VideoID, profile.Height, playlistKey); err != nil {
		return fail(fmt.Errorf("mark rendition ready: %w", err))
	}
	if w.metrics != nil {
		w.metrics.ObserveRendition(profile.Height, string(models.RenditionReady))
	}
	logger.Info("rendition ready", "key", playlistKey)
	return nil
}

// uploadVariant ships every file the encoder wrote for one height.
func (w *Worker) uploadVariant(ctx context.Context, videoID string, height int, outputDir string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("read variant dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		localPath := filepath.Join(outputDir, entry.Name())
		key := fmt.Sprintf("HLS/%s/%d/%s", videoID, height, entry.Name())
		if err := w.uploadFile(ctx, localPath, key); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if err := w.store.Put(ctx, key, file, info.Size(), objectstore.ContentTypeForKey(key)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (w *Worker) downloadSource(ctx context.Context, sourceKey, destPath string) error {
	reader, err := w.store.Get(ctx, sourceKey)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", sourceKey, err)
	}
	defer reader.Close()
	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("download source %s: %w", sourceKey, err)
	}
	return nil
}

// failJob terminalizes a job whose setup never reached the encode loop. Its
// renditions move straight to failed so nothing is left queued forever.
func (w *Worker) failJob(ctx context.Context, d queue.Descriptor, profiles []Profile, message string) error {
	logger := logging.WithContext(ctx, w.logger)
	if len(profiles) == 0 {
		// Invalid profile sets never resolved; terminalize whatever rows
		// the producer created.
		if renditions, err := w.repo.ListRenditions(ctx, d.VideoID); err == nil {
			for _, r := range renditions {
				profiles = append(profiles, Profile{Height: r.Height})
			}
		}
	}
	for _, profile := range profiles {
		if _, err := w.repo.FailRendition(ctx, d.VideoID, profile.Height, message); err != nil && !errors.Is(err, storage.ErrStateConflict) {
			logger.Error("failed to terminalize rendition", "height", profile.Height, "error", err)
		}
	}
	return w.finishJob(ctx, d, models.JobFailed, message, logger)
}

func (w *Worker) finishJob(ctx context.Context, d queue.Descriptor, status models.JobStatus, message string, logger *slog.Logger) error {
	if status != models.JobFailed {
		message = ""
	}
	if _, err := w.repo.UpdateJobStatus(ctx, d.JobID, status, message); err != nil {
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	if w.metrics != nil {
		if status == models.JobDone {
			w.metrics.JobCompleted()
		} else {
			w.metrics.JobFailed()
		}
	}
	if status == models.JobFailed {
		logger.Warn("job failed", "error", message)
	}
	return nil
}
