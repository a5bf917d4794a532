package transcode

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Geetur/NextTube/internal/models"
	"github.com/Geetur/NextTube/internal/objectstore"
	"github.com/Geetur/NextTube/internal/observability/metrics"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/storage"
)

type fakeTranscoder struct {
	mu          sync.Mutex
	failHeights map[int]bool
	calls       []int
}

func (f *fakeTranscoder) Transcode(_ context.Context, _ string, outputDir string, profile Profile) error {
	f.mu.Lock()
	f.calls = append(f.calls, profile.Height)
	f.mu.Unlock()
	if f.failHeights[profile.Height] {
		return &EncodeError{Height: profile.Height, Err: errors.New("exit status 1"), Output: "encoder blew up"}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outputDir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "seg_000.ts"), []byte("segment"), 0o644)
}

type workerFixture struct {
	repo   *storage.MemoryRepository
	store  *objectstore.MemoryGateway
	queue  *queue.MemoryQueue
	worker *Worker
	video  models.Video
	job    models.Job
}

func newWorkerFixture(t *testing.T, transcoder Transcoder, concurrency int, heights []int) *workerFixture {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	store := objectstore.NewMemoryGateway()
	q := queue.NewMemoryQueue()

	video, err := repo.CreateVideo(ctx, storage.CreateVideoParams{Key: "source/vid.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	source := strings.NewReader("mp4 bytes")
	if err := store.Put(ctx, video.Key, source, int64(source.Len()), "video/mp4"); err != nil {
		t.Fatalf("put source: %v", err)
	}

	producer := NewProducer(repo, q, DefaultLadder(), nil)
	job, _, err := producer.CreateJob(ctx, video.ID, heights)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Repository:        repo,
		Store:             store,
		Queue:             q,
		Transcoder:        transcoder,
		Ladder:            DefaultLadder(),
		EncodeConcurrency: concurrency,
		WorkDir:           t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return &workerFixture{repo: repo, store: store, queue: q, worker: worker, video: video, job: job}
}

func (f *workerFixture) descriptor(heights ...int) queue.Descriptor {
	return queue.Descriptor{JobID: f.job.ID, VideoID: f.video.ID, Profiles: heights}
}

func (f *workerFixture) readObject(t *testing.T, key string) string {
	t.Helper()
	reader, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func TestProcessJobAllProfilesReady(t *testing.T) {
	ctx := context.Background()
	fixture := newWorkerFixture(t, &fakeTranscoder{}, 1, []int{240, 480, 720})

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(240, 480, 720)); err != nil {
		t.Fatalf("process job: %v", err)
	}

	job, err := fixture.repo.GetJob(ctx, fixture.job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.JobDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}

	renditions, err := fixture.repo.ListRenditions(ctx, fixture.video.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	for _, r := range renditions {
		if r.Status != models.RenditionReady {
			t.Fatalf("rendition %dp status = %s, want ready", r.Height, r.Status)
		}
		if r.Key == "" {
			t.Fatalf("ready rendition %dp has no key", r.Height)
		}
	}

	master := fixture.readObject(t, objectstore.MasterKey(fixture.video.ID))
	for _, uri := range []string{"240/index.m3u8", "480/index.m3u8", "720/index.m3u8"} {
		if !strings.Contains(master, uri) {
			t.Fatalf("master playlist missing %s:\n%s", uri, master)
		}
	}
	if contentType, _ := fixture.store.ContentType(objectstore.MasterKey(fixture.video.ID)); contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("master content type = %q", contentType)
	}

	// Variant playlist and segment both uploaded.
	fixture.readObject(t, objectstore.VariantPlaylistKey(fixture.video.ID, 480))
	fixture.readObject(t, objectstore.SegmentKey(fixture.video.ID, 480, 0))
}

func TestProcessJobPartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	fixture := newWorkerFixture(t, &fakeTranscoder{failHeights: map[int]bool{480: true}}, 1, []int{240, 480, 720})

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(240, 480, 720)); err != nil {
		t.Fatalf("process job: %v", err)
	}

	job, _ := fixture.repo.GetJob(ctx, fixture.job.ID)
	if job.Status != models.JobDone {
		t.Fatalf("job status = %s, want done despite one failed rung", job.Status)
	}

	renditions, _ := fixture.repo.ListRenditions(ctx, fixture.video.ID)
	for _, r := range renditions {
		switch r.Height {
		case 480:
			if r.Status != models.RenditionFailed {
				t.Fatalf("480p status = %s, want failed", r.Status)
			}
			if !strings.Contains(r.Error, "encoder blew up") {
				t.Fatalf("480p error = %q, want encoder diagnostics", r.Error)
			}
		default:
			if r.Status != models.RenditionReady {
				t.Fatalf("%dp status = %s, want ready", r.Height, r.Status)
			}
		}
	}

	master := fixture.readObject(t, objectstore.MasterKey(fixture.video.ID))
	if strings.Contains(master, "480/index.m3u8") {
		t.Fatalf("master must not list the failed rung:\n%s", master)
	}
	if !strings.Contains(master, "240/index.m3u8") || !strings.Contains(master, "720/index.m3u8") {
		t.Fatalf("master missing ready rungs:\n%s", master)
	}
}

func TestProcessJobAllProfilesFailed(t *testing.T) {
	ctx := context.Background()
	fixture := newWorkerFixture(t, &fakeTranscoder{failHeights: map[int]bool{240: true, 480: true}}, 1, []int{240, 480})

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(240, 480)); err != nil {
		t.Fatalf("process job: %v", err)
	}

	job, _ := fixture.repo.GetJob(ctx, fixture.job.ID)
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "240p") || !strings.Contains(job.Error, "480p") {
		t.Fatalf("aggregate error missing per-profile causes: %q", job.Error)
	}

	if _, err := fixture.store.Get(ctx, objectstore.MasterKey(fixture.video.ID)); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("no master should exist for a fully failed job, got %v", err)
	}
}

func TestProcessJobMissingSourceFailsEverything(t *testing.T) {
	ctx := context.Background()
	fixture := newWorkerFixture(t, &fakeTranscoder{}, 1, []int{480})

	// Second video with no object behind its key.
	orphan, err := fixture.repo.CreateVideo(ctx, storage.CreateVideoParams{Key: "source/missing.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	producer := NewProducer(fixture.repo, fixture.queue, DefaultLadder(), nil)
	job, _, err := producer.CreateJob(ctx, orphan.ID, []int{480})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	descriptor := queue.Descriptor{JobID: job.ID, VideoID: orphan.ID, Profiles: []int{480}}
	if err := fixture.worker.ProcessJob(ctx, descriptor); err != nil {
		t.Fatalf("process job: %v", err)
	}

	got, _ := fixture.repo.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", got.Status)
	}
	renditions, _ := fixture.repo.ListRenditions(ctx, orphan.ID)
	if renditions[0].Status != models.RenditionFailed {
		t.Fatalf("rendition left in %s, want failed", renditions[0].Status)
	}
}

func TestProcessJobParallelProfilesMatchSequential(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTranscoder{}
	fixture := newWorkerFixture(t, fake, 3, []int{240, 480, 720})

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(240, 480, 720)); err != nil {
		t.Fatalf("process job: %v", err)
	}

	job, _ := fixture.repo.GetJob(ctx, fixture.job.ID)
	if job.Status != models.JobDone {
		t.Fatalf("job status = %s, want done", job.Status)
	}
	fake.mu.Lock()
	calls := len(fake.calls)
	fake.mu.Unlock()
	if calls != 3 {
		t.Fatalf("encoder called %d times, want 3", calls)
	}
}

func TestProcessJobRedeliveryOfFinishedJob(t *testing.T) {
	ctx := context.Background()
	fixture := newWorkerFixture(t, &fakeTranscoder{}, 1, []int{480})

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(480)); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	err := fixture.worker.ProcessJob(ctx, fixture.descriptor(480))
	if !errors.Is(err, storage.ErrStateConflict) {
		t.Fatalf("redelivery of done job should conflict, got %v", err)
	}
}

// hookTranscoder runs a callback before each encode.
type hookTranscoder struct {
	fakeTranscoder
	hook func()
}

func (h *hookTranscoder) Transcode(ctx context.Context, sourcePath, outputDir string, profile Profile) error {
	if h.hook != nil {
		h.hook()
	}
	return h.fakeTranscoder.Transcode(ctx, sourcePath, outputDir, profile)
}

func TestProcessJobMarksRenditionsRunningBeforeEncoding(t *testing.T) {
	ctx := context.Background()
	fake := &hookTranscoder{}
	fixture := newWorkerFixture(t, fake, 1, []int{240, 480})

	var mu sync.Mutex
	statuses := make(map[int]models.RenditionStatus)
	fake.hook = func() {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) > 0 {
			return
		}
		renditions, err := fixture.repo.ListRenditions(ctx, fixture.video.ID)
		if err != nil {
			return
		}
		for _, r := range renditions {
			statuses[r.Height] = r.Status
		}
	}

	if err := fixture.worker.ProcessJob(ctx, fixture.descriptor(240, 480)); err != nil {
		t.Fatalf("process job: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 {
		t.Fatalf("observed %d renditions at first encode, want 2", len(statuses))
	}
	for height, status := range statuses {
		if status != models.RenditionRunning {
			t.Fatalf("rendition %dp was %s when encoding began, want running", height, status)
		}
	}
}

// flakyRepo fails a fixed number of job status updates before recovering.
type flakyRepo struct {
	*storage.MemoryRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepo) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus, message string) (models.Job, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return models.Job{}, errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.MemoryRepository.UpdateJobStatus(ctx, id, status, message)
}

func TestHandleLeaseKeepsLeaseOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	base := storage.NewMemoryRepository()
	repo := &flakyRepo{MemoryRepository: base, failures: 1}
	store := objectstore.NewMemoryGateway()
	q := queue.NewMemoryQueue()
	q.SetVisibilityTimeout(time.Nanosecond)

	video, err := base.CreateVideo(ctx, storage.CreateVideoParams{Key: "source/vid.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	source := strings.NewReader("mp4 bytes")
	if err := store.Put(ctx, video.Key, source, int64(source.Len()), "video/mp4"); err != nil {
		t.Fatalf("put source: %v", err)
	}
	producer := NewProducer(base, q, DefaultLadder(), nil)
	job, _, err := producer.CreateJob(ctx, video.ID, []int{480})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	worker, err := NewWorker(WorkerConfig{
		Repository: repo,
		Store:      store,
		Queue:      q,
		Transcoder: &fakeTranscoder{},
		WorkDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	lease, err := q.Dequeue(ctx)
	if err != nil || lease == nil {
		t.Fatalf("dequeue: lease=%v err=%v", lease, err)
	}
	worker.handleLease(ctx, lease)

	// The transient failure must not ack: the descriptor comes back.
	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed %d descriptors, want 1", reclaimed)
	}

	lease, err = q.Dequeue(ctx)
	if err != nil || lease == nil {
		t.Fatalf("redeliver: lease=%v err=%v", lease, err)
	}
	worker.handleLease(ctx, lease)

	got, err := base.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobDone {
		t.Fatalf("job status = %s, want done after retry", got.Status)
	}
	if reclaimed, _ := q.ReclaimExpired(ctx); reclaimed != 0 {
		t.Fatalf("finished job must be acked, reclaimed %d", reclaimed)
	}
}

func TestRunReaperSamplesQueueDepth(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	recorder := metrics.New()
	worker, err := NewWorker(WorkerConfig{
		Repository:      storage.NewMemoryRepository(),
		Store:           objectstore.NewMemoryGateway(),
		Queue:           q,
		Transcoder:      &fakeTranscoder{},
		Metrics:         recorder,
		ReclaimInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	for _, jobID := range []string{"job-1", "job-2"} {
		if err := q.Enqueue(ctx, queue.Descriptor{JobID: jobID, VideoID: "vid", Profiles: []int{480}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = worker.RunReaper(runCtx)

	var buf strings.Builder
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "nexttube_queue_depth 2") {
		t.Fatalf("expected sampled queue depth, got:\n%s", buf.String())
	}
}

func TestProducerRejectsUnknownVideo(t *testing.T) {
	repo := storage.NewMemoryRepository()
	producer := NewProducer(repo, queue.NewMemoryQueue(), DefaultLadder(), nil)
	_, _, err := producer.CreateJob(context.Background(), "ghost", []int{480})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProducerRejectsInvalidProfile(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	video, err := repo.CreateVideo(ctx, storage.CreateVideoParams{Key: "source/v.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	producer := NewProducer(repo, queue.NewMemoryQueue(), DefaultLadder(), nil)
	if _, _, err := producer.CreateJob(ctx, video.ID, []int{1080}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestProducerEnqueuesDescriptor(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	q := queue.NewMemoryQueue()
	video, err := repo.CreateVideo(ctx, storage.CreateVideoParams{Key: "source/v.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	producer := NewProducer(repo, q, DefaultLadder(), nil)
	job, renditions, err := producer.CreateJob(ctx, video.ID, nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if len(renditions) != 3 {
		t.Fatalf("default ladder should seed 3 renditions, got %d", len(renditions))
	}

	lease, err := q.Dequeue(ctx)
	if err != nil || lease == nil {
		t.Fatalf("dequeue: lease=%v err=%v", lease, err)
	}
	if lease.Descriptor.JobID != job.ID || lease.Descriptor.VideoID != video.ID {
		t.Fatalf("descriptor = %+v", lease.Descriptor)
	}
	if len(lease.Descriptor.Profiles) != 3 {
		t.Fatalf("descriptor profiles = %v", lease.Descriptor.Profiles)
	}
}
