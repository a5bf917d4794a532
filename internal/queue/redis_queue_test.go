package queue

import (
	"context"
	"testing"
	"time"

	"github.com/Geetur/NextTube/internal/testsupport/redisstub"
)

func startRedisQueue(t *testing.T) (*RedisQueue, *redisstub.Server) {
	t.Helper()
	server, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:              server.Addr(),
		QueueKey:          "jobs:transcode",
		PollInterval:      200 * time.Millisecond,
		VisibilityTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, server
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := startRedisQueue(t)

	d := Descriptor{JobID: "job-1", VideoID: "vid-1", Profiles: []int{240, 480}}
	if err := q.Enqueue(ctx, d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d err=%v, want 1", depth, err)
	}

	lease, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if lease == nil {
		t.Fatal("expected a lease")
	}
	if lease.Descriptor.JobID != "job-1" || lease.Descriptor.VideoID != "vid-1" {
		t.Fatalf("descriptor = %+v", lease.Descriptor)
	}
	if len(lease.Descriptor.Profiles) != 2 {
		t.Fatalf("profiles = %v", lease.Descriptor.Profiles)
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("acked job reclaimed %d times", reclaimed)
	}
}

func TestRedisQueueEmptyPollReturnsNil(t *testing.T) {
	q, _ := startRedisQueue(t)
	lease, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected nil lease, got %+v", lease)
	}
}

func TestRedisQueueReclaimRequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, server := startRedisQueue(t)

	d := Descriptor{JobID: "job-1", VideoID: "vid-1", Profiles: []int{480}}
	if err := q.Enqueue(ctx, d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := q.Dequeue(ctx)
	if err != nil || lease == nil {
		t.Fatalf("dequeue: lease=%v err=%v", lease, err)
	}

	// Simulate a crashed worker whose visibility window lapsed.
	server.ExpireNow("jobs:transcode:lease:job-1")

	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if n := server.ListLen("jobs:transcode:processing"); n != 0 {
		t.Fatalf("processing list has %d entries after reclaim", n)
	}

	again, err := q.Dequeue(ctx)
	if err != nil || again == nil {
		t.Fatalf("redelivery: lease=%v err=%v", again, err)
	}
	if again.Descriptor.JobID != "job-1" {
		t.Fatalf("redelivered job = %s", again.Descriptor.JobID)
	}
}

func TestRedisQueueReclaimSkipsLiveLease(t *testing.T) {
	ctx := context.Background()
	q, _ := startRedisQueue(t)

	if err := q.Enqueue(ctx, Descriptor{JobID: "job-1", VideoID: "vid-1", Profiles: []int{480}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("live lease reclaimed %d times", reclaimed)
	}
}
