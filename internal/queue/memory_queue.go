package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryQueue mirrors the Redis queue's lease semantics in process memory.
// It backs tests and single-node setups without a broker.
type MemoryQueue struct {
	mu                sync.Mutex
	pending           []string
	inflight          map[string]time.Time
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	now               func() time.Time
	closed            bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight:          make(map[string]time.Time),
		pollInterval:      defaultPollInterval,
		visibilityTimeout: defaultVisibilityTimeout,
		now:               time.Now,
	}
}

// SetVisibilityTimeout overrides the lease window, mainly for tests.
func (q *MemoryQueue) SetVisibilityTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d > 0 {
		q.visibilityTimeout = d
	}
}

func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	return nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	payload, err := d.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, payload)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Lease, error) {
	deadline := q.now().Add(q.pollInterval)
	for {
		if lease := q.tryDequeue(); lease != nil {
			return lease, nil
		}
		if q.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryDequeue() *Lease {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return nil
	}
	raw := q.pending[0]
	q.pending = q.pending[1:]
	d, err := decodeDescriptor(raw)
	if err != nil {
		return nil
	}
	q.inflight[raw] = q.now().Add(q.visibilityTimeout)
	return &Lease{Descriptor: d, raw: raw}
}

func (q *MemoryQueue) Ack(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	q.mu.Lock()
	delete(q.inflight, lease.raw)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) ReclaimExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	reclaimed := 0
	for raw, expiry := range q.inflight {
		if now.Before(expiry) {
			continue
		}
		delete(q.inflight, raw)
		q.pending = append(q.pending, raw)
		reclaimed++
	}
	return reclaimed, nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
