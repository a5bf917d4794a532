// Package queue carries transcode job descriptors from the producer to the
// workers with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Descriptor is the payload that travels through the queue. It is a pointer
// into the metadata store, never the source media itself.
type Descriptor struct {
	JobID    string `json:"job_id"`
	VideoID  string `json:"video_id"`
	Profiles []int  `json:"profiles"`
}

// Validate rejects descriptors a worker could not act on.
func (d Descriptor) Validate() error {
	if d.JobID == "" {
		return errors.New("descriptor missing job_id")
	}
	if d.VideoID == "" {
		return errors.New("descriptor missing video_id")
	}
	if len(d.Profiles) == 0 {
		return errors.New("descriptor missing profiles")
	}
	return nil
}

func (d Descriptor) encode() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	return string(data), nil
}

func decodeDescriptor(raw string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, nil
}

// Lease is a dequeued descriptor that the worker must Ack once the job has
// reached a terminal state. An unacked lease whose visibility window lapses
// is handed to another worker by ReclaimExpired.
type Lease struct {
	Descriptor Descriptor

	raw string
}

// Queue is the durable hand-off between producer and workers.
//
// Dequeue blocks up to the implementation's poll window and returns nil with
// no error when the window closes empty. Ack removes the in-flight entry so
// it cannot be redelivered. ReclaimExpired moves entries whose lease lapsed
// back to the tail of the queue and reports how many it moved.
type Queue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, d Descriptor) error
	Dequeue(ctx context.Context) (*Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	ReclaimExpired(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

const (
	defaultVisibilityTimeout = 10 * time.Minute
	defaultPollInterval      = 2 * time.Second
)
