// Package models defines the datastore entities shared across the NextTube
// services: uploaded videos, transcode jobs, and the per-profile renditions a
// job produces.
package models

import "time"

// JobStatus tracks a transcode job through its lifecycle. Transitions are
// monotone: queued -> running -> {done, failed}.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// CanTransitionTo reports whether moving to next preserves the monotone
// lifecycle. Repeating the current status is allowed so a reclaimed job can be
// re-marked running without a conflict.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobDone || next == JobFailed
	default:
		return false
	}
}

// RenditionStatus tracks a single rendition through its lifecycle.
// Transitions are monotone: queued -> running -> {ready, failed}.
type RenditionStatus string

const (
	RenditionQueued  RenditionStatus = "queued"
	RenditionRunning RenditionStatus = "running"
	RenditionReady   RenditionStatus = "ready"
	RenditionFailed  RenditionStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RenditionStatus) Terminal() bool {
	return s == RenditionReady || s == RenditionFailed
}

// CanTransitionTo reports whether moving to next preserves the monotone
// lifecycle. Repeating a non-terminal status is an idempotent no-op.
func (s RenditionStatus) CanTransitionTo(next RenditionStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case RenditionQueued:
		return next == RenditionRunning || next == RenditionFailed
	case RenditionRunning:
		return next == RenditionReady || next == RenditionFailed
	default:
		return false
	}
}

// Video is an accepted upload. Immutable once created; Key addresses the
// source object in the object store.
type Video struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
}

// Job is one transcode request for a video.
type Job struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"videoId"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Rendition is one encoded variant of a video. Key addresses the variant
// playlist in the object store and is only set alongside the ready status.
type Rendition struct {
	ID        string          `json:"id"`
	VideoID   string          `json:"videoId"`
	Height    int             `json:"height"`
	Status    RenditionStatus `json:"status"`
	Key       string          `json:"key,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
