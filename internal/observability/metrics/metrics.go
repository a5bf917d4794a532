// Package metrics aggregates in-memory counters and gauges for the NextTube
// API and transcode workers, rendered in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a transcode job outcome counter.
type JobLabel struct {
	Status string
}

// RenditionLabel identifies a rendition outcome counter by target height.
type RenditionLabel struct {
	Height string
	Status string
}

// Recorder aggregates metrics for HTTP requests, transcode job outcomes, and
// per-rendition encode outcomes. It coordinates concurrent writers via a
// RWMutex while exposing a thread-safe gauge for active job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobEvents       map[JobLabel]uint64
	renditionEvents map[RenditionLabel]uint64
	queueDepthHint  atomic.Int64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[JobLabel]uint64),
		renditionEvents: make(map[RenditionLabel]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// JobStarted marks a transcode job as picked up by a worker.
func (r *Recorder) JobStarted() {
	r.activeJobs.Add(1)
	r.recordJobEvent("started")
}

// JobCompleted marks a transcode job as finished with at least one ready
// rendition.
func (r *Recorder) JobCompleted() {
	r.decrementGauge(&r.activeJobs)
	r.recordJobEvent("done")
}

// JobFailed marks a transcode job as finished with zero ready renditions.
func (r *Recorder) JobFailed() {
	r.decrementGauge(&r.activeJobs)
	r.recordJobEvent("failed")
}

func (r *Recorder) recordJobEvent(status string) {
	label := JobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobEvents[label]++
}

// ObserveRendition records a terminal rendition outcome for the given target
// height.
func (r *Recorder) ObserveRendition(height int, status string) {
	label := RenditionLabel{
		Height: fmt.Sprintf("%d", height),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renditionEvents[label]++
}

// SetQueueDepth records the most recently observed work queue depth.
func (r *Recorder) SetQueueDepth(depth int64) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepthHint.Store(depth)
}

// ActiveJobs returns the number of jobs currently being processed.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the job event counters and the active gauge.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for label, count := range r.jobEvents {
		events[label] = count
	}
	return events, r.activeJobs.Load()
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.renditionEvents = make(map[RenditionLabel]uint64)
	r.queueDepthHint.Store(0)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	renditionLabels := r.sortedRenditionLabels()

	fmt.Fprintln(w, "# HELP nexttube_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE nexttube_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "nexttube_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP nexttube_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE nexttube_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "nexttube_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP nexttube_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE nexttube_transcode_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "nexttube_transcode_jobs_total{status=\"%s\"} %d\n", label.Status, count)
	}

	fmt.Fprintln(w, "# HELP nexttube_transcode_active_jobs Current number of jobs being processed")
	fmt.Fprintln(w, "# TYPE nexttube_transcode_active_jobs gauge")
	fmt.Fprintf(w, "nexttube_transcode_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP nexttube_renditions_total Terminal rendition outcomes by height and status")
	fmt.Fprintln(w, "# TYPE nexttube_renditions_total counter")
	for _, label := range renditionLabels {
		count := r.renditionEvents[label]
		fmt.Fprintf(w, "nexttube_renditions_total{height=\"%s\",status=\"%s\"} %d\n", label.Height, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP nexttube_queue_depth Most recently observed transcode queue depth")
	fmt.Fprintln(w, "# TYPE nexttube_queue_depth gauge")
	fmt.Fprintf(w, "nexttube_queue_depth %d\n", r.queueDepthHint.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedRenditionLabels() []RenditionLabel {
	labels := make([]RenditionLabel, 0, len(r.renditionEvents))
	for label := range r.renditionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Height != labels[j].Height {
			return labels[i].Height < labels[j].Height
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
