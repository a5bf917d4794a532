package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// EncodeError carries the encoder's diagnostic tail alongside the failure.
type EncodeError struct {
	Height int
	Err    error
	Output string
}

func (e *EncodeError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("encode %dp: %v", e.Height, e.Err)
	}
	return fmt.Sprintf("encode %dp: %v: %s", e.Height, e.Err, e.Output)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Transcoder produces one HLS variant from a local source file. The output
// directory receives index.m3u8 plus its seg_<n>.ts segments.
type Transcoder interface {
	Transcode(ctx context.Context, sourcePath, outputDir string, profile Profile) error
}

// FFmpegConfig tunes the exec'd encoder.
type FFmpegConfig struct {
	// Binary defaults to "ffmpeg" resolved via PATH.
	Binary string
	// EncodeTimeout bounds one variant encode. Zero disables the bound.
	EncodeTimeout time.Duration
	// SegmentSeconds is the HLS target segment duration.
	SegmentSeconds int
	Logger         *slog.Logger
}

// FFmpeg shells out to ffmpeg, one process per variant.
type FFmpeg struct {
	binary         string
	encodeTimeout  time.Duration
	segmentSeconds int
	logger         *slog.Logger
}

var _ Transcoder = (*FFmpeg)(nil)

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	binary := cfg.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		binary:         binary,
		encodeTimeout:  cfg.EncodeTimeout,
		segmentSeconds: segment,
		logger:         logger,
	}
}

// Transcode runs one encode. Cancelling ctx kills the process; an elapsed
// encode timeout does the same and surfaces as an EncodeError.
func (f *FFmpeg) Transcode(ctx context.Context, sourcePath, outputDir string, profile Profile) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &EncodeError{Height: profile.Height, Err: fmt.Errorf("create output dir: %w", err)}
	}
	if f.encodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.encodeTimeout)
		defer cancel()
	}

	playlistPath := filepath.Join(outputDir, "index.m3u8")
	args := f.buildArgs(sourcePath, outputDir, playlistPath, profile)

	tail := newTailWriter(4096)
	cmd := exec.CommandContext(ctx, f.binary, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail

	f.logger.Debug("starting encode", "height", profile.Height, "source", sourcePath)
	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return &EncodeError{Height: profile.Height, Err: err, Output: tail.String()}
	}
	if _, statErr := os.Stat(playlistPath); statErr != nil {
		return &EncodeError{
			Height: profile.Height,
			Err:    errors.New("encoder exited cleanly but produced no playlist"),
			Output: tail.String(),
		}
	}
	return nil
}

func (f *FFmpeg) buildArgs(sourcePath, outputDir, playlistPath string, profile Profile) []string {
	maxrate := profile.VideoKbps * 11 / 10
	bufsize := profile.VideoKbps * 2
	segmentPattern := filepath.Join(outputDir, "seg_%03d.ts")
	return []string{
		"-y",
		"-i", sourcePath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=-2:%d", profile.Height),
		"-c:v", "libx264", "-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", profile.VideoKbps),
		"-maxrate", fmt.Sprintf("%dk", maxrate),
		"-bufsize", fmt.Sprintf("%dk", bufsize),
		"-c:a", "aac", "-b:a", fmt.Sprintf("%dk", profile.AudioKbps),
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	}
}

// tailWriter keeps the last max bytes written so failures can report the
// encoder's closing diagnostics without buffering the full log.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.buf))
}
