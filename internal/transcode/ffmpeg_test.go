package transcode

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuildArgsCarriesProfileSettings(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{})
	profile := Profile{Height: 480, VideoKbps: 800, AudioKbps: 96}
	args := f.buildArgs("/tmp/in.mp4", "/tmp/out", "/tmp/out/index.m3u8", profile)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-vf scale=-2:480",
		"-b:v 800k",
		"-maxrate 880k",
		"-bufsize 1600k",
		"-b:a 96k",
		"-hls_playlist_type vod",
		"-hls_time 4",
		"-hls_list_size 0",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q:\n%s", want, joined)
		}
	}
	if args[len(args)-1] != "/tmp/out/index.m3u8" {
		t.Fatalf("playlist path must be the final argument, got %q", args[len(args)-1])
	}
}

func TestTranscodeReportsMissingPlaylist(t *testing.T) {
	// A binary that exits cleanly without writing HLS output must still be
	// treated as an encode failure.
	f := NewFFmpeg(FFmpegConfig{Binary: "true"})
	err := f.Transcode(context.Background(), "in.mp4", t.TempDir(), Profile{Height: 480, VideoKbps: 800, AudioKbps: 96})
	var encodeErr *EncodeError
	if !errors.As(err, &encodeErr) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
	if encodeErr.Height != 480 {
		t.Fatalf("error height = %d", encodeErr.Height)
	}
}

func TestTranscodeNonZeroExit(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Binary: "false"})
	err := f.Transcode(context.Background(), "in.mp4", t.TempDir(), Profile{Height: 240, VideoKbps: 400, AudioKbps: 96})
	var encodeErr *EncodeError
	if !errors.As(err, &encodeErr) {
		t.Fatalf("expected EncodeError, got %v", err)
	}
}

func TestTranscodeHonoursCancellation(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Binary: "sleep", EncodeTimeout: 50 * time.Millisecond})
	// The args make no sense to sleep, so it exits immediately with an
	// error; a hung binary would be killed by the timeout instead.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Transcode(ctx, "in.mp4", t.TempDir(), Profile{Height: 240, VideoKbps: 400, AudioKbps: 96})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestTailWriterKeepsSuffix(t *testing.T) {
	w := newTailWriter(8)
	if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := w.String(); got != "89abcdef" {
		t.Fatalf("tail = %q, want trailing 8 bytes", got)
	}
}

func TestEncodeErrorIncludesOutput(t *testing.T) {
	err := &EncodeError{Height: 720, Err: errors.New("exit status 1"), Output: "codec not found"}
	msg := err.Error()
	if !strings.Contains(msg, "720p") || !strings.Contains(msg, "codec not found") {
		t.Fatalf("error message = %q", msg)
	}
}
