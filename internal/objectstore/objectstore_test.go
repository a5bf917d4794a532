package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	if got := SourceKey("vid-1"); got != "source/vid-1.mp4" {
		t.Fatalf("source key = %q", got)
	}
	if got := VariantPlaylistKey("vid-1", 720); got != "HLS/vid-1/720/index.m3u8" {
		t.Fatalf("variant key = %q", got)
	}
	if got := SegmentKey("vid-1", 480, 3); got != "HLS/vid-1/480/seg_003.ts" {
		t.Fatalf("segment key = %q", got)
	}
	if got := MasterKey("vid-1"); got != "HLS/vid-1/index.m3u8" {
		t.Fatalf("master key = %q", got)
	}
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"HLS/v/index.m3u8":     "application/vnd.apple.mpegurl",
		"HLS/v/480/seg_000.ts": "video/MP2T",
		"source/v.mp4":         "video/mp4",
		"thumbs/cover.jpg":     "application/octet-stream",
		"HLS/v/480/SEG_1.TS":   "video/MP2T",
		"HLS/v/480/Index.M3U8": "application/vnd.apple.mpegurl",
	}
	for key, want := range cases {
		if got := ContentTypeForKey(key); got != want {
			t.Fatalf("ContentTypeForKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestMemoryGatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	gateway := NewMemoryGateway()

	body := strings.NewReader("#EXTM3U\n")
	if err := gateway.Put(ctx, "HLS/v/index.m3u8", body, int64(body.Len()), ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	reader, err := gateway.Get(ctx, "HLS/v/index.m3u8")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "#EXTM3U\n" {
		t.Fatalf("payload = %q", data)
	}

	contentType, ok := gateway.ContentType("HLS/v/index.m3u8")
	if !ok || contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q ok=%v", contentType, ok)
	}
}

func TestMemoryGatewayMissingKey(t *testing.T) {
	gateway := NewMemoryGateway()
	if _, err := gateway.Get(context.Background(), "source/nope.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
