// Package objectstore abstracts the bucket that holds source uploads and
// rendered HLS output.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound reports a key with no object behind it.
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable reports a backend that could not be reached.
	ErrUnavailable = errors.New("object store unavailable")
)

// Gateway is the read/write surface the rest of the system uses. Put
// overwrites silently; Get streams and the caller owns the closer.
type Gateway interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Ping(ctx context.Context) error
}

// SourceKey is where an uploaded mezzanine lands.
func SourceKey(videoID string) string {
	return fmt.Sprintf("source/%s.mp4", videoID)
}

// VariantPlaylistKey locates one rendition's media playlist.
func VariantPlaylistKey(videoID string, height int) string {
	return fmt.Sprintf("HLS/%s/%d/index.m3u8", videoID, height)
}

// SegmentKey locates one transport-stream segment of a rendition.
func SegmentKey(videoID string, height, index int) string {
	return fmt.Sprintf("HLS/%s/%d/seg_%03d.ts", videoID, height, index)
}

// MasterKey locates the master playlist for a video.
func MasterKey(videoID string) string {
	return fmt.Sprintf("HLS/%s/index.m3u8", videoID)
}

// ContentTypeForKey maps a key to the MIME type players expect. Unknown
// extensions fall back to an opaque byte stream.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
