package transcode

import (
	"testing"
)

func TestBuildMasterPlaylistOrdersAscending(t *testing.T) {
	ladder := DefaultLadder()
	p240, _ := ladder.Profile(240)
	p720, _ := ladder.Profile(720)

	got := BuildMasterPlaylist([]Variant{
		{Profile: p720, URI: "720/index.m3u8"},
		{Profile: p240, URI: "240/index.m3u8"},
	})

	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=496000,RESOLUTION=426x240\n" +
		"240/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1628000,RESOLUTION=1280x720\n" +
		"720/index.m3u8\n"
	if got != want {
		t.Fatalf("playlist mismatch:\n%s\nwant:\n%s", got, want)
	}
}

func TestBuildMasterPlaylistIsDeterministic(t *testing.T) {
	ladder := DefaultLadder()
	p240, _ := ladder.Profile(240)
	p480, _ := ladder.Profile(480)
	p720, _ := ladder.Profile(720)

	a := BuildMasterPlaylist([]Variant{
		{Profile: p720, URI: "720/index.m3u8"},
		{Profile: p240, URI: "240/index.m3u8"},
		{Profile: p480, URI: "480/index.m3u8"},
	})
	b := BuildMasterPlaylist([]Variant{
		{Profile: p240, URI: "240/index.m3u8"},
		{Profile: p480, URI: "480/index.m3u8"},
		{Profile: p720, URI: "720/index.m3u8"},
	})
	if a != b {
		t.Fatalf("same variant set produced different manifests:\n%s\nvs\n%s", a, b)
	}
}

func TestBuildMasterPlaylistEmptySet(t *testing.T) {
	got := BuildMasterPlaylist(nil)
	if got != "#EXTM3U\n#EXT-X-VERSION:3\n" {
		t.Fatalf("empty manifest = %q", got)
	}
}
