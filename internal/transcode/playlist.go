package transcode

import (
	"fmt"
	"sort"
	"strings"
)

// Variant is one ready rendition feeding the master playlist.
type Variant struct {
	Profile Profile
	// URI is the playlist reference relative to the master, e.g.
	// "720/index.m3u8".
	URI string
}

// BuildMasterPlaylist renders the adaptive master manifest. Variants are
// listed ascending by height so clients start from the cheapest rung, and
// the output is byte-identical for identical input sets.
func BuildMasterPlaylist(variants []Variant) string {
	ordered := make([]Variant, len(variants))
	copy(ordered, variants)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Profile.Height < ordered[j].Profile.Height })

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range ordered {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			v.Profile.Bandwidth(), v.Profile.Width(), v.Profile.Height)
		b.WriteString(v.URI)
		b.WriteByte('\n')
	}
	return b.String()
}
