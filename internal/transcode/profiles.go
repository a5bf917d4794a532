// Package transcode turns uploaded sources into HLS rendition ladders and
// drives the job lifecycle from queued to a terminal state.
package transcode

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidProfile reports a requested height outside the configured ladder.
var ErrInvalidProfile = errors.New("unsupported transcode profile")

// Profile is one rung of the rendition ladder.
type Profile struct {
	Height    int
	VideoKbps int
	AudioKbps int
}

// Bandwidth approximates the stream's peak bits per second for the master
// playlist's BANDWIDTH attribute.
func (p Profile) Bandwidth() int {
	return (p.VideoKbps + p.AudioKbps) * 1000
}

// Width derives a 16:9 width for the profile's height, rounded up to an even
// number because 4:2:0 chroma subsampling rejects odd dimensions.
func (p Profile) Width() int {
	width := p.Height * 16 / 9
	if width%2 != 0 {
		width++
	}
	return width
}

// Ladder is the set of encode profiles a deployment offers. It is plain
// configuration handed to the producer and worker rather than process-global
// state, so tests and multi-tenant setups can carry different ladders.
type Ladder struct {
	profiles map[int]Profile
	defaults []int
}

// NewLadder builds a ladder from explicit profiles. The default request set
// is every profile, ascending.
func NewLadder(profiles ...Profile) (Ladder, error) {
	if len(profiles) == 0 {
		return Ladder{}, errors.New("ladder requires at least one profile")
	}
	byHeight := make(map[int]Profile, len(profiles))
	heights := make([]int, 0, len(profiles))
	for _, p := range profiles {
		if p.Height <= 0 || p.VideoKbps <= 0 || p.AudioKbps <= 0 {
			return Ladder{}, fmt.Errorf("profile %dp has non-positive settings", p.Height)
		}
		if _, dup := byHeight[p.Height]; dup {
			return Ladder{}, fmt.Errorf("duplicate profile height %d", p.Height)
		}
		byHeight[p.Height] = p
		heights = append(heights, p.Height)
	}
	sort.Ints(heights)
	return Ladder{profiles: byHeight, defaults: heights}, nil
}

// DefaultLadder is the stock 240/480/720 ladder.
func DefaultLadder() Ladder {
	ladder, err := NewLadder(
		Profile{Height: 240, VideoKbps: 400, AudioKbps: 96},
		Profile{Height: 480, VideoKbps: 800, AudioKbps: 96},
		Profile{Height: 720, VideoKbps: 1500, AudioKbps: 128},
	)
	if err != nil {
		panic(err)
	}
	return ladder
}

// Heights lists the ladder's heights ascending.
func (l Ladder) Heights() []int {
	out := make([]int, len(l.defaults))
	copy(out, l.defaults)
	return out
}

// Profile looks up one rung by height.
func (l Ladder) Profile(height int) (Profile, bool) {
	p, ok := l.profiles[height]
	return p, ok
}

// Resolve validates a requested height set against the ladder and returns
// the matching profiles ascending with duplicates collapsed. An empty
// request resolves to the full ladder.
func (l Ladder) Resolve(heights []int) ([]Profile, error) {
	if len(heights) == 0 {
		heights = l.defaults
	}
	seen := make(map[int]bool, len(heights))
	resolved := make([]Profile, 0, len(heights))
	for _, h := range heights {
		if seen[h] {
			continue
		}
		seen[h] = true
		p, ok := l.profiles[h]
		if !ok {
			return nil, fmt.Errorf("height %d: %w", h, ErrInvalidProfile)
		}
		resolved = append(resolved, p)
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Height < resolved[j].Height })
	return resolved, nil
}
