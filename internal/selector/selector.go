// Package selector picks the variants worth acquiring from an extraction
// result.
package selector

import (
	"sort"

	"github.com/famomatic/ytrelay/internal/types"
)

// targetHeight is the rung direct playback aims for. Streams far above it
// blow the upload ceiling, far below it look bad; 720p is the compromise.
const targetHeight = 720

// preferredQualities are tried in order against entries that also carry audio.
var preferredQualities = []string{"720p", "360p"}

// BestAudio prefers audio-only variants sorted by descending bitrate. If none
// exist it falls back to the highest-bitrate combined (audio+video) variant.
// Sorting is stable: ties keep first-seen order.
func BestAudio(variants []types.Variant) (types.Variant, bool) {
	audioOnly := filter(variants, func(v types.Variant) bool {
		return v.HasAudio && !v.HasVideo
	})
	if len(audioOnly) == 0 {
		combined := filter(variants, func(v types.Variant) bool {
			return v.HasAudio && v.HasVideo
		})
		if len(combined) == 0 {
			return types.Variant{}, false
		}
		sortByBitrate(combined)
		return combined[0], true
	}
	sortByBitrate(audioOnly)
	return audioOnly[0], true
}

// BestVideo prefers an audio-bearing variant at one of the preferred quality
// rungs, then any audio-bearing video variant, then the video-only variant
// whose height is numerically closest to the target rung. Adaptive streams
// without audio are useless for direct playback, so they are a last resort.
func BestVideo(variants []types.Variant) (types.Variant, bool) {
	videos := filter(variants, func(v types.Variant) bool { return v.HasVideo })
	if len(videos) == 0 {
		return types.Variant{}, false
	}

	for _, quality := range preferredQualities {
		for _, v := range videos {
			if v.Quality == quality && v.HasAudio {
				return v, true
			}
		}
	}
	for _, v := range videos {
		if v.HasAudio {
			return v, true
		}
	}

	sorted := append([]types.Variant(nil), videos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return distance(sorted[i].Height) < distance(sorted[j].Height)
	})
	return sorted[0], true
}

func distance(height int) int {
	d := height - targetHeight
	if d < 0 {
		return -d
	}
	return d
}

func filter(variants []types.Variant, keep func(types.Variant) bool) []types.Variant {
	var out []types.Variant
	for _, v := range variants {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func sortByBitrate(variants []types.Variant) {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bitrate > variants[j].Bitrate
	})
}
