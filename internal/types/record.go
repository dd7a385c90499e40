package types

import "time"

// MediaRecord is the persisted mapping from a video ID to its stored blobs.
// A record only ever exists with both file IDs present.
type MediaRecord struct {
	VideoID        string
	Title          string
	AudioFileID    string
	VideoFileID    string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// FileID returns the stored handle for the given kind.
func (r *MediaRecord) FileID(kind MediaKind) string {
	if kind == KindAudio {
		return r.AudioFileID
	}
	return r.VideoFileID
}
