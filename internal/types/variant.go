package types

// MediaKind distinguishes the two stored blobs per video.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Variant is the normalized candidate stream model produced by extraction.
type Variant struct {
	Quality  string
	URL      string
	MimeType string
	Width    int
	Height   int
	FPS      int
	Bitrate  int
	HasAudio bool
	HasVideo bool
	Source   string
}

// Playable reports whether the variant carries a resolved transport URL.
func (v Variant) Playable() bool {
	return v.URL != ""
}
