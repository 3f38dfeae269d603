package types

// AudioMetadata holds technical properties extracted by the prober
type AudioMetadata struct {
	DurationSeconds float64    `json:"durationSeconds"`
	BitrateBps      int64      `json:"bitrateBps"`
	SampleRateHz    int        `json:"sampleRateHz"`
	ChannelCount    int        `json:"channelCount"`
	ContainerFormat string     `json:"containerFormat"`
	Codec           string     `json:"codec"`
	SizeBytes       int64      `json:"sizeBytes"`
	Tags            *AudioTags `json:"tags,omitempty"`
}

// AudioTags are embedded ID3/Vorbis/MP4 tags, read on a best-effort basis
type AudioTags struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Genre  string `json:"genre,omitempty"`
	Year   int    `json:"year,omitempty"`
}

// BeatMetadata identifies the catalog entry the upload belongs to
type BeatMetadata struct {
	BeatID string `json:"beatId" binding:"required"`
}

// ProcessingOptions controls which audio renditions a run produces
type ProcessingOptions struct {
	GeneratePreview bool `json:"generatePreview"`
	// PreviewDuration is in seconds, 0 means the configured default
	PreviewDuration int  `json:"previewDuration"`
	GenerateHLS     bool `json:"generateHLS"`
	// Qualities restricts the preset names to encode, empty means all
	Qualities []string `json:"qualities,omitempty"`
}

// RenditionSet lists the storage keys of every published audio output.
// It is only ever returned whole.
type RenditionSet struct {
	PreviewKey     string            `json:"previewKey,omitempty"`
	QualityKeys    map[string]string `json:"qualityKeys"`
	HLSManifestKey string            `json:"hlsManifestKey,omitempty"`
}

// Keys returns every key in the set
func (r *RenditionSet) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.QualityKeys)+2)
	if r.PreviewKey != "" {
		keys = append(keys, r.PreviewKey)
	}
	for _, k := range r.QualityKeys {
		keys = append(keys, k)
	}
	if r.HLSManifestKey != "" {
		keys = append(keys, r.HLSManifestKey)
	}
	return keys
}

// ArtworkKeys maps thumbnail size names to storage keys
type ArtworkKeys map[string]string

// CompleteRequest is the body of a completion call
type CompleteRequest struct {
	Metadata BeatMetadata      `json:"metadata"`
	Options  ProcessingOptions `json:"options"`
}

// CompleteResult is what a successful completion hands back
type CompleteResult struct {
	SessionID  string         `json:"sessionId"`
	Status     Status         `json:"status"`
	Renditions *RenditionSet  `json:"renditions,omitempty"`
	Artwork    ArtworkKeys    `json:"artwork,omitempty"`
	Metadata   *AudioMetadata `json:"metadata,omitempty"`
}
