// Package quality holds the static table of audio output encodings.
//
// Every upload at a given tier is encoded with the same parameters. The table
// is ordered lowest bandwidth first, which is also the order variants appear
// in the HLS master playlist.
//
//	low      128k MP3   44.1kHz stereo
//	medium   320k MP3   44.1kHz stereo
//	high     FLAC       44.1kHz stereo (lossless, no bitrate target)
//
// MP3 tiers are segmented as packed audio. FLAC is not allowed in packed
// HLS segments, so the lossless tier is segmented as fragmented MP4.
package quality

import (
	"fmt"
	"sort"
)

// Preset is a named, fixed combination of encoding parameters
type Preset struct {
	Name          string // Tier name used in RenditionSet.QualityKeys
	RenditionName string // File stem in the storage key, e.g. "320k"
	TargetBitrate int    // bps, ignored when Lossless
	SampleRate    int    // Hz
	Channels      int
	Codec         string // ffmpeg encoder name
	Extension     string // output file extension without dot
	ContentType   string
	Lossless      bool
	// Bandwidth is the peak rate advertised in the HLS master playlist
	Bandwidth int
	// CodecString is the RFC 6381 value for the CODECS attribute
	CodecString string
	// SegmentExtension overrides Extension for HLS segments; "m4s" selects
	// fragmented MP4
	SegmentExtension string
}

// FragmentedExtension is the segment extension of fragmented MP4 variants
const FragmentedExtension = "m4s"

// SegmentExt returns the HLS segment file extension
func (p Preset) SegmentExt() string {
	if p.SegmentExtension != "" {
		return p.SegmentExtension
	}
	return p.Extension
}

// Fragmented reports whether HLS segments are fragmented MP4
func (p Preset) Fragmented() bool {
	return p.SegmentExt() == FragmentedExtension
}

// SegmentContentType returns the content type of one HLS segment
func (p Preset) SegmentContentType() string {
	if p.Fragmented() {
		return "audio/mp4"
	}
	return p.ContentType
}

const (
	Low    = "low"
	Medium = "medium"
	High   = "high"
)

var defaultPresets = []Preset{
	{
		Name:          Low,
		RenditionName: "128k",
		TargetBitrate: 128000,
		SampleRate:    44100,
		Channels:      2,
		Codec:         "libmp3lame",
		Extension:     "mp3",
		ContentType:   "audio/mpeg",
		Bandwidth:     128000,
		CodecString:   "mp4a.40.34",
	},
	{
		Name:          Medium,
		RenditionName: "320k",
		TargetBitrate: 320000,
		SampleRate:    44100,
		Channels:      2,
		Codec:         "libmp3lame",
		Extension:     "mp3",
		ContentType:   "audio/mpeg",
		Bandwidth:     320000,
		CodecString:   "mp4a.40.34",
	},
	{
		Name:          High,
		RenditionName: "lossless",
		SampleRate:    44100,
		Channels:      2,
		Codec:         "flac",
		Extension:     "flac",
		ContentType:   "audio/flac",
		Lossless:      true,
		Bandwidth:     1411200,
		CodecString:   "fLaC",

		SegmentExtension: FragmentedExtension,
	},
}

// Table is an ordered, read-only set of presets
type Table struct {
	presets []Preset
}

// DefaultTable returns the low/medium/high table
func DefaultTable() *Table {
	return NewTable(defaultPresets)
}

// NewTable builds a table sorted by ascending bandwidth
func NewTable(presets []Preset) *Table {
	sorted := make([]Preset, len(presets))
	copy(sorted, presets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})
	return &Table{presets: sorted}
}

// All returns a copy of every preset
func (t *Table) All() []Preset {
	out := make([]Preset, len(t.presets))
	copy(out, t.presets)
	return out
}

// Lookup finds a preset by tier name
func (t *Table) Lookup(name string) (Preset, bool) {
	for _, p := range t.presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Select returns the named presets in table order. An empty list selects all.
func (t *Table) Select(names []string) ([]Preset, error) {
	if len(names) == 0 {
		return t.All(), nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := t.Lookup(n); !ok {
			return nil, fmt.Errorf("unknown quality preset %q", n)
		}
		want[n] = true
	}

	var out []Preset
	for _, p := range t.presets {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}
