// Package hls builds HLS master and variant playlists for processed audio.
// Everything here is pure text generation; uploading is the pipeline's job.
package hls

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
)

// Version is the #EXT-X-VERSION written to master and packed audio playlists
const Version = 3

// FragmentedVersion is the version of playlists with fragmented MP4 segments
const FragmentedVersion = 7

// Segment duration bounds in seconds
const (
	MinSegmentDuration     = 6
	MaxSegmentDuration     = 15
	DefaultSegmentDuration = 10
)

// Variant is one quality level listed in a master playlist
type Variant struct {
	Name      string
	Bandwidth int
	Codecs    string
	// Path is the variant playlist location relative to the master
	Path string
}

// Segment is one media segment of a variant playlist
type Segment struct {
	URI      string
	Duration float64
}

// ClampSegmentDuration bounds d to [6,15] seconds, 0 meaning the default
func ClampSegmentDuration(d int) int {
	switch {
	case d == 0:
		return DefaultSegmentDuration
	case d < MinSegmentDuration:
		return MinSegmentDuration
	case d > MaxSegmentDuration:
		return MaxSegmentDuration
	default:
		return d
	}
}

// SortVariants returns a copy of variants in ascending bandwidth order
func SortVariants(variants []Variant) []Variant {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})
	return sorted
}

// BuildMasterPlaylist renders the master playlist. Variants are written in
// ascending bandwidth order and a variant without a Path points at
// {name}.m3u8 next to the master.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", Version)

	for _, v := range SortVariants(variants) {
		uri := v.Path
		if uri == "" {
			uri = v.Name + ".m3u8"
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"%s\"\n", v.Bandwidth, v.Codecs)
		b.WriteString(uri)
		b.WriteString("\n")
	}

	return b.String()
}

// BuildVariantPlaylist renders a VOD media playlist. The target duration is
// raised to cover the longest segment.
func BuildVariantPlaylist(segments []Segment, targetDuration int) string {
	return buildMediaPlaylist(segments, targetDuration, "")
}

// BuildFragmentedVariantPlaylist renders a VOD media playlist whose
// segments are fragmented MP4 initialized by initURI
func BuildFragmentedVariantPlaylist(initURI string, segments []Segment, targetDuration int) string {
	return buildMediaPlaylist(segments, targetDuration, initURI)
}

func buildMediaPlaylist(segments []Segment, targetDuration int, initURI string) string {
	target := targetDuration
	for _, s := range segments {
		if d := int(math.Ceil(s.Duration)); d > target {
			target = d
		}
	}

	version := Version
	if initURI != "" {
		version = FragmentedVersion
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	if initURI != "" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s\"\n", initURI)
	}

	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		b.WriteString(s.URI)
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// SplitSegments returns the segment durations covering totalSeconds: full
// segments followed by one shorter remainder.
func SplitSegments(totalSeconds float64, segmentSeconds int) []float64 {
	if totalSeconds <= 0 || segmentSeconds <= 0 {
		return nil
	}

	seg := float64(segmentSeconds)
	full := int(totalSeconds / seg)
	durations := make([]float64, 0, full+1)
	for i := 0; i < full; i++ {
		durations = append(durations, seg)
	}

	// ignore float noise below a millisecond
	if rem := totalSeconds - float64(full)*seg; rem > 0.001 {
		durations = append(durations, rem)
	}
	return durations
}

// AssignDurations pairs segment files with durations derived from the
// total length. When the segmenter produced a different count than
// SplitSegments predicts, every segment but the last gets the nominal length.
func AssignDurations(files []string, totalSeconds float64, segmentSeconds int) []Segment {
	durations := SplitSegments(totalSeconds, segmentSeconds)
	segments := make([]Segment, len(files))

	for i, f := range files {
		segments[i].URI = path.Base(f)
		if len(durations) == len(files) {
			segments[i].Duration = durations[i]
			continue
		}

		d := float64(segmentSeconds)
		if i == len(files)-1 {
			if rem := totalSeconds - float64(len(files)-1)*d; rem > 0 {
				d = rem
			}
		}
		segments[i].Duration = d
	}
	return segments
}
