package pipeline

import (
	"os"
	"strings"

	"github.com/dhowden/tag"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
)

// TagReader extracts embedded tags from an audio file
type TagReader interface {
	ReadTags(path string) (*types.AudioTags, error)
}

// FileTagReader reads ID3, MP4, FLAC and OGG tags with dhowden/tag
type FileTagReader struct{}

func (FileTagReader) ReadTags(path string) (*types.AudioTags, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, err
	}

	tags := &types.AudioTags{
		Title:  strings.TrimSpace(m.Title()),
		Artist: strings.TrimSpace(m.Artist()),
		Album:  strings.TrimSpace(m.Album()),
		Genre:  strings.TrimSpace(m.Genre()),
		Year:   m.Year(),
	}
	if *tags == (types.AudioTags{}) {
		return nil, nil
	}
	return tags, nil
}
