package storage

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Key scheme: {purpose}/{ownerId}/{entityId}/{variant}.{ext}
const (
	PurposeAudio    = "audio"
	PurposeArtwork  = "artwork"
	PurposePlaylist = "playlists"
	PurposeUploads  = "uploads"
)

// MediaKey builds a permanent key for one rendition
func MediaKey(purpose, ownerID, entityID, variant, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s.%s", purpose, ownerID, entityID, variant, ext)
}

// AudioKey is audio/{ownerId}/{beatId}/{renditionName}.{ext}
func AudioKey(ownerID, beatID, rendition, ext string) string {
	return MediaKey(PurposeAudio, ownerID, beatID, rendition, ext)
}

// ArtworkKey is artwork/{ownerId}/{beatId}/{sizeName}.webp
func ArtworkKey(ownerID, beatID, sizeName string) string {
	return MediaKey(PurposeArtwork, ownerID, beatID, sizeName, "webp")
}

// ChunkPrefix is the directory holding every chunk of one upload
func ChunkPrefix(sessionID string) string {
	return PurposeUploads + "/" + sessionID + "/"
}

// ChunkKey is uploads/{sessionId}/chunk_{index}
func ChunkKey(sessionID string, index int) string {
	return ChunkPrefix(sessionID) + "chunk_" + strconv.Itoa(index)
}

// ChunkIndex extracts the index from a chunk key
func ChunkIndex(key string) (int, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, "chunk_") {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(base, "chunk_"))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// PlaylistPrefix holds every HLS artifact of a beat
func PlaylistPrefix(beatID string) string {
	return PurposePlaylist + "/" + beatID + "/"
}

// MasterPlaylistKey is playlists/{beatId}/master.m3u8
func MasterPlaylistKey(beatID string) string {
	return PlaylistPrefix(beatID) + "master.m3u8"
}

// VariantPlaylistKey is playlists/{beatId}/{quality}.m3u8
func VariantPlaylistKey(beatID, qualityName string) string {
	return PlaylistPrefix(beatID) + qualityName + ".m3u8"
}

// SegmentKey is playlists/{beatId}/{quality}/{segment}
func SegmentKey(beatID, qualityName, segment string) string {
	return PlaylistPrefix(beatID) + qualityName + "/" + segment
}
