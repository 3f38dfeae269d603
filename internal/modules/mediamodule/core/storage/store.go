// Package storage defines the object store the media pipeline writes to and
// ships two implementations: S3 and a local directory with signed URLs.
package storage

import (
	"context"
	"io"
	"os"
	"time"

	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is a presigned-URL blob store. Implementations return
// *errors.MediaError of type storage for every failure.
type ObjectStore interface {
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix and returns the count
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// PutFile uploads the file at path under key
func PutFile(ctx context.Context, store ObjectStore, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return mediaerrors.InternalError("put_file", err)
	}
	defer f.Close()

	return store.Put(ctx, key, f, contentType)
}
