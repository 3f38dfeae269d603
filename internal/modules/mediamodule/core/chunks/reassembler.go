// Package chunks concatenates uploaded chunks back into the original file.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// SessionDir is the scratch directory owned by one session's processing run
func SessionDir(tempRoot, sessionID string) string {
	return filepath.Join(tempRoot, sessionID)
}

// Reassembler streams chunks from the object store into one local file
type Reassembler struct {
	objects  storage.ObjectStore
	tempRoot string
	logger   hclog.Logger
}

// NewReassembler creates a reassembler writing under tempRoot
func NewReassembler(objects storage.ObjectStore, tempRoot string, logger hclog.Logger) *Reassembler {
	return &Reassembler{
		objects:  objects,
		tempRoot: tempRoot,
		logger:   logger.Named("reassembler"),
	}
}

// Reassemble writes chunks 0..count-1 in order to
// {tempRoot}/{sessionID}/assembled{ext} and returns the path. Every missing
// index is reported before any bytes are copied.
func (r *Reassembler) Reassemble(ctx context.Context, sessionID string, count int, ext string) (string, error) {
	if count <= 0 {
		return "", mediaerrors.ValidationError("reassemble", fmt.Errorf("expected chunk count must be positive")).WithSession(sessionID)
	}

	missing, err := r.missingChunks(ctx, sessionID, count)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", mediaerrors.IncompleteUploadError("reassemble", missing).WithSession(sessionID)
	}

	dir := SessionDir(r.tempRoot, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", mediaerrors.InternalError("reassemble", err).WithSession(sessionID)
	}

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	outPath := filepath.Join(dir, "assembled"+strings.ToLower(ext))

	out, err := os.Create(outPath)
	if err != nil {
		return "", mediaerrors.InternalError("reassemble", err).WithSession(sessionID)
	}

	var written int64
	for i := 0; i < count; i++ {
		n, err := r.appendChunk(ctx, out, sessionID, i)
		written += n
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return "", mediaerrors.Wrap(err, mediaerrors.ErrorTypeStorage, "reassemble")
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", mediaerrors.InternalError("reassemble", err).WithSession(sessionID)
	}

	r.logger.Debug("chunks reassembled", "session_id", sessionID, "chunks", count, "bytes", written)
	return outPath, nil
}

func (r *Reassembler) missingChunks(ctx context.Context, sessionID string, count int) ([]int, error) {
	objects, err := r.objects.List(ctx, storage.ChunkPrefix(sessionID))
	if err != nil {
		return nil, mediaerrors.Wrap(err, mediaerrors.ErrorTypeStorage, "reassemble")
	}

	present := make(map[int]bool, len(objects))
	for _, obj := range objects {
		if i, ok := storage.ChunkIndex(obj.Key); ok {
			present[i] = true
		}
	}

	var missing []int
	for i := 0; i < count; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (r *Reassembler) appendChunk(ctx context.Context, out io.Writer, sessionID string, index int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	body, err := r.objects.Get(ctx, storage.ChunkKey(sessionID, index))
	if err != nil {
		// deleted after the listing
		if errors.Is(err, mediaerrors.ErrObjectNotFound) {
			return 0, mediaerrors.IncompleteUploadError("reassemble", []int{index}).WithSession(sessionID)
		}
		return 0, err
	}
	defer body.Close()

	n, err := io.Copy(out, body)
	if err != nil {
		return n, mediaerrors.StorageError("reassemble", fmt.Errorf("chunk %d: %w", index, err)).WithSession(sessionID)
	}
	return n, nil
}
