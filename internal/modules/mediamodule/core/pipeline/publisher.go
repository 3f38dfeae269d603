// Package pipeline turns a reassembled upload into published renditions:
// audio previews, quality tiers and HLS playlists, or artwork thumbnails.
// A run publishes everything or, after rolling back, nothing.
package pipeline

import (
	"context"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
)

// publisher uploads objects and remembers every key it wrote so a failed
// run can delete them again
type publisher struct {
	store  storage.ObjectStore
	logger hclog.Logger

	mu   sync.Mutex
	keys []string
}

func newPublisher(store storage.ObjectStore, logger hclog.Logger) *publisher {
	return &publisher{store: store, logger: logger}
}

// record remembers key for rollback unless an earlier run already wrote it.
// Keys are fixed per beat, so an existing object may still be referenced by
// the catalog and must survive a failed reprocess.
func (p *publisher) record(ctx context.Context, key string) {
	existed, err := p.store.Exists(ctx, key)
	if err == nil && existed {
		p.logger.Warn("overwriting object from an earlier run, excluded from rollback", "key", key)
		return
	}

	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.mu.Unlock()
}

// putFile uploads the file at path. The key is recorded before the call
// because a failed Put may still leave a partial object behind.
func (p *publisher) putFile(ctx context.Context, key, path, contentType string) error {
	p.record(ctx, key)
	return storage.PutFile(ctx, p.store, key, path, contentType)
}

func (p *publisher) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	p.record(ctx, key)
	return p.store.Put(ctx, key, body, contentType)
}

// rollback deletes every recorded key and returns how many were removed.
// It runs detached from ctx so a cancelled run still cleans up.
func (p *publisher) rollback(ctx context.Context) int {
	p.mu.Lock()
	keys := p.keys
	p.keys = nil
	p.mu.Unlock()

	cleanupCtx := context.WithoutCancel(ctx)
	removed := 0
	for _, key := range keys {
		if err := p.store.Delete(cleanupCtx, key); err != nil {
			p.logger.Error("rollback delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	return removed
}
