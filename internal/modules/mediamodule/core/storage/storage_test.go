package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	store, err := NewLocalStore(LocalConfig{
		RootDir: t.TempDir(),
		BaseURL: "http://localhost:8080/api/v1/media/objects",
		Secret:  "test-secret",
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	return store
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "audio/owner-1/beat-9/320k.mp3", AudioKey("owner-1", "beat-9", "320k", "mp3"))
	assert.Equal(t, "artwork/owner-1/beat-9/mini.webp", ArtworkKey("owner-1", "beat-9", "mini"))
	assert.Equal(t, "playlists/beat-9/master.m3u8", MasterPlaylistKey("beat-9"))
	assert.Equal(t, "playlists/beat-9/low.m3u8", VariantPlaylistKey("beat-9", "low"))
	assert.Equal(t, "playlists/beat-9/low/seg_000.mp3", SegmentKey("beat-9", "low", "seg_000.mp3"))
	assert.Equal(t, "uploads/s1/chunk_10", ChunkKey("s1", 10))

	i, ok := ChunkIndex("uploads/s1/chunk_10")
	assert.True(t, ok)
	assert.Equal(t, 10, i)

	_, ok = ChunkIndex("uploads/s1/other")
	assert.False(t, ok)
	_, ok = ChunkIndex("uploads/s1/chunk_x")
	assert.False(t, ok)
}

func TestLocalStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestLocalStore(t)

	require.NoError(t, store.Put(ctx, "audio/o/b/128k.mp3", strings.NewReader("payload"), "audio/mpeg"))

	exists, err := store.Exists(ctx, "audio/o/b/128k.mp3")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Get(ctx, "audio/o/b/128k.mp3")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(ctx, "audio/o/b/128k.mp3"))
	exists, err = store.Exists(ctx, "audio/o/b/128k.mp3")
	require.NoError(t, err)
	assert.False(t, exists)

	// deleting a missing key is not an error
	assert.NoError(t, store.Delete(ctx, "audio/o/b/128k.mp3"))

	_, err = store.Get(ctx, "audio/o/b/128k.mp3")
	assert.ErrorIs(t, err, mediaerrors.ErrObjectNotFound)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store := newTestLocalStore(t)
	err := store.Put(context.Background(), "../escape", strings.NewReader("x"), "")
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeStorage))
}

func TestLocalStoreListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestLocalStore(t)

	for _, key := range []string{"uploads/s1/chunk_0", "uploads/s1/chunk_1", "uploads/s2/chunk_0"} {
		require.NoError(t, store.Put(ctx, key, strings.NewReader("abc"), ""))
	}

	objects, err := store.List(ctx, ChunkPrefix("s1"))
	require.NoError(t, err)
	assert.Len(t, objects, 2)
	for _, obj := range objects {
		assert.Equal(t, int64(3), obj.Size)
		assert.False(t, obj.LastModified.IsZero())
	}

	deleted, err := store.DeletePrefix(ctx, ChunkPrefix("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	objects, err = store.List(ctx, PurposeUploads+"/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "uploads/s2/chunk_0", objects[0].Key)

	_, err = store.DeletePrefix(ctx, "")
	assert.Error(t, err)
}

func TestLocalStoreSignedURLs(t *testing.T) {
	store := newTestLocalStore(t)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	raw, err := store.PresignUpload(context.Background(), "uploads/s1/chunk_0", "audio/mpeg", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "http://localhost:8080/api/v1/media/objects/uploads/s1/chunk_0?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	expires := u.Query().Get("expires")
	sig := u.Query().Get("signature")

	assert.NoError(t, store.Verify("PUT", "uploads/s1/chunk_0", expires, sig))
	assert.ErrorIs(t, store.Verify("GET", "uploads/s1/chunk_0", expires, sig), ErrBadSignature, "method is signed")
	assert.ErrorIs(t, store.Verify("PUT", "uploads/s1/chunk_1", expires, sig), ErrBadSignature, "key is signed")
	assert.ErrorIs(t, store.Verify("PUT", "uploads/s1/chunk_0", "nope", sig), ErrBadSignature)

	store.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.ErrorIs(t, store.Verify("PUT", "uploads/s1/chunk_0", expires, sig), ErrBadSignature, "expired")
}

// flakyStore fails the first n calls of each operation with a storage error
type flakyStore struct {
	ObjectStore
	mu       sync.Mutex
	failures int
	calls    int
	err      error
	bodies   []string
}

func (f *flakyStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, _ := io.ReadAll(body)
	f.bodies = append(f.bodies, string(data))
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestRetryingStoreRetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{failures: 2, err: mediaerrors.StorageError("put", errors.New("connection reset"))}
	store := NewRetryingStore(inner, fastRetry(), hclog.NewNullLogger())

	err := store.Put(context.Background(), "k", bytes.NewReader([]byte("body")), "")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	for _, b := range inner.bodies {
		assert.Equal(t, "body", b, "body is rewound before every attempt")
	}
}

func TestRetryingStoreGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{failures: 10, err: mediaerrors.StorageError("delete", errors.New("503"))}
	store := NewRetryingStore(inner, fastRetry(), hclog.NewNullLogger())

	err := store.Delete(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeStorage))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingStoreDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyStore{failures: 10, err: mediaerrors.ValidationError("put", errors.New("bad key"))}
	store := NewRetryingStore(inner, fastRetry(), hclog.NewNullLogger())

	err := store.Put(context.Background(), "k", bytes.NewReader([]byte("x")), "")
	require.Error(t, err)
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeValidation))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingStoreNonSeekableBodyIsSingleAttempt(t *testing.T) {
	inner := &flakyStore{failures: 1, err: mediaerrors.StorageError("put", errors.New("reset"))}
	store := NewRetryingStore(inner, fastRetry(), hclog.NewNullLogger())

	err := store.Put(context.Background(), "k", io.NopCloser(strings.NewReader("x")), "")
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
