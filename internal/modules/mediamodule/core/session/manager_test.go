package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

func setupManager(t *testing.T) (*Manager, *storage.LocalStore) {
	objects, err := storage.NewLocalStore(storage.LocalConfig{
		RootDir: t.TempDir(),
		BaseURL: "http://localhost:8080/api/v1/media/objects",
		Secret:  "test-secret",
	}, hclog.NewNullLogger())
	require.NoError(t, err)

	manager := NewManager(NewMemoryStore(), objects, DefaultConfig(), hclog.NewNullLogger())
	return manager, objects
}

func TestManager_Initialize(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	result, err := manager.Initialize(ctx, types.InitRequest{
		OwnerID:       "owner-1",
		Filename:      "beat.wav",
		ContentType:   "audio/wav",
		DeclaredSize:  55 * mb,
		ChunkSizeHint: 5 * mb,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, int64(5*mb), result.ChunkSize)
	assert.Equal(t, 11, result.TotalChunks)
	require.Len(t, result.UploadTargets, 11)
	for i, target := range result.UploadTargets {
		assert.Equal(t, i, target.Index)
		assert.Equal(t, storage.ChunkKey(result.SessionID, i), target.Key)
		assert.Contains(t, target.URL, "signature=")
	}

	session, err := manager.Store().Get(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, session.Status)
	assert.Equal(t, types.MediaTypeAudio, session.MediaType)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), session.ExpiresAt, time.Minute)
}

func TestManager_InitializeDefaultsChunkSize(t *testing.T) {
	manager, _ := setupManager(t)

	result, err := manager.Initialize(context.Background(), types.InitRequest{
		OwnerID:      "owner-1",
		Filename:     "cover.png",
		ContentType:  "image/png",
		DeclaredSize: 12 * mb,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5*mb), result.ChunkSize)
	assert.Equal(t, 3, result.TotalChunks)
}

func TestManager_InitializeValidation(t *testing.T) {
	tests := []struct {
		name string
		req  types.InitRequest
	}{
		{"audio over limit", types.InitRequest{OwnerID: "o", Filename: "a.wav", ContentType: "audio/wav", DeclaredSize: 501 * mb}},
		{"image over limit", types.InitRequest{OwnerID: "o", Filename: "a.png", ContentType: "image/png", DeclaredSize: 21 * mb}},
		{"zero size", types.InitRequest{OwnerID: "o", Filename: "a.wav", ContentType: "audio/wav", DeclaredSize: 0}},
		{"negative size", types.InitRequest{OwnerID: "o", Filename: "a.wav", ContentType: "audio/wav", DeclaredSize: -5}},
		{"type not allowed", types.InitRequest{OwnerID: "o", Filename: "a.exe", ContentType: "application/x-msdownload", DeclaredSize: mb}},
		{"video not allowed", types.InitRequest{OwnerID: "o", Filename: "a.mp4", ContentType: "video/mp4", DeclaredSize: mb}},
		{"missing owner", types.InitRequest{Filename: "a.wav", ContentType: "audio/wav", DeclaredSize: mb}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, _ := setupManager(t)
			_, err := manager.Initialize(context.Background(), tt.req)
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeValidation), "got %v", err)
		})
	}
}

func TestManager_StatusDiscoversChunks(t *testing.T) {
	manager, objects := setupManager(t)
	ctx := context.Background()

	result, err := manager.Initialize(ctx, types.InitRequest{
		OwnerID:      "owner-1",
		Filename:     "beat.wav",
		ContentType:  "audio/wav",
		DeclaredSize: 3 * mb,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalChunks)

	session, err := manager.Status(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, session.Status)
	assert.Empty(t, session.UploadedChunks)

	require.NoError(t, objects.Put(ctx, storage.ChunkKey(result.SessionID, 0), bytes.NewReader([]byte("abc")), ""))

	session, err = manager.Status(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, session.Status)
	assert.Equal(t, []int{0}, session.UploadedChunks)

	_, err = manager.Status(ctx, "missing")
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound))
}

func TestManager_BeginIsExclusive(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	result, err := manager.Initialize(ctx, types.InitRequest{
		OwnerID:      "owner-1",
		Filename:     "beat.wav",
		ContentType:  "audio/wav",
		DeclaredSize: 3 * mb,
	})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Begin(ctx, result.SessionID)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState) {
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
}

func TestManager_Finish(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	init := func() string {
		result, err := manager.Initialize(ctx, types.InitRequest{
			OwnerID:      "owner-1",
			Filename:     "beat.wav",
			ContentType:  "audio/wav",
			DeclaredSize: mb,
		})
		require.NoError(t, err)
		_, err = manager.Begin(ctx, result.SessionID)
		require.NoError(t, err)
		return result.SessionID
	}

	id := init()
	session, err := manager.Finish(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, session.Status)

	// completed sessions cannot be finished again
	_, err = manager.Finish(ctx, id, errors.New("late"))
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState))

	id = init()
	cause := mediaerrors.EncodeFailure("encode_high", &mediaerrors.EncodeError{ExitCode: 1, StderrTail: "boom"})
	session, err = manager.Finish(ctx, id, cause)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, session.Status)
	assert.Contains(t, session.FailureReason, "encoder exited with code 1")
	assert.NotContains(t, session.FailureReason, "boom")
}
