package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
)

// Config holds session manager limits
type Config struct {
	SessionTTL        time.Duration
	UploadURLTTL      time.Duration
	DefaultChunkSize  int64
	MinChunkSize      int64
	MaxAudioSize      int64
	MaxImageSize      int64
	AllowedAudioTypes []string
	AllowedImageTypes []string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		SessionTTL:        24 * time.Hour,
		UploadURLTTL:      time.Hour,
		DefaultChunkSize:  5 * 1024 * 1024,
		MinChunkSize:      1024 * 1024,
		MaxAudioSize:      500 * 1024 * 1024,
		MaxImageSize:      20 * 1024 * 1024,
		AllowedAudioTypes: []string{"audio/mpeg", "audio/wav", "audio/x-wav", "audio/flac", "audio/x-flac", "audio/aiff", "audio/mp4"},
		AllowedImageTypes: []string{"image/jpeg", "image/png", "image/webp"},
	}
}

// Manager creates upload sessions and drives their status
type Manager struct {
	store   Store
	objects storage.ObjectStore
	config  Config
	logger  hclog.Logger
	now     func() time.Time
}

// NewManager creates a new session manager
func NewManager(store Store, objects storage.ObjectStore, config Config, logger hclog.Logger) *Manager {
	return &Manager{
		store:   store,
		objects: objects,
		config:  config,
		logger:  logger.Named("session-manager"),
		now:     time.Now,
	}
}

// Store returns the underlying session store
func (m *Manager) Store() Store {
	return m.store
}

// Initialize validates the declared upload and creates a session with one
// presigned PUT target per chunk.
func (m *Manager) Initialize(ctx context.Context, req types.InitRequest) (*types.InitResult, error) {
	mediaType, err := m.resolveMediaType(req.ContentType)
	if err != nil {
		return nil, err
	}
	if err := m.validateSize(mediaType, req.DeclaredSize); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, mediaerrors.ValidationError("initialize", fmt.Errorf("owner id is required"))
	}

	chunkSize := req.ChunkSizeHint
	if chunkSize <= 0 {
		chunkSize = m.config.DefaultChunkSize
	}
	if chunkSize < m.config.MinChunkSize {
		chunkSize = m.config.MinChunkSize
	}

	now := m.now()
	session := &types.UploadSession{
		ID:             uuid.New().String(),
		OwnerID:        req.OwnerID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		MediaType:      mediaType,
		DeclaredSize:   req.DeclaredSize,
		ChunkSize:      chunkSize,
		TotalChunks:    types.TotalChunks(req.DeclaredSize, chunkSize),
		UploadedChunks: []int{},
		Status:         types.StatusInitialized,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.config.SessionTTL),
	}

	targets := make([]types.ChunkTarget, session.TotalChunks)
	for i := range targets {
		key := storage.ChunkKey(session.ID, i)
		url, err := m.objects.PresignUpload(ctx, key, "application/octet-stream", m.config.UploadURLTTL)
		if err != nil {
			return nil, mediaerrors.Wrap(err, mediaerrors.ErrorTypeStorage, "initialize")
		}
		targets[i] = types.ChunkTarget{Index: i, Key: key, URL: url}
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("upload session initialized",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"media_type", session.MediaType,
		"declared_size", session.DeclaredSize,
		"total_chunks", session.TotalChunks)

	return &types.InitResult{
		SessionID:     session.ID,
		ChunkSize:     chunkSize,
		TotalChunks:   session.TotalChunks,
		UploadTargets: targets,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// Status returns the session after refreshing its uploaded chunk set from
// the object store. The first chunk seen moves it to uploading.
func (m *Manager) Status(ctx context.Context, id string) (*types.UploadSession, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != types.StatusInitialized && session.Status != types.StatusUploading {
		return session, nil
	}

	objects, err := m.objects.List(ctx, storage.ChunkPrefix(id))
	if err != nil {
		return nil, mediaerrors.Wrap(err, mediaerrors.ErrorTypeStorage, "status")
	}

	indices := make([]int, 0, len(objects))
	for _, obj := range objects {
		if i, ok := storage.ChunkIndex(obj.Key); ok {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return session, nil
	}

	session, err = m.store.MarkChunks(ctx, id, indices)
	if err != nil {
		return nil, err
	}

	if session.Status == types.StatusInitialized {
		moved, err := m.store.Transition(ctx, id, []types.Status{types.StatusInitialized}, types.StatusUploading, "")
		if err != nil {
			// another caller moved it first
			if mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState) {
				return m.store.Get(ctx, id)
			}
			return nil, err
		}
		m.logger.Debug("upload started", "session_id", id, "chunks", len(moved.UploadedChunks))
		session = moved
	}

	return session, nil
}

// Begin claims the session for processing. Exactly one concurrent caller
// succeeds; the rest get an invalid_state error.
func (m *Manager) Begin(ctx context.Context, id string) (*types.UploadSession, error) {
	session, err := m.store.Transition(ctx, id,
		[]types.Status{types.StatusInitialized, types.StatusUploading},
		types.StatusProcessing, "")
	if err != nil {
		return nil, err
	}

	m.logger.Info("session processing", "session_id", id)
	return session, nil
}

// Finish records the outcome of processing
func (m *Manager) Finish(ctx context.Context, id string, cause error) (*types.UploadSession, error) {
	to := types.StatusCompleted
	reason := ""
	if cause != nil {
		to = types.StatusFailed
		reason = cause.Error()
	}

	session, err := m.store.Transition(ctx, id, []types.Status{types.StatusProcessing}, to, reason)
	if err != nil {
		return nil, err
	}

	if cause != nil {
		m.logger.Warn("session failed", "session_id", id, "error_type", mediaerrors.GetType(cause), "reason", reason)
	} else {
		m.logger.Info("session completed", "session_id", id)
	}
	return session, nil
}

func (m *Manager) resolveMediaType(contentType string) (types.MediaType, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	if contains(m.config.AllowedAudioTypes, ct) {
		return types.MediaTypeAudio, nil
	}
	if contains(m.config.AllowedImageTypes, ct) {
		return types.MediaTypeImage, nil
	}
	return "", mediaerrors.ValidationError("initialize",
		fmt.Errorf("content type %q is not allowed", contentType)).WithDetail("content_type", contentType)
}

func (m *Manager) validateSize(mediaType types.MediaType, size int64) error {
	if size <= 0 {
		return mediaerrors.ValidationError("initialize", fmt.Errorf("declared size must be positive"))
	}

	limit := m.config.MaxAudioSize
	if mediaType == types.MediaTypeImage {
		limit = m.config.MaxImageSize
	}
	if size > limit {
		return mediaerrors.ValidationError("initialize",
			fmt.Errorf("declared size %d exceeds the %s limit of %d bytes", size, mediaType, limit)).
			WithDetail("limit", limit)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
