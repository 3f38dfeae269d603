package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/database"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"gorm.io/gorm"
)

// GormStore persists sessions in the upload_sessions table
type GormStore struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewGormStore creates a database-backed session store
func NewGormStore(db *gorm.DB, logger hclog.Logger) *GormStore {
	return &GormStore{
		db:     db,
		logger: logger.Named("session-store"),
	}
}

// Migrate creates or updates the session table
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&database.UploadSessionRecord{})
}

func (s *GormStore) Create(ctx context.Context, session *types.UploadSession) error {
	record, err := toRecord(session)
	if err != nil {
		return mediaerrors.InternalError("create", err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&database.UploadSessionRecord{}).
		Where("id = ?", session.ID).Count(&count).Error; err != nil {
		return mediaerrors.InternalError("create", err)
	}
	if count > 0 {
		return mediaerrors.InvalidStateError("create", mediaerrors.ErrSessionExists).WithSession(session.ID)
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return mediaerrors.InternalError("create", err).WithSession(session.ID)
	}

	s.logger.Debug("created upload session", "session_id", session.ID)
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	var record database.UploadSessionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("get", id)
		}
		return nil, mediaerrors.InternalError("get", err).WithSession(id)
	}
	return fromRecord(&record)
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&database.UploadSessionRecord{}).Error; err != nil {
		return mediaerrors.InternalError("delete", err).WithSession(id)
	}
	return nil
}

// Transition issues a single conditional UPDATE so two racing callers
// cannot both leave the same source status.
func (s *GormStore) Transition(ctx context.Context, id string, from []types.Status, to types.Status, reason string) (*types.UploadSession, error) {
	var sources []string
	for _, f := range from {
		if f.CanTransitionTo(to) {
			sources = append(sources, string(f))
		}
	}

	if len(sources) > 0 {
		updates := map[string]interface{}{
			"status":         string(to),
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		}

		result := s.db.WithContext(ctx).Model(&database.UploadSessionRecord{}).
			Where("id = ? AND status IN ?", id, sources).
			Updates(updates)
		if result.Error != nil {
			return nil, mediaerrors.InternalError("transition", result.Error).WithSession(id)
		}
		if result.RowsAffected == 1 {
			s.logger.Debug("session transitioned", "session_id", id, "to", to)
			return s.Get(ctx, id)
		}
	}

	// nothing matched: report whether the session is missing or in the wrong state
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(id, current.Status, from, to); err != nil {
		return nil, err
	}
	return nil, mediaerrors.InvalidStateError("transition", mediaerrors.ErrInvalidTransition).WithSession(id)
}

func (s *GormStore) MarkChunks(ctx context.Context, id string, indices []int) (*types.UploadSession, error) {
	var updated *types.UploadSession

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record database.UploadSessionRecord
		if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
			return err
		}

		session, err := fromRecord(&record)
		if err != nil {
			return err
		}
		updated = session
		if !session.MarkChunks(indices) {
			return nil
		}

		chunks, err := json.Marshal(session.UploadedChunks)
		if err != nil {
			return err
		}
		session.UpdatedAt = time.Now().UTC()
		return tx.Model(&database.UploadSessionRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"uploaded_chunks": string(chunks),
			"updated_at":      session.UpdatedAt,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("mark_chunks", id)
		}
		return nil, mediaerrors.Wrap(err, mediaerrors.ErrorTypeInternal, "mark_chunks")
	}
	return updated, nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]*types.UploadSession, error) {
	var records []database.UploadSessionRecord
	if err := s.db.WithContext(ctx).
		Where("expires_at < ? AND status NOT IN ?", now.UTC(),
			[]string{string(types.StatusCompleted), string(types.StatusProcessing)}).
		Order("expires_at").
		Find(&records).Error; err != nil {
		return nil, mediaerrors.InternalError("list_expired", err)
	}

	sessions := make([]*types.UploadSession, 0, len(records))
	for i := range records {
		session, err := fromRecord(&records[i])
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", records[i].ID, "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *GormStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	var records []database.UploadSessionRecord
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(types.StatusCompleted), cutoff.UTC()).
		Order("updated_at").
		Find(&records).Error; err != nil {
		return nil, mediaerrors.InternalError("list_completed", err)
	}

	sessions := make([]*types.UploadSession, 0, len(records))
	for i := range records {
		session, err := fromRecord(&records[i])
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", records[i].ID, "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// toRecord stores every time in UTC: sqlite compares timestamps as text, so
// mixed offsets would order wrongly
func toRecord(s *types.UploadSession) (*database.UploadSessionRecord, error) {
	chunks := s.UploadedChunks
	if chunks == nil {
		chunks = []int{}
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return nil, err
	}

	return &database.UploadSessionRecord{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Filename:       s.Filename,
		ContentType:    s.ContentType,
		MediaType:      string(s.MediaType),
		DeclaredSize:   s.DeclaredSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		UploadedChunks: string(data),
		Status:         string(s.Status),
		FailureReason:  s.FailureReason,
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
		ExpiresAt:      s.ExpiresAt.UTC(),
	}, nil
}

func fromRecord(r *database.UploadSessionRecord) (*types.UploadSession, error) {
	var chunks []int
	if r.UploadedChunks != "" {
		if err := json.Unmarshal([]byte(r.UploadedChunks), &chunks); err != nil {
			return nil, mediaerrors.InternalError("decode_session", err).WithSession(r.ID)
		}
	}

	return &types.UploadSession{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Filename:       r.Filename,
		ContentType:    r.ContentType,
		MediaType:      types.MediaType(r.MediaType),
		DeclaredSize:   r.DeclaredSize,
		ChunkSize:      r.ChunkSize,
		TotalChunks:    r.TotalChunks,
		UploadedChunks: chunks,
		Status:         types.Status(r.Status),
		FailureReason:  r.FailureReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
	}, nil
}
