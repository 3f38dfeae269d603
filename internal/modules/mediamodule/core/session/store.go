// Package session owns upload sessions and their forward-only state machine.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
)

// Store persists upload sessions. Transition is the only way to change a
// session's status and must be an atomic compare-and-set.
type Store interface {
	Create(ctx context.Context, s *types.UploadSession) error
	Get(ctx context.Context, id string) (*types.UploadSession, error)
	Delete(ctx context.Context, id string) error
	// Transition moves the session to `to` only if its current status is in
	// from, returning the updated session or an invalid_state error.
	Transition(ctx context.Context, id string, from []types.Status, to types.Status, reason string) (*types.UploadSession, error)
	MarkChunks(ctx context.Context, id string, indices []int) (*types.UploadSession, error)
	ListExpired(ctx context.Context, now time.Time) ([]*types.UploadSession, error)
	// ListCompletedBefore returns completed sessions last updated before cutoff
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error)
}

// checkTransition validates a requested move against the current status
func checkTransition(id string, current types.Status, from []types.Status, to types.Status) error {
	allowed := false
	for _, f := range from {
		if f == current {
			allowed = true
			break
		}
	}
	if !allowed || !current.CanTransitionTo(to) {
		return mediaerrors.InvalidStateError("transition",
			fmt.Errorf("%w: %s -> %s", mediaerrors.ErrInvalidTransition, current, to)).
			WithSession(id).
			WithDetail("current", string(current))
	}
	return nil
}

func notFound(op, id string) error {
	return mediaerrors.NotFoundError(op, mediaerrors.ErrSessionNotFound).WithSession(id)
}

func cloneSession(s *types.UploadSession) *types.UploadSession {
	c := *s
	c.UploadedChunks = append([]int(nil), s.UploadedChunks...)
	return &c
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*types.UploadSession
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.UploadSession),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return mediaerrors.InvalidStateError("create", mediaerrors.ErrSessionExists).WithSession(s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("get", id)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []types.Status, to types.Status, reason string) (*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("transition", id)
	}
	if err := checkTransition(id, s.Status, from, to); err != nil {
		return nil, err
	}

	s.Status = to
	s.FailureReason = reason
	s.UpdatedAt = m.now()
	return cloneSession(s), nil
}

func (m *MemoryStore) MarkChunks(ctx context.Context, id string, indices []int) (*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("mark_chunks", id)
	}
	if s.MarkChunks(indices) {
		s.UpdatedAt = m.now()
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*types.UploadSession
	for _, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, cloneSession(s))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	return expired, nil
}

func (m *MemoryStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var done []*types.UploadSession
	for _, s := range m.sessions {
		if s.Status == types.StatusCompleted && s.UpdatedAt.Before(cutoff) {
			done = append(done, cloneSession(s))
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].UpdatedAt.Before(done[j].UpdatedAt)
	})
	return done, nil
}
