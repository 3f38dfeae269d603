package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// RedisStore keeps sessions as JSON values, with a sorted set of expiry
// times for unfinished sessions and one of completion times for completed
// ones. Writes use WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger hclog.Logger
}

// NewRedisStore creates a redis-backed session store
func NewRedisStore(client *redis.Client, prefix string, logger hclog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.Named("session-store"),
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + "session:" + id
}

func (r *RedisStore) expiryKey() string {
	return r.prefix + "sessions:expiry"
}

func (r *RedisStore) completedKey() string {
	return r.prefix + "sessions:completed"
}

func (r *RedisStore) Create(ctx context.Context, s *types.UploadSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return mediaerrors.InternalError("create", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(s.ID), data, 0).Result()
	if err != nil {
		return mediaerrors.InternalError("create", err).WithSession(s.ID)
	}
	if !ok {
		return mediaerrors.InvalidStateError("create", mediaerrors.ErrSessionExists).WithSession(s.ID)
	}

	if err := r.client.ZAdd(ctx, r.expiryKey(), redis.Z{
		Score:  float64(s.ExpiresAt.Unix()),
		Member: s.ID,
	}).Err(); err != nil {
		return mediaerrors.InternalError("create", err).WithSession(s.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("get", id)
		}
		return nil, mediaerrors.InternalError("get", err).WithSession(id)
	}
	return decodeSession(id, data)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.expiryKey(), id)
		pipe.ZRem(ctx, r.completedKey(), id)
		return nil
	})
	if err != nil {
		return mediaerrors.InternalError("delete", err).WithSession(id)
	}
	return nil
}

// update applies fn to the stored session inside WATCH/MULTI, retrying
// when another writer touched the key first
func (r *RedisStore) update(ctx context.Context, op, id string, fn func(s *types.UploadSession) (bool, error)) (*types.UploadSession, error) {
	key := r.key(id)
	var result *types.UploadSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		s, err := decodeSession(id, data)
		if err != nil {
			return err
		}

		changed, err := fn(s)
		if err != nil {
			return err
		}
		result = s
		if !changed {
			return nil
		}

		encoded, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if s.Status == types.StatusCompleted {
				// completed sessions never expire
				pipe.ZRem(ctx, r.expiryKey(), id)
				pipe.ZAdd(ctx, r.completedKey(), redis.Z{
					Score:  float64(s.UpdatedAt.Unix()),
					Member: id,
				})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			r.logger.Trace("session write raced, retrying", "session_id", id, "attempt", attempt+1)
			continue
		case errors.Is(err, redis.Nil):
			return nil, notFound(op, id)
		default:
			return nil, mediaerrors.Wrap(err, mediaerrors.ErrorTypeInternal, op)
		}
	}
	return nil, mediaerrors.InternalError(op, errors.New("too many concurrent writers")).WithSession(id)
}

func (r *RedisStore) Transition(ctx context.Context, id string, from []types.Status, to types.Status, reason string) (*types.UploadSession, error) {
	return r.update(ctx, "transition", id, func(s *types.UploadSession) (bool, error) {
		if err := checkTransition(id, s.Status, from, to); err != nil {
			return false, err
		}
		s.Status = to
		s.FailureReason = reason
		s.UpdatedAt = time.Now()
		return true, nil
	})
}

func (r *RedisStore) MarkChunks(ctx context.Context, id string, indices []int) (*types.UploadSession, error) {
	return r.update(ctx, "mark_chunks", id, func(s *types.UploadSession) (bool, error) {
		if !s.MarkChunks(indices) {
			return false, nil
		}
		s.UpdatedAt = time.Now()
		return true, nil
	})
}

func (r *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]*types.UploadSession, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, mediaerrors.InternalError("list_expired", err)
	}

	var expired []*types.UploadSession
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound) {
				// stale index entry
				r.client.ZRem(ctx, r.expiryKey(), id)
				continue
			}
			return nil, err
		}
		if s.Expired(now) {
			expired = append(expired, s)
		}
	}
	return expired, nil
}

func (r *RedisStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*types.UploadSession, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.completedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, mediaerrors.InternalError("list_completed", err)
	}

	var done []*types.UploadSession
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound) {
				r.client.ZRem(ctx, r.completedKey(), id)
				continue
			}
			return nil, err
		}
		if s.Status == types.StatusCompleted {
			done = append(done, s)
		}
	}
	return done, nil
}

func decodeSession(id string, data []byte) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, mediaerrors.InternalError("decode_session", err).WithSession(id)
	}
	return &s, nil
}
