package storage

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// RetryConfig bounds retries of transient storage failures
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns three attempts starting at 200ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RetryingStore retries retryable storage errors with exponential backoff.
// Presigning is local computation and passes straight through.
type RetryingStore struct {
	ObjectStore
	cfg    RetryConfig
	logger hclog.Logger
}

// NewRetryingStore wraps inner
func NewRetryingStore(inner ObjectStore, cfg RetryConfig, logger hclog.Logger) *RetryingStore {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryingStore{
		ObjectStore: inner,
		cfg:         cfg,
		logger:      logger.Named("storage-retry"),
	}
}

func (r *RetryingStore) retry(ctx context.Context, op, key string, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !mediaerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("storage operation failed, retrying", "op", op, "key", key, "attempt", attempt, "wait", wait, "error", err)
	})
}

// Put retries only when body can be rewound
func (r *RetryingStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return r.ObjectStore.Put(ctx, key, body, contentType)
	}

	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return r.ObjectStore.Put(ctx, key, body, contentType)
	}

	first := true
	return r.retry(ctx, "put", key, func() error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return mediaerrors.InternalError("put", err)
			}
		}
		first = false
		return r.ObjectStore.Put(ctx, key, body, contentType)
	})
}

func (r *RetryingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retry(ctx, "get", key, func() error {
		var err error
		rc, err = r.ObjectStore.Get(ctx, key)
		return err
	})
	return rc, err
}

func (r *RetryingStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.retry(ctx, "exists", key, func() error {
		var err error
		exists, err = r.ObjectStore.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (r *RetryingStore) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", key, func() error {
		return r.ObjectStore.Delete(ctx, key)
	})
}

func (r *RetryingStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var deleted int
	err := r.retry(ctx, "delete_prefix", prefix, func() error {
		n, err := r.ObjectStore.DeletePrefix(ctx, prefix)
		deleted += n
		return err
	})
	return deleted, err
}

func (r *RetryingStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.retry(ctx, "list", prefix, func() error {
		var err error
		objects, err = r.ObjectStore.List(ctx, prefix)
		return err
	})
	return objects, err
}
