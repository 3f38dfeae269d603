package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// ErrBadSignature is returned when a signed local URL fails verification
var ErrBadSignature = errors.New("invalid or expired signature")

// LocalConfig configures the filesystem store
type LocalConfig struct {
	RootDir string
	// BaseURL is where the objects HTTP handler is mounted,
	// e.g. http://localhost:8080/api/v1/media/objects
	BaseURL string
	Secret  string
}

// LocalStore implements ObjectStore on a directory. Presigned URLs point at
// the objects HTTP handler and carry an HMAC over method, key and expiry.
type LocalStore struct {
	cfg    LocalConfig
	logger hclog.Logger
	now    func() time.Time
}

// NewLocalStore creates a store rooted at cfg.RootDir
func NewLocalStore(cfg LocalConfig, logger hclog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{
		cfg:    cfg,
		logger: logger.Named("local-store"),
		now:    time.Now,
	}, nil
}

// path resolves key inside the root, rejecting traversal
func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.cfg.RootDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *LocalStore) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.sign("PUT", key, ttl)
}

func (s *LocalStore) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign("GET", key, ttl)
}

func (s *LocalStore) sign(method, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", mediaerrors.StorageError("presign", err)
	}

	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.signature(method, key, expires))

	return fmt.Sprintf("%s/%s?%s", strings.TrimRight(s.cfg.BaseURL, "/"), key, q.Encode()), nil
}

func (s *LocalStore) signature(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by PresignUpload or PresignDownload
func (s *LocalStore) Verify(method, key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrBadSignature
	}

	want := s.signature(method, key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	dst, err := s.path(key)
	if err != nil {
		return mediaerrors.StorageError("put", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return mediaerrors.StorageError("put", err).WithDetail("key", key)
	}

	// write to a sibling temp file so readers never see a partial object
	tmp := dst + ".tmp-" + uuid.New().String()
	f, err := os.Create(tmp)
	if err != nil {
		return mediaerrors.StorageError("put", err).WithDetail("key", key)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return mediaerrors.StorageError("put", err).WithDetail("key", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return mediaerrors.StorageError("put", err).WithDetail("key", key)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return mediaerrors.StorageError("put", err).WithDetail("key", key)
	}

	s.logger.Debug("put object", "key", key)
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, mediaerrors.StorageError("get", err)
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mediaerrors.StorageError("get", mediaerrors.ErrObjectNotFound).WithDetail("key", key)
		}
		return nil, mediaerrors.StorageError("get", err).WithDetail("key", key)
	}
	return f, nil
}

// Open returns the local path of key for serving
func (s *LocalStore) Open(key string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", mediaerrors.StorageError("open", mediaerrors.ErrObjectNotFound).WithDetail("key", key)
	}
	return p, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, mediaerrors.StorageError("exists", err)
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, mediaerrors.StorageError("exists", err).WithDetail("key", key)
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return mediaerrors.StorageError("delete", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return mediaerrors.StorageError("delete", err).WithDetail("key", key)
	}
	return nil
}

func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, mediaerrors.StorageError("delete_prefix", fmt.Errorf("prefix cannot be empty"))
	}

	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}

	// drop the now empty directory when the prefix names one
	if strings.HasSuffix(prefix, "/") {
		if dir, err := s.path(prefix); err == nil {
			os.RemoveAll(dir)
		}
	}
	return deleted, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(s.cfg.RootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.cfg.RootDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.Contains(key, ".tmp-") || !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, mediaerrors.StorageError("list", err).WithDetail("prefix", prefix)
	}
	return objects, nil
}
