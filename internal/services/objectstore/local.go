// -----------------------------------------------------------------------
// Object Store - staging area for STAC catalogs, worker logs, and outputs
// -----------------------------------------------------------------------

package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/interfaces"
)

// PublicPrefix marks objects served without signing
const PublicPrefix = "public/"

// storedObject is one object in the local store
type storedObject struct {
	URL         string `badgerhold:"key"`
	Body        []byte
	ContentType string
	Size        int64
	UpdatedAt   time.Time
}

// LocalStore is a badgerhold-backed object store for development and tests.
// It speaks the same s3:// URL scheme as the hosted store so staged catalog
// references stay portable.
type LocalStore struct {
	store  *badgerhold.Store
	bucket string
	logger arbor.ILogger
}

// NewLocalStore opens the local object store
func NewLocalStore(logger arbor.ILogger, config *common.ObjectStoreConfig) (*LocalStore, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing object store (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete object store directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	logger.Info().Str("path", config.Path).Str("bucket", config.Bucket).Msg("Local object store initialized")
	return &LocalStore{store: store, bucket: config.Bucket, logger: logger}, nil
}

// Upload stores a body under an s3:// URL
func (s *LocalStore) Upload(ctx context.Context, url string, body []byte, contentType string) error {
	if _, _, err := ParseURL(url); err != nil {
		return err
	}
	obj := storedObject{
		URL:         url,
		Body:        body,
		ContentType: contentType,
		Size:        int64(len(body)),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.store.Upsert(url, &obj); err != nil {
		return fmt.Errorf("failed to store object %s: %w", url, err)
	}
	return nil
}

// Download retrieves a stored body
func (s *LocalStore) Download(ctx context.Context, url string) ([]byte, error) {
	var obj storedObject
	err := s.store.Get(url, &obj)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", url, err)
	}
	return obj.Body, nil
}

// ObjectSize returns the stored byte size
func (s *LocalStore) ObjectSize(ctx context.Context, url string) (int64, error) {
	var obj storedObject
	err := s.store.Get(url, &obj)
	if err == badgerhold.ErrNotFound {
		return 0, interfaces.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat object %s: %w", url, err)
	}
	return obj.Size, nil
}

// SignedURL returns a retrieval URL. Objects under the public prefix pass
// through unsigned; everything else gets an expiring token.
func (s *LocalStore) SignedURL(ctx context.Context, url string) (string, error) {
	_, key, err := ParseURL(url)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(key, PublicPrefix) {
		return url, nil
	}
	expires := time.Now().UTC().Add(time.Hour).Unix()
	return fmt.Sprintf("%s?X-Expires=%d", url, expires), nil
}

// IsURL reports whether the string names an object in this store
func (s *LocalStore) IsURL(url string) bool {
	_, _, err := ParseURL(url)
	return err == nil
}

// Close closes the underlying store
func (s *LocalStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// ParseURL splits an s3://bucket/key URL
func ParseURL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", fmt.Errorf("not an object store URL: %s", url)
	}
	rest := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("object store URL missing bucket or key: %s", url)
	}
	return parts[0], parts[1], nil
}
