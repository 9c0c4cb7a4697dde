package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"

	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

// Uploader stores an object under a name unless it already exists. The gcs
// and s3 buckets implement it.
type Uploader interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// MirroredStore writes images to a primary content store and then copies
// them to a bucket under the same relative path. Stores nest, so one image can
// be mirrored to several buckets.
type MirroredStore struct {
	primary crawler.ContentStore
	mirror  Uploader
	prefix  string
	logger  *zap.Logger
}

// NewMirroredStore wraps primary so every Put is also uploaded to mirror.
func NewMirroredStore(primary crawler.ContentStore, mirror Uploader, prefix string, logger *zap.Logger) *MirroredStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MirroredStore{primary: primary, mirror: mirror, prefix: prefix, logger: logger}
}

// Put stores data locally, then uploads it. A failed upload fails the Put so
// the caller does not persist metadata for an image the bucket lacks.
func (m *MirroredStore) Put(ctx context.Context, hash string, data []byte, filename string) (string, error) {
	relPath, err := m.primary.Put(ctx, hash, data, filename)
	if err != nil {
		return "", err
	}
	object := path.Join(m.prefix, relPath)
	uri, err := m.mirror.PutObject(ctx, object, mime.TypeByExtension(path.Ext(relPath)), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: mirror %s: %w", crawler.ErrStorage, object, err)
	}
	m.logger.Debug("mirrored image", zap.String("uri", uri))
	return relPath, nil
}
