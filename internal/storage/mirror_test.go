package storage_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/hash/sha256"
	"github.com/xtream1101/scrape-wallhaven/internal/storage"
	"github.com/xtream1101/scrape-wallhaven/internal/storage/memory"
)

type stubUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newStubUploader() *stubUploader {
	return &stubUploader{objects: map[string][]byte{}, types: map[string]string{}}
}

func (u *stubUploader) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u.objects[path] = data
	u.types[path] = contentType
	return "gs://bucket/" + path, nil
}

func TestMirroredStoreUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	data := []byte("wallpaper bytes")
	digest, err := sha256.New().Hash(data)
	require.NoError(t, err)

	uploader := newStubUploader()
	store := storage.NewMirroredStore(memory.NewContentStore(), uploader, "mirror", nil)

	relPath, err := store.Put(context.Background(), digest, data, "alphaWallhaven-1.jpg")
	require.NoError(t, err)

	object := "mirror/" + relPath
	assert.Equal(t, data, uploader.objects[object])
	assert.Equal(t, "image/jpeg", uploader.types[object])
}

func TestMirroredStoreFailureIsStorageError(t *testing.T) {
	t.Parallel()

	data := []byte("wallpaper bytes")
	digest, err := sha256.New().Hash(data)
	require.NoError(t, err)

	uploader := newStubUploader()
	uploader.err = errors.New("permission denied")
	store := storage.NewMirroredStore(memory.NewContentStore(), uploader, "", nil)

	_, err = store.Put(context.Background(), digest, data, "alphaWallhaven-1.png")
	require.ErrorIs(t, err, crawler.ErrStorage)
}

func TestMirroredStorePrimaryFailureSkipsUpload(t *testing.T) {
	t.Parallel()

	primary := memory.NewContentStore()
	primary.FailWith(errors.New("disk full"))
	uploader := newStubUploader()
	store := storage.NewMirroredStore(primary, uploader, "", nil)

	digest, err := sha256.New().Hash([]byte("x"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), digest, []byte("x"), "a.jpg")
	require.ErrorIs(t, err, crawler.ErrStorage)
	assert.Empty(t, uploader.objects)
}

func TestMirroredStoresNest(t *testing.T) {
	t.Parallel()

	data := []byte("nested bytes")
	digest, err := sha256.New().Hash(data)
	require.NoError(t, err)

	first, second := newStubUploader(), newStubUploader()
	store := storage.NewMirroredStore(
		storage.NewMirroredStore(memory.NewContentStore(), first, "gcs", nil),
		second, "s3", nil,
	)

	relPath, err := store.Put(context.Background(), digest, data, "alphaWallhaven-9.png")
	require.NoError(t, err)
	assert.Equal(t, data, first.objects["gcs/"+relPath])
	assert.Equal(t, data, second.objects["s3/"+relPath])
	assert.Equal(t, "image/png", second.types["s3/"+relPath])
}
