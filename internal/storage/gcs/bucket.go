// Package gcs mirrors stored images to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Bucket uploads images to one GCS bucket and never replaces an object that
// is already there.
type Bucket struct {
	client *storage.Client
	name   string
	owned  bool
}

// New opens a client with opts and returns the named bucket. Close releases
// the client.
func New(ctx context.Context, name string, opts ...option.ClientOption) (*Bucket, error) {
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Bucket{client: client, name: name, owned: true}, nil
}

// NewWithClient returns the named bucket on an existing client, which the
// caller keeps ownership of.
func NewWithClient(client *storage.Client, name string) (*Bucket, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Bucket{client: client, name: name}, nil
}

// PutObject uploads r as object in a single request guarded by a
// does-not-exist precondition and returns the gs:// URI. A failed
// precondition means an identical image is already mirrored, so it is
// reported as success.
func (b *Bucket) PutObject(ctx context.Context, object string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", errors.New("object name is required")
	}
	uri := "gs://" + b.name + "/" + object

	w := b.client.Bucket(b.name).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
	switch err := w.Close(); {
	case err == nil, isPreconditionFailed(err):
		return uri, nil
	default:
		return "", fmt.Errorf("upload %s: %w", uri, err)
	}
}

// Close releases the client when the bucket opened it.
func (b *Bucket) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
