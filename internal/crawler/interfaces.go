package crawler

import (
	"context"
	"time"
)

// PageFetcher retrieves gallery data for the engine.
type PageFetcher interface {
	// LatestID returns the newest item id currently published by the gallery.
	LatestID(ctx context.Context) (int64, error)
	// FetchWallpaper returns the metadata and image bytes for one id.
	FetchWallpaper(ctx context.Context, id int64) (FetchedWallpaper, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// ContentStore persists image bytes keyed by their digest.
type ContentStore interface {
	// Put stores data under hash unless that hash is already present and
	// returns the root-relative path of the stored file.
	Put(ctx context.Context, hash string, data []byte, filename string) (string, error)
}

// MetadataStore persists wallpapers, tags, their associations and the crawl cursor.
type MetadataStore interface {
	UpsertRecord(ctx context.Context, rec Wallpaper) error
	UpsertTag(ctx context.Context, tag Tag) error
	UpsertTags(ctx context.Context, tags []Tag) error
	UpsertAssociation(ctx context.Context, tagID, recordID int64) error
	UpsertAssociations(ctx context.Context, recordID int64, tagIDs []int64) error
	RecordExists(ctx context.Context, id int64) (bool, error)
	Cursor(ctx context.Context) (int64, error)
	AdvanceCursor(ctx context.Context, id int64) error
	ResetCursor(ctx context.Context) error
}

// Publisher pushes commit events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
