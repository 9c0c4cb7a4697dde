// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"time"
)

// PaletteSize is the number of dominant colors recorded per wallpaper.
const PaletteSize = 5

// Wallpaper is the structured metadata record for a single gallery item.
type Wallpaper struct {
	ID        int64               `json:"id"`
	Added     time.Time           `json:"added"`
	Category  string              `json:"category"`
	Favorites int64               `json:"favorites"`
	Source    string              `json:"source"`
	Uploader  string              `json:"uploader"`
	Size      string              `json:"size"`
	Views     int64               `json:"views"`
	Hash      string              `json:"hash"`
	Purity    string              `json:"purity"`
	RelPath   string              `json:"rel_path"`
	Colors    [PaletteSize]string `json:"colors"`
	Width     int                 `json:"resolution_width"`
	Height    int                 `json:"resolution_height"`
	Tags      []Tag               `json:"tags,omitempty"`
}

// Tag is a gallery-wide label shared by many wallpapers.
type Tag struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Purity string `json:"purity"`
}

// TagIDs returns the ids of the wallpaper's tags in page order.
func (w Wallpaper) TagIDs() []int64 {
	ids := make([]int64, 0, len(w.Tags))
	for _, tag := range w.Tags {
		ids = append(ids, tag.ID)
	}
	return ids
}

// Validate checks the fields a fetcher must populate before a record may enter
// the engine. Hash and RelPath are assigned later and are not checked.
func (w Wallpaper) Validate() error {
	switch {
	case w.ID <= 0:
		return fmt.Errorf("%w: id must be positive", ErrParse)
	case w.Added.IsZero():
		return fmt.Errorf("%w: wallpaper %d: missing added timestamp", ErrParse, w.ID)
	case w.Category == "":
		return fmt.Errorf("%w: wallpaper %d: missing category", ErrParse, w.ID)
	case w.Uploader == "":
		return fmt.Errorf("%w: wallpaper %d: missing uploader", ErrParse, w.ID)
	case w.Size == "":
		return fmt.Errorf("%w: wallpaper %d: missing size", ErrParse, w.ID)
	case w.Purity == "":
		return fmt.Errorf("%w: wallpaper %d: missing purity", ErrParse, w.ID)
	case w.Width <= 0 || w.Height <= 0:
		return fmt.Errorf("%w: wallpaper %d: invalid resolution %dx%d", ErrParse, w.ID, w.Width, w.Height)
	}
	for i, color := range w.Colors {
		if color == "" {
			return fmt.Errorf("%w: wallpaper %d: missing palette color %d", ErrParse, w.ID, i+1)
		}
	}
	for _, tag := range w.Tags {
		if tag.ID <= 0 || tag.Name == "" {
			return fmt.Errorf("%w: wallpaper %d: malformed tag %+v", ErrParse, w.ID, tag)
		}
	}
	return nil
}

// FetchedWallpaper is what a PageFetcher hands to the engine for one id.
type FetchedWallpaper struct {
	Wallpaper Wallpaper
	Image     []byte
	// Filename is the base name used when the image is first stored.
	Filename string
	ImageURL string
}

// FetchResponse captures the raw result of fetching a single URL.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Stats summarizes the contents of a metadata store.
type Stats struct {
	Wallpapers   int64 `json:"wallpapers"`
	Tags         int64 `json:"tags"`
	Associations int64 `json:"associations"`
	Cursor       int64 `json:"cursor"`
}

// Summary reports what a single Run did.
type Summary struct {
	RunID       string `json:"run_id"`
	Start       int64  `json:"start"`
	Latest      int64  `json:"latest"`
	Cursor      int64  `json:"cursor"`
	Attempted   int    `json:"attempted"`
	Committed   int    `json:"committed"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Interrupted bool   `json:"interrupted"`
}

// CommitEvent is published after a wallpaper has been fully committed.
type CommitEvent struct {
	RunID       string    `json:"run_id"`
	ID          int64     `json:"id"`
	Hash        string    `json:"hash"`
	RelPath     string    `json:"rel_path"`
	Purity      string    `json:"purity"`
	Tags        []int64   `json:"tags"`
	CommittedAt time.Time `json:"committed_at"`
}
