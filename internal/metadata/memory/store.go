// Package memory provides an in-memory metadata store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

type association struct {
	tagID       int64
	wallpaperID int64
}

// Store keeps wallpapers, tags, associations and the cursor in maps while
// enforcing the same idempotence and referential rules as the SQL stores.
type Store struct {
	mu           sync.RWMutex
	wallpapers   map[int64]crawler.Wallpaper
	tags         map[int64]crawler.Tag
	associations map[association]struct{}
	cursor       int64
	writes       int
	failOn       map[string]error
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		wallpapers:   make(map[int64]crawler.Wallpaper),
		tags:         make(map[int64]crawler.Tag),
		associations: make(map[association]struct{}),
		failOn:       make(map[string]error),
	}
}

// UpsertRecord inserts rec unless a wallpaper with the same id exists.
func (s *Store) UpsertRecord(_ context.Context, rec crawler.Wallpaper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertRecord"); err != nil {
		return err
	}
	if _, ok := s.wallpapers[rec.ID]; ok {
		return nil
	}
	rec.Tags = nil
	s.wallpapers[rec.ID] = rec
	s.writes++
	return nil
}

// UpsertTag inserts tag unless a tag with the same id exists.
func (s *Store) UpsertTag(_ context.Context, tag crawler.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertTag"); err != nil {
		return err
	}
	s.upsertTagLocked(tag)
	return nil
}

// UpsertTags inserts every tag that does not already exist.
func (s *Store) UpsertTags(_ context.Context, tags []crawler.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertTags"); err != nil {
		return err
	}
	for _, tag := range tags {
		s.upsertTagLocked(tag)
	}
	return nil
}

func (s *Store) upsertTagLocked(tag crawler.Tag) {
	if _, ok := s.tags[tag.ID]; ok {
		return
	}
	s.tags[tag.ID] = tag
	s.writes++
}

// UpsertAssociation links tagID to recordID. Both must already exist.
func (s *Store) UpsertAssociation(_ context.Context, tagID, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertAssociation"); err != nil {
		return err
	}
	if err := s.checkReferencesLocked(tagID, recordID); err != nil {
		return err
	}
	s.associateLocked(tagID, recordID)
	return nil
}

// UpsertAssociations links every tag in tagIDs to recordID. Nothing is
// written if any reference is missing.
func (s *Store) UpsertAssociations(_ context.Context, recordID int64, tagIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpsertAssociations"); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if err := s.checkReferencesLocked(tagID, recordID); err != nil {
			return err
		}
	}
	for _, tagID := range tagIDs {
		s.associateLocked(tagID, recordID)
	}
	return nil
}

func (s *Store) checkReferencesLocked(tagID, recordID int64) error {
	if _, ok := s.tags[tagID]; !ok {
		return fmt.Errorf("%w: tag %d", crawler.ErrMissingReference, tagID)
	}
	if _, ok := s.wallpapers[recordID]; !ok {
		return fmt.Errorf("%w: wallpaper %d", crawler.ErrMissingReference, recordID)
	}
	return nil
}

func (s *Store) associateLocked(tagID, recordID int64) {
	key := association{tagID: tagID, wallpaperID: recordID}
	if _, ok := s.associations[key]; ok {
		return
	}
	s.associations[key] = struct{}{}
	s.writes++
}

// RecordExists reports whether a wallpaper with id is stored.
func (s *Store) RecordExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("RecordExists"); err != nil {
		return false, err
	}
	_, ok := s.wallpapers[id]
	return ok, nil
}

// Cursor returns the highest id recorded as processed, or zero.
func (s *Store) Cursor(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("Cursor"); err != nil {
		return 0, err
	}
	return s.cursor, nil
}

// AdvanceCursor records id as the highest processed id.
func (s *Store) AdvanceCursor(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AdvanceCursor"); err != nil {
		return err
	}
	s.cursor = id
	s.writes++
	return nil
}

// ResetCursor sets the cursor back to zero.
func (s *Store) ResetCursor(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ResetCursor"); err != nil {
		return err
	}
	s.cursor = 0
	s.writes++
	return nil
}

// GetWallpaper returns the stored wallpaper with its tags sorted by id.
func (s *Store) GetWallpaper(_ context.Context, id int64) (crawler.Wallpaper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.wallpapers[id]
	if !ok {
		return crawler.Wallpaper{}, fmt.Errorf("%w: wallpaper %d", crawler.ErrNotFound, id)
	}
	for key := range s.associations {
		if key.wallpaperID == id {
			rec.Tags = append(rec.Tags, s.tags[key.tagID])
		}
	}
	sort.Slice(rec.Tags, func(i, j int) bool { return rec.Tags[i].ID < rec.Tags[j].ID })
	return rec, nil
}

// Stats returns row counts and the cursor.
func (s *Store) Stats(_ context.Context) (crawler.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crawler.Stats{
		Wallpapers:   int64(len(s.wallpapers)),
		Tags:         int64(len(s.tags)),
		Associations: int64(len(s.associations)),
		Cursor:       s.cursor,
	}, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Writes reports the number of rows inserted plus cursor updates.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, method)
		return
	}
	s.failOn[method] = err
}

func (s *Store) failure(method string) error {
	return s.failOn[method]
}
