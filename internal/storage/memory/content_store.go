// Package memory stores image content in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/storage"
)

// ContentStore keeps images in a map keyed by digest using the same path
// layout as the filesystem store.
type ContentStore struct {
	mu     sync.RWMutex
	paths  map[string]string
	data   map[string][]byte
	writes int
	err    error
}

// NewContentStore creates an empty in-memory content store.
func NewContentStore() *ContentStore {
	return &ContentStore{
		paths: make(map[string]string),
		data:  make(map[string][]byte),
	}
}

// Put stores a copy of data unless hash is already present.
func (s *ContentStore) Put(_ context.Context, hash string, data []byte, filename string) (string, error) {
	relPath, err := storage.ObjectPath(storage.DefaultPrefix, hash, filename)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrStorage, s.err)
	}
	if existing, ok := s.paths[hash]; ok {
		return existing, nil
	}
	s.paths[hash] = relPath
	s.data[relPath] = append([]byte(nil), data...)
	s.writes++
	return relPath, nil
}

// Get returns the bytes stored at relPath.
func (s *ContentStore) Get(relPath string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[relPath]
	return data, ok
}

// Writes reports how many objects were actually written.
func (s *ContentStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// FailWith makes subsequent Put calls fail with err. A nil err clears the failure.
func (s *ContentStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
