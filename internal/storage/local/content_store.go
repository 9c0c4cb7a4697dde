// Package local implements the content-addressed image store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/storage"
)

// Config captures the parameters for the local content store.
type Config struct {
	// BaseDir is the storage root. Returned paths are relative to it.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Prefix is the directory under BaseDir that holds image shards.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// ContentStore writes images into hash-sharded directories under a root.
type ContentStore struct {
	baseDir string
	prefix  string
}

// New creates a content store, creating the base directory when it is missing.
func New(cfg Config) (*ContentStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = storage.DefaultPrefix
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &ContentStore{
		baseDir: cfg.BaseDir,
		prefix:  filepath.ToSlash(cfg.Prefix),
	}, nil
}

// BaseDir returns the storage root.
func (s *ContentStore) BaseDir() string {
	return s.baseDir
}

// Put writes data to <prefix>/<h0h1>/<h2h3>/<hash>/<filename> unless content
// for hash is already stored, in which case the existing path is returned and
// nothing is written. Returned paths are relative to the base directory and
// use forward slashes.
func (s *ContentStore) Put(ctx context.Context, hash string, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	relPath, err := storage.ObjectPath(s.prefix, hash, filename)
	if err != nil {
		return "", err
	}

	existing, ok, err := s.Lookup(ctx, hash)
	if err != nil {
		return "", err
	}
	if ok {
		return existing, nil
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("%w: create shard directory: %w", crawler.ErrStorage, err)
	}
	if err := writeFileAtomic(fullPath, data); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	return relPath, nil
}

// Lookup returns the stored path for hash, if any content is stored under it.
func (s *ContentStore) Lookup(_ context.Context, hash string) (string, bool, error) {
	shard, err := storage.ShardDir(s.prefix, hash)
	if err != nil {
		return "", false, err
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, filepath.FromSlash(shard)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: read shard directory: %w", crawler.ErrStorage, err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || storage.IsTemp(entry.Name()) {
			continue
		}
		return shard + "/" + entry.Name(), true, nil
	}
	return "", false, nil
}

// writeFileAtomic writes data to a temp file next to dest and renames it into
// place so readers never observe a partial image.
func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), storage.TempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	success = true
	return nil
}
