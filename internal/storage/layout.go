// Package storage holds the on-disk layout shared by content store backends.
//
// Images live under <prefix>/<h[0:2]>/<h[2:4]>/<hash>/<filename>, where hash
// is the image digest. The two prefix levels bound directory fan-out and the
// per-hash directory makes "is this content already stored" a single lookup.
package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/hash/sha256"
)

// DefaultPrefix is the directory under the storage root that holds images.
const DefaultPrefix = "wallpapers"

// ShardDir returns the slash-separated directory that holds content for hash.
func ShardDir(prefix, hash string) (string, error) {
	if !sha256.Valid(hash) {
		return "", fmt.Errorf("%w: invalid content hash %q", crawler.ErrStorage, hash)
	}
	return path.Join(prefix, hash[0:2], hash[2:4], hash), nil
}

// ObjectPath returns the slash-separated path for filename stored under hash.
func ObjectPath(prefix, hash, filename string) (string, error) {
	dir, err := ShardDir(prefix, hash)
	if err != nil {
		return "", err
	}
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return path.Join(dir, filename), nil
}

// ValidateFilename rejects names that would escape the shard directory.
func ValidateFilename(filename string) error {
	switch {
	case strings.TrimSpace(filename) == "":
		return fmt.Errorf("%w: filename is required", crawler.ErrStorage)
	case filename == "." || filename == "..":
		return fmt.Errorf("%w: invalid filename %q", crawler.ErrStorage, filename)
	case strings.ContainsAny(filename, `/\`):
		return fmt.Errorf("%w: filename %q must not contain path separators", crawler.ErrStorage, filename)
	case strings.HasPrefix(filename, tempPrefix):
		return fmt.Errorf("%w: filename %q uses the reserved temp prefix", crawler.ErrStorage, filename)
	}
	return nil
}

// tempPrefix marks in-progress writes that must never be treated as stored content.
const tempPrefix = ".tmp-"

// IsTemp reports whether name is an in-progress write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// TempPattern is the os.CreateTemp pattern for in-progress writes.
const TempPattern = tempPrefix + "*"
