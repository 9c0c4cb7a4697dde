// Package sha256 provides the content digest used to address stored images.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLen is the length of a hex-encoded digest.
const DigestLen = sha256.Size * 2

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Valid reports whether digest looks like a value returned by Hash.
func Valid(digest string) bool {
	if len(digest) != DigestLen {
		return false
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
