package crawler

import "errors"

// Error kinds surfaced by fetchers and stores. Callers classify with errors.Is.
var (
	// ErrFetch means a page or image could not be retrieved.
	ErrFetch = errors.New("fetch failed")
	// ErrNotFound means the gallery has no item for the requested id.
	ErrNotFound = errors.New("not found")
	// ErrParse means a page was retrieved but required fields were missing or malformed.
	ErrParse = errors.New("parse failed")
	// ErrStorage means the content store could not persist an image.
	ErrStorage = errors.New("storage failed")
	// ErrDuplicateKey means an insert hit a uniqueness constraint its conflict
	// clause does not cover, such as a second row carrying an existing hash.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrMissingReference means an association named a record or tag that does not exist.
	ErrMissingReference = errors.New("missing reference")
	// ErrDiscovery means the newest gallery id could not be determined.
	ErrDiscovery = errors.New("discovery failed")
)
