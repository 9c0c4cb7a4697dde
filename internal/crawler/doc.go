// Package crawler implements the resumable harvesting engine: it discovers the
// newest gallery id, walks every id after the persisted cursor, and commits
// each wallpaper's image and metadata before moving the cursor forward.
package crawler
