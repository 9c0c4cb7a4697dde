// Package sqlite implements the metadata store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/metadata/migrations"
)

// DefaultFilename is the database file created under the storage root.
const DefaultFilename = "wallhaven.sqlite"

const (
	insertWallpaperSQL = `INSERT INTO wallpapers (
	id, added, category, favorites, source, uploader, size, views, hash, purity, rel_path,
	color_1, color_2, color_3, color_4, color_5, resolution_width, resolution_height
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`
	insertTagSQL         = `INSERT INTO tags (id, name, purity) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`
	insertAssociationSQL = `INSERT INTO wallpaper_tags (tag_id, wallpaper_id) VALUES (?, ?)
ON CONFLICT(tag_id, wallpaper_id) DO NOTHING`
	recordExistsSQL = `SELECT EXISTS(SELECT 1 FROM wallpapers WHERE id = ?)`
	selectCursorSQL = `SELECT last_id FROM crawl_cursor WHERE id = 1`
	upsertCursorSQL = `INSERT INTO crawl_cursor (id, last_id) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET last_id = excluded.last_id`
	selectWallpaperSQL = `SELECT id, added, category, favorites, source, uploader, size, views, hash, purity,
	rel_path, color_1, color_2, color_3, color_4, color_5, resolution_width, resolution_height
FROM wallpapers WHERE id = ?`
	selectTagsForSQL = `SELECT t.id, t.name, t.purity FROM tags t
JOIN wallpaper_tags wt ON wt.tag_id = t.id
WHERE wt.wallpaper_id = ? ORDER BY t.id`
	statsSQL = `SELECT
	(SELECT COUNT(*) FROM wallpapers),
	(SELECT COUNT(*) FROM tags),
	(SELECT COUNT(*) FROM wallpaper_tags),
	COALESCE((SELECT last_id FROM crawl_cursor WHERE id = 1), 0)`
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements crawler.MetadataStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrations.Up(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenConnection opens the database with foreign keys enforced. SQLite
// serializes writers, so the pool is limited to a single connection; this also
// keeps every query on the same ":memory:" database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// dataSourceName builds a file: URI for path. SQLite decodes the escaped path,
// so roots containing '?', '#' or '%' open the intended file.
func dataSourceName(path string) string {
	escaped := (&url.URL{Path: path}).EscapedPath()
	return "file:" + escaped + "?" + url.Values{
		"_foreign_keys": {"on"},
		"_busy_timeout": {"5000"},
	}.Encode()
}

// UpsertRecord inserts rec unless a wallpaper with the same id exists.
func (s *Store) UpsertRecord(ctx context.Context, rec crawler.Wallpaper) error {
	return upsertRecord(ctx, s.db, rec)
}

func upsertRecord(ctx context.Context, q DBTX, rec crawler.Wallpaper) error {
	_, err := q.ExecContext(ctx, insertWallpaperSQL,
		rec.ID, rec.Added.Unix(), rec.Category, rec.Favorites, rec.Source, rec.Uploader,
		rec.Size, rec.Views, rec.Hash, rec.Purity, rec.RelPath,
		rec.Colors[0], rec.Colors[1], rec.Colors[2], rec.Colors[3], rec.Colors[4],
		rec.Width, rec.Height,
	)
	if err != nil {
		return insertError(err, "wallpaper", rec.ID)
	}
	return nil
}

// UpsertTag inserts tag unless a tag with the same id exists.
func (s *Store) UpsertTag(ctx context.Context, tag crawler.Tag) error {
	return upsertTag(ctx, s.db, tag)
}

func upsertTag(ctx context.Context, q DBTX, tag crawler.Tag) error {
	if _, err := q.ExecContext(ctx, insertTagSQL, tag.ID, tag.Name, tag.Purity); err != nil {
		return insertError(err, "tag", tag.ID)
	}
	return nil
}

// UpsertTags inserts every missing tag in one transaction.
func (s *Store) UpsertTags(ctx context.Context, tags []crawler.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, tag := range tags {
			if err := upsertTag(ctx, tx, tag); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertAssociation links tagID to recordID. Both rows must already exist.
func (s *Store) UpsertAssociation(ctx context.Context, tagID, recordID int64) error {
	return upsertAssociation(ctx, s.db, tagID, recordID)
}

func upsertAssociation(ctx context.Context, q DBTX, tagID, recordID int64) error {
	if _, err := q.ExecContext(ctx, insertAssociationSQL, tagID, recordID); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: tag %d or wallpaper %d", crawler.ErrMissingReference, tagID, recordID)
		}
		return fmt.Errorf("insert association %d/%d: %w", tagID, recordID, err)
	}
	return nil
}

// UpsertAssociations links every tag to recordID in one transaction, so either
// all associations are written or none are.
func (s *Store) UpsertAssociations(ctx context.Context, recordID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, tagID := range tagIDs {
			if err := upsertAssociation(ctx, tx, tagID, recordID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordExists reports whether a wallpaper with id is stored.
func (s *Store) RecordExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, recordExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check wallpaper %d: %w", id, err)
	}
	return exists, nil
}

// Cursor returns the highest processed id, or zero when none was recorded.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, selectCursorSQL).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return last, nil
}

// AdvanceCursor records id as the highest processed id.
func (s *Store) AdvanceCursor(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, upsertCursorSQL, id); err != nil {
		return fmt.Errorf("write cursor %d: %w", id, err)
	}
	return nil
}

// ResetCursor sets the cursor back to zero.
func (s *Store) ResetCursor(ctx context.Context) error {
	return s.AdvanceCursor(ctx, 0)
}

// GetWallpaper returns the stored wallpaper and its tags.
func (s *Store) GetWallpaper(ctx context.Context, id int64) (crawler.Wallpaper, error) {
	var (
		rec   crawler.Wallpaper
		added int64
	)
	err := s.db.QueryRowContext(ctx, selectWallpaperSQL, id).Scan(
		&rec.ID, &added, &rec.Category, &rec.Favorites, &rec.Source, &rec.Uploader,
		&rec.Size, &rec.Views, &rec.Hash, &rec.Purity, &rec.RelPath,
		&rec.Colors[0], &rec.Colors[1], &rec.Colors[2], &rec.Colors[3], &rec.Colors[4],
		&rec.Width, &rec.Height,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Wallpaper{}, fmt.Errorf("%w: wallpaper %d", crawler.ErrNotFound, id)
	}
	if err != nil {
		return crawler.Wallpaper{}, fmt.Errorf("select wallpaper %d: %w", id, err)
	}
	rec.Added = time.Unix(added, 0).UTC()

	rows, err := s.db.QueryContext(ctx, selectTagsForSQL, id)
	if err != nil {
		return crawler.Wallpaper{}, fmt.Errorf("select tags for %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag crawler.Tag
		if err := rows.Scan(&tag.ID, &tag.Name, &tag.Purity); err != nil {
			return crawler.Wallpaper{}, fmt.Errorf("scan tag: %w", err)
		}
		rec.Tags = append(rec.Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return crawler.Wallpaper{}, fmt.Errorf("iterate tags: %w", err)
	}
	return rec, nil
}

// Stats returns row counts and the cursor.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	if err := s.db.QueryRowContext(ctx, statsSQL).Scan(&st.Wallpapers, &st.Tags, &st.Associations, &st.Cursor); err != nil {
		return crawler.Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertError(err error, kind string, id int64) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %d: %w", crawler.ErrDuplicateKey, kind, id, err)
	}
	return fmt.Errorf("insert %s %d: %w", kind, id, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
