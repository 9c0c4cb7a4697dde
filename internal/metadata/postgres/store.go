// Package postgres implements the metadata store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/metadata/migrations"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

const (
	insertWallpaperSQL = `INSERT INTO wallpapers (
	id, added, category, favorites, source, uploader, size, views, hash, purity, rel_path,
	color_1, color_2, color_3, color_4, color_5, resolution_width, resolution_height
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO NOTHING`
	insertTagSQL         = `INSERT INTO tags (id, name, purity) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`
	insertAssociationSQL = `INSERT INTO wallpaper_tags (tag_id, wallpaper_id) VALUES ($1, $2)
ON CONFLICT (tag_id, wallpaper_id) DO NOTHING`
	recordExistsSQL = `SELECT EXISTS(SELECT 1 FROM wallpapers WHERE id = $1)`
	selectCursorSQL = `SELECT last_id FROM crawl_cursor WHERE id = 1`
	upsertCursorSQL = `INSERT INTO crawl_cursor (id, last_id) VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET last_id = EXCLUDED.last_id`
	selectWallpaperSQL = `SELECT id, added, category, favorites, source, uploader, size, views, hash, purity,
	rel_path, color_1, color_2, color_3, color_4, color_5, resolution_width, resolution_height
FROM wallpapers WHERE id = $1`
	selectTagsForSQL = `SELECT t.id, t.name, t.purity FROM tags t
JOIN wallpaper_tags wt ON wt.tag_id = t.id
WHERE wt.wallpaper_id = $1 ORDER BY t.id`
	statsSQL = `SELECT
	(SELECT COUNT(*) FROM wallpapers),
	(SELECT COUNT(*) FROM tags),
	(SELECT COUNT(*) FROM wallpaper_tags),
	COALESCE((SELECT last_id FROM crawl_cursor WHERE id = 1), 0)`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements crawler.MetadataStore on Postgres.
type Store struct {
	pool pool
}

// New connects to Postgres, applies migrations and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(p)
	migrateErr := migrations.Up(db, migrations.Postgres)
	_ = db.Close()
	if migrateErr != nil {
		p.Close()
		return nil, migrateErr
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
// Migrations are not applied.
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// UpsertRecord inserts rec unless a wallpaper with the same id exists.
func (s *Store) UpsertRecord(ctx context.Context, rec crawler.Wallpaper) error {
	_, err := s.pool.Exec(ctx, insertWallpaperSQL,
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
	if _, err := s.pool.Exec(ctx, insertTagSQL, tag.ID, tag.Name, tag.Purity); err != nil {
		return insertError(err, "tag", tag.ID)
	}
	return nil
}

// UpsertTags inserts every missing tag in one transaction.
func (s *Store) UpsertTags(ctx context.Context, tags []crawler.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, tag := range tags {
			if _, err := tx.Exec(ctx, insertTagSQL, tag.ID, tag.Name, tag.Purity); err != nil {
				return insertError(err, "tag", tag.ID)
			}
		}
		return nil
	})
}

// UpsertAssociation links tagID to recordID. Both rows must already exist.
func (s *Store) UpsertAssociation(ctx context.Context, tagID, recordID int64) error {
	_, err := s.pool.Exec(ctx, insertAssociationSQL, tagID, recordID)
	return associationError(err, tagID, recordID)
}

// UpsertAssociations links every tag to recordID in one transaction.
func (s *Store) UpsertAssociations(ctx context.Context, recordID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, tagID := range tagIDs {
			_, err := tx.Exec(ctx, insertAssociationSQL, tagID, recordID)
			if err := associationError(err, tagID, recordID); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordExists reports whether a wallpaper with id is stored.
func (s *Store) RecordExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, recordExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check wallpaper %d: %w", id, err)
	}
	return exists, nil
}

// Cursor returns the highest processed id, or zero when none was recorded.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, selectCursorSQL).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return last, nil
}

// AdvanceCursor records id as the highest processed id.
func (s *Store) AdvanceCursor(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, upsertCursorSQL, id); err != nil {
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
	err := s.pool.QueryRow(ctx, selectWallpaperSQL, id).Scan(
		&rec.ID, &added, &rec.Category, &rec.Favorites, &rec.Source, &rec.Uploader,
		&rec.Size, &rec.Views, &rec.Hash, &rec.Purity, &rec.RelPath,
		&rec.Colors[0], &rec.Colors[1], &rec.Colors[2], &rec.Colors[3], &rec.Colors[4],
		&rec.Width, &rec.Height,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Wallpaper{}, fmt.Errorf("%w: wallpaper %d", crawler.ErrNotFound, id)
	}
	if err != nil {
		return crawler.Wallpaper{}, fmt.Errorf("select wallpaper %d: %w", id, err)
	}
	rec.Added = time.Unix(added, 0).UTC()

	rows, err := s.pool.Query(ctx, selectTagsForSQL, id)
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
	if err := s.pool.QueryRow(ctx, statsSQL).Scan(&st.Wallpapers, &st.Tags, &st.Associations, &st.Cursor); err != nil {
		return crawler.Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return st, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertError(err error, kind string, id int64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s %d: %w", crawler.ErrDuplicateKey, kind, id, err)
	}
	return fmt.Errorf("insert %s %d: %w", kind, id, err)
}

func associationError(err error, tagID, recordID int64) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: tag %d or wallpaper %d", crawler.ErrMissingReference, tagID, recordID)
	}
	return fmt.Errorf("insert association %d/%d: %w", tagID, recordID, err)
}
