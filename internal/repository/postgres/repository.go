// Package postgres provides the Postgres-backed catalog repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packvault/catalog-crawler/internal/catalog"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbConn is the subset of pgxpool.Pool the repository uses; pgxmock
// satisfies it in tests.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Repository implements catalog.Repository on Postgres.
//
// Schema:
//
//	CREATE TABLE catalog_items (
//		slug TEXT PRIMARY KEY,
//		title TEXT NOT NULL,
//		category TEXT NOT NULL,
//		thumbnail_url TEXT NOT NULL DEFAULT '',
//		description_html TEXT NOT NULL DEFAULT '',
//		description TEXT NOT NULL DEFAULT '',
//		description_images TEXT[] NOT NULL DEFAULT '{}',
//		asset_links TEXT[] NOT NULL DEFAULT '{}',
//		comment_count INT NOT NULL DEFAULT 0,
//		rating_average DOUBLE PRECISION NOT NULL DEFAULT 0,
//		source_updated_at TIMESTAMPTZ,
//		parsed BOOLEAN NOT NULL DEFAULT FALSE,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE catalog_item_versions (
//		item_slug TEXT NOT NULL REFERENCES catalog_items(slug) ON DELETE CASCADE,
//		version TEXT NOT NULL,
//		PRIMARY KEY (item_slug, version)
//	);
type Repository struct {
	pool dbConn
}

// New creates a Repository with its own connection pool.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// NewWithPool constructs a Repository from an existing pool (primarily for testing).
func NewWithPool(pool dbConn) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// ListKnownSlugs returns the slugs of every crawled item.
func (r *Repository) ListKnownSlugs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT slug FROM catalog_items WHERE parsed = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("query known slugs: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slugs: %w", err)
	}
	return slugs, nil
}

const findBySlugSQL = `
SELECT slug, title, category, thumbnail_url, description_html, description,
	description_images, asset_links, comment_count, rating_average,
	source_updated_at, parsed
FROM catalog_items
WHERE slug = $1`

// FindBySlug loads one item with its version set. It returns (nil, nil)
// when no item exists for the slug.
func (r *Repository) FindBySlug(ctx context.Context, slug string) (*catalog.CatalogItem, error) {
	var (
		item      catalog.CatalogItem
		updatedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, findBySlugSQL, slug).Scan(
		&item.Slug,
		&item.Title,
		&item.Category,
		&item.ThumbnailURL,
		&item.DescriptionHTML,
		&item.Description,
		&item.DescriptionImages,
		&item.AssetLinks,
		&item.CommentCount,
		&item.RatingAverage,
		&updatedAt,
		&item.Parsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item %s: %w", slug, err)
	}
	if updatedAt != nil {
		item.SourceUpdatedAt = *updatedAt
	}

	versions, err := r.itemVersions(ctx, slug)
	if err != nil {
		return nil, err
	}
	item.MCVersions = versions
	return &item, nil
}

func (r *Repository) itemVersions(ctx context.Context, slug string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT version FROM catalog_item_versions WHERE item_slug = $1 ORDER BY version`, slug)
	if err != nil {
		return nil, fmt.Errorf("query versions for %s: %w", slug, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

const insertItemSQL = `
INSERT INTO catalog_items (
	slug, title, category, thumbnail_url, description_html, description,
	description_images, asset_links, comment_count, rating_average,
	source_updated_at, parsed, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (slug) DO UPDATE SET
	title = EXCLUDED.title,
	category = EXCLUDED.category,
	thumbnail_url = EXCLUDED.thumbnail_url,
	description_html = EXCLUDED.description_html,
	description = EXCLUDED.description,
	description_images = EXCLUDED.description_images,
	asset_links = EXCLUDED.asset_links,
	comment_count = EXCLUDED.comment_count,
	rating_average = EXCLUDED.rating_average,
	source_updated_at = EXCLUDED.source_updated_at,
	parsed = EXCLUDED.parsed,
	updated_at = NOW()`

// Create inserts a new item with its versions. The upsert keeps creates
// atomic when a concurrent writer got there first.
func (r *Repository) Create(ctx context.Context, item catalog.CatalogItem) error {
	return r.save(ctx, item.Slug, item)
}

// Update replaces the stored fields of the item identified by slug. The
// version set is replaced with the caller-computed union.
func (r *Repository) Update(ctx context.Context, slug string, item catalog.CatalogItem) error {
	item.Slug = slug
	return r.save(ctx, slug, item)
}

func (r *Repository) save(ctx context.Context, slug string, item catalog.CatalogItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save of %s: %w", slug, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var sourceUpdated *time.Time
	if !item.SourceUpdatedAt.IsZero() {
		sourceUpdated = &item.SourceUpdatedAt
	}
	if _, err := tx.Exec(ctx, insertItemSQL,
		slug,
		item.Title,
		string(item.Category),
		item.ThumbnailURL,
		item.DescriptionHTML,
		item.Description,
		stringArray(item.DescriptionImages),
		stringArray(item.AssetLinks),
		item.CommentCount,
		item.RatingAverage,
		sourceUpdated,
		item.Parsed,
	); err != nil {
		return fmt.Errorf("save item %s: %w", slug, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM catalog_item_versions WHERE item_slug = $1`, slug); err != nil {
		return fmt.Errorf("clear versions of %s: %w", slug, err)
	}
	for _, version := range item.MCVersions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO catalog_item_versions (item_slug, version) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			slug, version); err != nil {
			return fmt.Errorf("save version %s of %s: %w", version, slug, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save of %s: %w", slug, err)
	}
	return nil
}

// stringArray keeps NULL out of text[] columns.
func stringArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
