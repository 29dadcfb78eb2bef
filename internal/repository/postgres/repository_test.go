package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/packvault/catalog-crawler/internal/catalog"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

func TestListKnownSlugs(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT slug FROM catalog_items").
		WillReturnRows(pgxmock.NewRows([]string{"slug"}).
			AddRow("alpha-pack").
			AddRow("beta-pack"))

	slugs, err := repo.ListKnownSlugs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha-pack", "beta-pack"}, slugs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySlugNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT slug, title, category").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	item, err := repo.FindBySlug(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, item)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySlugLoadsVersions(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	updated := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT slug, title, category").
		WithArgs("alpha-pack").
		WillReturnRows(pgxmock.NewRows([]string{
			"slug", "title", "category", "thumbnail_url", "description_html",
			"description", "description_images", "asset_links", "comment_count",
			"rating_average", "source_updated_at", "parsed",
		}).AddRow(
			"alpha-pack", "Alpha Pack", "addon", "https://cdn/x.png", "<p>d</p>",
			"d", []string{}, []string{"https://cdn.example.com/packs/a.mcpack"}, 12,
			4.46, &updated, true,
		))
	mock.ExpectQuery("SELECT version FROM catalog_item_versions").
		WithArgs("alpha-pack").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).
			AddRow("1.20").
			AddRow("1.21"))

	item, err := repo.FindBySlug(context.Background(), "alpha-pack")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, catalog.CategoryAddon, item.Category)
	require.Equal(t, []string{"1.20", "1.21"}, item.MCVersions)
	require.Equal(t, updated, item.SourceUpdatedAt)
	require.True(t, item.Parsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func testItem() catalog.CatalogItem {
	return catalog.CatalogItem{
		Slug:            "alpha-pack",
		Title:           "Alpha Pack",
		Category:        catalog.CategoryAddon,
		ThumbnailURL:    "https://cdn/x.png",
		DescriptionHTML: "<p>d</p>",
		Description:     "d",
		AssetLinks:      []string{"https://cdn.example.com/packs/a.mcpack"},
		MCVersions:      []string{"1.20"},
		CommentCount:    12,
		RatingAverage:   4.46,
		SourceUpdatedAt: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		Parsed:          true,
	}
}

func expectSave(mock pgxmock.PgxPoolIface, item catalog.CatalogItem) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO catalog_items").
		WithArgs(
			item.Slug,
			item.Title,
			string(item.Category),
			item.ThumbnailURL,
			item.DescriptionHTML,
			item.Description,
			[]string{},
			item.AssetLinks,
			item.CommentCount,
			item.RatingAverage,
			&item.SourceUpdatedAt,
			item.Parsed,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM catalog_item_versions").
		WithArgs(item.Slug).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for _, version := range item.MCVersions {
		mock.ExpectExec("INSERT INTO catalog_item_versions").
			WithArgs(item.Slug, version).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()
}

func TestCreateSavesItemAndVersions(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	item := testItem()
	expectSave(mock, item)

	require.NoError(t, repo.Create(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateForcesSlug(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	item := testItem()
	item.Slug = "stale-slug"
	expected := item
	expected.Slug = "alpha-pack"
	expectSave(mock, expected)

	require.NoError(t, repo.Update(context.Background(), "alpha-pack", item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnError(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	item := testItem()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO catalog_items").
		WithArgs(
			item.Slug,
			item.Title,
			string(item.Category),
			item.ThumbnailURL,
			item.DescriptionHTML,
			item.Description,
			[]string{},
			item.AssetLinks,
			item.CommentCount,
			item.RatingAverage,
			&item.SourceUpdatedAt,
			item.Parsed,
		).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	require.Error(t, repo.Create(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
