package catalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	return sqlxDB, mock
}

const samplePlaybook = `
workflow:
  start: a
steps:
  - name: a
    type: http
    url: http://example.com
`

func TestFetchEntryResolvesLatestVersionWhenEmpty(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_version FROM catalog`).
		WithArgs("wf/a").
		WillReturnRows(sqlmock.NewRows([]string{"resource_version"}).AddRow("2.0.0"))
	mock.ExpectQuery(`SELECT resource_path, resource_version, content FROM catalog`).
		WithArgs("wf/a", "2.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"resource_path", "resource_version", "content"}).
			AddRow("wf/a", "2.0.0", samplePlaybook))

	entry, err := c.FetchEntry(context.Background(), "wf/a", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", entry.Version)
	require.NotNil(t, entry.Parsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchEntryCachesAfterFirstLoad(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_path, resource_version, content FROM catalog`).
		WithArgs("wf/a", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"resource_path", "resource_version", "content"}).
			AddRow("wf/a", "1.0.0", samplePlaybook))

	_, err = c.FetchEntry(context.Background(), "wf/a", "1.0.0")
	require.NoError(t, err)

	// second fetch of the same (path, version) must be served from cache,
	// so no additional query expectation is registered.
	entry, err := c.FetchEntry(context.Background(), "wf/a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", entry.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchEntryNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_path, resource_version, content FROM catalog`).
		WithArgs("wf/missing", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"resource_path", "resource_version", "content"}))

	_, err = c.FetchEntry(context.Background(), "wf/missing", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestVersionNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_version FROM catalog`).
		WithArgs("wf/missing").
		WillReturnRows(sqlmock.NewRows([]string{"resource_version"}))

	_, err = c.GetLatestVersion(context.Background(), "wf/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshLatestVersionsPurgesCache(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_version FROM catalog`).
		WithArgs("wf/a").
		WillReturnRows(sqlmock.NewRows([]string{"resource_version"}).AddRow("1.0.0"))
	_, err = c.GetLatestVersion(context.Background(), "wf/a")
	require.NoError(t, err)

	c.RefreshLatestVersions(context.Background())

	mock.ExpectQuery(`SELECT resource_version FROM catalog`).
		WithArgs("wf/a").
		WillReturnRows(sqlmock.NewRows([]string{"resource_version"}).AddRow("1.1.0"))
	version, err := c.GetLatestVersion(context.Background(), "wf/a")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutInvalidatesCachedEntry(t *testing.T) {
	db, mock := setupTestDB(t)
	c, err := New(db, nil, 16)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT resource_path, resource_version, content FROM catalog`).
		WithArgs("wf/a", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"resource_path", "resource_version", "content"}).
			AddRow("wf/a", "1.0.0", samplePlaybook))
	_, err = c.FetchEntry(context.Background(), "wf/a", "1.0.0")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO catalog`).
		WithArgs("wf/a", "1.0.0", "updated content").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Put(context.Background(), "wf/a", "1.0.0", "updated content"))

	mock.ExpectQuery(`SELECT resource_path, resource_version, content FROM catalog`).
		WithArgs("wf/a", "1.0.0").
		WillReturnRows(sqlmock.NewRows([]string{"resource_path", "resource_version", "content"}).
			AddRow("wf/a", "1.0.0", "updated content"))
	entry, err := c.FetchEntry(context.Background(), "wf/a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "updated content", entry.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDefaultsCacheSizeWhenNonPositive(t *testing.T) {
	db, _ := setupTestDB(t)
	c, err := New(db, nil, 0)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
