// Package catalog implements the read-only catalog client: a
// (resource_path, resource_version) lookup over playbook text, backed by
// Postgres and fronted by an LRU cache since the catalog is immutable from
// the core's perspective: versions never mutate in place.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/gorax/flow/internal/playbook"
)

// ErrNotFound is returned when a (path, version) pair has no catalog entry.
var ErrNotFound = errors.New("catalog: not found")

// Entry is a resolved catalog entry: the raw playbook text plus its parsed
// document.
type Entry struct {
	Path    string
	Version string
	Content string
	Parsed  *playbook.Document
}

// Client is the Postgres-backed, LRU-cached catalog reader.
type Client struct {
	db           *sqlx.DB
	logger       *slog.Logger
	cache        *lru.Cache[string, Entry]
	latestCache  *lru.Cache[string, string]
}

// New constructs a Client with an LRU cache of the given size.
func New(db *sqlx.DB, logger *slog.Logger, cacheSize int) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: new lru cache: %w", err)
	}
	latestCache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: new latest-version lru cache: %w", err)
	}
	return &Client{db: db, logger: logger, cache: cache, latestCache: latestCache}, nil
}

// RefreshLatestVersions drops the cached "latest version" resolution for
// every known path, so the next FetchEntry with an empty version re-reads
// from Postgres instead of serving a version that may have been
// superseded since the cache was populated. Scheduled periodically by
// internal/scheduler against a catalog whose playbooks are published
// faster than this cache's natural churn would catch.
func (c *Client) RefreshLatestVersions(ctx context.Context) {
	c.latestCache.Purge()
}

func cacheKey(path, version string) string {
	return path + "@" + version
}

// FetchEntry returns the playbook text and parsed document for
// (path, version). An empty version resolves to the latest one first.
func (c *Client) FetchEntry(ctx context.Context, path, version string) (Entry, error) {
	if version == "" {
		latest, err := c.GetLatestVersion(ctx, path)
		if err != nil {
			return Entry{}, err
		}
		version = latest
	}

	key := cacheKey(path, version)
	if entry, ok := c.cache.Get(key); ok {
		return entry, nil
	}

	var row struct {
		Path    string `db:"resource_path"`
		Version string `db:"resource_version"`
		Content string `db:"content"`
	}
	err := c.db.GetContext(ctx, &row, `
		SELECT resource_path, resource_version, content FROM catalog
		WHERE resource_path = $1 AND resource_version = $2
	`, path, version)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: fetch entry: %w", err)
	}

	parsed, err := playbook.Parse([]byte(row.Content))
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: parse playbook %s@%s: %w", path, version, err)
	}

	entry := Entry{Path: row.Path, Version: row.Version, Content: row.Content, Parsed: parsed}
	c.cache.Add(key, entry)
	return entry, nil
}

// GetLatestVersion returns the semver-sortable latest version string for a
// resource path, serving from the latest-version cache when available.
func (c *Client) GetLatestVersion(ctx context.Context, path string) (string, error) {
	if version, ok := c.latestCache.Get(path); ok {
		return version, nil
	}

	var version string
	err := c.db.GetContext(ctx, &version, `
		SELECT resource_version FROM catalog
		WHERE resource_path = $1
		ORDER BY string_to_array(resource_version, '.')::int[] DESC
		LIMIT 1
	`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("catalog: get latest version: %w", err)
	}
	c.latestCache.Add(path, version)
	return version, nil
}

// Put inserts or replaces a catalog entry (used by tests and by any
// seeding/import path; the worker protocol's /catalog/resource route is
// read-only).
func (c *Client) Put(ctx context.Context, path, version, content string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO catalog (resource_path, resource_version, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_path, resource_version) DO UPDATE SET content = EXCLUDED.content
	`, path, version, content)
	if err != nil {
		return fmt.Errorf("catalog: put: %w", err)
	}
	c.cache.Remove(cacheKey(path, version))
	return nil
}
