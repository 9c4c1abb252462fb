package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/gorax/flow/internal/database"
)

// SQLiteConnector implements Connector for SQLite. The pool is pinned to a
// single connection (SQLite is single-writer), which is also what makes
// database.SQLiteTagger's connection-scoped TEMP table an adequate stand-in
// for a session variable.
type SQLiteConnector struct {
	runner sqlRunner
	logger *slog.Logger
}

// NewSQLiteConnector creates a new SQLite connector.
func NewSQLiteConnector() *SQLiteConnector {
	return &SQLiteConnector{logger: slog.Default()}
}

// Connect validates the file path and opens the database.
func (c *SQLiteConnector) Connect(ctx context.Context, connectionString string) error {
	if err := c.validateConnectionString(connectionString); err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c.runner = sqlRunner{db: database.NewExecDBWithTagger(db, database.SQLiteTagger), dialect: "sqlite", logger: c.logger}
	c.logger.Info("connectors: sqlite connected",
		"execution_id", database.ExecutionIDFromContext(ctx))
	return nil
}

// Close closes the SQLite connection.
func (c *SQLiteConnector) Close() error {
	if c.runner.db != nil {
		return c.runner.db.Close()
	}
	return nil
}

// Ping tests the SQLite connection.
func (c *SQLiteConnector) Ping(ctx context.Context) error {
	if c.runner.db == nil {
		return ErrConnectionFailed
	}
	return c.runner.db.PingContext(ctx)
}

// Query executes a SELECT query.
func (c *SQLiteConnector) Query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.query(ctx, input)
}

// Execute executes a query that modifies data.
func (c *SQLiteConnector) Execute(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.exec(ctx, input)
}

// GetDatabaseType returns the database type.
func (c *SQLiteConnector) GetDatabaseType() DatabaseType {
	return DatabaseTypeSQLite
}

// validateConnectionString accepts in-memory databases and relative file
// paths; absolute paths, traversal, and system directories are rejected so
// a playbook can't point a duckdb step at arbitrary files on the worker.
func (c *SQLiteConnector) validateConnectionString(connStr string) error {
	if connStr == "" {
		return ErrInvalidConnectionString
	}
	if connStr == ":memory:" || connStr == "file::memory:?cache=shared" {
		return nil
	}

	cleanPath := filepath.Clean(connStr)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths are not allowed for SQLite databases")
	}
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("directory traversal not allowed in file path")
	}
	for _, prefix := range []string{"/etc", "/sys", "/proc", "/dev"} {
		if strings.HasPrefix(cleanPath, prefix) {
			return fmt.Errorf("access to system directories not allowed")
		}
	}
	return nil
}
