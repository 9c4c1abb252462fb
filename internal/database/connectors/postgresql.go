package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gorax/flow/internal/database"
)

// PostgreSQLConnector implements Connector for PostgreSQL. Every session
// it opens is tagged with the current execution id (database.PostgresTagger)
// so statements in the target database's logs trace back to the workflow
// execution that issued them.
type PostgreSQLConnector struct {
	runner sqlRunner
	logger *slog.Logger
}

// NewPostgreSQLConnector creates a new PostgreSQL connector.
func NewPostgreSQLConnector() *PostgreSQLConnector {
	return &PostgreSQLConnector{logger: slog.Default()}
}

// Connect validates the DSN and opens the connection pool.
func (c *PostgreSQLConnector) Connect(ctx context.Context, connectionString string) error {
	if err := c.validateConnectionString(connectionString); err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", connectionString)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	c.runner = sqlRunner{db: database.NewExecDB(db), dialect: "postgres", logger: c.logger}
	c.logger.Info("connectors: postgres connected",
		"execution_id", database.ExecutionIDFromContext(ctx))
	return nil
}

// Close closes the PostgreSQL connection.
func (c *PostgreSQLConnector) Close() error {
	if c.runner.db != nil {
		return c.runner.db.Close()
	}
	return nil
}

// Ping tests the PostgreSQL connection.
func (c *PostgreSQLConnector) Ping(ctx context.Context) error {
	if c.runner.db == nil {
		return ErrConnectionFailed
	}
	return c.runner.db.PingContext(ctx)
}

// Query executes a SELECT query.
func (c *PostgreSQLConnector) Query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.query(ctx, input)
}

// Execute executes a query that modifies data.
func (c *PostgreSQLConnector) Execute(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.exec(ctx, input)
}

// GetDatabaseType returns the database type.
func (c *PostgreSQLConnector) GetDatabaseType() DatabaseType {
	return DatabaseTypePostgreSQL
}

// validateConnectionString accepts the postgres:// / postgresql:// URL
// forms (whose host goes through the shared SSRF screen) and the
// key=value DSN form used for locally-configured databases.
func (c *PostgreSQLConnector) validateConnectionString(connStr string) error {
	if connStr == "" {
		return ErrInvalidConnectionString
	}

	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
		u, err := url.Parse(connStr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConnectionString, err)
		}
		return validateHostAddress(u.Hostname())
	}

	if !strings.Contains(connStr, "host=") {
		return fmt.Errorf("%w: must start with postgres:// or postgresql:// or contain host=", ErrInvalidConnectionString)
	}
	return nil
}
