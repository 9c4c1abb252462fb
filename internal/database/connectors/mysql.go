package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jmoiron/sqlx"

	"github.com/gorax/flow/internal/database"
)

// MySQLConnector implements Connector for MySQL, tagging every session
// with the current execution id via a user variable (database.MySQLTagger).
type MySQLConnector struct {
	runner sqlRunner
	logger *slog.Logger
}

// NewMySQLConnector creates a new MySQL connector.
func NewMySQLConnector() *MySQLConnector {
	return &MySQLConnector{logger: slog.Default()}
}

// Connect validates the DSN and opens the connection pool.
func (c *MySQLConnector) Connect(ctx context.Context, connectionString string) error {
	if err := c.validateConnectionString(connectionString); err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "mysql", connectionString)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	c.runner = sqlRunner{db: database.NewExecDBWithTagger(db, database.MySQLTagger), dialect: "mysql", logger: c.logger}
	c.logger.Info("connectors: mysql connected",
		"execution_id", database.ExecutionIDFromContext(ctx))
	return nil
}

// Close closes the MySQL connection.
func (c *MySQLConnector) Close() error {
	if c.runner.db != nil {
		return c.runner.db.Close()
	}
	return nil
}

// Ping tests the MySQL connection.
func (c *MySQLConnector) Ping(ctx context.Context) error {
	if c.runner.db == nil {
		return ErrConnectionFailed
	}
	return c.runner.db.PingContext(ctx)
}

// Query executes a SELECT query.
func (c *MySQLConnector) Query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.query(ctx, input)
}

// Execute executes a query that modifies data.
func (c *MySQLConnector) Execute(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	return c.runner.exec(ctx, input)
}

// GetDatabaseType returns the database type.
func (c *MySQLConnector) GetDatabaseType() DatabaseType {
	return DatabaseTypeMySQL
}

// validateConnectionString accepts the driver's
// username:password@tcp(host:port)/database form; the tcp host goes
// through the shared SSRF screen.
func (c *MySQLConnector) validateConnectionString(connStr string) error {
	if connStr == "" {
		return ErrInvalidConnectionString
	}
	if !strings.Contains(connStr, "@tcp(") && !strings.Contains(connStr, "@unix(") {
		return fmt.Errorf("%w: MySQL connection string must contain @tcp() or @unix()", ErrInvalidConnectionString)
	}
	if host := extractMySQLHost(connStr); host != "" {
		if decoded, err := url.QueryUnescape(host); err == nil {
			host = decoded
		}
		return validateHostAddress(host)
	}
	return nil
}

// extractMySQLHost pulls the host out of username:password@tcp(host:port)/database.
func extractMySQLHost(connStr string) string {
	startIdx := strings.Index(connStr, "@tcp(")
	if startIdx == -1 {
		return ""
	}
	startIdx += len("@tcp(")
	endIdx := strings.Index(connStr[startIdx:], ")")
	if endIdx == -1 {
		return ""
	}
	hostPort := connStr[startIdx : startIdx+endIdx]
	host, _, found := strings.Cut(hostPort, ":")
	if !found {
		return hostPort
	}
	return host
}
