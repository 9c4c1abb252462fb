package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ExecutionContextKey is the context key under which the current
// execution id travels so a SQL task's queries can be correlated back to
// the workflow execution that issued them.
type ExecutionContextKey string

const contextKeyExecutionID ExecutionContextKey = "execution_id"

// Tagger stamps the current execution id onto a session before a query
// runs. Each SQL dialect correlates a statement back to its execution
// differently (Postgres has session variables, MySQL has user variables,
// SQLite has neither), so ExecDB takes the dialect's tagger instead of
// hardcoding one.
type Tagger func(ctx context.Context, db *sqlx.DB, executionID string) error

// ExecDB wraps sqlx.DB and tags every session with the current execution
// id before running a query, so a DBA correlating slow-query logs or
// row-level-security policies on the target database can trace a
// statement back to the execution that issued it.
type ExecDB struct {
	*sqlx.DB
	tag Tagger
}

// NewExecDB wraps a connected sqlx.DB with Postgres session-variable
// tagging (`SET LOCAL app.current_execution_id`).
func NewExecDB(db *sqlx.DB) *ExecDB {
	return NewExecDBWithTagger(db, PostgresTagger)
}

// NewExecDBWithTagger wraps a connected sqlx.DB with a dialect-specific
// Tagger.
func NewExecDBWithTagger(db *sqlx.DB, tag Tagger) *ExecDB {
	return &ExecDB{DB: db, tag: tag}
}

// ExecContext runs a mutating query, tagging the session first.
func (db *ExecDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := db.tagSession(ctx, query); err != nil {
		return nil, err
	}
	return db.DB.ExecContext(ctx, query, args...)
}

// QueryxContext runs a SELECT, tagging the session first.
func (db *ExecDB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	if err := db.tagSession(ctx, query); err != nil {
		return nil, err
	}
	return db.DB.QueryxContext(ctx, query, args...)
}

func (db *ExecDB) tagSession(ctx context.Context, query string) error {
	executionID := ExecutionIDFromContext(ctx)
	if executionID == "" || !shouldTagQuery(query) || db.tag == nil {
		return nil
	}
	if err := db.tag(ctx, db.DB, executionID); err != nil {
		return fmt.Errorf("database: tag session with execution id: %w", err)
	}
	return nil
}

// shouldTagQuery skips DDL; migrations and schema changes run outside any
// execution and must not carry a session tag.
func shouldTagQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if strings.HasPrefix(q, "create") || strings.HasPrefix(q, "alter") || strings.HasPrefix(q, "drop") {
		return false
	}
	return true
}

// PostgresTagger sets the session variable row-level-security policies
// and slow-query log correlation read back on Postgres. set_config is the
// parameterizable form of SET; plain SET does not accept bind parameters.
func PostgresTagger(ctx context.Context, db *sqlx.DB, executionID string) error {
	_, err := db.ExecContext(ctx, "SELECT set_config('app.current_execution_id', $1, false)", executionID)
	return err
}

// MySQLTagger sets a session user variable, MySQL's equivalent of a
// Postgres session GUC.
func MySQLTagger(ctx context.Context, db *sqlx.DB, executionID string) error {
	_, err := db.ExecContext(ctx, "SET @gorax_execution_id = ?", executionID)
	return err
}

// SQLiteTagger records the execution id in a temp table. SQLite has no
// session-variable concept; a TEMP table is connection-scoped, which is
// equivalent given the SQLite connector pins the pool to a single
// connection (SQLite is single-writer).
func SQLiteTagger(ctx context.Context, db *sqlx.DB, executionID string) error {
	if _, err := db.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS gorax_execution_context (execution_id TEXT)`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM gorax_execution_context`); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT INTO gorax_execution_context (execution_id) VALUES (?)`, executionID)
	return err
}

// ExecutionScoped returns a context carrying the given execution id.
func ExecutionScoped(ctx context.Context, executionID int64) context.Context {
	return context.WithValue(ctx, contextKeyExecutionID, fmt.Sprintf("%d", executionID))
}

// ExecutionIDFromContext extracts the execution id tagged onto ctx, or ""
// if none was set.
func ExecutionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKeyExecutionID).(string)
	return id
}
