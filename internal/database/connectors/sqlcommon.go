package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gorax/flow/internal/database"
)

// sqlRunner is the shared query/statement machinery behind every
// sqlx-backed connector. Dialects differ in how they connect, validate
// DSNs, and tag sessions; once a statement is in flight the bounds,
// timing, row handling, and execution-correlated logging are identical,
// so they live here instead of being repeated per dialect.
type sqlRunner struct {
	db      *database.ExecDB
	dialect string
	logger  *slog.Logger
}

func (r *sqlRunner) query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	if r.db == nil {
		return nil, ErrConnectionFailed
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if !isSelectQuery(input.Query) {
		return nil, fmt.Errorf("%w: only SELECT queries allowed in Query method", ErrInvalidQuery)
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout(input))
	defer cancel()

	maxRows := input.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}

	start := time.Now()
	rows, err := r.db.QueryxContext(queryCtx, input.Query, input.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer rows.Close()

	results := make([]map[string]interface{}, 0, maxRows)
	for rows.Next() {
		if len(results) >= maxRows {
			r.logger.Warn("connectors: row limit exceeded",
				"dialect", r.dialect,
				"execution_id", database.ExecutionIDFromContext(ctx),
				"max_rows", maxRows)
			return nil, fmt.Errorf("%w: query returned more than %d rows", ErrRowLimitExceeded, maxRows)
		}
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		normalizeRow(row)
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	elapsed := time.Since(start)
	r.logger.Debug("connectors: query executed",
		"dialect", r.dialect,
		"execution_id", database.ExecutionIDFromContext(ctx),
		"rows", len(results),
		"duration_ms", elapsed.Milliseconds())

	return &QueryResult{
		Rows:         results,
		RowsAffected: len(results),
		ExecutionMS:  elapsed.Milliseconds(),
		Metadata:     input.Metadata,
	}, nil
}

func (r *sqlRunner) exec(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	if r.db == nil {
		return nil, ErrConnectionFailed
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if isSelectQuery(input.Query) {
		return nil, fmt.Errorf("%w: SELECT queries not allowed in Execute method, use Query instead", ErrInvalidQuery)
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout(input))
	defer cancel()

	start := time.Now()
	result, err := r.db.ExecContext(queryCtx, input.Query, input.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		rowsAffected = 0
	}

	elapsed := time.Since(start)
	r.logger.Debug("connectors: statement executed",
		"dialect", r.dialect,
		"execution_id", database.ExecutionIDFromContext(ctx),
		"rows_affected", rowsAffected,
		"duration_ms", elapsed.Milliseconds())

	return &QueryResult{
		RowsAffected: int(rowsAffected),
		ExecutionMS:  elapsed.Milliseconds(),
		Metadata:     input.Metadata,
	}, nil
}

func queryTimeout(input *QueryInput) time.Duration {
	if input.Timeout > 0 {
		return time.Duration(input.Timeout) * time.Second
	}
	return 30 * time.Second
}

// isSelectQuery reports whether a statement reads rather than mutates;
// CTEs count as reads.
func isSelectQuery(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

// normalizeRow converts driver byte slices to strings so query results
// survive JSON encoding into the event log.
func normalizeRow(row map[string]interface{}) {
	for key, value := range row {
		if b, ok := value.([]byte); ok {
			row[key] = string(b)
		}
	}
}

// validateHostAddress blocks DSN hosts that would point a workflow's SQL
// task back into the orchestrator's own network: localhost by name,
// loopback, private, link-local, and unspecified addresses. Hostnames
// other than localhost pass; they resolve at the driver, outside this
// screen's reach.
func validateHostAddress(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidConnectionString)
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("connections to localhost are not allowed")
	}

	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return nil
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("connections to localhost are not allowed")
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsUnspecified():
		return fmt.Errorf("connections to private IP addresses are not allowed")
	}
	return nil
}
