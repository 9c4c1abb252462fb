package connectors

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// DatabaseType represents the type of database
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
	DatabaseTypeMongoDB    DatabaseType = "mongodb"
)

// ConnectionStatus represents the status of a database connection
type ConnectionStatus string

const (
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusInactive ConnectionStatus = "inactive"
	ConnectionStatusError    ConnectionStatus = "error"
)

// QueryType represents the type of query being executed
type QueryType string

const (
	QueryTypeSelect    QueryType = "select"
	QueryTypeInsert    QueryType = "insert"
	QueryTypeUpdate    QueryType = "update"
	QueryTypeDelete    QueryType = "delete"
	QueryTypeFind      QueryType = "find"      // MongoDB
	QueryTypeAggregate QueryType = "aggregate" // MongoDB
)

// Common errors
var (
	ErrInvalidConnectionString = errors.New("invalid connection string")
	ErrConnectionFailed        = errors.New("connection failed")
	ErrQueryTimeout            = errors.New("query timeout")
	ErrQueryFailed             = errors.New("query failed")
	ErrRowLimitExceeded        = errors.New("row limit exceeded")
	ErrUnsupportedDatabase     = errors.New("unsupported database type")
	ErrInvalidQuery            = errors.New("invalid query")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrUnauthorized            = errors.New("unauthorized access to connection")
)

// ValidationError represents a validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// JSONMap is a custom type for storing JSON in PostgreSQL
type JSONMap map[string]interface{}

// Value implements driver.Valuer for database serialization
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for database deserialization
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported type for JSONMap")
	}

	return json.Unmarshal(data, j)
}

// QueryInput represents input for executing a query
type QueryInput struct {
	Query      string                 `json:"query"`
	Parameters []interface{}          `json:"parameters,omitempty"`
	Timeout    int                    `json:"timeout,omitempty"`  // seconds, default 30
	MaxRows    int                    `json:"max_rows,omitempty"` // default 1000
	Metadata   map[string]interface{} `json:"metadata,omitempty"` // workflow context
}

// Validate validates QueryInput
func (q *QueryInput) Validate() error {
	if q.Query == "" {
		return &ValidationError{Message: "query is required"}
	}
	if q.Timeout < 0 || q.Timeout > 300 {
		return &ValidationError{Message: "timeout must be between 0 and 300 seconds"}
	}
	if q.MaxRows < 0 || q.MaxRows > 10000 {
		return &ValidationError{Message: "max_rows must be between 0 and 10000"}
	}
	return nil
}

// QueryResult represents the result of a query execution
type QueryResult struct {
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowsAffected int                      `json:"rows_affected"`
	ExecutionMS  int64                    `json:"execution_ms"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
}

// Connector defines the interface for database connectors
type Connector interface {
	// Connect establishes a connection to the database
	Connect(ctx context.Context, connectionString string) error

	// Close closes the connection
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error

	// Query executes a SELECT query and returns results
	Query(ctx context.Context, input *QueryInput) (*QueryResult, error)

	// Execute executes a query that modifies data (INSERT, UPDATE, DELETE)
	Execute(ctx context.Context, input *QueryInput) (*QueryResult, error)

	// GetDatabaseType returns the database type
	GetDatabaseType() DatabaseType
}
