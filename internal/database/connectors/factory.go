package connectors

import (
	"fmt"
	"log/slog"
)

// ConnectorFactory creates database connectors based on database type. It
// carries a logger so every connector it hands out, regardless of
// dialect, logs `transfer`/`postgres` task activity the same way the
// rest of the system does, instead of each connector reaching for its own
// ad hoc logger.
type ConnectorFactory struct {
	logger *slog.Logger
}

// NewConnectorFactory creates a new connector factory with a default
// logger.
func NewConnectorFactory() *ConnectorFactory {
	return NewConnectorFactoryWithLogger(slog.Default())
}

// NewConnectorFactoryWithLogger creates a connector factory that passes
// logger to every connector it builds.
func NewConnectorFactoryWithLogger(logger *slog.Logger) *ConnectorFactory {
	return &ConnectorFactory{logger: logger}
}

// CreateConnector creates a connector for the specified database type
func (f *ConnectorFactory) CreateConnector(dbType DatabaseType) (Connector, error) {
	switch dbType {
	case DatabaseTypePostgreSQL:
		conn := NewPostgreSQLConnector()
		conn.logger = f.logger
		return conn, nil
	case DatabaseTypeMySQL:
		conn := NewMySQLConnector()
		conn.logger = f.logger
		return conn, nil
	case DatabaseTypeSQLite:
		conn := NewSQLiteConnector()
		conn.logger = f.logger
		return conn, nil
	case DatabaseTypeMongoDB:
		conn := NewMongoDBConnector()
		conn.logger = f.logger
		return conn, nil
	default:
		f.logger.Warn("connectors: unsupported database type requested", "database_type", dbType)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, dbType)
	}
}

// ValidateDatabaseType validates if the database type is supported
func (f *ConnectorFactory) ValidateDatabaseType(dbType DatabaseType) bool {
	switch dbType {
	case DatabaseTypePostgreSQL, DatabaseTypeMySQL, DatabaseTypeSQLite, DatabaseTypeMongoDB:
		return true
	default:
		return false
	}
}

// GetSupportedDatabaseTypes returns a list of supported database types
func (f *ConnectorFactory) GetSupportedDatabaseTypes() []DatabaseType {
	return []DatabaseType{
		DatabaseTypePostgreSQL,
		DatabaseTypeMySQL,
		DatabaseTypeSQLite,
		DatabaseTypeMongoDB,
	}
}
