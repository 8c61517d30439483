package storage

import "fmt"

// Supported database types
const (
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypeMySQL    = "mysql"
	DatabaseTypePostgres = "postgres"
)

// Options selects and configures a ThreadStore backend
type Options struct {
	Type        string
	SQLitePath  string
	MySQL       MySQLConfig
	PostgresURL string
}

// NewThreadStore creates an uninitialized ThreadStore for the configured database type
func NewThreadStore(opts Options) (ThreadStore, error) {
	switch opts.Type {
	case "", DatabaseTypeSQLite:
		return NewSQLiteStorageService(opts.SQLitePath), nil
	case DatabaseTypeMySQL:
		return NewMySQLStorageService(opts.MySQL), nil
	case DatabaseTypePostgres:
		if opts.PostgresURL == "" {
			return nil, fmt.Errorf("postgres database type requires a database url")
		}
		return NewPostgresStorageService(opts.PostgresURL), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", opts.Type)
	}
}
