package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLStorageService implements ThreadStore using MySQL
type MySQLStorageService struct {
	db       *sql.DB
	dsn      string
	prepared map[string]*sql.Stmt
}

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Timeout  string
}

// NewMySQLStorageService creates a new MySQL storage service
func NewMySQLStorageService(config MySQLConfig) *MySQLStorageService {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&timeout=%s",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.Timeout,
	)

	return &MySQLStorageService{
		dsn:      dsn,
		prepared: make(map[string]*sql.Stmt),
	}
}

// connectWithRetry attempts to connect to MySQL with exponential backoff retry logic
func (s *MySQLStorageService) connectWithRetry(ctx context.Context) (*sql.DB, error) {
	const maxRetries = 5
	const baseDelay = time.Second

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		db, err := sql.Open("mysql", s.dsn)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				return db, nil
			}
			db.Close()
			lastErr = fmt.Errorf("attempt %d: failed to ping database: %w", attempt+1, err)
		} else {
			lastErr = fmt.Errorf("attempt %d: failed to open database: %w", attempt+1, err)
		}

		if attempt < maxRetries-1 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// isRetryableError checks if an error is retryable (network/connection issues)
func (s *MySQLStorageService) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"no such host",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}

// executeWithRetry executes a database operation with retry logic for connection failures
func (s *MySQLStorageService) executeWithRetry(ctx context.Context, operation func() error) error {
	const maxRetries = 3
	const baseDelay = 500 * time.Millisecond

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry if it's not a connection-related error
		if !s.isRetryableError(err) {
			return err
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}

// Initialize sets up the database connection and creates necessary tables
func (s *MySQLStorageService) Initialize(ctx context.Context) error {
	db, err := s.connectWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish database connection: %w", err)
	}

	s.db = db

	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(time.Hour)

	if err := s.createTables(ctx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		return fmt.Errorf("failed to prepare statements: %w", err)
	}

	return nil
}

// createTables creates the necessary database tables
func (s *MySQLStorageService) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channel_threads (
			channel_id BIGINT PRIMARY KEY,
			response_id VARCHAR(255) NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX idx_channel_threads_updated_at ON channel_threads(updated_at)`,
	}

	if _, err := s.db.ExecContext(ctx, statements[0]); err != nil {
		return fmt.Errorf("failed to execute schema statement: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS, ignore duplicate index errors (code 1061)
	for _, stmt := range statements[1:] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(err.Error(), "Duplicate key name") {
				return fmt.Errorf("failed to execute schema statement: %w", err)
			}
		}
	}

	return nil
}

// prepareStatements prepares frequently used SQL statements
func (s *MySQLStorageService) prepareStatements() error {
	statements := map[string]string{
		"get_thread": `
			SELECT response_id FROM channel_threads WHERE channel_id = ?
		`,
		"upsert_thread": `
			INSERT INTO channel_threads (channel_id, response_id, updated_at)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
			response_id = VALUES(response_id),
			updated_at = VALUES(updated_at)
		`,
		"delete_thread": `
			DELETE FROM channel_threads WHERE channel_id = ?
		`,
		"count_threads": `
			SELECT COUNT(*) FROM channel_threads
		`,
		"get_all_threads": `
			SELECT channel_id, response_id, updated_at
			FROM channel_threads
			ORDER BY updated_at DESC
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Close closes the database connection
func (s *MySQLStorageService) Close() error {
	for _, stmt := range s.prepared {
		if stmt != nil {
			stmt.Close()
		}
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *MySQLStorageService) statement(name string) (*sql.Stmt, error) {
	stmt := s.prepared[name]
	if stmt == nil {
		return nil, unavailable(name, fmt.Errorf("statement not prepared"))
	}
	return stmt, nil
}

// Get returns the continuation token for a channel
func (s *MySQLStorageService) Get(ctx context.Context, channelID int64) (string, bool, error) {
	stmt, err := s.statement("get_thread")
	if err != nil {
		return "", false, err
	}

	var token string
	found := true
	err = s.executeWithRetry(ctx, func() error {
		err := stmt.QueryRowContext(ctx, channelID).Scan(&token)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, unavailable("get thread", err)
	}

	return token, found, nil
}

// Set creates or overwrites the continuation token for a channel
func (s *MySQLStorageService) Set(ctx context.Context, channelID int64, token string) error {
	stmt, err := s.statement("upsert_thread")
	if err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	err = s.executeWithRetry(ctx, func() error {
		_, err := stmt.ExecContext(ctx, channelID, token, now)
		return err
	})
	if err != nil {
		return unavailable("upsert thread", err)
	}
	return nil
}

// Delete removes the record for a channel
func (s *MySQLStorageService) Delete(ctx context.Context, channelID int64) error {
	stmt, err := s.statement("delete_thread")
	if err != nil {
		return err
	}

	err = s.executeWithRetry(ctx, func() error {
		_, err := stmt.ExecContext(ctx, channelID)
		return err
	})
	if err != nil {
		return unavailable("delete thread", err)
	}
	return nil
}

// Count returns the number of stored channel threads
func (s *MySQLStorageService) Count(ctx context.Context) (int, error) {
	stmt, err := s.statement("count_threads")
	if err != nil {
		return 0, err
	}

	var count int
	err = s.executeWithRetry(ctx, func() error {
		return stmt.QueryRowContext(ctx).Scan(&count)
	})
	if err != nil {
		return 0, unavailable("count threads", err)
	}
	return count, nil
}

// All returns every stored record for migration purposes
func (s *MySQLStorageService) All(ctx context.Context) ([]*ConversationRecord, error) {
	stmt, err := s.statement("get_all_threads")
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, unavailable("query all threads", err)
	}
	defer rows.Close()

	var records []*ConversationRecord
	for rows.Next() {
		var record ConversationRecord
		var updatedAt int64
		if err := rows.Scan(&record.ChannelID, &record.ContinuationToken, &updatedAt); err != nil {
			return nil, unavailable("scan thread", err)
		}
		record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate threads", err)
	}
	return records, nil
}

// HealthCheck verifies that the database connection is working
func (s *MySQLStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return unavailable("health check", fmt.Errorf("database connection is nil"))
	}

	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM channel_threads").Scan(&count); err != nil {
		return unavailable("health check query", err)
	}

	return nil
}
