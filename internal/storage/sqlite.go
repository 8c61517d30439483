package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorageService implements ThreadStore using SQLite
type SQLiteStorageService struct {
	db       *sql.DB
	dbPath   string
	prepared map[string]*sql.Stmt
}

// NewSQLiteStorageService creates a new SQLite storage service
func NewSQLiteStorageService(dbPath string) *SQLiteStorageService {
	return &SQLiteStorageService{
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}
}

// Initialize sets up the database connection and creates necessary tables
func (s *SQLiteStorageService) Initialize(ctx context.Context) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
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
func (s *SQLiteStorageService) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_threads (
		channel_id  INTEGER PRIMARY KEY,
		response_id TEXT    NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channel_threads_updated_at ON channel_threads(updated_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// prepareStatements prepares frequently used SQL statements
func (s *SQLiteStorageService) prepareStatements() error {
	statements := map[string]string{
		"get_thread": `
			SELECT response_id FROM channel_threads WHERE channel_id = ?
		`,
		"upsert_thread": `
			INSERT INTO channel_threads (channel_id, response_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				response_id = excluded.response_id,
				updated_at  = excluded.updated_at
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
func (s *SQLiteStorageService) Close() error {
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

// statement returns a prepared statement or an unavailable error if Initialize was not called
func (s *SQLiteStorageService) statement(name string) (*sql.Stmt, error) {
	stmt := s.prepared[name]
	if stmt == nil {
		return nil, unavailable(name, fmt.Errorf("statement not prepared"))
	}
	return stmt, nil
}

// Get returns the continuation token for a channel
func (s *SQLiteStorageService) Get(ctx context.Context, channelID int64) (string, bool, error) {
	stmt, err := s.statement("get_thread")
	if err != nil {
		return "", false, err
	}

	var token string
	err = stmt.QueryRowContext(ctx, channelID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get thread", err)
	}

	return token, true, nil
}

// Set creates or overwrites the continuation token for a channel
func (s *SQLiteStorageService) Set(ctx context.Context, channelID int64, token string) error {
	stmt, err := s.statement("upsert_thread")
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, channelID, token, time.Now().UTC().UnixMilli()); err != nil {
		return unavailable("upsert thread", err)
	}
	return nil
}

// Delete removes the record for a channel
func (s *SQLiteStorageService) Delete(ctx context.Context, channelID int64) error {
	stmt, err := s.statement("delete_thread")
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, channelID); err != nil {
		return unavailable("delete thread", err)
	}
	return nil
}

// Count returns the number of stored channel threads
func (s *SQLiteStorageService) Count(ctx context.Context) (int, error) {
	stmt, err := s.statement("count_threads")
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, unavailable("count threads", err)
	}
	return count, nil
}

// All returns every stored record for migration purposes
func (s *SQLiteStorageService) All(ctx context.Context) ([]*ConversationRecord, error) {
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
func (s *SQLiteStorageService) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return unavailable("health check", fmt.Errorf("database connection is nil"))
	}

	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}

	// Test query to ensure tables exist
	if _, err := s.db.ExecContext(ctx, "SELECT COUNT(*) FROM channel_threads LIMIT 1"); err != nil {
		return unavailable("health check query", err)
	}

	return nil
}
