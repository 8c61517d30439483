package storage

import (
	"context"
	"time"
)

// ConversationRecord maps a chat channel to the last continuation token returned by the model
type ConversationRecord struct {
	ChannelID         int64     `db:"channel_id"`  // Platform channel ID (primary key)
	ContinuationToken string    `db:"response_id"` // Last response ID returned by the completion service
	UpdatedAt         time.Time `db:"updated_at"`  // Last time the token was written
}

// ThreadStore defines the interface for channel conversation persistence.
// Every I/O failure is returned as an *UnavailableError; a missing record is never an error.
type ThreadStore interface {
	// Initialize sets up the database connection and creates necessary tables
	Initialize(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// Get returns the continuation token for a channel, found is false when no record exists
	Get(ctx context.Context, channelID int64) (token string, found bool, err error)

	// Set creates or overwrites the continuation token for a channel
	Set(ctx context.Context, channelID int64, token string) error

	// Delete removes the record for a channel, deleting a missing record is not an error
	Delete(ctx context.Context, channelID int64) error

	// Count returns the number of channels with an active conversation
	Count(ctx context.Context) (int, error)

	// All returns every record, most recently updated first
	All(ctx context.Context) ([]*ConversationRecord, error)

	// HealthCheck verifies that the database connection is working
	HealthCheck(ctx context.Context) error
}
