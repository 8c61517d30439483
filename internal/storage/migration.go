package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// MigrationService copies channel conversation records between two thread stores,
// typically from a local SQLite file to a shared MySQL or Postgres database
type MigrationService struct {
	source ThreadStore
	target ThreadStore
	logger *slog.Logger
}

// NewMigrationService creates a new migration service
func NewMigrationService(source, target ThreadStore, logger *slog.Logger) *MigrationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationService{
		source: source,
		target: target,
		logger: logger,
	}
}

// MigrateData copies every record from source to target and returns how many were written.
// Records already present in the target are overwritten with the source token.
func (m *MigrationService) MigrateData(ctx context.Context) (int, error) {
	records, err := m.source.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read source records: %w", err)
	}

	if len(records) == 0 {
		m.logger.Info("No channel threads to migrate")
		return 0, nil
	}

	migrated := 0
	for _, record := range records {
		if err := m.target.Set(ctx, record.ChannelID, record.ContinuationToken); err != nil {
			return migrated, fmt.Errorf("failed to write channel thread %d: %w", record.ChannelID, err)
		}
		migrated++
	}

	m.logger.Info("Channel thread migration completed",
		"total", len(records),
		"migrated", migrated)

	return migrated, nil
}

// ValidateMigration checks that every source channel resolves to the same token in the target
func (m *MigrationService) ValidateMigration(ctx context.Context) error {
	records, err := m.source.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read source records for validation: %w", err)
	}

	for _, record := range records {
		token, found, err := m.target.Get(ctx, record.ChannelID)
		if err != nil {
			return fmt.Errorf("failed to read target record for channel %d: %w", record.ChannelID, err)
		}
		if !found {
			return fmt.Errorf("channel %d missing from target", record.ChannelID)
		}
		if token != record.ContinuationToken {
			return fmt.Errorf("channel %d token mismatch: source=%s target=%s", record.ChannelID, record.ContinuationToken, token)
		}
	}

	return nil
}
