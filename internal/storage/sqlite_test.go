package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorageService_Initialize(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "nested", "threads.db")

	service := NewSQLiteStorageService(dbPath)
	ctx := context.Background()

	err := service.Initialize(ctx)
	require.NoError(t, err)
	defer service.Close()

	// Verify database file was created, including the missing parent directory
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)

	err = service.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestSQLiteStorageService_GetNotFound(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()

	token, found, err := service.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, token)
}

func TestSQLiteStorageService_SetAndGet(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()
	ctx := context.Background()

	testCases := []struct {
		name      string
		channelID int64
		token     string
	}{
		{"small channel id", 42, "resp_r1"},
		{"discord snowflake", 1234567890123456789, "resp_abc"},
		{"negative id", -7, "resp_neg"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, service.Set(ctx, tc.channelID, tc.token))

			token, found, err := service.Get(ctx, tc.channelID)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tc.token, token)
		})
	}
}

func TestSQLiteStorageService_SetIsIdempotentUpsert(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, 42, "resp_r1"))
	require.NoError(t, service.Set(ctx, 42, "resp_r1"))

	count, err := service.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err := service.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(42), records[0].ChannelID)
	assert.Equal(t, "resp_r1", records[0].ContinuationToken)
}

func TestSQLiteStorageService_SetOverwrites(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, 42, "resp_r1"))
	before, err := service.All(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	// Sleep briefly to ensure different timestamp
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, service.Set(ctx, 42, "resp_r2"))

	token, found, err := service.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "resp_r2", token)

	after, err := service.All(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].UpdatedAt.After(before[0].UpdatedAt))
}

func TestSQLiteStorageService_Delete(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, 42, "resp_r1"))
	require.NoError(t, service.Set(ctx, 43, "resp_x"))

	require.NoError(t, service.Delete(ctx, 42))

	_, found, err := service.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)

	// Other channels are untouched
	token, found, err := service.Get(ctx, 43)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "resp_x", token)

	// Deleting a missing record is not an error
	assert.NoError(t, service.Delete(ctx, 999))

	count, err := service.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStorageService_AllOrderedByUpdate(t *testing.T) {
	service := setupTestStorage(t)
	defer service.Close()
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, 1, "first"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, service.Set(ctx, 2, "second"))

	records, err := service.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].ChannelID)
	assert.Equal(t, int64(1), records[1].ChannelID)
}

func TestSQLiteStorageService_ClosedDatabaseIsUnavailable(t *testing.T) {
	service := setupTestStorage(t)
	require.NoError(t, service.Close())
	ctx := context.Background()

	_, found, err := service.Get(ctx, 42)
	require.Error(t, err)
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	err = service.Set(ctx, 42, "resp_r1")
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = service.Count(ctx)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	var unavailableErr *UnavailableError
	assert.True(t, errors.As(err, &unavailableErr))
	assert.Equal(t, "count threads", unavailableErr.Op)
}

func TestSQLiteStorageService_UninitializedIsUnavailable(t *testing.T) {
	service := NewSQLiteStorageService(filepath.Join(t.TempDir(), "never.db"))

	_, _, err := service.Get(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	err = service.HealthCheck(context.Background())
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
}

func TestSQLiteStorageService_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "threads.db")
	ctx := context.Background()

	first := NewSQLiteStorageService(dbPath)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, first.Set(ctx, 42, "resp_r1"))
	require.NoError(t, first.Close())

	second := NewSQLiteStorageService(dbPath)
	require.NoError(t, second.Initialize(ctx))
	defer second.Close()

	token, found, err := second.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "resp_r1", token)
}

func TestNewThreadStore(t *testing.T) {
	store, err := NewThreadStore(Options{SQLitePath: "x.db"})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStorageService{}, store)

	store, err = NewThreadStore(Options{Type: DatabaseTypeMySQL})
	require.NoError(t, err)
	assert.IsType(t, &MySQLStorageService{}, store)

	store, err = NewThreadStore(Options{Type: DatabaseTypePostgres, PostgresURL: "postgres://localhost/db"})
	require.NoError(t, err)
	assert.IsType(t, &PostgresStorageService{}, store)

	_, err = NewThreadStore(Options{Type: DatabaseTypePostgres})
	assert.Error(t, err)

	_, err = NewThreadStore(Options{Type: "oracle"})
	assert.Error(t, err)
}

// Helper functions

func setupTestStorage(t *testing.T) *SQLiteStorageService {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	service := NewSQLiteStorageService(dbPath)
	err := service.Initialize(context.Background())
	require.NoError(t, err)

	return service
}
