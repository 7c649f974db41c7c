package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a new in-memory SQLite database.
func setupTestDB(t *testing.T) Service {
	t.Helper()
	service, err := NewService(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file::memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { service.Close() })
	return service
}

func createKey(t *testing.T, service Service, key, owner string) *model.APIKey {
	t.Helper()
	apiKey := &model.APIKey{Key: key, Owner: owner}
	require.NoError(t, service.CreateAPIKey(context.Background(), apiKey))
	return apiKey
}

func TestNewService(t *testing.T) {
	service, err := NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	assert.NoError(t, err)
	assert.NotNil(t, service)
	assert.NoError(t, service.Close())

	_, err = NewService(config.DatabaseConfig{Type: "unsupported"})
	assert.Error(t, err)
}

func TestAuthenticateAPIKey(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	createKey(t, service, "key-alice", "alice")

	t.Run("active key increments once per call", func(t *testing.T) {
		got, err := service.AuthenticateAPIKey(ctx, "key-alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, int64(1), got.RequestCount)

		got, err = service.AuthenticateAPIKey(ctx, "key-alice")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.RequestCount)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := service.AuthenticateAPIKey(ctx, "nope")
		assert.ErrorIs(t, err, ErrAPIKeyNotFound)
	})

	t.Run("revoked key never authenticates and is not counted", func(t *testing.T) {
		createKey(t, service, "key-bob", "bob")
		_, err := service.AuthenticateAPIKey(ctx, "key-bob")
		require.NoError(t, err)

		existed, err := service.RevokeAPIKey(ctx, "key-bob")
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = service.AuthenticateAPIKey(ctx, "key-bob")
		assert.ErrorIs(t, err, ErrAPIKeyNotFound)

		var stored model.APIKey
		require.NoError(t, service.GetDB().First(&stored, "api_key = ?", "key-bob").Error)
		assert.False(t, stored.IsActive)
		assert.Equal(t, int64(1), stored.RequestCount)
	})
}

func TestAuthenticateAPIKey_ConcurrentIncrements(t *testing.T) {
	service, err := NewService(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "gate.db"),
	})
	require.NoError(t, err)
	defer service.Close()

	ctx := context.Background()
	createKey(t, service, "shared", "team")
	createKey(t, service, "other", "team-b")

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers*2)
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := service.AuthenticateAPIKey(ctx, "shared"); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := service.AuthenticateAPIKey(ctx, "other"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	keys, err := service.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Equal(t, int64(callers), k.RequestCount, k.Owner)
	}
}

func TestCreateAPIKey(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()

	key := createKey(t, service, "abc", "carol")
	assert.NotZero(t, key.ID)
	assert.True(t, key.IsActive)
	assert.False(t, key.CreatedAt.IsZero())

	err := service.CreateAPIKey(ctx, &model.APIKey{Key: "abc", Owner: "dave"})
	assert.Error(t, err, "duplicate key must be rejected")

	assert.Error(t, service.CreateAPIKey(ctx, &model.APIKey{Key: "", Owner: "x"}))
	assert.Error(t, service.CreateAPIKey(ctx, &model.APIKey{Key: "y", Owner: " "}))
}

func TestRevokeAPIKey(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	createKey(t, service, "k1", "erin")

	existed, err := service.RevokeAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = service.RevokeAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, existed, "revoking twice still reports the key exists")

	existed, err = service.RevokeAPIKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRequestLogs(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, service.AddRequestLog(ctx, &model.RequestLog{Owner: "alice", ModelUsed: "llama3:7b", Prompt: "p1", Response: "r1"}))
	require.NoError(t, service.AddRequestLog(ctx, &model.RequestLog{Owner: "bob", ModelUsed: "gpt-oss:20b", Prompt: "p2", Response: "r2"}))
	require.NoError(t, service.AddRequestLog(ctx, &model.RequestLog{Owner: "alice", ModelUsed: "qwen2.5vl:7b", Prompt: "p3", Response: "r3"}))

	all, err := service.ListRequestLogs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "p3", all[0].Prompt, "newest first")
	assert.False(t, all[0].Timestamp.IsZero())

	alice, err := service.ListRequestLogs(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "qwen2.5vl:7b", alice[0].ModelUsed)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file::memory:", sqliteDSN("file::memory:"))
	assert.Equal(t, "a.db?cache=shared", sqliteDSN("a.db?cache=shared"))
	assert.Equal(t, "a.db?_busy_timeout=5000&_journal_mode=WAL", sqliteDSN("a.db"))
}
