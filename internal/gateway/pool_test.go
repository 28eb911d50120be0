package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance"
)

func testPool(t *testing.T, cfg Config) (*Pool, *db.UserQueries, *crypto.Vault) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	t.Setenv("MASTER_ENCRYPTION_KEY", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=") // 32 bytes
	vault, err := crypto.NewVault()
	require.NoError(t, err)

	queries := db.NewUserQueries(database.DB)
	factory := func(apiKey, apiSecret string) *binance.Client {
		return binance.NewClient(binance.Config{APIKey: apiKey, APISecret: apiSecret, Testnet: true})
	}
	return NewPool(queries, vault, factory, cfg), queries, vault
}

func storeCreds(t *testing.T, queries *db.UserQueries, vault *crypto.Vault, userID string) {
	t.Helper()
	key, err := vault.Encrypt("key-" + userID)
	require.NoError(t, err)
	secret, err := vault.Encrypt("secret-" + userID)
	require.NoError(t, err)
	require.NoError(t, queries.UpsertCredentials(context.Background(), db.Credentials{
		UserID:             userID,
		APIKeyEncrypted:    key,
		APISecretEncrypted: secret,
		KeyVersion:         vault.CurrentVersion(),
	}))
}

func TestForUserCachesClient(t *testing.T) {
	pool, queries, vault := testPool(t, DefaultConfig())
	storeCreds(t, queries, vault, "u1")

	a, err := pool.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	b, err := pool.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, a, b, "second lookup must hit the cache")

	size, _ := pool.Stats()
	assert.Equal(t, 1, size)
}

func TestForUserWithoutCredentials(t *testing.T) {
	pool, _, _ := testPool(t, DefaultConfig())

	_, err := pool.ForUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestInvalidateDropsClient(t *testing.T) {
	pool, queries, vault := testPool(t, DefaultConfig())
	storeCreds(t, queries, vault, "u1")

	a, err := pool.ForUser(context.Background(), "u1")
	require.NoError(t, err)

	pool.Invalidate("u1")
	b, err := pool.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotSame(t, a, b, "invalidate must force a fresh client")
}

func TestLRUEviction(t *testing.T) {
	cfg := Config{MaxSize: 2, IdleTimeout: time.Hour}
	pool, queries, vault := testPool(t, cfg)
	for _, id := range []string{"u1", "u2", "u3"} {
		storeCreds(t, queries, vault, id)
	}
	ctx := context.Background()

	_, err := pool.ForUser(ctx, "u1")
	require.NoError(t, err)
	_, err = pool.ForUser(ctx, "u2")
	require.NoError(t, err)
	_, err = pool.ForUser(ctx, "u1") // touch u1; u2 becomes oldest
	require.NoError(t, err)
	_, err = pool.ForUser(ctx, "u3") // evicts u2
	require.NoError(t, err)

	size, _ := pool.Stats()
	assert.Equal(t, 2, size)

	pool.mu.Lock()
	_, hasU1 := pool.clients["u1"]
	_, hasU2 := pool.clients["u2"]
	pool.mu.Unlock()
	assert.True(t, hasU1, "recently used client must survive")
	assert.False(t, hasU2, "least recently used client must be evicted")
}
