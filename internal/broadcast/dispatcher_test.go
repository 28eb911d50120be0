package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/dedup"
	"signal-relay/internal/orchestrator"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"
)

type fakeExecutor struct {
	mu        sync.Mutex
	calls     []string
	inFlight  int
	maxSeen   int
	delay     time.Duration
	panicFor  string
	statusFor map[string]orchestrator.Status
}

func (f *fakeExecutor) ExecuteForUser(_ context.Context, userID string, _ *signal.TradeIntent) orchestrator.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if userID == f.panicFor {
		panic("boom")
	}
	status := orchestrator.StatusExecuted
	if s, ok := f.statusFor[userID]; ok {
		status = s
	}
	return orchestrator.Outcome{UserID: userID, Status: status}
}

func setup(t *testing.T, userCount int, workers int, exec Executor) (*Dispatcher, *db.UserQueries) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	queries := db.NewUserQueries(database.DB)
	ctx := context.Background()
	for i := 0; i < userCount; i++ {
		id := string(rune('a' + i))
		require.NoError(t, queries.CreateUser(ctx, db.User{
			ID: id, Email: id + "@x.io", PasswordHash: "h",
			AutoTrade: true, SubscriptionActive: true,
		}))
		require.NoError(t, queries.UpsertCredentials(ctx, db.Credentials{
			UserID: id, APIKeyEncrypted: "k", APISecretEncrypted: "s", KeyVersion: 1,
		}))
	}

	return NewDispatcher(queries, dedup.NewRegistry(nil, nil), exec, workers, time.Second, nil), queries
}

func broadcastIntent() *signal.TradeIntent {
	return &signal.TradeIntent{
		Action:     signal.ActionEntry,
		Symbol:     "BTCUSDT",
		Side:       signal.Long,
		EntryPrice: 95000,
		StopLoss:   93000,
	}
}

func TestBroadcastReachesAllEligibleUsers(t *testing.T) {
	exec := &fakeExecutor{}
	d, _ := setup(t, 5, 10, exec)

	res, err := d.Broadcast(context.Background(), broadcastIntent())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Len(t, res.PerUser, 5)
	assert.Len(t, exec.calls, 5)
}

func TestIneligibleUsersAreSkipped(t *testing.T) {
	exec := &fakeExecutor{}
	d, queries := setup(t, 3, 10, exec)
	ctx := context.Background()

	// One user disables auto-trade; one loses credentials.
	require.NoError(t, queries.SetAutoTrade(ctx, "a", false))
	require.NoError(t, queries.DeleteCredentials(ctx, "b"))

	res, err := d.Broadcast(ctx, broadcastIntent())
	require.NoError(t, err)
	require.Len(t, res.PerUser, 1)
	assert.Equal(t, "c", res.PerUser[0].UserID)
}

func TestDuplicateSignalIsDropped(t *testing.T) {
	exec := &fakeExecutor{}
	d, _ := setup(t, 2, 10, exec)
	ctx := context.Background()

	first, err := d.Broadcast(ctx, broadcastIntent())
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	second, err := d.Broadcast(ctx, broadcastIntent())
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, "SIGNAL_DEDUP", second.Skipped)
	assert.Len(t, exec.calls, 2, "the duplicate must not reach any user")
}

func TestWorkerPoolBoundsParallelism(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	d, _ := setup(t, 8, 2, exec)

	_, err := d.Broadcast(context.Background(), broadcastIntent())
	require.NoError(t, err)
	assert.LessOrEqual(t, exec.maxSeen, 2, "no more than `workers` tasks at once")
	assert.Len(t, exec.calls, 8)
}

func TestPanicInOneTaskDoesNotPoisonSiblings(t *testing.T) {
	exec := &fakeExecutor{panicFor: "b"}
	d, _ := setup(t, 3, 10, exec)

	res, err := d.Broadcast(context.Background(), broadcastIntent())
	require.NoError(t, err)
	require.Len(t, res.PerUser, 3)

	byUser := map[string]orchestrator.Status{}
	for _, o := range res.PerUser {
		byUser[o.UserID] = o.Status
	}
	assert.Equal(t, orchestrator.StatusFailed, byUser["b"])
	assert.Equal(t, orchestrator.StatusExecuted, byUser["a"])
	assert.Equal(t, orchestrator.StatusExecuted, byUser["c"])
}
