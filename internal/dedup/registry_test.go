package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	hits map[string]bool
	err  error
}

func (f *fakeLedger) ExistsByFingerprintSince(_ context.Context, hash string, _ time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.hits[hash], nil
}

func newClockedRegistry(ledger LedgerProbe) (*Registry, *time.Time) {
	r := NewRegistry(ledger, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestSignalDuplicateWithinWindow(t *testing.T) {
	r, now := newClockedRegistry(nil)
	ctx := context.Background()

	dup, err := r.CheckSignal(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, dup, "first observation must pass")

	*now = now.Add(60 * time.Second)
	dup, err = r.CheckSignal(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, dup, "second observation inside 5m window must be a duplicate")
}

func TestSignalExpiredEntryRefreshes(t *testing.T) {
	r, now := newClockedRegistry(nil)
	ctx := context.Background()

	_, _ = r.CheckSignal(ctx, "abc")
	*now = now.Add(SignalWindow + time.Second)

	dup, err := r.CheckSignal(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, dup, "expired entry must pass and refresh")

	*now = now.Add(time.Second)
	dup, _ = r.CheckSignal(ctx, "abc")
	assert.True(t, dup, "refreshed entry must catch the next duplicate")
}

func TestSignalLedgerTierCatchesRestart(t *testing.T) {
	ledger := &fakeLedger{hits: map[string]bool{"persisted": true}}
	r, _ := newClockedRegistry(ledger)

	dup, err := r.CheckSignal(context.Background(), "persisted")
	require.NoError(t, err)
	assert.True(t, dup, "ledger tier must catch fingerprints from before a restart")
}

func TestCancelWindowIsShort(t *testing.T) {
	r, now := newClockedRegistry(nil)

	assert.False(t, r.CheckCancel("CANCEL|BTCUSDT"))
	assert.True(t, r.CheckCancel("CANCEL|BTCUSDT"))

	*now = now.Add(CancelWindow + time.Second)
	assert.False(t, r.CheckCancel("CANCEL|BTCUSDT"), "cancel entries expire after 30s")
}

func TestDisabledRegistryPassesEverything(t *testing.T) {
	enabled := false
	r := NewRegistry(nil, func() bool { return enabled })

	dup, err := r.CheckSignal(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, dup)
	dup, _ = r.CheckSignal(context.Background(), "x")
	assert.False(t, dup, "disabled dedup must never report duplicates")

	assert.False(t, r.CheckUser("y"))
	assert.False(t, r.CheckUser("y"))
}

func TestSweepBoundsMapSize(t *testing.T) {
	r, now := newClockedRegistry(nil)

	for i := 0; i < sweepThreshold+10; i++ {
		r.CheckUser(fmt.Sprintf("h%d", i))
	}
	*now = now.Add(SignalWindow + time.Minute)
	r.CheckUser("fresh")

	r.mu.Lock()
	size := len(r.seen)
	r.mu.Unlock()
	assert.LessOrEqual(t, size, 2, "sweep must evict expired entries")
}
