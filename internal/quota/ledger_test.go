package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, quota, used int64) (*Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateVault(context.Background(), &vault.Vault{
		ID: "v1", Name: "v1", QuotaBytes: quota, UsedBytes: used, Status: vault.VaultActive, CreatedAt: time.Now(),
	}))
	return NewLedger(s, nil), s
}

func TestLedger_ReserveRejectsOverQuota(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 100, 90)

	err := l.Reserve(ctx, "v1", 20)
	assert.ErrorIs(t, err, vault.ErrQuotaExceeded)

	u, err := l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), u.UsedBytes)
	assert.Equal(t, int64(0), u.ReservedBytes)
	assert.Equal(t, int64(10), u.AvailableBytes)
}

func TestLedger_CommitMovesReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1000, 0)

	require.NoError(t, l.Reserve(ctx, "v1", 300))
	require.NoError(t, l.Commit(ctx, "v1", 300, 300))

	u, err := l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), u.UsedBytes)
	assert.Equal(t, int64(0), u.ReservedBytes)
	assert.Equal(t, int64(700), u.AvailableBytes)
	assert.InDelta(t, 30.0, u.UsedPercent, 0.001)

	require.NoError(t, l.Free(ctx, "v1", 500))
	u, err = l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.UsedBytes, "free floors at zero")
}

func TestLedger_Unlimited(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 0, 0)

	require.NoError(t, l.Reserve(ctx, "v1", 1<<40))
	u, err := l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), u.AvailableBytes)
}

func TestLedger_RejectsNegativeAmounts(t *testing.T) {
	l, _ := newLedger(t, 100, 0)
	assert.ErrorIs(t, l.Reserve(context.Background(), "v1", -1), vault.ErrValidation)
	assert.ErrorIs(t, l.Commit(context.Background(), "v1", 1, -1), vault.ErrValidation)
}

func TestLedger_ConcurrentCommitsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1000, 0)

	// Commits without reservations race for the remaining space.
	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Commit(ctx, "v1", 70, 0)
		}()
	}
	wg.Wait()

	u, err := l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.LessOrEqual(t, u.UsedBytes, int64(1000))
	assert.Equal(t, int64(980), u.UsedBytes, "14 commits of 70 fit")
}

func TestLedger_ConcurrentReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 500, 0)

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Reserve(ctx, "v1", 50); err != nil {
				return
			}
			if i%2 == 0 {
				_ = l.Commit(ctx, "v1", 50, 50)
			} else {
				_ = l.Release(ctx, "v1", 50)
			}
		}(i)
	}
	wg.Wait()

	u, err := l.Usage(ctx, "v1")
	require.NoError(t, err)
	assert.LessOrEqual(t, u.UsedBytes+u.ReservedBytes, int64(500))
	assert.Equal(t, int64(0), u.ReservedBytes)
}
