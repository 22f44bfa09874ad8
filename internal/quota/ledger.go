// Package quota tracks per-vault byte usage. Bytes move through two counters:
// reserved (promised to open upload sessions) and used (committed content).
// Every change is a single atomic delta in the store.
package quota

import (
	"context"
	"fmt"

	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/rs/zerolog/log"
)

// Usage is a point-in-time view of a vault's accounting.
type Usage struct {
	VaultID        string  `json:"vault_id"`
	QuotaBytes     int64   `json:"quota_bytes"` // 0 = unlimited
	UsedBytes      int64   `json:"used_bytes"`
	ReservedBytes  int64   `json:"reserved_bytes"`
	AvailableBytes int64   `json:"available_bytes"` // -1 if unlimited
	UsedPercent    float64 `json:"used_percent"`
}

// Ledger applies quota changes for vaults.
type Ledger struct {
	store   store.VaultStore
	metrics *metrics.VaultMetrics
}

// NewLedger creates a ledger over the vault store. m may be nil.
func NewLedger(s store.VaultStore, m *metrics.VaultMetrics) *Ledger {
	return &Ledger{store: s, metrics: m}
}

func checkAmount(n int64) error {
	if n < 0 {
		return vault.Validationf("negative byte count %d", n)
	}
	return nil
}

// Reserve promises n bytes to an upload. It fails with vault.ErrQuotaExceeded
// when used+reserved+n would pass the quota.
func (l *Ledger) Reserve(ctx context.Context, vaultID string, n int64) error {
	if err := checkAmount(n); err != nil {
		return err
	}
	if err := l.store.ReserveBytes(ctx, vaultID, n); err != nil {
		return fmt.Errorf("reserve %d bytes in vault %s: %w", n, vaultID, err)
	}
	log.Debug().Str("vault", vaultID).Int64("bytes", n).Msg("quota reserved")
	return nil
}

// Commit turns a reservation into used bytes: used grows by n and reserved
// shrinks by reserved. It fails with vault.ErrQuotaExceeded if used+n would
// pass the quota, in which case nothing changes.
func (l *Ledger) Commit(ctx context.Context, vaultID string, n, reserved int64) error {
	if err := checkAmount(n); err != nil {
		return err
	}
	if err := checkAmount(reserved); err != nil {
		return err
	}
	if err := l.store.CommitBytes(ctx, vaultID, n, reserved); err != nil {
		return fmt.Errorf("commit %d bytes in vault %s: %w", n, vaultID, err)
	}
	l.refreshGauge(ctx, vaultID)
	return nil
}

// Release returns an unused reservation.
func (l *Ledger) Release(ctx context.Context, vaultID string, n int64) error {
	if err := checkAmount(n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := l.store.ReleaseReserved(ctx, vaultID, n); err != nil {
		return fmt.Errorf("release %d reserved bytes in vault %s: %w", n, vaultID, err)
	}
	return nil
}

// Free returns committed bytes, e.g. after content is purged.
func (l *Ledger) Free(ctx context.Context, vaultID string, n int64) error {
	if err := checkAmount(n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := l.store.ReleaseUsed(ctx, vaultID, n); err != nil {
		return fmt.Errorf("free %d bytes in vault %s: %w", n, vaultID, err)
	}
	l.refreshGauge(ctx, vaultID)
	return nil
}

// Usage returns the current accounting of a vault.
func (l *Ledger) Usage(ctx context.Context, vaultID string) (Usage, error) {
	v, err := l.store.GetVault(ctx, vaultID)
	if err != nil {
		return Usage{}, err
	}
	return usageOf(v), nil
}

func usageOf(v *vault.Vault) Usage {
	u := Usage{
		VaultID:        v.ID,
		QuotaBytes:     v.QuotaBytes,
		UsedBytes:      v.UsedBytes,
		ReservedBytes:  v.ReservedBytes,
		AvailableBytes: -1,
	}
	if !v.Unlimited() {
		u.AvailableBytes = max(v.QuotaBytes-v.UsedBytes-v.ReservedBytes, 0)
		u.UsedPercent = float64(v.UsedBytes) / float64(v.QuotaBytes) * 100
	}
	return u
}

func (l *Ledger) refreshGauge(ctx context.Context, vaultID string) {
	if l.metrics == nil {
		return
	}
	v, err := l.store.GetVault(ctx, vaultID)
	if err != nil {
		log.Debug().Err(err).Str("vault", vaultID).Msg("skip usage gauge refresh")
		return
	}
	l.metrics.SetVaultUsed(vaultID, v.UsedBytes)
}
