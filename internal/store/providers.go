package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/strandsec/strand/internal/model"
)

// SyncableProvider is a provider due for directory sync together with the
// owning account's feature flags.
type SyncableProvider struct {
	Provider model.Provider
	Features model.AccountFeatures
}

// SyncableProviders lists enabled providers whose accounts are active. The
// runner still checks the idp_sync feature per provider so that disabled
// features surface as a sync failure rather than silence.
func (s *Store) SyncableProviders(ctx context.Context) ([]SyncableProvider, error) {
	sql, args, err := s.sb.
		Select("p.id", "p.account_id", "p.name", "p.adapter",
			"p.last_synced_at", "coalesce(p.last_sync_error, '')",
			"p.consecutive_failures", "p.requires_manual_intervention",
			"a.features").
		From("auth_providers p").
		Join("accounts a ON a.id = p.account_id").
		Where("p.disabled_at IS NULL").
		Where("p.requires_manual_intervention = false").
		Where("a.disabled_at IS NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build syncable providers query: %w", err)
	}
	rows, err := s.primary.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query syncable providers: %w", err)
	}
	defer rows.Close()

	var out []SyncableProvider
	for rows.Next() {
		var (
			sp       SyncableProvider
			features []byte
		)
		p := &sp.Provider
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.Adapter,
			&p.LastSyncedAt, &p.LastSyncError, &p.ConsecutiveFailures,
			&p.RequiresManualIntervention, &features); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if err := json.Unmarshal(features, &sp.Features); err != nil {
			return nil, fmt.Errorf("decode features for provider %s: %w", p.ID, err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// MarkProviderSynced records a successful sync and clears the failure state.
func (s *Store) MarkProviderSynced(ctx context.Context, id model.ID, at time.Time) error {
	sql, args, err := s.sb.Update("auth_providers").
		Set("last_synced_at", at).
		Set("last_sync_error", nil).
		Set("consecutive_failures", 0).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("build provider synced update: %w", err)
	}
	if _, err := s.primary.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark provider synced: %w", err)
	}
	return nil
}

// MarkProviderFailed persists the failure message and bumps the consecutive
// failure counter. Returns the new counter value for logging escalation.
func (s *Store) MarkProviderFailed(ctx context.Context, id model.ID, message string) (int, error) {
	sql, args, err := s.sb.Update("auth_providers").
		Set("last_sync_error", message).
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Where("id = ?", id).
		Suffix("RETURNING consecutive_failures").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build provider failed update: %w", err)
	}
	var failures int
	if err := s.primary.QueryRow(ctx, sql, args...).Scan(&failures); err != nil {
		return 0, fmt.Errorf("mark provider failed: %w", err)
	}
	return failures, nil
}

// MarkProviderRequiresIntervention flags a provider whose token the IdP
// rejected; the runner stops syncing it until an admin reconnects it.
func (s *Store) MarkProviderRequiresIntervention(ctx context.Context, id model.ID, message string) error {
	sql, args, err := s.sb.Update("auth_providers").
		Set("last_sync_error", message).
		Set("requires_manual_intervention", true).
		Set("consecutive_failures", sq.Expr("consecutive_failures + 1")).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("build provider intervention update: %w", err)
	}
	if _, err := s.primary.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark provider requires intervention: %w", err)
	}
	return nil
}
