package store

import (
	"context"
	"fmt"
	"time"

	"github.com/strandsec/strand/internal/model"
)

// CreatePolicyAuthorization records a permitted flow after a successful
// authorize_flow round-trip.
func (s *Store) CreatePolicyAuthorization(ctx context.Context, pa model.PolicyAuthorization) error {
	sql, args, err := s.sb.Insert("policy_authorizations").
		Columns("id", "policy_id", "gateway_id", "client_id", "resource_id",
			"expires_at", "ice_credentials", "preshared_key").
		Values(pa.ID, pa.PolicyID, pa.GatewayID, pa.ClientID, pa.ResourceID,
			pa.ExpiresAt, pa.ICECredentials, pa.PresharedKey).
		ToSql()
	if err != nil {
		return fmt.Errorf("build authorization insert: %w", err)
	}
	if _, err := s.primary.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert policy authorization: %w", err)
	}
	return nil
}

// DeletePolicyAuthorization removes one authorization, typically when the
// owning gateway session closes or access is rejected.
func (s *Store) DeletePolicyAuthorization(ctx context.Context, id model.ID) error {
	sql, args, err := s.sb.Delete("policy_authorizations").Where("id = ?", id).ToSql()
	if err != nil {
		return fmt.Errorf("build authorization delete: %w", err)
	}
	if _, err := s.primary.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete policy authorization %s: %w", id, err)
	}
	return nil
}

// DeleteGatewayAuthorizations drops every authorization belonging to a
// gateway session. Called when the session ends so stale rows never outlive
// the socket.
func (s *Store) DeleteGatewayAuthorizations(ctx context.Context, gatewayID model.ID) (int64, error) {
	sql, args, err := s.sb.Delete("policy_authorizations").Where("gateway_id = ?", gatewayID).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build gateway authorizations delete: %w", err)
	}
	tag, err := s.primary.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete gateway authorizations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateAuthorizationExpiry tightens or extends one authorization's expiry
// after a policy change.
func (s *Store) UpdateAuthorizationExpiry(ctx context.Context, id model.ID, expiresAt time.Time) error {
	sql, args, err := s.sb.Update("policy_authorizations").
		Set("expires_at", expiresAt).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("build expiry update: %w", err)
	}
	if _, err := s.primary.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update authorization expiry: %w", err)
	}
	return nil
}

// GatewayAuthorizations lists the non-expired authorizations for one
// gateway, used to rebuild the gateway cache on reconnect.
func (s *Store) GatewayAuthorizations(ctx context.Context, gatewayID model.ID) ([]model.PolicyAuthorization, error) {
	sql, args, err := s.sb.
		Select("id", "policy_id", "gateway_id", "client_id", "resource_id",
			"expires_at", "coalesce(ice_credentials, '')", "coalesce(preshared_key, '')").
		From("policy_authorizations").
		Where("gateway_id = ?", gatewayID).
		Where("expires_at > now()").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build gateway authorizations query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query gateway authorizations: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyAuthorization
	for rows.Next() {
		var pa model.PolicyAuthorization
		if err := rows.Scan(&pa.ID, &pa.PolicyID, &pa.GatewayID, &pa.ClientID, &pa.ResourceID,
			&pa.ExpiresAt, &pa.ICECredentials, &pa.PresharedKey); err != nil {
			return nil, fmt.Errorf("scan policy authorization: %w", err)
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}
