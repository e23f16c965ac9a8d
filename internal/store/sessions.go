package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/strandsec/strand/internal/model"
)

// ErrNotFound reports a lookup of a missing or deleted entity.
var ErrNotFound = errors.New("not found")

// ClientByID loads one client for a session handshake.
func (s *Store) ClientByID(ctx context.Context, id model.ID) (*model.Client, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "actor_id", "identity_id", "public_key",
			"coalesce(host(last_seen_remote_ip), '')",
			"coalesce(last_seen_region, '')", "coalesce(last_seen_version, '')",
			"verified", "lat", "lon").
		From("clients").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build client query: %w", err)
	}

	var c model.Client
	row := s.replica.QueryRow(ctx, sql, args...)
	if err := row.Scan(&c.ID, &c.AccountID, &c.ActorID, &c.IdentityID, &c.PublicKey,
		&c.LastSeenRemoteIP, &c.LastSeenRegion, &c.LastSeenVersion,
		&c.Verified, &c.Lat, &c.Lon); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query client %s: %w", id, err)
	}
	return &c, nil
}

// GatewayByID loads one gateway for a session handshake.
func (s *Store) GatewayByID(ctx context.Context, id model.ID) (*model.Gateway, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "gateway_group_id", "public_key",
			"coalesce(host(ipv4_address), '')", "coalesce(host(ipv6_address), '')",
			"coalesce(host(last_seen_remote_ip), '')", "coalesce(last_seen_version, '')",
			"lat", "lon").
		From("gateways").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build gateway query: %w", err)
	}

	var g model.Gateway
	row := s.replica.QueryRow(ctx, sql, args...)
	if err := row.Scan(&g.ID, &g.AccountID, &g.GatewayGroupID, &g.PublicKey,
		&g.IPv4Address, &g.IPv6Address, &g.LastSeenRemoteIP, &g.LastSeenVersion,
		&g.Lat, &g.Lon); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query gateway %s: %w", id, err)
	}
	return &g, nil
}

// IdentityByID loads one live identity; the session subject's provider comes
// from here.
func (s *Store) IdentityByID(ctx context.Context, id model.ID) (*model.Identity, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "actor_id", "provider_id",
			"provider_identifier", "coalesce(email, '')").
		From("auth_identities").
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build identity query: %w", err)
	}

	var ident model.Identity
	row := s.replica.QueryRow(ctx, sql, args...)
	if err := row.Scan(&ident.ID, &ident.AccountID, &ident.ActorID,
		&ident.ProviderID, &ident.ProviderIdentifier, &ident.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query identity %s: %w", id, err)
	}
	return &ident, nil
}
