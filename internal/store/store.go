// Package store is the persistence layer: primary pool for writes, optional
// read-replica pool for cache hydration, embedded schema migrations.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the primary and replica connection pools. Reads used for cache
// hydration go to the replica when one is configured.
type Store struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool
	sb      sq.StatementBuilderType
}

// Open connects both pools. replicaDSN may be empty, in which case reads use
// the primary.
func Open(ctx context.Context, dsn, replicaDSN string) (*Store, error) {
	primary, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open primary pool: %w", err)
	}
	if err := primary.Ping(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("ping primary: %w", err)
	}

	replica := primary
	if replicaDSN != "" {
		replica, err = pgxpool.New(ctx, replicaDSN)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("open replica pool: %w", err)
		}
		if err := replica.Ping(ctx); err != nil {
			replica.Close()
			primary.Close()
			return nil, fmt.Errorf("ping replica: %w", err)
		}
	}

	return &Store{
		primary: primary,
		replica: replica,
		sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases both pools.
func (s *Store) Close() {
	if s.replica != nil && s.replica != s.primary {
		s.replica.Close()
	}
	if s.primary != nil {
		s.primary.Close()
	}
}

// Primary exposes the write pool.
func (s *Store) Primary() *pgxpool.Pool { return s.primary }

// Replica exposes the read pool used for hydration.
func (s *Store) Replica() *pgxpool.Pool { return s.replica }
