// Package directory periodically reconciles identity-provider directories
// into accounts: groups, identities and memberships, fetched through a
// per-provider adapter and applied in one transaction.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/strandsec/strand/internal/model"
)

// Transport-level adapter failures the runner classifies.
var (
	// ErrUnauthorized means the IdP rejected the provider's credentials.
	// The provider is parked until an admin reconnects it.
	ErrUnauthorized = errors.New("directory: unauthorized")

	// ErrRetryLater means the IdP is temporarily unavailable. The sync is
	// skipped without counting against the provider.
	ErrRetryLater = errors.New("directory: retry later")
)

// User is one directory member as the IdP reports it.
type User struct {
	ProviderIdentifier string
	Email              string
}

// Group is one directory group as the IdP reports it.
type Group struct {
	ProviderIdentifier string
	Name               string
}

// Adapter fetches directory state from one identity provider.
type Adapter interface {
	ListUsers(ctx context.Context) ([]User, error)
	ListGroups(ctx context.Context) ([]Group, error)
	// ListGroupMembers returns the provider identifiers of the group's
	// member users.
	ListGroupMembers(ctx context.Context, group Group) ([]string, error)
}

// AdapterFactory builds an adapter for one provider, typically from stored
// credentials.
type AdapterFactory func(provider model.Provider) (Adapter, error)

// Registry maps provider adapter kinds to factories.
type Registry map[string]AdapterFactory

// Build resolves the provider's adapter kind.
func (r Registry) Build(provider model.Provider) (Adapter, error) {
	factory, ok := r[provider.Adapter]
	if !ok {
		return nil, fmt.Errorf("unknown directory adapter %q", provider.Adapter)
	}
	return factory(provider)
}
