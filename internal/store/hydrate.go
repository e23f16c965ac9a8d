package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandsec/strand/internal/model"
)

// Hydration is the replica snapshot a client cache is built from: the
// client's memberships, every active policy bound to one of those groups,
// the resources those policies reference, and the gateway groups serving
// each resource.
type Hydration struct {
	Memberships   []model.Membership
	Policies      []model.Policy
	Resources     []model.Resource
	Connections   []model.ResourceConnection
	GatewayGroups []model.GatewayGroup
}

// HydrateClient loads everything reachable from the actor's memberships.
// All reads go to the replica.
func (s *Store) HydrateClient(ctx context.Context, accountID, actorID model.ID) (*Hydration, error) {
	h := &Hydration{}

	var err error
	if h.Memberships, err = s.membershipsForActor(ctx, accountID, actorID); err != nil {
		return nil, err
	}
	if len(h.Memberships) == 0 {
		return h, nil
	}

	groupIDs := make([]model.ID, 0, len(h.Memberships))
	for _, m := range h.Memberships {
		groupIDs = append(groupIDs, m.GroupID)
	}
	if h.Policies, err = s.policiesForGroups(ctx, accountID, groupIDs); err != nil {
		return nil, err
	}
	if len(h.Policies) == 0 {
		return h, nil
	}

	resourceIDs := make([]model.ID, 0, len(h.Policies))
	seen := make(map[model.ID]struct{}, len(h.Policies))
	for _, p := range h.Policies {
		if _, dup := seen[p.ResourceID]; dup {
			continue
		}
		seen[p.ResourceID] = struct{}{}
		resourceIDs = append(resourceIDs, p.ResourceID)
	}
	if h.Resources, err = s.resourcesByID(ctx, accountID, resourceIDs); err != nil {
		return nil, err
	}
	if h.Connections, err = s.connectionsForResources(ctx, accountID, resourceIDs); err != nil {
		return nil, err
	}

	if len(h.Connections) > 0 {
		ggIDs := make([]model.ID, 0, len(h.Connections))
		seenGG := make(map[model.ID]struct{}, len(h.Connections))
		for _, conn := range h.Connections {
			if _, dup := seenGG[conn.GatewayGroupID]; dup {
				continue
			}
			seenGG[conn.GatewayGroupID] = struct{}{}
			ggIDs = append(ggIDs, conn.GatewayGroupID)
		}
		if h.GatewayGroups, err = s.gatewayGroupsByID(ctx, accountID, ggIDs); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (s *Store) gatewayGroupsByID(ctx context.Context, accountID model.ID, ids []model.ID) ([]model.GatewayGroup, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "name", "routing").
		From("gateway_groups").
		Where("account_id = ?", accountID).
		Where("id = ANY(?)", ids).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build gateway groups query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query gateway groups: %w", err)
	}
	defer rows.Close()

	var out []model.GatewayGroup
	for rows.Next() {
		var g model.GatewayGroup
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.Routing); err != nil {
			return nil, fmt.Errorf("scan gateway group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) membershipsForActor(ctx context.Context, accountID, actorID model.ID) ([]model.Membership, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "actor_id", "group_id", "last_synced_at").
		From("memberships").
		Where("account_id = ?", accountID).
		Where("actor_id = ?", actorID).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build memberships query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ActorID, &m.GroupID, &m.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) policiesForGroups(ctx context.Context, accountID model.ID, groupIDs []model.ID) ([]model.Policy, error) {
	sql, args, err := s.sb.
		Select("id", "persistent_id", "account_id", "actor_group_id", "resource_id",
			"coalesce(description, '')", "conditions", "disabled_at", "deleted_at").
		From("policies").
		Where("account_id = ?", accountID).
		Where("actor_group_id = ANY(?)", groupIDs).
		Where("deleted_at IS NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build policies query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var (
			p          model.Policy
			conditions []byte
		)
		if err := rows.Scan(&p.ID, &p.PersistentID, &p.AccountID, &p.ActorGroupID, &p.ResourceID,
			&p.Description, &conditions, &p.DisabledAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions for policy %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) resourcesByID(ctx context.Context, accountID model.ID, ids []model.ID) ([]model.Resource, error) {
	sql, args, err := s.sb.
		Select("id", "persistent_id", "account_id", "name",
			"coalesce(address, '')", "coalesce(address_description, '')",
			"type", "coalesce(ip_stack, '')", "filters", "deleted_at").
		From("resources").
		Where("account_id = ?", accountID).
		Where("id = ANY(?)", ids).
		Where("deleted_at IS NULL").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build resources query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r       model.Resource
			filters []byte
		)
		if err := rows.Scan(&r.ID, &r.PersistentID, &r.AccountID, &r.Name,
			&r.Address, &r.AddressDescription, &r.Type, &r.IPStack, &filters, &r.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if len(filters) > 0 {
			if err := json.Unmarshal(filters, &r.Filters); err != nil {
				return nil, fmt.Errorf("decode filters for resource %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) connectionsForResources(ctx context.Context, accountID model.ID, resourceIDs []model.ID) ([]model.ResourceConnection, error) {
	sql, args, err := s.sb.
		Select("resource_id", "gateway_group_id", "account_id").
		From("resource_connections").
		Where("account_id = ?", accountID).
		Where("resource_id = ANY(?)", resourceIDs).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build connections query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query resource connections: %w", err)
	}
	defer rows.Close()

	var out []model.ResourceConnection
	for rows.Next() {
		var c model.ResourceConnection
		if err := rows.Scan(&c.ResourceID, &c.GatewayGroupID, &c.AccountID); err != nil {
			return nil, fmt.Errorf("scan resource connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResourceBundle fetches one resource together with the gateway groups it
// is connected to. Sessions call this when a policy insert references a
// resource their cache has not seen.
func (s *Store) ResourceBundle(ctx context.Context, accountID, resourceID model.ID) (*model.Resource, []model.GatewayGroup, error) {
	resources, err := s.resourcesByID(ctx, accountID, []model.ID{resourceID})
	if err != nil {
		return nil, nil, err
	}
	if len(resources) == 0 {
		return nil, nil, fmt.Errorf("resource %s: not found", resourceID)
	}
	conns, err := s.connectionsForResources(ctx, accountID, []model.ID{resourceID})
	if err != nil {
		return nil, nil, err
	}
	if len(conns) == 0 {
		return &resources[0], nil, nil
	}
	ggIDs := make([]model.ID, 0, len(conns))
	for _, c := range conns {
		ggIDs = append(ggIDs, c.GatewayGroupID)
	}
	groups, err := s.gatewayGroupsByID(ctx, accountID, ggIDs)
	if err != nil {
		return nil, nil, err
	}
	return &resources[0], groups, nil
}

// AccountByID fetches one account from the replica.
func (s *Store) AccountByID(ctx context.Context, id model.ID) (*model.Account, error) {
	sql, args, err := s.sb.
		Select("id", "slug", "features", "limits", "config", "disabled_at").
		From("accounts").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build account query: %w", err)
	}

	var (
		a        model.Account
		features []byte
		limits   []byte
		config   []byte
	)
	row := s.replica.QueryRow(ctx, sql, args...)
	if err := row.Scan(&a.ID, &a.Slug, &features, &limits, &config, &a.DisabledAt); err != nil {
		return nil, fmt.Errorf("query account %s: %w", id, err)
	}
	if err := json.Unmarshal(features, &a.Features); err != nil {
		return nil, fmt.Errorf("decode account features: %w", err)
	}
	if err := json.Unmarshal(limits, &a.Limits); err != nil {
		return nil, fmt.Errorf("decode account limits: %w", err)
	}
	if err := json.Unmarshal(config, &a.Config); err != nil {
		return nil, fmt.Errorf("decode account config: %w", err)
	}
	return &a, nil
}

// GatewaysForGroups lists gateways in any of the given gateway groups. The
// client channel intersects the result with presence to pick a target.
func (s *Store) GatewaysForGroups(ctx context.Context, accountID model.ID, groupIDs []model.ID) ([]model.Gateway, error) {
	sql, args, err := s.sb.
		Select("id", "account_id", "gateway_group_id", "public_key",
			"coalesce(host(ipv4_address), '')", "coalesce(host(ipv6_address), '')",
			"coalesce(host(last_seen_remote_ip), '')", "coalesce(last_seen_version, '')",
			"lat", "lon").
		From("gateways").
		Where("account_id = ?", accountID).
		Where("gateway_group_id = ANY(?)", groupIDs).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build gateways query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query gateways: %w", err)
	}
	defer rows.Close()

	var out []model.Gateway
	for rows.Next() {
		var g model.Gateway
		if err := rows.Scan(&g.ID, &g.AccountID, &g.GatewayGroupID, &g.PublicKey,
			&g.IPv4Address, &g.IPv6Address, &g.LastSeenRemoteIP, &g.LastSeenVersion,
			&g.Lat, &g.Lon); err != nil {
			return nil, fmt.Errorf("scan gateway: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RelaysForAccount lists the global relays plus the account's own.
func (s *Store) RelaysForAccount(ctx context.Context, accountID model.ID) ([]model.Relay, error) {
	sql, args, err := s.sb.
		Select("id", "account_id",
			"coalesce(host(ipv4_address), '')", "coalesce(host(ipv6_address), '')",
			"stamp_secret", "lat", "lon").
		From("relays").
		Where("account_id IS NULL OR account_id = ?", accountID).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build relays query: %w", err)
	}
	rows, err := s.replica.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var out []model.Relay
	for rows.Next() {
		var r model.Relay
		if err := rows.Scan(&r.ID, &r.AccountID, &r.IPv4Address, &r.IPv6Address,
			&r.StampSecret, &r.Lat, &r.Lon); err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
