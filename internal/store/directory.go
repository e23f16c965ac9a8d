package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

// Mass-deletion guard errors. The messages are persisted verbatim to the
// provider's last_sync_error, so they read as sentences.
var (
	ErrIdentityDeletionTooLarge = errors.New("Sync deletion of identities too large")
	ErrGroupDeletionTooLarge    = errors.New("Sync deletion of groups too large")
)

// SyncIdentity is one directory entry fetched from an IdP adapter.
type SyncIdentity struct {
	ProviderIdentifier string
	Email              string
}

// SyncGroup is one group fetched from an IdP adapter. Groups are matched by
// name within the provider.
type SyncGroup struct {
	Name string
}

// SyncMembership links an identity to a group, both by their external keys.
type SyncMembership struct {
	GroupName          string
	ProviderIdentifier string
}

// SyncPlan is the full desired state fetched from the adapter.
type SyncPlan struct {
	Identities  []SyncIdentity
	Groups      []SyncGroup
	Memberships []SyncMembership
}

// SyncEffects reports what a directory sync actually did.
type SyncEffects struct {
	IdentitiesInserted  int
	IdentitiesUpdated   int
	IdentitiesDeleted   int
	GroupsInserted      int
	GroupsDeleted       int
	MembershipsInserted int
	MembershipsDeleted  int
}

// ApplyDirectorySync reconciles the provider's directory in one transaction:
// lock the provider row, upsert groups, upsert identities and their actors,
// upsert memberships, then delete the complement.
//
// The mass-deletion guard runs inside the transaction after the deletion
// sets are known: on any sync after the first, planning to delete every
// identity or every group aborts with no rows touched.
func (s *Store) ApplyDirectorySync(ctx context.Context, provider model.Provider, plan SyncPlan) (*SyncEffects, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin sync transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM auth_providers WHERE id = $1 FOR UPDATE`, provider.ID); err != nil {
		return nil, fmt.Errorf("lock provider row: %w", err)
	}

	now := time.Now().UTC()
	firstSync := provider.LastSyncedAt == nil
	eff := &SyncEffects{}

	// Groups.

	rows, err := tx.Query(ctx,
		`SELECT id, name FROM actor_groups
		 WHERE account_id = $1 AND provider_id = $2 AND deleted_at IS NULL`,
		provider.AccountID, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("load existing groups: %w", err)
	}
	existingGroups := make(map[string]model.ID)
	for rows.Next() {
		var (
			id   model.ID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan group: %w", err)
		}
		existingGroups[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wantGroups := make(map[string]struct{}, len(plan.Groups))
	for _, g := range plan.Groups {
		wantGroups[g.Name] = struct{}{}
	}
	var groupDeletes []model.ID
	for name, id := range existingGroups {
		if _, keep := wantGroups[name]; !keep {
			groupDeletes = append(groupDeletes, id)
		}
	}
	if !firstSync && len(existingGroups) > 0 && len(groupDeletes) >= len(existingGroups) {
		return nil, ErrGroupDeletionTooLarge
	}

	groupIDs := make(map[string]model.ID, len(plan.Groups))
	for _, g := range plan.Groups {
		if id, ok := existingGroups[g.Name]; ok {
			groupIDs[g.Name] = id
			if _, err := tx.Exec(ctx,
				`UPDATE actor_groups SET last_synced_at = $1 WHERE id = $2`, now, id); err != nil {
				return nil, fmt.Errorf("touch group %q: %w", g.Name, err)
			}
			continue
		}
		id := uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO actor_groups (id, account_id, provider_id, name, type, last_synced_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, provider.AccountID, provider.ID, g.Name, model.GroupTypeSynced, now); err != nil {
			return nil, fmt.Errorf("insert group %q: %w", g.Name, err)
		}
		groupIDs[g.Name] = id
		eff.GroupsInserted++
	}

	// Identities and their actors.

	rows, err = tx.Query(ctx,
		`SELECT id, actor_id, provider_identifier, coalesce(email, '')
		 FROM auth_identities
		 WHERE account_id = $1 AND provider_id = $2 AND deleted_at IS NULL`,
		provider.AccountID, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("load existing identities: %w", err)
	}
	type identityRow struct {
		id      model.ID
		actorID model.ID
		email   string
	}
	existingIdentities := make(map[string]identityRow)
	for rows.Next() {
		var (
			r   identityRow
			key string
		)
		if err := rows.Scan(&r.id, &r.actorID, &key, &r.email); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		existingIdentities[key] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wantIdentities := make(map[string]struct{}, len(plan.Identities))
	for _, ident := range plan.Identities {
		wantIdentities[ident.ProviderIdentifier] = struct{}{}
	}
	var identityDeletes []model.ID
	for key, r := range existingIdentities {
		if _, keep := wantIdentities[key]; !keep {
			identityDeletes = append(identityDeletes, r.id)
		}
	}
	if !firstSync && len(existingIdentities) > 0 && len(identityDeletes) >= len(existingIdentities) {
		return nil, ErrIdentityDeletionTooLarge
	}

	actorIDs := make(map[string]model.ID, len(plan.Identities))
	for _, ident := range plan.Identities {
		if r, ok := existingIdentities[ident.ProviderIdentifier]; ok {
			actorIDs[ident.ProviderIdentifier] = r.actorID
			if r.email != ident.Email {
				if _, err := tx.Exec(ctx,
					`UPDATE auth_identities SET email = $1 WHERE id = $2`, ident.Email, r.id); err != nil {
					return nil, fmt.Errorf("update identity %q: %w", ident.ProviderIdentifier, err)
				}
				eff.IdentitiesUpdated++
			}
			continue
		}
		actorID := uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO actors (id, account_id, type) VALUES ($1, $2, $3)`,
			actorID, provider.AccountID, model.ActorTypeUser); err != nil {
			return nil, fmt.Errorf("insert actor for %q: %w", ident.ProviderIdentifier, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO auth_identities (id, account_id, actor_id, provider_id, provider_identifier, email)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), provider.AccountID, actorID, provider.ID, ident.ProviderIdentifier, ident.Email); err != nil {
			return nil, fmt.Errorf("insert identity %q: %w", ident.ProviderIdentifier, err)
		}
		actorIDs[ident.ProviderIdentifier] = actorID
		eff.IdentitiesInserted++
	}

	// Memberships. Desired pairs resolve through the maps built above;
	// tuples naming unknown groups or identities are skipped.

	type pair struct{ actorID, groupID model.ID }
	wantPairs := make(map[pair]struct{}, len(plan.Memberships))
	for _, m := range plan.Memberships {
		actorID, okA := actorIDs[m.ProviderIdentifier]
		groupID, okG := groupIDs[m.GroupName]
		if !okA || !okG {
			continue
		}
		wantPairs[pair{actorID, groupID}] = struct{}{}
	}

	syncedGroupIDs := make([]model.ID, 0, len(groupIDs))
	for _, id := range groupIDs {
		syncedGroupIDs = append(syncedGroupIDs, id)
	}
	for _, id := range groupDeletes {
		syncedGroupIDs = append(syncedGroupIDs, id)
	}
	existingPairs := make(map[pair]struct{})
	if len(syncedGroupIDs) > 0 {
		rows, err = tx.Query(ctx,
			`SELECT actor_id, group_id FROM memberships
			 WHERE account_id = $1 AND group_id = ANY($2)`,
			provider.AccountID, syncedGroupIDs)
		if err != nil {
			return nil, fmt.Errorf("load existing memberships: %w", err)
		}
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.actorID, &p.groupID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan membership: %w", err)
			}
			existingPairs[p] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	for p := range wantPairs {
		if _, ok := existingPairs[p]; ok {
			if _, err := tx.Exec(ctx,
				`UPDATE memberships SET last_synced_at = $1 WHERE actor_id = $2 AND group_id = $3`,
				now, p.actorID, p.groupID); err != nil {
				return nil, fmt.Errorf("touch membership: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memberships (id, account_id, actor_id, group_id, last_synced_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), provider.AccountID, p.actorID, p.groupID, now); err != nil {
			return nil, fmt.Errorf("insert membership: %w", err)
		}
		eff.MembershipsInserted++
	}
	for p := range existingPairs {
		if _, keep := wantPairs[p]; keep {
			continue
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM memberships WHERE actor_id = $1 AND group_id = $2`,
			p.actorID, p.groupID); err != nil {
			return nil, fmt.Errorf("delete membership: %w", err)
		}
		eff.MembershipsDeleted++
	}

	// Delete the complement last so membership rows referencing deleted
	// groups are already gone.

	for _, id := range identityDeletes {
		if _, err := tx.Exec(ctx,
			`UPDATE auth_identities SET deleted_at = $1 WHERE id = $2`, now, id); err != nil {
			return nil, fmt.Errorf("delete identity: %w", err)
		}
		eff.IdentitiesDeleted++
	}
	for _, id := range groupDeletes {
		if _, err := tx.Exec(ctx,
			`UPDATE actor_groups SET deleted_at = $1 WHERE id = $2`, now, id); err != nil {
			return nil, fmt.Errorf("delete group: %w", err)
		}
		eff.GroupsDeleted++
	}

	if _, err := tx.Exec(ctx,
		`UPDATE auth_providers
		 SET last_synced_at = $1, last_sync_error = NULL, consecutive_failures = 0
		 WHERE id = $2`, now, provider.ID); err != nil {
		return nil, fmt.Errorf("mark provider synced: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit sync transaction: %w", err)
	}
	return eff, nil
}
