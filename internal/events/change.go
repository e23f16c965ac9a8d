// Package events converts decoded replication rows into typed domain
// changes and fans them out to account-scoped subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

// Change is one committed row mutation, typed by table. Old and New hold the
// raw column maps; the Decode* helpers materialize domain structs on demand.
type Change struct {
	LSN        uint64
	Table      string
	Op         model.ChangeOp
	Old        map[string]any
	New        map[string]any
	CommitTime time.Time
}

// Row returns the column map that identifies the affected entity: New for
// inserts and updates, Old for deletes.
func (c Change) Row() map[string]any {
	if c.Op == model.OpDelete {
		return c.Old
	}
	return c.New
}

// AccountID extracts the owning account. For rows of the accounts table the
// account is the row itself. Deletes carry only the old image.
func (c Change) AccountID() (model.ID, error) {
	row := c.Row()
	if row == nil {
		return uuid.Nil, fmt.Errorf("change %d has no row data", c.LSN)
	}
	key := "account_id"
	if c.Table == "accounts" {
		key = "id"
	}
	return rowID(row, key)
}

// rowID parses a UUID column. pgoutput delivers all values as text.
func rowID(row map[string]any, key string) (model.ID, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return uuid.Nil, fmt.Errorf("column %q missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("column %q is not text", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("column %q: %w", key, err)
	}
	return id, nil
}

func rowOptionalID(row map[string]any, key string) (*model.ID, error) {
	if v, ok := row[key]; !ok || v == nil {
		return nil, nil
	}
	id, err := rowID(row, key)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func rowString(row map[string]any, key string) string {
	if v, ok := row[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func rowBool(row map[string]any, key string) bool {
	switch rowString(row, key) {
	case "t", "true":
		return true
	}
	return false
}

func rowInt(row map[string]any, key string) int {
	n, _ := strconv.Atoi(rowString(row, key))
	return n
}

// rowTime parses a timestamptz column, nil when null. Postgres text format
// with or without fractional seconds.
func rowTime(row map[string]any, key string) *time.Time {
	s := rowString(row, key)
	if s == "" {
		return nil
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05-07",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func rowJSON(row map[string]any, key string, dst any) error {
	s := rowString(row, key)
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

// DecodePolicy materializes a policy from a row image.
func DecodePolicy(row map[string]any) (*model.Policy, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	groupID, err := rowID(row, "actor_group_id")
	if err != nil {
		return nil, err
	}
	resourceID, err := rowID(row, "resource_id")
	if err != nil {
		return nil, err
	}
	persistentID, err := rowID(row, "persistent_id")
	if err != nil {
		return nil, err
	}
	p := &model.Policy{
		ID:           id,
		PersistentID: persistentID,
		AccountID:    accountID,
		ActorGroupID: groupID,
		ResourceID:   resourceID,
		Description:  rowString(row, "description"),
		DisabledAt:   rowTime(row, "disabled_at"),
		DeletedAt:    rowTime(row, "deleted_at"),
	}
	if err := rowJSON(row, "conditions", &p.Conditions); err != nil {
		return nil, fmt.Errorf("decode policy conditions: %w", err)
	}
	return p, nil
}

// DecodeResource materializes a resource from a row image.
func DecodeResource(row map[string]any) (*model.Resource, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	persistentID, err := rowID(row, "persistent_id")
	if err != nil {
		return nil, err
	}
	r := &model.Resource{
		ID:                 id,
		PersistentID:       persistentID,
		AccountID:          accountID,
		Name:               rowString(row, "name"),
		Address:            rowString(row, "address"),
		AddressDescription: rowString(row, "address_description"),
		Type:               model.ResourceType(rowString(row, "type")),
		IPStack:            model.IPStack(rowString(row, "ip_stack")),
		DeletedAt:          rowTime(row, "deleted_at"),
	}
	if err := rowJSON(row, "filters", &r.Filters); err != nil {
		return nil, fmt.Errorf("decode resource filters: %w", err)
	}
	return r, nil
}

// DecodeMembership materializes a membership from a row image.
func DecodeMembership(row map[string]any) (*model.Membership, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	actorID, err := rowID(row, "actor_id")
	if err != nil {
		return nil, err
	}
	groupID, err := rowID(row, "group_id")
	if err != nil {
		return nil, err
	}
	return &model.Membership{
		ID:           id,
		AccountID:    accountID,
		ActorID:      actorID,
		GroupID:      groupID,
		LastSyncedAt: rowTime(row, "last_synced_at"),
	}, nil
}

// DecodeResourceConnection materializes a resource connection from a row image.
func DecodeResourceConnection(row map[string]any) (*model.ResourceConnection, error) {
	resourceID, err := rowID(row, "resource_id")
	if err != nil {
		return nil, err
	}
	groupID, err := rowID(row, "gateway_group_id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	return &model.ResourceConnection{
		ResourceID:     resourceID,
		GatewayGroupID: groupID,
		AccountID:      accountID,
	}, nil
}

// DecodeGroup materializes an actor group from a row image.
func DecodeGroup(row map[string]any) (*model.Group, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	providerID, err := rowOptionalID(row, "provider_id")
	if err != nil {
		return nil, err
	}
	return &model.Group{
		ID:           id,
		AccountID:    accountID,
		ProviderID:   providerID,
		Name:         rowString(row, "name"),
		Type:         model.GroupType(rowString(row, "type")),
		LastSyncedAt: rowTime(row, "last_synced_at"),
		DeletedAt:    rowTime(row, "deleted_at"),
	}, nil
}

// DecodeAccount materializes an account from a row image.
func DecodeAccount(row map[string]any) (*model.Account, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	a := &model.Account{
		ID:         id,
		Slug:       rowString(row, "slug"),
		DisabledAt: rowTime(row, "disabled_at"),
	}
	if err := rowJSON(row, "features", &a.Features); err != nil {
		return nil, fmt.Errorf("decode account features: %w", err)
	}
	if err := rowJSON(row, "limits", &a.Limits); err != nil {
		return nil, fmt.Errorf("decode account limits: %w", err)
	}
	if err := rowJSON(row, "config", &a.Config); err != nil {
		return nil, fmt.Errorf("decode account config: %w", err)
	}
	return a, nil
}

// DecodePolicyAuthorization materializes a policy authorization from a row image.
func DecodePolicyAuthorization(row map[string]any) (*model.PolicyAuthorization, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	policyID, err := rowID(row, "policy_id")
	if err != nil {
		return nil, err
	}
	gatewayID, err := rowID(row, "gateway_id")
	if err != nil {
		return nil, err
	}
	clientID, err := rowID(row, "client_id")
	if err != nil {
		return nil, err
	}
	resourceID, err := rowID(row, "resource_id")
	if err != nil {
		return nil, err
	}
	pa := &model.PolicyAuthorization{
		ID:             id,
		PolicyID:       policyID,
		GatewayID:      gatewayID,
		ClientID:       clientID,
		ResourceID:     resourceID,
		ICECredentials: rowString(row, "ice_credentials"),
		PresharedKey:   rowString(row, "preshared_key"),
	}
	if t := rowTime(row, "expires_at"); t != nil {
		pa.ExpiresAt = *t
	}
	return pa, nil
}

// DecodeProvider materializes an auth provider from a row image.
func DecodeProvider(row map[string]any) (*model.Provider, error) {
	id, err := rowID(row, "id")
	if err != nil {
		return nil, err
	}
	accountID, err := rowID(row, "account_id")
	if err != nil {
		return nil, err
	}
	return &model.Provider{
		ID:                         id,
		AccountID:                  accountID,
		Name:                       rowString(row, "name"),
		Adapter:                    rowString(row, "adapter"),
		LastSyncedAt:               rowTime(row, "last_synced_at"),
		LastSyncError:              rowString(row, "last_sync_error"),
		ConsecutiveFailures:        rowInt(row, "consecutive_failures"),
		RequiresManualIntervention: rowBool(row, "requires_manual_intervention"),
		DisabledAt:                 rowTime(row, "disabled_at"),
	}, nil
}
