// Package model defines domain structs shared across the persistence layer,
// the replication pipeline, and the per-session caches.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ID is a 128-bit entity identifier. Caches key on the raw 16-byte value.
type ID = uuid.UUID

// ActorType classifies an actor.
type ActorType string

const (
	ActorTypeAdmin          ActorType = "admin"
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
)

// GroupType classifies how a group's membership is maintained.
type GroupType string

const (
	GroupTypeStatic  GroupType = "static"
	GroupTypeManaged GroupType = "managed"
	GroupTypeSynced  GroupType = "synced"
)

// ResourceType classifies the addressable target of a resource.
type ResourceType string

const (
	ResourceTypeDNS      ResourceType = "dns"
	ResourceTypeIP       ResourceType = "ip"
	ResourceTypeCIDR     ResourceType = "cidr"
	ResourceTypeInternet ResourceType = "internet"
)

// IPStack is the address-family constraint of a dns resource.
type IPStack string

const (
	IPStackIPv4Only IPStack = "ipv4_only"
	IPStackIPv6Only IPStack = "ipv6_only"
	IPStackDual     IPStack = "dual"
)

// AccountFeatures toggles per-tenant capabilities.
type AccountFeatures struct {
	IdPSync          bool `json:"idp_sync"`
	PolicyConditions bool `json:"policy_conditions"`
	SelfHostedRelays bool `json:"self_hosted_relays"`
}

// AccountLimits caps per-tenant usage.
type AccountLimits struct {
	MonthlyActiveUsersCount int `json:"monthly_active_users_count"`
}

// AccountConfig is the wholesale-replaced tenant config embed.
type AccountConfig struct {
	UpstreamDNS   []string `json:"upstream_dns,omitempty"`
	Notifications bool     `json:"notifications"`
}

// Account is the tenant. All other entities belong to exactly one account.
type Account struct {
	ID         ID              `json:"id"`
	Slug       string          `json:"slug"`
	Features   AccountFeatures `json:"features"`
	Limits     AccountLimits   `json:"limits"`
	Config     AccountConfig   `json:"config"`
	DisabledAt *time.Time      `json:"disabled_at,omitempty"`
}

// Actor is a person or service account within an account.
type Actor struct {
	ID         ID         `json:"id"`
	AccountID  ID         `json:"account_id"`
	Type       ActorType  `json:"type"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// Identity binds an actor to an external identity-provider record.
// (ProviderID, ProviderIdentifier) is unique within an account.
type Identity struct {
	ID                 ID         `json:"id"`
	AccountID          ID         `json:"account_id"`
	ActorID            ID         `json:"actor_id"`
	ProviderID         ID         `json:"provider_id"`
	ProviderIdentifier string     `json:"provider_identifier"`
	Email              string     `json:"email"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
}

// Provider is an external identity-provider configuration.
type Provider struct {
	ID                         ID         `json:"id"`
	AccountID                  ID         `json:"account_id"`
	Name                       string     `json:"name"`
	Adapter                    string     `json:"adapter"`
	LastSyncedAt               *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError              string     `json:"last_sync_error,omitempty"`
	ConsecutiveFailures        int        `json:"consecutive_failures"`
	RequiresManualIntervention bool       `json:"requires_manual_intervention"`
	DisabledAt                 *time.Time `json:"disabled_at,omitempty"`
}

// Group is a set of actors a policy can bind to a resource.
type Group struct {
	ID           ID         `json:"id"`
	AccountID    ID         `json:"account_id"`
	ProviderID   *ID        `json:"provider_id,omitempty"`
	Name         string     `json:"name"`
	Type         GroupType  `json:"type"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Membership links an actor to a group. Composite primary key.
type Membership struct {
	ID           ID         `json:"id"`
	AccountID    ID         `json:"account_id"`
	ActorID      ID         `json:"actor_id"`
	GroupID      ID         `json:"group_id"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Filter restricts traffic to a resource by protocol and port list.
type Filter struct {
	Protocol string `json:"protocol"`
	Ports    []int  `json:"ports,omitempty"`
}

// Resource is the addressable target a client may connect to.
// Breaking updates (type/address/filters) are delete + recreate keeping
// PersistentID stable.
type Resource struct {
	ID                 ID           `json:"id"`
	PersistentID       ID           `json:"persistent_id"`
	AccountID          ID           `json:"account_id"`
	Name               string       `json:"name"`
	Address            string       `json:"address,omitempty"`
	AddressDescription string       `json:"address_description,omitempty"`
	Type               ResourceType `json:"type"`
	IPStack            IPStack      `json:"ip_stack,omitempty"`
	Filters            []Filter     `json:"filters,omitempty"`
	DeletedAt          *time.Time   `json:"deleted_at,omitempty"`
}

// ResourceConnection places a resource inside a gateway group.
type ResourceConnection struct {
	ResourceID     ID `json:"resource_id"`
	GatewayGroupID ID `json:"gateway_group_id"`
	AccountID      ID `json:"account_id"`
}

// GatewayGroup is a site: a set of gateways serving the same resources.
type GatewayGroup struct {
	ID        ID     `json:"id"`
	AccountID ID     `json:"account_id"`
	Name      string `json:"name"`
	Routing   string `json:"routing"`
}

// Gateway is a data-plane tunnel terminator.
type Gateway struct {
	ID               ID       `json:"id"`
	AccountID        ID       `json:"account_id"`
	GatewayGroupID   ID       `json:"gateway_group_id"`
	PublicKey        string   `json:"public_key"`
	IPv4Address      string   `json:"ipv4_address,omitempty"`
	IPv6Address      string   `json:"ipv6_address,omitempty"`
	LastSeenRemoteIP string   `json:"last_seen_remote_ip,omitempty"`
	LastSeenVersion  string   `json:"last_seen_version,omitempty"`
	Lat              *float64 `json:"lat,omitempty"`
	Lon              *float64 `json:"lon,omitempty"`
}

// Relay brokers traffic when direct peer-to-peer fails. AccountID is nil for
// global relays.
type Relay struct {
	ID          ID       `json:"id"`
	AccountID   *ID      `json:"account_id,omitempty"`
	IPv4Address string   `json:"ipv4_address,omitempty"`
	IPv6Address string   `json:"ipv6_address,omitempty"`
	StampSecret string   `json:"stamp_secret"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
}

// ConditionProperty is the client-context attribute a condition constrains.
type ConditionProperty string

const (
	PropertyRemoteIP       ConditionProperty = "remote_ip"
	PropertyRemoteIPRegion ConditionProperty = "remote_ip_location_region"
	PropertyCurrentUTCTime ConditionProperty = "current_utc_datetime"
	PropertyProviderID     ConditionProperty = "provider_id"
	PropertyClientVerified ConditionProperty = "client_verified"
)

// ConditionOperator is the comparison applied to a condition property.
type ConditionOperator string

const (
	OperatorIsIn                    ConditionOperator = "is_in"
	OperatorIsNotIn                 ConditionOperator = "is_not_in"
	OperatorIsInCIDR                ConditionOperator = "is_in_cidr"
	OperatorIsNotInCIDR             ConditionOperator = "is_not_in_cidr"
	OperatorIs                      ConditionOperator = "is"
	OperatorIsNot                   ConditionOperator = "is_not"
	OperatorIsInDayOfWeekTimeRanges ConditionOperator = "is_in_day_of_week_time_ranges"
)

// Condition restricts when a policy grants access.
type Condition struct {
	Property ConditionProperty `json:"property"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}

// Policy binds one actor group to one resource, optionally conditional.
// At most one active policy per (account, group, resource).
type Policy struct {
	ID           ID          `json:"id"`
	PersistentID ID          `json:"persistent_id"`
	AccountID    ID          `json:"account_id"`
	ActorGroupID ID          `json:"actor_group_id"`
	ResourceID   ID          `json:"resource_id"`
	Description  string      `json:"description,omitempty"`
	Conditions   []Condition `json:"conditions,omitempty"`
	DisabledAt   *time.Time  `json:"disabled_at,omitempty"`
	DeletedAt    *time.Time  `json:"deleted_at,omitempty"`
}

// Enabled reports whether the policy currently participates in authorization.
func (p *Policy) Enabled() bool {
	return p.DisabledAt == nil && p.DeletedAt == nil
}

// PolicyAuthorization is a concrete permitted flow in progress. It belongs to
// exactly one gateway session.
type PolicyAuthorization struct {
	ID             ID        `json:"id"`
	PolicyID       ID        `json:"policy_id"`
	GatewayID      ID        `json:"gateway_id"`
	ClientID       ID        `json:"client_id"`
	ResourceID     ID        `json:"resource_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	ICECredentials string    `json:"ice_credentials,omitempty"`
	PresharedKey   string    `json:"preshared_key,omitempty"`
}

// Client is a running tunnel agent attached to exactly one actor.
type Client struct {
	ID               ID       `json:"id"`
	AccountID        ID       `json:"account_id"`
	ActorID          ID       `json:"actor_id"`
	IdentityID       ID       `json:"identity_id"`
	PublicKey        string   `json:"public_key"`
	LastSeenRemoteIP string   `json:"last_seen_remote_ip,omitempty"`
	LastSeenRegion   string   `json:"last_seen_region,omitempty"`
	LastSeenVersion  string   `json:"last_seen_version,omitempty"`
	Verified         bool     `json:"verified"`
	Lat              *float64 `json:"lat,omitempty"`
	Lon              *float64 `json:"lon,omitempty"`
}

// Subject is the authenticated session a channel acts on behalf of.
type Subject struct {
	AccountID  ID        `json:"account_id"`
	ActorID    ID        `json:"actor_id"`
	IdentityID ID        `json:"identity_id"`
	ProviderID ID        `json:"provider_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChangeOp is the row operation recorded in the change log.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeLog is one decoded, committed row change keyed by LSN.
// insert: Data set, OldData nil. update: both set. delete: OldData set, Data nil.
type ChangeLog struct {
	LSN        uint64         `json:"lsn"`
	AccountID  ID             `json:"account_id"`
	Table      string         `json:"table"`
	Op         ChangeOp       `json:"op"`
	OldData    map[string]any `json:"old_data,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Vsn        int            `json:"vsn"`
	InsertedAt time.Time      `json:"inserted_at"`
}
