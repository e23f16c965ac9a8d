// Package channel implements the persistent bidirectional sessions between
// the control plane and its peers: one session per connected client, one per
// connected gateway. Messages are JSON envelopes {event, payload, ref}.
package channel

import (
	"encoding/json"
	"time"

	"github.com/strandsec/strand/internal/clientcache"
	"github.com/strandsec/strand/internal/model"
)

// Message is the wire envelope in both directions.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// NewMessage marshals payload into an envelope. Marshal failures are
// programming errors and yield an empty payload.
func NewMessage(event string, payload any) Message {
	m := Message{Event: event}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			m.Payload = b
		}
	}
	return m
}

// Client-bound events.
const (
	EventInit                     = "init"
	EventResourceCreatedOrUpdated = "resource_created_or_updated"
	EventResourceDeleted          = "resource_deleted"
	EventRelaysPresence           = "relays_presence"
	EventFlowReady                = "flow_ready"
	EventError                    = "error"
)

// Client-originated events.
const (
	EventConnectToResource             = "connect_to_resource"
	EventBroadcastICECandidates        = "broadcast_ice_candidates"
	EventBroadcastInvalidICECandidates = "broadcast_invalidated_ice_candidates"
)

// Gateway-bound and gateway-originated events.
const (
	EventAuthorizeFlow          = "authorize_flow"
	EventFlowAuthorized         = "flow_authorized"
	EventFlowRejected           = "flow_rejected"
	EventRejectAccess           = "reject_access"
	EventAccessExpiryUpdated    = "access_authorization_expiry_updated"
	EventResourceUpdatedGateway = "resource_updated"
	EventICECandidates          = "ice_candidates"
	EventInvalidICECandidates   = "invalidated_ice_candidates"
)

// InitPayload is the first push after a client joins.
type InitPayload struct {
	Interface   InterfaceConfig            `json:"interface"`
	Resources   []clientcache.ResourceView `json:"resources"`
	Relays      []RelayView                `json:"relays"`
	AccountSlug string                     `json:"account_slug"`
	Config      model.AccountConfig        `json:"config"`
}

// InterfaceConfig is the client's tunnel interface parameters.
type InterfaceConfig struct {
	IPv4        string   `json:"ipv4,omitempty"`
	IPv6        string   `json:"ipv6,omitempty"`
	UpstreamDNS []string `json:"upstream_dns,omitempty"`
}

// RelayView is a relay as pushed to clients: address plus a time-limited
// credential stamped from the relay's secret.
type RelayView struct {
	ID          model.ID `json:"id"`
	IPv4Address string   `json:"ipv4_address,omitempty"`
	IPv6Address string   `json:"ipv6_address,omitempty"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	ExpiresAt   int64    `json:"expires_at"`
}

// RelaysPresencePayload tells clients which relays left and which to use now.
type RelaysPresencePayload struct {
	DisconnectedIDs []model.ID  `json:"disconnected_ids"`
	Connected       []RelayView `json:"connected"`
}

// ResourceDeletedPayload removes one resource from the client's view.
type ResourceDeletedPayload struct {
	ResourceID model.ID `json:"resource_id"`
}

// ConnectToResourcePayload is the client's flow setup request.
type ConnectToResourcePayload struct {
	ResourceID model.ID `json:"resource_id"`
}

// ErrorPayload carries an error kind and, for forbidden, the violated
// policy properties.
type ErrorPayload struct {
	Reason             string                    `json:"reason"`
	ViolatedProperties []model.ConditionProperty `json:"violated_properties,omitempty"`
}

// AuthorizeFlowPayload travels control-plane-internally to the gateway
// session and then down to the gateway.
type AuthorizeFlowPayload struct {
	Ref             string                   `json:"ref"`
	ClientID        model.ID                 `json:"client_id"`
	ClientPublicKey string                   `json:"client_public_key"`
	Resource        clientcache.ResourceView `json:"resource"`
	ActorID         model.ID                 `json:"actor_id"`
	MembershipID    model.ID                 `json:"membership_id"`
	PolicyID        model.ID                 `json:"policy_id"`
	ExpiresAt       int64                    `json:"expires_at"`
	PresharedKey    string                   `json:"preshared_key"`
	ICECredentials  string                   `json:"ice_credentials"`
}

// FlowAuthorizedPayload is the gateway's acceptance.
type FlowAuthorizedPayload struct {
	Ref              string `json:"ref"`
	GatewayPublicKey string `json:"gateway_public_key"`
	GatewayIPv4      string `json:"gateway_ipv4,omitempty"`
	GatewayIPv6      string `json:"gateway_ipv6,omitempty"`
}

// FlowRejectedPayload is the gateway's refusal.
type FlowRejectedPayload struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
}

// FlowReadyPayload hands the client its connection parameters after the
// gateway authorized the flow.
type FlowReadyPayload struct {
	ResourceID       model.ID `json:"resource_id"`
	GatewayID        model.ID `json:"gateway_id"`
	GatewayPublicKey string   `json:"gateway_public_key"`
	GatewayIPv4      string   `json:"gateway_ipv4,omitempty"`
	GatewayIPv6      string   `json:"gateway_ipv6,omitempty"`
	PresharedKey     string   `json:"preshared_key"`
	ICECredentials   string   `json:"ice_credentials"`
	ExpiresAt        int64    `json:"expires_at"`
}

// RejectAccessPayload tears down one permitted flow on a gateway.
type RejectAccessPayload struct {
	ClientID   model.ID `json:"client_id"`
	ResourceID model.ID `json:"resource_id"`
}

// AccessExpiryUpdatedPayload tightens a live authorization without a
// full reject.
type AccessExpiryUpdatedPayload struct {
	PolicyAuthorizationID model.ID `json:"policy_authorization_id"`
	ExpiresAt             int64    `json:"expires_at"`
}

// ICECandidatesPayload brokers candidates between peers.
type ICECandidatesPayload struct {
	Candidates []string   `json:"candidates"`
	ClientIDs  []model.ID `json:"client_ids,omitempty"`
	GatewayIDs []model.ID `json:"gateway_ids,omitempty"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
