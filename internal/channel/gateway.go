package channel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/events"
	"github.com/strandsec/strand/internal/gatewaycache"
	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/presence"
)

// gatewayPruneInterval schedules the expired-authorization sweep.
const gatewayPruneInterval = time.Minute

type pendingAuth struct {
	clientID   model.ID
	resourceID model.ID
	policyID   model.ID
	expiresAt  time.Time
	startedAt  time.Time
}

// GatewaySession is one connected gateway: its socket, its authorization
// cache, and the account change subscription driving rejects and expiry
// updates. State is confined to the session goroutine; the client side
// posts closures through the inbox.
type GatewaySession struct {
	deps    Deps
	gateway *model.Gateway

	out   sender
	cache *gatewaycache.Cache
	inbox chan func()

	lastLSN uint64
	pending map[string]pendingAuth // keyed by signed ref

	changeSub *events.Subscription
	cancel    context.CancelFunc
}

// NewGatewaySession prepares a session; Join performs the handshake.
func NewGatewaySession(deps Deps, gateway *model.Gateway, out sender) *GatewaySession {
	return &GatewaySession{
		deps:    deps,
		gateway: gateway,
		out:     out,
		inbox:   make(chan func(), 64),
		pending: make(map[string]pendingAuth),
	}
}

// Join restores persisted authorizations into the cache, registers presence
// and subscribes to the account change topic.
func (s *GatewaySession) Join(ctx context.Context) error {
	auths, err := s.deps.Store.GatewayAuthorizations(ctx, s.gateway.ID)
	if err != nil {
		return err
	}
	s.cache = gatewaycache.Load(auths)

	s.changeSub = s.deps.Router.Subscribe(s.gateway.AccountID)
	s.deps.Presence.Connect(presence.TopicGateways, presence.Meta{
		ID:        s.gateway.ID,
		AccountID: s.gateway.AccountID,
		Lat:       s.gateway.Lat,
		Lon:       s.gateway.Lon,
	})
	s.deps.Hub.registerGateway(s)
	return nil
}

// Run consumes the session mailbox until the socket closes.
func (s *GatewaySession) Run(ctx context.Context, msgs <-chan Message) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.leave(ctx)

	prune := time.NewTicker(gatewayPruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.handleMessage(ctx, m)
		case c, ok := <-s.changeSub.C:
			if !ok {
				return
			}
			s.handleChange(ctx, c)
		case <-prune.C:
			s.cache.Prune(time.Now())
			s.expirePending()
		case fn := <-s.inbox:
			fn()
		}
	}
}

func (s *GatewaySession) leave(ctx context.Context) {
	s.deps.Hub.unregisterGateway(s)
	s.deps.Presence.Disconnect(presence.TopicGateways, s.gateway.ID)
	if s.changeSub != nil {
		s.changeSub.Cancel()
	}
	if _, err := s.deps.Store.DeleteGatewayAuthorizations(ctx, s.gateway.ID); err != nil {
		s.deps.logger().Printf("[channel] gateway %s: drop authorizations: %v", s.gateway.ID, err)
	}
	s.out.shutdown()
}

func (s *GatewaySession) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.out.shutdown()
}

func (s *GatewaySession) post(fn func()) {
	select {
	case s.inbox <- fn:
	default:
	}
}

// RequestAuthorizeFlow is called by a client session. The request is
// tracked until the gateway replies with the matching ref.
func (s *GatewaySession) RequestAuthorizeFlow(p AuthorizeFlowPayload) {
	s.post(func() {
		s.pending[p.Ref] = pendingAuth{
			clientID:   p.ClientID,
			resourceID: p.Resource.ID,
			policyID:   p.PolicyID,
			expiresAt:  time.Unix(p.ExpiresAt, 0),
			startedAt:  time.Now(),
		}
		s.out.send(NewMessage(EventAuthorizeFlow, p))
	})
}

func (s *GatewaySession) expirePending() {
	for ref, p := range s.pending {
		if time.Since(p.startedAt) > flowReplyTimeout {
			delete(s.pending, ref)
		}
	}
}

func (s *GatewaySession) handleMessage(ctx context.Context, m Message) {
	switch m.Event {
	case EventFlowAuthorized:
		var p FlowAuthorizedPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.flowAuthorized(ctx, p)

	case EventFlowRejected:
		var p FlowRejectedPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.flowRejected(p)

	case EventBroadcastICECandidates:
		var p ICECandidatesPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.deps.Hub.ForwardICEToClients(EventICECandidates, p.Candidates, s.gateway.ID, p.ClientIDs)

	case EventBroadcastInvalidICECandidates:
		var p ICECandidatesPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.deps.Hub.ForwardICEToClients(EventInvalidICECandidates, p.Candidates, s.gateway.ID, p.ClientIDs)

	default:
		s.deps.logger().Printf("[channel] gateway %s sent unknown event %q", s.gateway.ID, m.Event)
	}
}

// flowAuthorized completes the handshake: the ref must verify and match a
// pending request. The authorization is persisted, cached, and the client
// session notified.
func (s *GatewaySession) flowAuthorized(ctx context.Context, p FlowAuthorizedPayload) {
	ref, err := s.deps.Signer.Verify(p.Ref)
	if err != nil {
		s.deps.logger().Printf("[channel] gateway %s: %v", s.gateway.ID, err)
		return
	}
	pend, ok := s.pending[p.Ref]
	if !ok {
		return
	}
	delete(s.pending, p.Ref)

	pa := model.PolicyAuthorization{
		ID:             uuid.New(),
		PolicyID:       pend.policyID,
		GatewayID:      s.gateway.ID,
		ClientID:       pend.clientID,
		ResourceID:     pend.resourceID,
		ExpiresAt:      pend.expiresAt,
		ICECredentials: ref.ICECredentials,
		PresharedKey:   ref.PresharedKey,
	}
	if err := s.deps.Store.CreatePolicyAuthorization(ctx, pa); err != nil {
		s.deps.logger().Printf("[channel] gateway %s: persist authorization: %v", s.gateway.ID, err)
	}
	s.cache.Put(pend.clientID, pend.resourceID, pa.ID, pend.policyID, pend.expiresAt)

	if client, ok := s.deps.Hub.Client(pend.clientID); ok {
		client.FlowAuthorized(ref, p, s.gateway.ID)
	}
}

func (s *GatewaySession) flowRejected(p FlowRejectedPayload) {
	ref, err := s.deps.Signer.Verify(p.Ref)
	if err != nil {
		return
	}
	pend, ok := s.pending[p.Ref]
	if !ok {
		return
	}
	delete(s.pending, p.Ref)

	if client, ok := s.deps.Hub.Client(pend.clientID); ok {
		client.FlowRejected(ref, p.Reason)
	}
}

// rejectAccess tears down one pair on the gateway, in the cache and in the
// store, so a reconnect cannot rehydrate the revoked grant.
func (s *GatewaySession) rejectAccess(ctx context.Context, clientID, resourceID model.ID) {
	// Zero time so every remaining entry is swept, expired included.
	for _, e := range s.cache.Lookup(clientID, resourceID, time.Time{}) {
		s.deleteAuthorization(ctx, e.PolicyAuthorizationID)
	}
	s.cache.Delete(clientID, resourceID)
	s.out.send(NewMessage(EventRejectAccess, RejectAccessPayload{
		ClientID:   clientID,
		ResourceID: resourceID,
	}))
}

func (s *GatewaySession) deleteAuthorization(ctx context.Context, id model.ID) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.DeletePolicyAuthorization(ctx, id); err != nil {
		s.deps.logger().Printf("[channel] gateway %s: delete authorization %s: %v", s.gateway.ID, id, err)
	}
}

func (s *GatewaySession) persistExpiry(ctx context.Context, id model.ID, expiresAt time.Time) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.UpdateAuthorizationExpiry(ctx, id, expiresAt); err != nil {
		s.deps.logger().Printf("[channel] gateway %s: persist expiry for %s: %v", s.gateway.ID, id, err)
	}
}

// handleChange reacts to replication events relevant to this gateway.
func (s *GatewaySession) handleChange(ctx context.Context, c events.Change) {
	if c.LSN <= s.lastLSN {
		return
	}
	s.lastLSN = c.LSN

	switch c.Table {
	case "policy_authorizations":
		s.handleAuthorizationChange(ctx, c)
	case "resources":
		s.handleResourceChange(ctx, c)
	case "policies":
		s.handlePolicyChange(ctx, c)
	}
}

// handleAuthorizationChange covers deletes of policy authorizations, e.g.
// by an admin revoking access: either tighten expiry to another covering
// authorization or reject the pair.
func (s *GatewaySession) handleAuthorizationChange(ctx context.Context, c events.Change) {
	if c.Op != model.OpDelete {
		return
	}
	pa, err := events.DecodePolicyAuthorization(c.Old)
	if err != nil || pa.GatewayID != s.gateway.ID {
		return
	}

	expires, err := s.cache.ReauthorizeDeletedPolicyAuthorization(*pa, time.Now())
	if err != nil {
		s.rejectAccess(ctx, pa.ClientID, pa.ResourceID)
		return
	}
	s.out.send(NewMessage(EventAccessExpiryUpdated, AccessExpiryUpdatedPayload{
		PolicyAuthorizationID: pa.ID,
		ExpiresAt:             expires.Unix(),
	}))
}

// handleResourceChange distinguishes breaking from non-breaking resource
// updates. Breaking changes arrive as deletes and fan out reject_access to
// every affected pair; filter-only updates are pushed as resource_updated.
func (s *GatewaySession) handleResourceChange(ctx context.Context, c events.Change) {
	switch c.Op {
	case model.OpDelete:
		r, err := events.DecodeResource(c.Old)
		if err != nil {
			return
		}
		for _, pair := range s.cache.AllPairsForResource(r.ID) {
			s.rejectAccess(ctx, pair.ClientID, pair.ResourceID)
		}

	case model.OpUpdate:
		r, err := events.DecodeResource(c.New)
		if err != nil {
			return
		}
		if r.DeletedAt != nil {
			for _, pair := range s.cache.AllPairsForResource(r.ID) {
				s.rejectAccess(ctx, pair.ClientID, pair.ResourceID)
			}
			return
		}
		if len(s.cache.AllPairsForResource(r.ID)) > 0 {
			s.out.send(NewMessage(EventResourceUpdatedGateway, r))
		}
	}
}

// handlePolicyChange rejects pairs whose policy was deleted when no other
// live authorization covers them.
func (s *GatewaySession) handlePolicyChange(ctx context.Context, c events.Change) {
	row := c.Row()
	p, err := events.DecodePolicy(row)
	if err != nil {
		return
	}
	deleted := c.Op == model.OpDelete || p.DeletedAt != nil
	if !deleted {
		return
	}

	now := time.Now()
	for _, pair := range s.cache.AllPairsForResource(p.ResourceID) {
		entries := s.cache.Lookup(pair.ClientID, pair.ResourceID, now)
		var doomed *gatewaycache.Entry
		covered := false
		for i := range entries {
			if entries[i].PolicyID == p.ID {
				doomed = &entries[i]
			} else {
				covered = true
			}
		}
		if doomed == nil {
			continue
		}
		if !covered {
			// Reject before the cache drops the pair so the sweep still
			// sees the doomed row.
			s.rejectAccess(ctx, pair.ClientID, pair.ResourceID)
			continue
		}
		expires, err := s.cache.ReauthorizeDeletedPolicyAuthorization(model.PolicyAuthorization{
			ID:         doomed.PolicyAuthorizationID,
			ClientID:   pair.ClientID,
			ResourceID: pair.ResourceID,
		}, now)
		if err != nil {
			s.rejectAccess(ctx, pair.ClientID, pair.ResourceID)
			continue
		}
		// Persist the tightened expiry on the doomed row: the gateway keeps
		// enforcing the pair under that authorization id, and a reconnect
		// must rehydrate the same bound instead of the stale longer one.
		s.persistExpiry(ctx, doomed.PolicyAuthorizationID, expires)
		s.out.send(NewMessage(EventAccessExpiryUpdated, AccessExpiryUpdatedPayload{
			PolicyAuthorizationID: doomed.PolicyAuthorizationID,
			ExpiresAt:             expires.Unix(),
		}))
	}
}
