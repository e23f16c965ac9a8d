package channel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/clientcache"
	"github.com/strandsec/strand/internal/events"
	"github.com/strandsec/strand/internal/geoip"
	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/presence"
	"github.com/strandsec/strand/internal/store"
)

// DefaultRelayPresenceDebounce delays relay re-selection after a presence
// diff so bursts collapse into one push.
const DefaultRelayPresenceDebounce = time.Second

const flowReplyTimeout = 10 * time.Second

// Storage is the slice of the store the channel layer touches. Sessions
// take the interface so they can run against a fake in tests.
type Storage interface {
	AccountByID(ctx context.Context, id model.ID) (*model.Account, error)
	HydrateClient(ctx context.Context, accountID, actorID model.ID) (*store.Hydration, error)
	ResourceBundle(ctx context.Context, accountID, resourceID model.ID) (*model.Resource, []model.GatewayGroup, error)
	GatewaysForGroups(ctx context.Context, accountID model.ID, groupIDs []model.ID) ([]model.Gateway, error)
	RelaysForAccount(ctx context.Context, accountID model.ID) ([]model.Relay, error)
	GatewayAuthorizations(ctx context.Context, gatewayID model.ID) ([]model.PolicyAuthorization, error)
	CreatePolicyAuthorization(ctx context.Context, pa model.PolicyAuthorization) error
	DeletePolicyAuthorization(ctx context.Context, id model.ID) error
	UpdateAuthorizationExpiry(ctx context.Context, id model.ID, expiresAt time.Time) error
	DeleteGatewayAuthorizations(ctx context.Context, gatewayID model.ID) (int64, error)
}

// Deps bundles what every session needs.
type Deps struct {
	Store    Storage
	Router   *events.Router
	Presence *presence.Tracker
	Geo      *geoip.Service
	Hub      *Hub
	Signer   *RefSigner
	Logger   *log.Logger

	RelayPresenceDebounce time.Duration
}

func (d *Deps) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

func (d *Deps) relayDebounce() time.Duration {
	if d.RelayPresenceDebounce <= 0 {
		return DefaultRelayPresenceDebounce
	}
	return d.RelayPresenceDebounce
}

type pendingFlow struct {
	resourceID     model.ID
	gatewayID      model.ID
	presharedKey   string
	iceCredentials string
	expiresAt      time.Time
	startedAt      time.Time
	clientRef      string // envelope ref echoed back to the client
}

// ClientSession is one connected client: its socket, its authorization
// cache and its subscriptions. All state below is touched only from the
// session goroutine; external callers post closures through the inbox.
type ClientSession struct {
	deps    Deps
	client  *model.Client
	subject model.Subject
	account *model.Account

	out   sender
	cache *clientcache.Cache
	inbox chan func()

	lastLSN       uint64
	pending       map[string]pendingFlow
	relayIDs      map[model.ID]struct{}
	allowedRelays map[model.ID]struct{}
	debounceRef   uint64
	windowRef     uint64

	changeSub *events.Subscription
	relaySub  *presence.Subscription

	cancel context.CancelFunc
}

// NewClientSession prepares a session; Join performs the handshake.
func NewClientSession(deps Deps, client *model.Client, subject model.Subject, out sender) *ClientSession {
	return &ClientSession{
		deps:     deps,
		client:   client,
		subject:  subject,
		out:      out,
		inbox:    make(chan func(), 64),
		pending:  make(map[string]pendingFlow),
		relayIDs: make(map[model.ID]struct{}),
	}
}

// Join hydrates the cache from the replica, registers presence, subscribes
// to the account change topic and the relay topic, and pushes init.
func (s *ClientSession) Join(ctx context.Context) error {
	account, err := s.deps.Store.AccountByID(ctx, s.client.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	s.account = account

	h, err := s.deps.Store.HydrateClient(ctx, s.client.AccountID, s.client.ActorID)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	s.cache = clientcache.New(clientcache.Snapshot{
		Memberships:   h.Memberships,
		Policies:      h.Policies,
		Resources:     h.Resources,
		Connections:   h.Connections,
		GatewayGroups: h.GatewayGroups,
	})
	s.cache.RecomputeConnectable(s.evalInput(false))

	relays, err := s.deps.Store.RelaysForAccount(ctx, s.client.AccountID)
	if err != nil {
		return fmt.Errorf("load relays: %w", err)
	}
	s.allowedRelays = make(map[model.ID]struct{}, len(relays))
	for _, r := range relays {
		s.allowedRelays[r.ID] = struct{}{}
	}

	s.changeSub = s.deps.Router.Subscribe(s.client.AccountID)
	s.relaySub = s.deps.Presence.Subscribe(presence.TopicGlobalRelays)
	s.deps.Presence.Connect(presence.TopicClients, presence.Meta{
		ID:        s.client.ID,
		AccountID: s.client.AccountID,
		Lat:       s.client.Lat,
		Lon:       s.client.Lon,
	})
	s.deps.Hub.registerClient(s)

	s.pushInit()
	s.armWindowTimer()
	return nil
}

// Run consumes the session mailbox until the socket closes. Handlers run
// strictly sequentially.
func (s *ClientSession) Run(ctx context.Context, msgs <-chan Message) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.leave()

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
		case _, ok := <-s.relaySub.C:
			if !ok {
				return
			}
			s.scheduleRelayCheck()
		case fn := <-s.inbox:
			fn()
		}
	}
}

func (s *ClientSession) leave() {
	s.deps.Hub.unregisterClient(s)
	s.deps.Presence.Disconnect(presence.TopicClients, s.client.ID)
	if s.changeSub != nil {
		s.changeSub.Cancel()
	}
	if s.relaySub != nil {
		s.relaySub.Cancel()
	}
	s.out.shutdown()
}

// shutdown tears the session down from outside the session goroutine, used
// when a newer session for the same client registers.
func (s *ClientSession) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.out.shutdown()
}

// post runs fn on the session goroutine. Drops when the session is gone.
func (s *ClientSession) post(fn func()) {
	select {
	case s.inbox <- fn:
	default:
	}
}

func (s *ClientSession) evalInput(toggle bool) clientcache.EvalInput {
	return clientcache.EvalInput{
		Client:  s.client,
		Subject: s.subject,
		Now:     time.Now().UTC(),
		Toggle:  toggle,
	}
}

// visibleRelays narrows presence to relays provisioned for the account:
// the global pool plus the account's own. A nil set means the list never
// loaded and nothing is filtered.
func (s *ClientSession) visibleRelays() []presence.Meta {
	online := s.deps.Presence.AllConnectedRelays(nil)
	if s.allowedRelays == nil {
		return online
	}
	out := make([]presence.Meta, 0, len(online))
	for _, m := range online {
		if _, ok := s.allowedRelays[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *ClientSession) pushInit() {
	relays := selectRelays(s.visibleRelays(), s.client.Lat, s.client.Lon)
	s.relayIDs = make(map[model.ID]struct{}, len(relays))
	for _, r := range relays {
		s.relayIDs[r.ID] = struct{}{}
	}

	s.out.send(NewMessage(EventInit, InitPayload{
		Interface: InterfaceConfig{
			UpstreamDNS: s.account.Config.UpstreamDNS,
		},
		Resources:   s.cache.ConnectableResources(),
		Relays:      stampRelays(relays, s.client.ID.String(), time.Now()),
		AccountSlug: s.account.Slug,
		Config:      s.account.Config,
	}))
}

func (s *ClientSession) pushDiff(diff clientcache.Diff) {
	for _, id := range diff.RemovedIDs {
		s.out.send(NewMessage(EventResourceDeleted, ResourceDeletedPayload{ResourceID: id}))
	}
	for _, view := range diff.Added {
		s.out.send(NewMessage(EventResourceCreatedOrUpdated, view))
	}
}

func (s *ClientSession) handleMessage(ctx context.Context, m Message) {
	switch m.Event {
	case EventConnectToResource:
		var p ConnectToResourcePayload
		if err := decodePayload(m, &p); err != nil {
			s.sendError(m.Ref, "invalid_payload", nil)
			return
		}
		s.connectToResource(ctx, p.ResourceID, m.Ref)

	case EventBroadcastICECandidates:
		var p ICECandidatesPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.deps.Hub.ForwardICEToGateways(EventICECandidates, p.Candidates, s.client.ID, p.GatewayIDs)

	case EventBroadcastInvalidICECandidates:
		var p ICECandidatesPayload
		if err := decodePayload(m, &p); err != nil {
			return
		}
		s.deps.Hub.ForwardICEToGateways(EventInvalidICECandidates, p.Candidates, s.client.ID, p.GatewayIDs)

	default:
		s.deps.logger().Printf("[channel] client %s sent unknown event %q", s.client.ID, m.Event)
	}
}

func (s *ClientSession) sendError(ref, reason string, violated []model.ConditionProperty) {
	m := NewMessage(EventError, ErrorPayload{Reason: reason, ViolatedProperties: violated})
	m.Ref = ref
	s.out.send(m)
}

// connectToResource drives the flow setup handshake from the client side.
func (s *ClientSession) connectToResource(ctx context.Context, resourceID model.ID, clientRef string) {
	auth, err := s.cache.AuthorizeResource(resourceID, s.evalInput(false))
	if err != nil {
		var forbidden *clientcache.ForbiddenError
		switch {
		case errors.As(err, &forbidden):
			s.sendError(clientRef, "forbidden", forbidden.Properties)
		case errors.Is(err, clientcache.ErrNotFound):
			s.sendError(clientRef, "not_found", nil)
		default:
			s.sendError(clientRef, "internal_error", nil)
		}
		return
	}

	gateway, ok := s.pickGateway(ctx, resourceID)
	if !ok {
		s.sendError(clientRef, "offline", nil)
		return
	}
	gwSession, ok := s.deps.Hub.Gateway(gateway.ID)
	if !ok {
		s.sendError(clientRef, "offline", nil)
		return
	}

	presharedKey := randomSecret(32)
	iceCredentials := randomSecret(12) + ":" + randomSecret(24)
	socketRef := uuid.NewString()
	signedRef := s.deps.Signer.Sign(FlowRef{
		SessionID:      s.client.ID.String(),
		SocketRef:      socketRef,
		ResourceID:     resourceID,
		PresharedKey:   presharedKey,
		ICECredentials: iceCredentials,
	})

	s.pending[socketRef] = pendingFlow{
		resourceID:     resourceID,
		gatewayID:      gateway.ID,
		presharedKey:   presharedKey,
		iceCredentials: iceCredentials,
		expiresAt:      auth.ExpiresAt,
		startedAt:      time.Now(),
		clientRef:      clientRef,
	}

	gwSession.RequestAuthorizeFlow(AuthorizeFlowPayload{
		Ref:             signedRef,
		ClientID:        s.client.ID,
		ClientPublicKey: s.client.PublicKey,
		Resource:        auth.Resource,
		ActorID:         s.client.ActorID,
		MembershipID:    auth.MembershipID,
		PolicyID:        auth.PolicyID,
		ExpiresAt:       auth.ExpiresAt.Unix(),
		PresharedKey:    presharedKey,
		ICECredentials:  iceCredentials,
	})
}

// pickGateway chooses an online gateway serving the resource: closest by
// great-circle distance to the client, ties and unknown coordinates random.
func (s *ClientSession) pickGateway(ctx context.Context, resourceID model.ID) (presence.Meta, bool) {
	groupIDs := s.cache.GatewayGroupsFor(resourceID)
	if len(groupIDs) == 0 {
		return presence.Meta{}, false
	}
	gateways, err := s.deps.Store.GatewaysForGroups(ctx, s.client.AccountID, groupIDs)
	if err != nil {
		s.deps.logger().Printf("[channel] client %s: list gateways: %v", s.client.ID, err)
		return presence.Meta{}, false
	}
	ids := make([]model.ID, 0, len(gateways))
	for _, g := range gateways {
		ids = append(ids, g.ID)
	}
	online := s.deps.Presence.OnlineGateways(ids)
	if len(online) == 0 {
		return presence.Meta{}, false
	}

	if s.client.Lat == nil || s.client.Lon == nil {
		return online[mrand.Intn(len(online))], true
	}
	best := -1
	bestScore := 0.0
	for i, meta := range online {
		score := float64(1 << 62)
		if meta.Lat != nil && meta.Lon != nil {
			score = geoip.Distance(*s.client.Lat, *s.client.Lon, *meta.Lat, *meta.Lon)
		}
		if best == -1 || score < bestScore || (score == bestScore && mrand.Intn(2) == 0) {
			best, bestScore = i, score
		}
	}
	return online[best], true
}

// FlowAuthorized is called by the gateway session when the gateway accepted
// the flow. Runs on the session goroutine.
func (s *ClientSession) FlowAuthorized(ref FlowRef, gw FlowAuthorizedPayload, gatewayID model.ID) {
	s.post(func() {
		p, ok := s.pending[ref.SocketRef]
		if !ok || time.Since(p.startedAt) > flowReplyTimeout {
			delete(s.pending, ref.SocketRef)
			return
		}
		delete(s.pending, ref.SocketRef)

		m := NewMessage(EventFlowReady, FlowReadyPayload{
			ResourceID:       p.resourceID,
			GatewayID:        gatewayID,
			GatewayPublicKey: gw.GatewayPublicKey,
			GatewayIPv4:      gw.GatewayIPv4,
			GatewayIPv6:      gw.GatewayIPv6,
			PresharedKey:     p.presharedKey,
			ICECredentials:   p.iceCredentials,
			ExpiresAt:        unixOrZero(p.expiresAt),
		})
		m.Ref = p.clientRef
		s.out.send(m)
	})
}

// FlowRejected is called by the gateway session when the gateway refused.
func (s *ClientSession) FlowRejected(ref FlowRef, reason string) {
	s.post(func() {
		p, ok := s.pending[ref.SocketRef]
		if !ok {
			return
		}
		delete(s.pending, ref.SocketRef)
		if reason == "" {
			reason = "rejected"
		}
		s.sendError(p.clientRef, reason, nil)
	})
}

// scheduleRelayCheck debounces relay presence churn. Each diff restarts the
// timer; only the fire matching the latest ref runs.
func (s *ClientSession) scheduleRelayCheck() {
	s.debounceRef++
	ref := s.debounceRef
	time.AfterFunc(s.deps.relayDebounce(), func() {
		s.post(func() { s.checkRelayPresence(ref) })
	})
}

// armWindowTimer schedules a recompute for the instant the earliest policy
// grant expires, so resources drop when their time-range windows close
// without waiting for a replication event. Every recompute re-arms; only
// the fire matching the latest ref runs.
func (s *ClientSession) armWindowTimer() {
	s.windowRef++
	at, ok := s.cache.NextExpiry()
	if !ok {
		return
	}
	ref := s.windowRef
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		s.post(func() { s.windowClosed(ref) })
	})
}

func (s *ClientSession) windowClosed(ref uint64) {
	if ref != s.windowRef {
		return // superseded by a later recompute
	}
	s.pushDiff(s.cache.RecomputeConnectable(s.evalInput(false)))
	s.armWindowTimer()
}

func (s *ClientSession) checkRelayPresence(ref uint64) {
	if ref != s.debounceRef {
		return // superseded by a later diff
	}

	online := s.visibleRelays()
	onlineIDs := make(map[model.ID]struct{}, len(online))
	for _, m := range online {
		onlineIDs[m.ID] = struct{}{}
	}

	var disconnected []model.ID
	for id := range s.relayIDs {
		if _, still := onlineIDs[id]; !still {
			disconnected = append(disconnected, id)
		}
	}
	if len(disconnected) == 0 && !(len(s.relayIDs) < maxRelaysPerClient && len(online) > 0) {
		return
	}

	selected := selectRelays(online, s.client.Lat, s.client.Lon)
	s.relayIDs = make(map[model.ID]struct{}, len(selected))
	for _, r := range selected {
		s.relayIDs[r.ID] = struct{}{}
	}
	s.out.send(NewMessage(EventRelaysPresence, RelaysPresencePayload{
		DisconnectedIDs: disconnected,
		Connected:       stampRelays(selected, s.client.ID.String(), time.Now()),
	}))
}

// handleChange applies one replication event to the cache and pushes the
// resulting diff. Events at or below the last seen LSN are dropped.
func (s *ClientSession) handleChange(ctx context.Context, c events.Change) {
	if c.LSN <= s.lastLSN {
		return
	}
	s.lastLSN = c.LSN

	switch c.Table {
	case "policies":
		s.handlePolicyChange(ctx, c)
	case "resources":
		s.handleResourceChange(c)
	case "memberships":
		s.handleMembershipChange(c)
	case "resource_connections":
		s.handleConnectionChange(c)
	case "gateway_groups":
		s.handleGatewayGroupChange(c)
	case "accounts":
		s.handleAccountChange(ctx, c)
	case "clients":
		s.handleClientChange(c)
	}
	s.armWindowTimer()
}

func (s *ClientSession) handlePolicyChange(ctx context.Context, c events.Change) {
	switch c.Op {
	case model.OpInsert, model.OpUpdate:
		p, err := events.DecodePolicy(c.New)
		if err != nil {
			s.deps.logger().Printf("[channel] client %s: decode policy: %v", s.client.ID, err)
			return
		}
		if _, member := s.cache.MembershipID(p.ActorGroupID); !member {
			return
		}
		if p.DeletedAt != nil {
			s.pushDiff(s.cache.DeletePolicy(p.ID, s.evalInput(false)))
			return
		}
		if !s.cache.HasResource(p.ResourceID) {
			res, groups, err := s.deps.Store.ResourceBundle(ctx, s.client.AccountID, p.ResourceID)
			if err != nil {
				s.deps.logger().Printf("[channel] client %s: fetch resource %s: %v", s.client.ID, p.ResourceID, err)
				return
			}
			refs := make([]clientcache.GatewayGroupRef, 0, len(groups))
			for _, g := range groups {
				refs = append(refs, clientcache.GatewayGroupRef{ID: g.ID, Name: g.Name})
			}
			s.cache.PutResource(*res, refs)
		}
		if c.Op == model.OpInsert {
			s.pushDiff(s.cache.AddPolicy(*p, s.evalInput(false)))
		} else {
			s.pushDiff(s.cache.UpdatePolicy(*p, s.evalInput(false)))
		}

	case model.OpDelete:
		p, err := events.DecodePolicy(c.Old)
		if err != nil {
			return
		}
		s.pushDiff(s.cache.DeletePolicy(p.ID, s.evalInput(false)))
	}
}

func (s *ClientSession) handleResourceChange(c events.Change) {
	switch c.Op {
	case model.OpUpdate:
		r, err := events.DecodeResource(c.New)
		if err != nil {
			return
		}
		if r.DeletedAt != nil {
			s.pushDiff(s.cache.DeleteResource(r.ID, s.evalInput(false)))
			return
		}
		had, _ := s.cache.View(r.ID)
		diff := s.cache.UpdateResource(*r, s.evalInput(false))
		s.pushDiff(diff)
		// A non-breaking field change keeps the resource connectable; the
		// diff is empty, so re-push the view when its shape changed.
		if diff.Empty() {
			if now, ok := s.cache.View(r.ID); ok && now.Digest() != had.Digest() {
				s.out.send(NewMessage(EventResourceCreatedOrUpdated, now))
			}
		}

	case model.OpDelete:
		r, err := events.DecodeResource(c.Old)
		if err != nil {
			return
		}
		s.pushDiff(s.cache.DeleteResource(r.ID, s.evalInput(false)))
	}
}

func (s *ClientSession) handleMembershipChange(c events.Change) {
	switch c.Op {
	case model.OpInsert:
		m, err := events.DecodeMembership(c.New)
		if err != nil || m.ActorID != s.client.ActorID {
			return
		}
		s.pushDiff(s.cache.AddMembership(*m, s.evalInput(false)))
	case model.OpDelete:
		m, err := events.DecodeMembership(c.Old)
		if err != nil || m.ActorID != s.client.ActorID {
			return
		}
		s.pushDiff(s.cache.DeleteMembership(m.GroupID, s.evalInput(false)))
	}
}

func (s *ClientSession) handleConnectionChange(c events.Change) {
	toggle := !clientcache.CanHotChangeSites(s.client.LastSeenVersion)
	switch c.Op {
	case model.OpInsert:
		conn, err := events.DecodeResourceConnection(c.New)
		if err != nil || !s.cache.HasResource(conn.ResourceID) {
			return
		}
		name := ""
		if v, ok := c.New["gateway_group_name"].(string); ok {
			name = v
		}
		s.pushDiff(s.cache.AddResourceConnection(*conn, name, s.evalInput(toggle)))
	case model.OpDelete:
		conn, err := events.DecodeResourceConnection(c.Old)
		if err != nil {
			return
		}
		s.pushDiff(s.cache.DeleteResourceConnection(*conn, s.evalInput(toggle)))
	}
}

func (s *ClientSession) handleGatewayGroupChange(c events.Change) {
	if c.Op != model.OpUpdate {
		return
	}
	id, err := uuid.Parse(fmt.Sprint(c.New["id"]))
	if err != nil {
		return
	}
	name, _ := c.New["name"].(string)
	for _, resourceID := range s.cache.UpdateResourcesWithGroupName(id, name) {
		if view, ok := s.cache.View(resourceID); ok {
			s.out.send(NewMessage(EventResourceCreatedOrUpdated, view))
		}
	}
}

func (s *ClientSession) handleAccountChange(ctx context.Context, c events.Change) {
	if c.Op != model.OpUpdate {
		return
	}
	a, err := events.DecodeAccount(c.New)
	if err != nil || a.ID != s.client.AccountID {
		return
	}
	slugChanged := a.Slug != s.account.Slug
	s.account = a
	if slugChanged {
		s.pushInit()
	}
}

func (s *ClientSession) handleClientChange(c events.Change) {
	if c.Op != model.OpUpdate {
		return
	}
	id, err := uuid.Parse(fmt.Sprint(c.New["id"]))
	if err != nil || id != s.client.ID {
		return
	}
	verified := fmt.Sprint(c.New["verified"]) == "t" || fmt.Sprint(c.New["verified"]) == "true"
	if verified != s.client.Verified {
		s.client.Verified = verified
		s.pushDiff(s.cache.RecomputeConnectable(s.evalInput(false)))
	}
	if ip, ok := c.New["last_seen_remote_ip"].(string); ok && ip != s.client.LastSeenRemoteIP {
		s.client.LastSeenRemoteIP = ip
		if addr, err := netip.ParseAddr(ip); err == nil && s.deps.Geo != nil {
			loc := s.deps.Geo.Lookup(addr)
			s.client.LastSeenRegion = loc.Region
			if loc.HasGeo {
				s.client.Lat, s.client.Lon = &loc.Lat, &loc.Lon
			}
		}
		s.pushDiff(s.cache.RecomputeConnectable(s.evalInput(false)))
	}
}

func decodePayload(m Message, dst any) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, dst)
}

func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
