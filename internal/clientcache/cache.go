package clientcache

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/policy"
)

// ErrNotFound reports a resource or membership absent from the cache.
var ErrNotFound = errors.New("not found")

// ForbiddenError carries every policy property the client context violated.
type ForbiddenError struct {
	Properties []model.ConditionProperty
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: violated %v", e.Properties)
}

// Snapshot is the hydration input: everything reachable from the client's
// memberships, loaded from the read replica.
type Snapshot struct {
	Memberships   []model.Membership
	Policies      []model.Policy
	Resources     []model.Resource
	Connections   []model.ResourceConnection
	GatewayGroups []model.GatewayGroup
}

// EvalInput is the per-recompute context: whose view this is, until when the
// session lasts, and whether surviving resources must be re-issued as a
// clean delete then create.
type EvalInput struct {
	Client  *model.Client
	Subject model.Subject
	Now     time.Time
	Toggle  bool
}

// Diff is the incremental result of a mutation: resources that became
// connectable and ids that stopped being connectable.
type Diff struct {
	Added      []ResourceView
	RemovedIDs []model.ID
}

// Empty reports whether the mutation changed nothing visible.
func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.RemovedIDs) == 0 }

// Authorization is the successful outcome of AuthorizeResource.
type Authorization struct {
	Resource     ResourceView
	MembershipID model.ID
	PolicyID     model.ID
	ExpiresAt    time.Time
}

// Cache is the materialized view. All maps key on raw 16-byte ids; values
// are copies, never shared pointers into other sessions.
type Cache struct {
	policies       map[model.ID]model.Policy
	resources      map[model.ID]model.Resource
	resourceGroups map[model.ID]map[model.ID]struct{}
	groupNames     map[model.ID]string
	memberships    map[model.ID]model.ID
	connectable    []ResourceView
	connectableIDs map[model.ID]struct{}
	nextExpiry     time.Time
}

// New builds a cache from a hydration snapshot. The connectable set starts
// empty; callers follow up with RecomputeConnectable to get the initial
// resource list.
func New(snap Snapshot) *Cache {
	c := &Cache{
		policies:       make(map[model.ID]model.Policy, len(snap.Policies)),
		resources:      make(map[model.ID]model.Resource, len(snap.Resources)),
		resourceGroups: make(map[model.ID]map[model.ID]struct{}, len(snap.Resources)),
		groupNames:     make(map[model.ID]string, len(snap.GatewayGroups)),
		memberships:    make(map[model.ID]model.ID, len(snap.Memberships)),
		connectableIDs: make(map[model.ID]struct{}),
	}
	for _, m := range snap.Memberships {
		c.memberships[m.GroupID] = m.ID
	}
	for _, p := range snap.Policies {
		c.policies[p.ID] = p
	}
	for _, r := range snap.Resources {
		c.resources[r.ID] = r
	}
	for _, g := range snap.GatewayGroups {
		c.groupNames[g.ID] = g.Name
	}
	for _, conn := range snap.Connections {
		c.addGroup(conn.ResourceID, conn.GatewayGroupID)
	}
	return c
}

func (c *Cache) addGroup(resourceID, groupID model.ID) {
	set, ok := c.resourceGroups[resourceID]
	if !ok {
		set = make(map[model.ID]struct{})
		c.resourceGroups[resourceID] = set
	}
	set[groupID] = struct{}{}
}

// ConnectableResources returns the current ordered connectable set.
func (c *Cache) ConnectableResources() []ResourceView {
	out := make([]ResourceView, len(c.connectable))
	copy(out, c.connectable)
	return out
}

// HasResource reports whether the resource is cached, connectable or not.
// The session uses this to decide whether a policy insert needs a replica
// fetch before it can be applied.
func (c *Cache) HasResource(id model.ID) bool {
	_, ok := c.resources[id]
	return ok
}

// MembershipID returns the membership binding the client to a group.
func (c *Cache) MembershipID(groupID model.ID) (model.ID, bool) {
	id, ok := c.memberships[groupID]
	return id, ok
}

// GatewayGroupsFor returns the gateway group ids serving a resource.
func (c *Cache) GatewayGroupsFor(resourceID model.ID) []model.ID {
	set := c.resourceGroups[resourceID]
	out := make([]model.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ContextFor derives the condition-evaluation context from the client's
// last-seen facts and the subject's identity provider.
func ContextFor(client *model.Client, subject model.Subject, now time.Time) policy.ClientContext {
	ctx := policy.ClientContext{
		Region:     client.LastSeenRegion,
		ProviderID: subject.ProviderID,
		Verified:   client.Verified,
		Now:        now.UTC(),
	}
	if addr, err := netip.ParseAddr(client.LastSeenRemoteIP); err == nil {
		ctx.RemoteIP = addr
	}
	return ctx
}

// RecomputeConnectable rebuilds the connectable set from scratch and diffs
// it against the previous one. With in.Toggle the whole new set is re-issued
// and every previously connectable id is removed first, so agents that
// cannot hot-change a resource's site see a clean delete then create.
func (c *Cache) RecomputeConnectable(in EvalInput) Diff {
	ctx := ContextFor(in.Client, in.Subject, in.Now)

	next := make([]ResourceView, 0, len(c.connectable))
	nextIDs := make(map[model.ID]struct{}, len(c.connectable))
	var soonest time.Time
	for id, r := range c.resources {
		if r.DeletedAt != nil {
			continue
		}
		if len(c.resourceGroups[id]) == 0 {
			continue
		}
		expiry, granted := c.grantExpiry(id, ctx, in.Subject.ExpiresAt)
		if !granted {
			continue
		}
		if soonest.IsZero() || expiry.Before(soonest) {
			soonest = expiry
		}
		view, ok := compatibleView(&r, c.groupRefs(id), in.Client.LastSeenVersion)
		if !ok {
			continue
		}
		next = append(next, view)
		nextIDs[id] = struct{}{}
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].Name != next[j].Name {
			return next[i].Name < next[j].Name
		}
		return lessID(next[i].ID, next[j].ID)
	})

	var diff Diff
	if in.Toggle {
		for id := range c.connectableIDs {
			diff.RemovedIDs = append(diff.RemovedIDs, id)
		}
		diff.Added = append(diff.Added, next...)
	} else {
		for _, view := range next {
			if _, had := c.connectableIDs[view.ID]; !had {
				diff.Added = append(diff.Added, view)
			}
		}
		for id := range c.connectableIDs {
			if _, still := nextIDs[id]; !still {
				diff.RemovedIDs = append(diff.RemovedIDs, id)
			}
		}
	}
	sort.Slice(diff.RemovedIDs, func(i, j int) bool { return lessID(diff.RemovedIDs[i], diff.RemovedIDs[j]) })

	c.connectable = next
	c.connectableIDs = nextIDs
	c.nextExpiry = soonest
	return diff
}

// NextExpiry returns the earliest instant at which some connectable
// resource loses its last conforming policy, either because a time-range
// window closes or the subject expires. ok is false when nothing is
// connectable. Valid until the next recompute.
func (c *Cache) NextExpiry() (time.Time, bool) {
	return c.nextExpiry, !c.nextExpiry.IsZero()
}

func (c *Cache) groupRefs(resourceID model.ID) []GatewayGroupRef {
	set := c.resourceGroups[resourceID]
	refs := make([]GatewayGroupRef, 0, len(set))
	for id := range set {
		refs = append(refs, GatewayGroupRef{ID: id, Name: c.groupNames[id]})
	}
	sort.Slice(refs, func(i, j int) bool { return lessID(refs[i].ID, refs[j].ID) })
	return refs
}

// grantExpiry reports whether any policy grants the resource and, if so,
// the latest instant the grant survives to across the conforming policies.
func (c *Cache) grantExpiry(resourceID model.ID, ctx policy.ClientContext, subjectExpiry time.Time) (time.Time, bool) {
	var latest time.Time
	granted := false
	for _, p := range c.policies {
		if p.ResourceID != resourceID || !p.Enabled() {
			continue
		}
		if _, member := c.memberships[p.ActorGroupID]; !member {
			continue
		}
		res := policy.Evaluate(p.Conditions, ctx, subjectExpiry)
		if !res.OK() {
			continue
		}
		// A grant that has already run out does not grant: once the subject
		// expiry passes, recomputes must converge on an empty set instead of
		// rediscovering the same stale expiry.
		if !res.ExpiresAt.After(ctx.Now) {
			continue
		}
		if !granted || res.ExpiresAt.After(latest) {
			latest = res.ExpiresAt
		}
		granted = true
	}
	return latest, granted
}

// AuthorizeResource resolves a connect request: the resource must currently
// be connectable, some policy must conform, and the client must hold a
// membership for that policy's group. Violations surface as ForbiddenError,
// everything else absent as ErrNotFound.
func (c *Cache) AuthorizeResource(resourceID model.ID, in EvalInput) (*Authorization, error) {
	if _, ok := c.connectableIDs[resourceID]; !ok {
		return nil, ErrNotFound
	}
	r, ok := c.resources[resourceID]
	if !ok {
		return nil, ErrNotFound
	}

	var candidates []*model.Policy
	for id := range c.policies {
		p := c.policies[id]
		if p.ResourceID != resourceID {
			continue
		}
		if _, member := c.memberships[p.ActorGroupID]; !member {
			continue
		}
		candidates = append(candidates, &p)
	}

	ctx := ContextFor(in.Client, in.Subject, in.Now)
	sel, violated := policy.LongestConforming(candidates, ctx, in.Subject.ExpiresAt)
	if sel.Policy == nil {
		if len(violated) > 0 {
			return nil, &ForbiddenError{Properties: violated}
		}
		return nil, ErrNotFound
	}

	membershipID, ok := c.memberships[sel.Policy.ActorGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	view, ok := compatibleView(&r, c.groupRefs(resourceID), in.Client.LastSeenVersion)
	if !ok {
		return nil, ErrNotFound
	}
	return &Authorization{
		Resource:     view,
		MembershipID: membershipID,
		PolicyID:     sel.Policy.ID,
		ExpiresAt:    sel.ExpiresAt,
	}, nil
}

// AddMembership applies a membership insert for this client.
func (c *Cache) AddMembership(m model.Membership, in EvalInput) Diff {
	c.memberships[m.GroupID] = m.ID
	return c.RecomputeConnectable(in)
}

// DeleteMembership removes the group binding, every policy that depended on
// it, and any resource no remaining policy references.
func (c *Cache) DeleteMembership(groupID model.ID, in EvalInput) Diff {
	delete(c.memberships, groupID)
	for id, p := range c.policies {
		if p.ActorGroupID == groupID {
			delete(c.policies, id)
		}
	}
	c.pruneUnreferencedResources()
	return c.RecomputeConnectable(in)
}

// PutResource installs or refreshes a resource and its gateway groups,
// before a policy referencing it is applied.
func (c *Cache) PutResource(r model.Resource, groups []GatewayGroupRef) {
	c.resources[r.ID] = r
	set := make(map[model.ID]struct{}, len(groups))
	for _, g := range groups {
		set[g.ID] = struct{}{}
		c.groupNames[g.ID] = g.Name
	}
	c.resourceGroups[r.ID] = set
}

// AddPolicy applies a policy insert. The resource must already be cached;
// sessions fetch it first when HasResource is false.
func (c *Cache) AddPolicy(p model.Policy, in EvalInput) Diff {
	c.policies[p.ID] = p
	return c.RecomputeConnectable(in)
}

// UpdatePolicy applies a non-breaking policy update (disable, enable,
// condition change).
func (c *Cache) UpdatePolicy(p model.Policy, in EvalInput) Diff {
	c.policies[p.ID] = p
	return c.RecomputeConnectable(in)
}

// DeletePolicy removes a policy and prunes resources nothing references.
func (c *Cache) DeletePolicy(policyID model.ID, in EvalInput) Diff {
	delete(c.policies, policyID)
	c.pruneUnreferencedResources()
	return c.RecomputeConnectable(in)
}

// DeleteResource removes a resource and every policy bound to it. Breaking
// resource updates arrive as delete plus insert of a new row sharing the
// persistent id.
func (c *Cache) DeleteResource(resourceID model.ID, in EvalInput) Diff {
	delete(c.resources, resourceID)
	delete(c.resourceGroups, resourceID)
	for id, p := range c.policies {
		if p.ResourceID == resourceID {
			delete(c.policies, id)
		}
	}
	return c.RecomputeConnectable(in)
}

// UpdateResource applies a non-breaking field change (name, description,
// filters).
func (c *Cache) UpdateResource(r model.Resource, in EvalInput) Diff {
	if _, ok := c.resources[r.ID]; !ok {
		return c.RecomputeConnectable(in)
	}
	c.resources[r.ID] = r
	return c.RecomputeConnectable(in)
}

// AddResourceConnection places a cached resource into a gateway group.
func (c *Cache) AddResourceConnection(conn model.ResourceConnection, groupName string, in EvalInput) Diff {
	if _, ok := c.resources[conn.ResourceID]; !ok {
		return c.RecomputeConnectable(in)
	}
	c.addGroup(conn.ResourceID, conn.GatewayGroupID)
	c.groupNames[conn.GatewayGroupID] = groupName
	return c.RecomputeConnectable(in)
}

// DeleteResourceConnection removes a resource from a gateway group.
func (c *Cache) DeleteResourceConnection(conn model.ResourceConnection, in EvalInput) Diff {
	if set, ok := c.resourceGroups[conn.ResourceID]; ok {
		delete(set, conn.GatewayGroupID)
	}
	return c.RecomputeConnectable(in)
}

// UpdateResourcesWithGroupName renames a gateway group and returns the ids
// of connectable resources whose views changed, so the session can re-push
// them.
func (c *Cache) UpdateResourcesWithGroupName(groupID model.ID, name string) []model.ID {
	if current, ok := c.groupNames[groupID]; !ok || current == name {
		c.groupNames[groupID] = name
		return nil
	}
	c.groupNames[groupID] = name

	var affected []model.ID
	for id := range c.connectableIDs {
		if _, serves := c.resourceGroups[id][groupID]; serves {
			affected = append(affected, id)
		}
	}
	for i := range c.connectable {
		view := &c.connectable[i]
		for j := range view.GatewayGroups {
			if view.GatewayGroups[j].ID == groupID {
				view.GatewayGroups[j].Name = name
			}
		}
	}
	sort.Slice(affected, func(i, j int) bool { return lessID(affected[i], affected[j]) })
	return affected
}

// View returns the current connectable view of one resource.
func (c *Cache) View(resourceID model.ID) (ResourceView, bool) {
	for _, view := range c.connectable {
		if view.ID == resourceID {
			return view, true
		}
	}
	return ResourceView{}, false
}

func (c *Cache) pruneUnreferencedResources() {
	referenced := make(map[model.ID]struct{}, len(c.policies))
	for _, p := range c.policies {
		referenced[p.ResourceID] = struct{}{}
	}
	for id := range c.resources {
		if _, ok := referenced[id]; !ok {
			delete(c.resources, id)
			delete(c.resourceGroups, id)
		}
	}
}

func lessID(a, b model.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
