// Package clientcache holds the per-client materialized authorization view:
// policies, resources and memberships reachable from the client's groups,
// and the derived set of connectable resources. A cache is owned by exactly
// one client session and is never shared.
package clientcache

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/netutil"
)

// GatewayGroupRef is the slice of a gateway group a client needs to render
// and route to a resource.
type GatewayGroupRef struct {
	ID   model.ID `json:"id"`
	Name string   `json:"name"`
}

// ResourceView is the client-facing projection of a resource, trimmed to
// what the client's agent version understands.
type ResourceView struct {
	ID                 model.ID           `json:"id"`
	PersistentID       model.ID           `json:"persistent_id"`
	Name               string             `json:"name"`
	Address            string             `json:"address,omitempty"`
	AddressDescription string             `json:"address_description,omitempty"`
	Type               model.ResourceType `json:"type"`
	IPStack            model.IPStack      `json:"ip_stack,omitempty"`
	Filters            []model.Filter     `json:"filters,omitempty"`
	GatewayGroups      []GatewayGroupRef  `json:"gateway_groups"`
}

// Digest fingerprints the view so sessions can skip re-pushing a resource
// whose client-visible shape did not change.
func (v ResourceView) Digest() uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return xxh3.Hash(b)
}

// Version gates. Agents older than these cut-offs get fields trimmed or
// resources withheld rather than payloads they would reject.
var (
	minInternetResourceVersion = agentVersion{1, 2, 0}
	minIPStackVersion          = agentVersion{1, 1, 0}
	minHotSiteChangeVersion    = agentVersion{1, 3, 0}
)

type agentVersion [3]int

func (v agentVersion) atLeast(min agentVersion) bool {
	for i := range v {
		if v[i] != min[i] {
			return v[i] > min[i]
		}
	}
	return true
}

// parseAgentVersion reads "major.minor.patch" with optional leading "v" and
// trailing build metadata. Unparseable versions are treated as current so a
// malformed header never hides resources.
func parseAgentVersion(s string) (agentVersion, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return agentVersion{}, false
	}
	var v agentVersion
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return agentVersion{}, false
		}
		v[i] = n
	}
	return v, true
}

// validAddress keeps malformed or over-broad addresses away from clients.
// Rows arrive through replication, so bad writes from other components
// would otherwise reach every agent.
func validAddress(r *model.Resource) bool {
	switch r.Type {
	case model.ResourceTypeDNS:
		return netutil.ValidDNSAddress(r.Address)
	case model.ResourceTypeIP:
		return netutil.ValidIPAddress(r.Address)
	case model.ResourceTypeCIDR:
		return netutil.ValidCIDRAddress(r.Address)
	default:
		return true
	}
}

// compatibleView projects a resource for the given agent version. ok=false
// means the resource must be withheld entirely.
func compatibleView(r *model.Resource, groups []GatewayGroupRef, rawVersion string) (ResourceView, bool) {
	if !validAddress(r) {
		return ResourceView{}, false
	}
	v, parsed := parseAgentVersion(rawVersion)
	view := ResourceView{
		ID:                 r.ID,
		PersistentID:       r.PersistentID,
		Name:               r.Name,
		Address:            r.Address,
		AddressDescription: r.AddressDescription,
		Type:               r.Type,
		IPStack:            r.IPStack,
		Filters:            r.Filters,
		GatewayGroups:      groups,
	}
	if !parsed {
		return view, true
	}
	if r.Type == model.ResourceTypeInternet && !v.atLeast(minInternetResourceVersion) {
		return ResourceView{}, false
	}
	if !v.atLeast(minIPStackVersion) {
		view.IPStack = ""
	}
	return view, true
}

// CanHotChangeSites reports whether the agent version can apply a gateway
// group change to a live resource in place. Older agents need a clean
// delete then create.
func CanHotChangeSites(rawVersion string) bool {
	v, parsed := parseAgentVersion(rawVersion)
	if !parsed {
		return true
	}
	return v.atLeast(minHotSiteChangeVersion)
}
