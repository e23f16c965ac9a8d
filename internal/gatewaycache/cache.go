// Package gatewaycache tracks the active flow authorizations of one gateway
// session: which (client, resource) pairs may currently pass, under which
// policy authorization, and until when. The cache is owned by the gateway's
// channel and never shared.
package gatewaycache

import (
	"errors"
	"sort"
	"time"

	"github.com/strandsec/strand/internal/model"
)

// ErrUnauthorized reports that no remaining authorization covers the pair.
var ErrUnauthorized = errors.New("unauthorized")

// Pair identifies one permitted flow.
type Pair struct {
	ClientID   model.ID
	ResourceID model.ID
}

// Entry is one live authorization for a pair.
type Entry struct {
	PolicyAuthorizationID model.ID
	PolicyID              model.ID
	ExpiresAt             time.Time
}

// Cache is the per-gateway authorization state plus an inverted index used
// to fan out reject_access when a resource changes in a breaking way.
type Cache struct {
	authorizations map[Pair][]Entry
	byResource     map[model.ID]map[Pair]struct{}
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{
		authorizations: make(map[Pair][]Entry),
		byResource:     make(map[model.ID]map[Pair]struct{}),
	}
}

// Load seeds the cache from persisted authorizations on session restore.
func Load(auths []model.PolicyAuthorization) *Cache {
	c := New()
	for _, pa := range auths {
		c.Put(pa.ClientID, pa.ResourceID, pa.ID, pa.PolicyID, pa.ExpiresAt)
	}
	return c
}

// Put records a successful flow authorization. An existing entry for the
// same policy authorization id is replaced, not duplicated.
func (c *Cache) Put(clientID, resourceID, policyAuthorizationID, policyID model.ID, expiresAt time.Time) {
	pair := Pair{ClientID: clientID, ResourceID: resourceID}
	entries := c.authorizations[pair]
	for i := range entries {
		if entries[i].PolicyAuthorizationID == policyAuthorizationID {
			entries[i].PolicyID = policyID
			entries[i].ExpiresAt = expiresAt
			return
		}
	}
	c.authorizations[pair] = append(entries, Entry{
		PolicyAuthorizationID: policyAuthorizationID,
		PolicyID:              policyID,
		ExpiresAt:             expiresAt,
	})

	set, ok := c.byResource[resourceID]
	if !ok {
		set = make(map[Pair]struct{})
		c.byResource[resourceID] = set
	}
	set[pair] = struct{}{}
}

// Lookup returns the live entries for a pair, expired ones excluded.
func (c *Cache) Lookup(clientID, resourceID model.ID, now time.Time) []Entry {
	pair := Pair{ClientID: clientID, ResourceID: resourceID}
	var out []Entry
	for _, e := range c.authorizations[pair] {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// ReauthorizeDeletedPolicyAuthorization handles the delete of one policy
// authorization. If another non-expired authorization still covers the
// (client, resource) pair, the pair survives with a tightened expiry, which
// is returned so the channel can push an expiry update. Otherwise the pair
// is dropped and ErrUnauthorized tells the channel to reject access.
func (c *Cache) ReauthorizeDeletedPolicyAuthorization(pa model.PolicyAuthorization, now time.Time) (time.Time, error) {
	pair := Pair{ClientID: pa.ClientID, ResourceID: pa.ResourceID}
	entries := c.authorizations[pair]

	var remaining []Entry
	for _, e := range entries {
		if e.PolicyAuthorizationID == pa.ID || !e.ExpiresAt.After(now) {
			continue
		}
		remaining = append(remaining, e)
	}
	if len(remaining) == 0 {
		c.drop(pair)
		return time.Time{}, ErrUnauthorized
	}
	c.authorizations[pair] = remaining

	latest := remaining[0].ExpiresAt
	for _, e := range remaining[1:] {
		if e.ExpiresAt.After(latest) {
			latest = e.ExpiresAt
		}
	}
	return latest, nil
}

// AllPairsForResource snapshots every pair touching a resource, in stable
// order. Used to fan out reject_access on breaking resource changes.
func (c *Cache) AllPairsForResource(resourceID model.ID) []Pair {
	set := c.byResource[resourceID]
	out := make([]Pair, 0, len(set))
	for pair := range set {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return lessID(out[i].ClientID, out[j].ClientID)
		}
		return lessID(out[i].ResourceID, out[j].ResourceID)
	})
	return out
}

// Delete drops a pair entirely, typically right before reject_access.
func (c *Cache) Delete(clientID, resourceID model.ID) {
	c.drop(Pair{ClientID: clientID, ResourceID: resourceID})
}

// Prune removes expired entries and returns the pairs that lost their last
// authorization. Scheduled every minute.
func (c *Cache) Prune(now time.Time) []Pair {
	var emptied []Pair
	for pair, entries := range c.authorizations {
		var live []Entry
		for _, e := range entries {
			if e.ExpiresAt.After(now) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			c.drop(pair)
			emptied = append(emptied, pair)
			continue
		}
		c.authorizations[pair] = live
	}
	sort.Slice(emptied, func(i, j int) bool {
		if emptied[i].ClientID != emptied[j].ClientID {
			return lessID(emptied[i].ClientID, emptied[j].ClientID)
		}
		return lessID(emptied[i].ResourceID, emptied[j].ResourceID)
	})
	return emptied
}

// Len reports the number of live pairs.
func (c *Cache) Len() int { return len(c.authorizations) }

func (c *Cache) drop(pair Pair) {
	delete(c.authorizations, pair)
	if set, ok := c.byResource[pair.ResourceID]; ok {
		delete(set, pair)
		if len(set) == 0 {
			delete(c.byResource, pair.ResourceID)
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
