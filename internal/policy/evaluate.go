// Package policy evaluates policy conditions against a client context and
// selects the longest-conforming policy for an authorization.
package policy

import (
	"bytes"
	"net/netip"
	"sort"
	"time"

	"github.com/strandsec/strand/internal/model"
)

// ClientContext carries the client-side facts conditions are checked against.
type ClientContext struct {
	RemoteIP   netip.Addr
	Region     string // two-letter region code of the last-seen remote IP
	ProviderID model.ID
	Verified   bool
	Now        time.Time // current UTC time
}

// Result is the outcome of evaluating one condition set.
type Result struct {
	// ExpiresAt is the longest valid suffix of the current interval: for
	// time-based conditions the end of the current allowed window, bounded
	// by the subject expiry; otherwise the subject expiry itself.
	ExpiresAt time.Time
	// Violated lists every failed property. Empty means the conditions hold.
	Violated []model.ConditionProperty
}

// OK reports whether all conditions held.
func (r Result) OK() bool { return len(r.Violated) == 0 }

// Evaluate checks every condition against ctx and returns either ok with the
// authorization expiry, or the full list of violated properties (not just the
// first).
func Evaluate(conditions []model.Condition, ctx ClientContext, subjectExpiry time.Time) Result {
	res := Result{ExpiresAt: subjectExpiry}
	for _, cond := range conditions {
		ok, windowEnd := evaluateCondition(cond, ctx)
		if !ok {
			res.Violated = appendProperty(res.Violated, cond.Property)
			continue
		}
		if !windowEnd.IsZero() && windowEnd.Before(res.ExpiresAt) {
			res.ExpiresAt = windowEnd
		}
	}
	if !res.OK() {
		res.ExpiresAt = time.Time{}
	}
	return res
}

// evaluateCondition returns whether the condition holds and, for time-based
// conditions, the end of the current allowed window (zero otherwise).
func evaluateCondition(cond model.Condition, ctx ClientContext) (bool, time.Time) {
	switch cond.Property {
	case model.PropertyRemoteIPRegion:
		member := containsString(cond.Values, ctx.Region)
		return memberMatches(cond.Operator, member), time.Time{}

	case model.PropertyRemoteIP:
		member := anyCIDRContains(cond.Values, ctx.RemoteIP)
		switch cond.Operator {
		case model.OperatorIsInCIDR:
			return member, time.Time{}
		case model.OperatorIsNotInCIDR:
			return !member, time.Time{}
		}
		return false, time.Time{}

	case model.PropertyProviderID:
		member := containsString(cond.Values, ctx.ProviderID.String())
		return memberMatches(cond.Operator, member), time.Time{}

	case model.PropertyClientVerified:
		want := len(cond.Values) == 0 || containsString(cond.Values, "true")
		switch cond.Operator {
		case model.OperatorIs:
			return ctx.Verified == want, time.Time{}
		case model.OperatorIsNot:
			return ctx.Verified != want, time.Time{}
		}
		return false, time.Time{}

	case model.PropertyCurrentUTCTime:
		if cond.Operator != model.OperatorIsInDayOfWeekTimeRanges {
			return false, time.Time{}
		}
		sched, err := ParseDayOfWeekTimeRanges(cond.Values)
		if err != nil {
			// A malformed condition never grants access.
			return false, time.Time{}
		}
		end, ok := sched.WindowEnd(ctx.Now)
		if !ok {
			return false, time.Time{}
		}
		return true, end
	}
	return false, time.Time{}
}

func memberMatches(op model.ConditionOperator, member bool) bool {
	switch op {
	case model.OperatorIsIn:
		return member
	case model.OperatorIsNotIn:
		return !member
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func anyCIDRContains(values []string, ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, v := range values {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			continue
		}
		if prefix.Masked().Contains(ip.Unmap()) {
			return true
		}
	}
	return false
}

func appendProperty(list []model.ConditionProperty, p model.ConditionProperty) []model.ConditionProperty {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}

// Selection is the longest-conforming policy for a (client, resource) pair.
type Selection struct {
	Policy    *model.Policy
	ExpiresAt time.Time
}

// LongestConforming evaluates every candidate policy and returns the one
// whose authorization interval ends latest but no later than the subject
// expiry; ties break by policy id lexicographically. When no policy
// conforms, the union of violated properties across candidates is returned.
func LongestConforming(
	candidates []*model.Policy,
	ctx ClientContext,
	subjectExpiry time.Time,
) (Selection, []model.ConditionProperty) {
	var best Selection
	var violated []model.ConditionProperty

	for _, p := range candidates {
		if !p.Enabled() {
			continue
		}
		res := Evaluate(p.Conditions, ctx, subjectExpiry)
		if !res.OK() {
			for _, prop := range res.Violated {
				violated = appendProperty(violated, prop)
			}
			continue
		}
		switch {
		case best.Policy == nil,
			res.ExpiresAt.After(best.ExpiresAt),
			res.ExpiresAt.Equal(best.ExpiresAt) && lessID(p.ID, best.Policy.ID):
			best = Selection{Policy: p, ExpiresAt: res.ExpiresAt}
		}
	}
	if best.Policy != nil {
		return best, nil
	}
	sort.Slice(violated, func(i, j int) bool { return violated[i] < violated[j] })
	return Selection{}, violated
}

func lessID(a, b model.ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
