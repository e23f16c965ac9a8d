// Package netutil validates the resource address shapes clients are allowed
// to see.
package netutil

import (
	"net/netip"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ValidDNSAddress reports whether a DNS resource address is safe to hand to
// clients. Wildcard labels (made of "*" and "?") may only appear as a
// prefix, every fixed label must be a plain hostname label, IP literals and
// ports are rejected, and a wildcarded pattern must stay narrower than a
// public suffix: "*.com" or "?.co.uk" would capture every domain under the
// suffix.
func ValidDNSAddress(address string) bool {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(address)), ".")
	if host == "" || len(host) > 253 {
		return false
	}

	labels := strings.Split(host, ".")
	n := 0
	for n < len(labels) && wildcardLabel(labels[n]) {
		n++
	}
	fixed := labels[n:]
	if len(fixed) == 0 {
		// Pure wildcard, matches everything.
		return false
	}
	for _, label := range fixed {
		if !validHostLabel(label) {
			return false
		}
	}
	tail := strings.Join(fixed, ".")
	if _, err := netip.ParseAddr(tail); err == nil {
		return false
	}
	if n == 0 {
		// No wildcard: any concrete name is fine, including internal
		// single-label hosts.
		return true
	}

	// Wildcarded: the fixed tail must be at least an eTLD+1.
	suffix, icann := publicsuffix.PublicSuffix(tail)
	if icann && suffix == tail {
		return false
	}
	return true
}

// wildcardLabel reports whether a label consists solely of wildcard
// characters, so "*", "?" and "**" all count.
func wildcardLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, r := range label {
		if r != '*' && r != '?' {
			return false
		}
	}
	return true
}

// validHostLabel accepts plain hostname labels: 1-63 alphanumerics,
// hyphens or underscores, not starting or ending with a hyphen.
func validHostLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// ValidIPAddress reports whether an IP resource address parses.
func ValidIPAddress(address string) bool {
	_, err := netip.ParseAddr(strings.TrimSpace(address))
	return err == nil
}

// ValidCIDRAddress reports whether a CIDR resource address parses. Host
// bits are tolerated; matching always masks the prefix, so "10.0.0.1/24"
// behaves as "10.0.0.0/24" rather than hiding the resource.
func ValidCIDRAddress(address string) bool {
	_, err := netip.ParsePrefix(strings.TrimSpace(address))
	return err == nil
}
