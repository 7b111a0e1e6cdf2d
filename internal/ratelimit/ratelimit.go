// Package ratelimit is the single entry point the request path calls. It
// composes the block list, the adaptive controller and the algorithm
// strategies over a counter store, and exposes the admin operations.
package ratelimit

import (
	"errors"
	"net/netip"
	"strings"
)

var (
	// ErrInvalidConfig is returned by Register for an unusable Config.
	ErrInvalidConfig = errors.New("invalid limiter configuration")
	// ErrUnknownLimiter is returned when a request names a limiter that was
	// never registered.
	ErrUnknownLimiter = errors.New("unknown limiter")
	// ErrAdminDenied is returned when the caller lacks the privilege for an
	// admin operation.
	ErrAdminDenied = errors.New("admin operation denied")
)

// Request is the per-call context supplied by the HTTP layer.
type Request struct {
	SourceIP  string
	Principal string
	Limiter   string
}

// KeyFunc derives the identifier a request is counted against.
type KeyFunc func(Request) string

// DefaultKey returns "ip" or "ip|principal" after normalisation.
func DefaultKey(r Request) string {
	ip := NormalizeIP(r.SourceIP)
	principal := strings.ToLower(strings.TrimSpace(r.Principal))
	if principal == "" {
		return ip
	}
	return ip + "|" + principal
}

// IPKey counts requests per source address only.
func IPKey(r Request) string { return NormalizeIP(r.SourceIP) }

// NormalizeIP strips whitespace, ports, IPv6 zones and IPv4-in-IPv6 mapping.
// Input that is not an address is lowercased and returned as is.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap().String()
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return a.WithZone("").Unmap().String()
	}
	return strings.ToLower(s)
}

// NormalizeIdentifier canonicalises an identifier supplied out of band, for
// example by an operator, so it matches what DefaultKey produces.
func NormalizeIdentifier(id string) string {
	ip, principal, ok := strings.Cut(strings.TrimSpace(id), "|")
	if !ok {
		return NormalizeIP(ip)
	}
	return DefaultKey(Request{SourceIP: ip, Principal: principal})
}

// ipOf returns the address part of an identifier.
func ipOf(id string) string {
	ip, _, _ := strings.Cut(id, "|")
	return ip
}
