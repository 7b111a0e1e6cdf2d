// Package ratelimit is the public entry point for embedding bastion's
// limiter in another Go service.
package ratelimit

import (
	internallimiter "github.com/SmitUplenchwar2687/bastion/internal/limiter"
	internalratelimit "github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm = internallimiter.Algorithm

const (
	AlgorithmTokenBucket   = internallimiter.AlgorithmTokenBucket
	AlgorithmSlidingWindow = internallimiter.AlgorithmSlidingWindow
	AlgorithmFixedWindow   = internallimiter.AlgorithmFixedWindow
	AlgorithmDistributed   = internallimiter.AlgorithmDistributed
)

// Decision captures the result of a rate limit check.
type Decision = internallimiter.Decision

var (
	ErrInvalidConfig  = internalratelimit.ErrInvalidConfig
	ErrUnknownLimiter = internalratelimit.ErrUnknownLimiter
	ErrAdminDenied    = internalratelimit.ErrAdminDenied
)

type (
	// Service is the rate limiter facade.
	Service = internalratelimit.Service
	// Options are the collaborators a Service is built from.
	Options = internalratelimit.Options
	// Config describes one named limiter.
	Config = internalratelimit.Config
	// Escalation turns repeated denials into block list entries.
	Escalation = internalratelimit.Escalation
	// Request is one attempt to check.
	Request = internalratelimit.Request
	// Blocked is passed to Config.OnBlocked.
	Blocked = internalratelimit.Blocked
	// KeyFunc derives the identifier for a request.
	KeyFunc = internalratelimit.KeyFunc

	Admin          = internalratelimit.Admin
	Actor          = internalratelimit.Actor
	Privilege      = internalratelimit.Privilege
	Operation      = internalratelimit.Operation
	Authorizer     = internalratelimit.Authorizer
	AuthorizerFunc = internalratelimit.AuthorizerFunc
	Statistics     = internalratelimit.Statistics
)

const (
	PrivilegeNone  = internalratelimit.PrivilegeNone
	PrivilegeRead  = internalratelimit.PrivilegeRead
	PrivilegeAdmin = internalratelimit.PrivilegeAdmin
)

// New builds a Service.
func New(opts Options) (*Service, error) {
	return internalratelimit.New(opts)
}

// NewAdmin wraps svc with authorization. A nil authz checks privileges.
func NewAdmin(svc *Service, authz Authorizer) *Admin {
	return internalratelimit.NewAdmin(svc, authz)
}

// DefaultKey identifies a caller by address and principal.
func DefaultKey(r Request) string { return internalratelimit.DefaultKey(r) }

// IPKey identifies a caller by address only.
func IPKey(r Request) string { return internalratelimit.IPKey(r) }
