package server

import (
	"net/http"

	internalserver "github.com/SmitUplenchwar2687/bastion/internal/server"
	"github.com/SmitUplenchwar2687/bastion/pkg/ratelimit"
)

// Server is the bastion HTTP server.
type Server = internalserver.Server

// Config holds HTTP settings.
type Config = internalserver.Config

// Options are the collaborators a Server routes to.
type Options = internalserver.Options

// Hub streams audit events to websocket clients.
type Hub = internalserver.Hub

// MiddlewareConfig configures RateLimit.
type MiddlewareConfig = internalserver.MiddlewareConfig

// New creates a new bastion server.
func New(cfg Config, opts Options) *Server {
	return internalserver.New(cfg, opts)
}

// RateLimit checks every request against one limiter and answers 429 when
// it is denied.
func RateLimit(svc *ratelimit.Service, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return internalserver.RateLimit(svc, cfg)
}

// ClientIP returns the caller's address.
func ClientIP(r *http.Request, trustProxy bool) string {
	return internalserver.ClientIP(r, trustProxy)
}
