package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/audit"
	"github.com/SmitUplenchwar2687/bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/config"
	"github.com/SmitUplenchwar2687/bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
	"github.com/SmitUplenchwar2687/bastion/internal/server"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// app is a fully wired bastion process.
type app struct {
	cfg config.Config
	log zerolog.Logger

	local    store.Store
	shared   store.Store
	blocks   *blocklist.Manager
	adaptive *adaptive.Controller
	audit    *audit.Dispatcher
	registry *prometheus.Registry
	svc      *ratelimit.Service
	sampler  *server.LoadSampler
	server   *server.Server
}

// build wires every component described by cfg. The caller must Close the
// returned app.
func build(ctx context.Context, cfg config.Config, clk clock.Clock, log zerolog.Logger) (*app, error) {
	clk = clock.Or(clk)
	a := &app{cfg: cfg, log: log}

	var err error
	a.local, a.shared, err = openStores(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}

	a.blocks = blocklist.New(clk, log)
	if err := seedBlockList(a.blocks, cfg.BlockList); err != nil {
		a.closeStores()
		return nil, err
	}

	a.adaptive, err = adaptive.New(cfg.Adaptive, clk, log)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	m := metrics.New(a.registry)

	hub := server.NewHub(log)
	a.audit = audit.NewDispatcher(
		audit.DispatcherConfig{QueueSize: cfg.Audit.QueueSize, OnDrop: m.AuditDrop},
		log,
		audit.NewLogSink(log, cfg.Audit.DenyLogRate),
		hub,
	)

	a.svc, err = ratelimit.New(ratelimit.Options{
		Store:     a.local,
		Shared:    a.shared,
		BlockList: a.blocks,
		Adaptive:  a.adaptive,
		Audit:     a.audit,
		Metrics:   m,
		Clock:     clk,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, l := range cfg.Limiters {
		if err := a.svc.Register(l.Limiter()); err != nil {
			a.Close()
			return nil, err
		}
	}

	tokens, err := adminTokens(cfg.Admin)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sampler = server.NewLoadSampler(clk)
	a.server = server.New(server.Config{
		Addr:              cfg.Server.Addr,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		PrincipalHeader:   cfg.Server.PrincipalHeader,
		Tokens:            tokens,
		APIToken:          cfg.Server.APIToken,
	}, server.Options{
		Service:  a.svc,
		Admin:    ratelimit.NewAdmin(a.svc, nil),
		Hub:      hub,
		Metrics:  m,
		Gatherer: a.registry,
		Sampler:  a.sampler,
		Clock:    clk,
		Logger:   log,
	})
	return a, nil
}

// openStores returns the per-process store and, when a limiter needs one,
// the shared store. With the redis backend both are the same store.
func openStores(ctx context.Context, cfg config.Config, clk clock.Clock) (local, shared store.Store, err error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rs, err := store.NewRedisStore(ctx, &cfg.Storage.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis store: %w", err)
		}
		return rs, rs, nil
	case config.BackendMemory, "":
		memCfg := cfg.Storage.Memory
		memCfg.Clock = clk
		ms, err := store.NewMemoryStore(&memCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating memory store: %w", err)
		}
		if !cfg.NeedsShared() {
			return ms, nil, nil
		}
		rs, err := store.NewRedisStore(ctx, &cfg.Storage.Redis)
		if err != nil {
			_ = ms.Close()
			return nil, nil, fmt.Errorf("creating shared redis store: %w", err)
		}
		return ms, rs, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func seedBlockList(m *blocklist.Manager, cfg config.BlockListConfig) error {
	for _, e := range cfg.Deny {
		if _, err := m.Block(ratelimit.NormalizeIdentifier(e.Key), e.Reason, e.TTL); err != nil {
			return fmt.Errorf("seeding deny entry %q: %w", e.Key, err)
		}
	}
	for _, e := range cfg.Allow {
		if _, err := m.Allow(ratelimit.NormalizeIdentifier(e.Key), e.Reason, e.TTL); err != nil {
			return fmt.Errorf("seeding allow entry %q: %w", e.Key, err)
		}
	}
	return nil
}

func adminTokens(cfg config.AdminConfig) (map[string]ratelimit.Actor, error) {
	tokens := make(map[string]ratelimit.Actor, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		p, err := ratelimit.ParsePrivilege(t.Privilege)
		if err != nil {
			return nil, fmt.Errorf("admin token %q: %w", t.Name, err)
		}
		tokens[t.Token] = ratelimit.Actor{Name: t.Name, Privilege: p}
	}
	return tokens, nil
}

// runBackground starts the block list and denial streak janitors and the
// adaptive sample loop. They stop when ctx is done.
func (a *app) runBackground(ctx context.Context, sampleInterval time.Duration) {
	if a.cfg.BlockList.SweepInterval > 0 {
		go a.blocks.RunJanitor(ctx, a.cfg.BlockList.SweepInterval)
		go a.svc.RunJanitor(ctx, a.cfg.BlockList.SweepInterval)
	}
	if sampleInterval > 0 {
		samples := make(chan adaptive.Sample, 1)
		go a.sampler.Run(ctx, sampleInterval, samples)
		go a.adaptive.Run(ctx, samples)
	}
}

// Close flushes the audit queue and releases the stores.
func (a *app) Close() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *app) closeStores() error {
	var errs []error
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	if a.shared != nil && a.shared != a.local {
		errs = append(errs, a.shared.Close())
	}
	return errors.Join(errs...)
}
