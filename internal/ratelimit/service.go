package ratelimit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/audit"
	"github.com/SmitUplenchwar2687/bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

const failClosedRetry = time.Second

// Options wires a Service to its collaborators. Store is required; the
// rest fall back to working defaults.
type Options struct {
	Store store.Store
	// Shared backs the distributed algorithm.
	Shared    store.Store
	BlockList *blocklist.Manager
	Adaptive  *adaptive.Controller
	Audit     audit.Emitter
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Service is the rate limiter facade. It is safe for concurrent use.
type Service struct {
	local    store.Store
	shared   store.Store
	blocks   *blocklist.Manager
	adaptive *adaptive.Controller
	audit    audit.Emitter
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      zerolog.Logger

	mu       sync.RWMutex
	limiters map[string]*registered
}

type registered struct {
	cfg      Config
	store    store.Store
	strategy limiter.Strategy
	// emergency runs on its own keys alongside strategy while emergency
	// mode forces fixed windows.
	emergency limiter.Strategy
	// streaks maps identifier to *streak.
	streaks sync.Map
}

// streak counts consecutive denials for one identifier.
type streak struct {
	count atomic.Int64
	// last is the UnixNano time of the most recent denial.
	last atomic.Int64
}

// stale reports whether the last denial is at least one window old.
func (st *streak) stale(now time.Time, window time.Duration) bool {
	return now.Sub(time.Unix(0, st.last.Load())) >= window
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	s := &Service{
		local:    opts.Store,
		shared:   opts.Shared,
		blocks:   opts.BlockList,
		adaptive: opts.Adaptive,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		clock:    clock.Or(opts.Clock),
		log:      opts.Logger.With().Str("component", "ratelimit").Logger(),
		limiters: make(map[string]*registered),
	}
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if s.blocks == nil {
		s.blocks = blocklist.New(s.clock, opts.Logger)
	}
	if s.adaptive == nil {
		// Without a sample feed the controller only moves on operator calls.
		ctrl, err := adaptive.New(adaptive.DefaultConfig(), s.clock, opts.Logger)
		if err != nil {
			return nil, err
		}
		s.adaptive = ctrl
	}
	s.adaptive.OnTransition(s.adaptiveChanged)
	s.metrics.Adaptive(s.adaptive.ScaleFactor(), s.adaptive.State().Emergency())
	return s, nil
}

// BlockList returns the block list consulted by Check.
func (s *Service) BlockList() *blocklist.Manager { return s.blocks }

// Adaptive returns the controller whose scale applies to every limiter.
func (s *Service) Adaptive() *adaptive.Controller { return s.adaptive }

// Register validates cfg and adds it under cfg.Name.
func (s *Service) Register(cfg Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}

	reg := &registered{cfg: cfg, store: s.local}
	switch cfg.Algorithm {
	case limiter.AlgorithmDistributed:
		if s.shared == nil {
			return fmt.Errorf("%w: limiter %q: distributed algorithm requires a shared store", ErrInvalidConfig, cfg.Name)
		}
		base := limiter.SlidingWindow{}
		strategy, err := limiter.NewDistributed(base, s.shared)
		if err != nil {
			return fmt.Errorf("%w: limiter %q: %v", ErrInvalidConfig, cfg.Name, err)
		}
		fixed, _ := limiter.NewDistributed(limiter.FixedWindow{}, s.shared)
		reg.store, reg.strategy, reg.emergency = s.shared, strategy, fixed
	default:
		strategy, err := limiter.New(cfg.Algorithm, nil)
		if err != nil {
			return fmt.Errorf("%w: limiter %q: %v", ErrInvalidConfig, cfg.Name, err)
		}
		reg.strategy, reg.emergency = strategy, limiter.FixedWindow{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.limiters[cfg.Name]; ok {
		return fmt.Errorf("%w: limiter %q is already registered", ErrInvalidConfig, cfg.Name)
	}
	s.limiters[cfg.Name] = reg
	s.log.Info().
		Str("limiter", cfg.Name).
		Str("algorithm", string(cfg.Algorithm)).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("window", cfg.Window).
		Msg("limiter registered")
	return nil
}

// Limiters returns the registered limiter names in order.
func (s *Service) Limiters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.limiters))
	for name := range s.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Config returns the normalised config registered under name.
func (s *Service) Config(name string) (Config, bool) {
	reg, err := s.lookup(name)
	if err != nil {
		return Config{}, false
	}
	return reg.cfg, true
}

func (s *Service) lookup(name string) (*registered, error) {
	s.mu.RLock()
	reg, ok := s.limiters[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLimiter, name)
	}
	return reg, nil
}

// Identifier returns the identifier req is counted against.
func (s *Service) Identifier(req Request) (string, error) {
	reg, err := s.lookup(req.Limiter)
	if err != nil {
		return "", err
	}
	return reg.identifier(req), nil
}

func (r *registered) identifier(req Request) string {
	if id := r.cfg.KeyFunc(req); id != "" {
		return id
	}
	return "unknown"
}

func storeKey(limiterName, id string) string { return limiterName + ":" + id }

// emergencyKey namespaces the fixed-window records kept while emergency mode
// forces fixed windows. Limiter names cannot contain '!', so these keys never
// fall under storeKey(name, "").
func emergencyKey(limiterName, id string) string { return limiterName + "!:" + id }

// Check decides whether req may proceed. The only error is
// ErrUnknownLimiter; store failures resolve through the limiter's fail
// policy and denials are ordinary decisions.
func (s *Service) Check(ctx context.Context, req Request) (limiter.Decision, error) {
	reg, err := s.lookup(req.Limiter)
	if err != nil {
		return limiter.Decision{}, err
	}
	id := reg.identifier(req)
	return s.check(ctx, reg, id, NormalizeIP(req.SourceIP)), nil
}

// CheckKey is Check for a caller that already holds the identifier.
func (s *Service) CheckKey(ctx context.Context, name, identifier string) (limiter.Decision, error) {
	reg, err := s.lookup(name)
	if err != nil {
		return limiter.Decision{}, err
	}
	id := NormalizeIdentifier(identifier)
	return s.check(ctx, reg, id, ipOf(id)), nil
}

func (s *Service) check(ctx context.Context, reg *registered, id, ip string) limiter.Decision {
	cfg := reg.cfg
	now := s.clock.Now()

	if e, ok := s.blocks.Match(id, ip); ok {
		if e.Kind == blocklist.KindAllow {
			s.metrics.Decision(cfg.Name, metrics.OutcomeBypassed)
			return limiter.Decision{Allowed: true, Remaining: cfg.MaxAttempts, Limit: cfg.MaxAttempts}
		}
		retry := e.TTL(now)
		if retry <= 0 {
			retry = cfg.Window
		}
		s.metrics.Decision(cfg.Name, metrics.OutcomeBlocked)
		s.emit(audit.EventDeny, cfg.Name, id, "block list")
		return limiter.Decision{Allowed: false, RetryAfter: retry, Limit: cfg.MaxAttempts}
	}

	state := s.adaptive.State()
	policy := cfg.policy()
	policy.MaxAttempts = state.Apply(cfg.MaxAttempts)

	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	d, err := reg.strategy.Evaluate(sctx, storeKey(cfg.Name, id), policy, reg.store)
	if err == nil && state.Emergency() && state.ForceFixedWindow {
		// The base record keeps counting so nothing is forgiven when
		// emergency mode ends.
		var fixed limiter.Decision
		fixed, err = reg.emergency.Evaluate(sctx, emergencyKey(cfg.Name, id), policy, reg.store)
		d = stricter(d, fixed)
	}
	cancel()
	if err != nil {
		return s.storeFailure(cfg, id, err)
	}

	// Callers see the configured limit; scaling stays internal.
	d.Limit = cfg.MaxAttempts

	if d.Allowed {
		reg.streaks.Delete(id)
		s.metrics.Decision(cfg.Name, metrics.OutcomeAllowed)
		return d
	}

	s.metrics.Decision(cfg.Name, metrics.OutcomeDenied)
	s.emit(audit.EventDeny, cfg.Name, id, "rate limit exceeded")

	v, _ := reg.streaks.LoadOrStore(id, new(streak))
	st := v.(*streak)
	if st.stale(now, cfg.Window) {
		st.count.Store(0)
	}
	st.last.Store(now.UnixNano())
	denials := st.count.Add(1)

	if cfg.OnBlocked != nil {
		cfg.OnBlocked(ctx, Blocked{Limiter: cfg.Name, Identifier: id, Decision: d, ConsecutiveDenials: denials})
	}
	if esc := cfg.Escalation; esc.After > 0 && denials >= int64(esc.After) {
		s.escalate(reg, id, denials)
	}
	return d
}

// stricter merges the base decision with the emergency fixed-window one. The
// attempt is denied when either denies.
func stricter(base, fixed limiter.Decision) limiter.Decision {
	d := base
	d.Allowed = base.Allowed && fixed.Allowed
	d.Remaining = min(base.Remaining, fixed.Remaining)
	d.RetryAfter = max(base.RetryAfter, fixed.RetryAfter)
	d.ResetAfter = max(base.ResetAfter, fixed.ResetAfter)
	if !d.Allowed {
		d.Remaining = 0
	}
	return d
}

func (s *Service) escalate(reg *registered, id string, streak int64) {
	cfg := reg.cfg
	reason := fmt.Sprintf("%d consecutive denials on %s", streak, cfg.Name)
	if _, err := s.blocks.Block(id, reason, cfg.Escalation.BlockFor); err != nil {
		s.log.Error().Err(err).Str("limiter", cfg.Name).Str("identifier", id).Msg("escalation failed")
		return
	}
	reg.streaks.Delete(id)
	s.metrics.Escalation(cfg.Name)
	s.emit(audit.EventEscalation, cfg.Name, id, reason)
	s.log.Info().
		Str("limiter", cfg.Name).
		Str("identifier", id).
		Dur("block_for", cfg.Escalation.BlockFor).
		Msg("identifier escalated to deny list")
}

func (s *Service) storeFailure(cfg Config, id string, err error) limiter.Decision {
	s.metrics.StoreError(cfg.Name)
	s.emit(audit.EventStoreUnavailable, cfg.Name, id, err.Error())

	ev := s.log.Warn().Err(err).Str("limiter", cfg.Name).Str("identifier", id)
	if cfg.FailClosed {
		ev.Msg("counter store unavailable, failing closed")
		s.metrics.Decision(cfg.Name, metrics.OutcomeFailClosed)
		return limiter.Decision{Allowed: false, RetryAfter: failClosedRetry, Limit: cfg.MaxAttempts}
	}
	ev.Msg("counter store unavailable, failing open")
	s.metrics.Decision(cfg.Name, metrics.OutcomeFailOpen)
	return limiter.Decision{Allowed: true, Remaining: cfg.MaxAttempts, Limit: cfg.MaxAttempts}
}

// ResetOnSuccess clears the identifier's record after a verified success so
// earlier failures do not count against it.
func (s *Service) ResetOnSuccess(ctx context.Context, req Request) error {
	reg, err := s.lookup(req.Limiter)
	if err != nil {
		return err
	}
	return s.reset(ctx, reg, reg.identifier(req))
}

func (s *Service) reset(ctx context.Context, reg *registered, id string) error {
	sctx, cancel := context.WithTimeout(ctx, reg.cfg.StoreTimeout)
	defer cancel()
	reg.streaks.Delete(id)
	for _, key := range []string{storeKey(reg.cfg.Name, id), emergencyKey(reg.cfg.Name, id)} {
		if err := reg.store.Reset(sctx, key); err != nil {
			return fmt.Errorf("reset %s for %s: %w", id, reg.cfg.Name, err)
		}
	}
	return nil
}

// SweepStreaks forgets denial streaks whose last denial is at least one
// window old and returns how many were removed.
func (s *Service) SweepStreaks() int {
	now := s.clock.Now()
	s.mu.RLock()
	regs := make([]*registered, 0, len(s.limiters))
	for _, reg := range s.limiters {
		regs = append(regs, reg)
	}
	s.mu.RUnlock()

	removed := 0
	for _, reg := range regs {
		reg.streaks.Range(func(id, v any) bool {
			if v.(*streak).stale(now, reg.cfg.Window) && reg.streaks.CompareAndDelete(id, v) {
				removed++
			}
			return true
		})
	}
	return removed
}

// RunJanitor sweeps stale denial streaks every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepStreaks(); n > 0 {
				s.log.Debug().Int("removed", n).Msg("stale denial streaks swept")
			}
		}
	}
}

func (s *Service) emit(t audit.Type, name, id, reason string) {
	s.audit.Emit(audit.Event{Event: t, Identifier: id, ConfigName: name, Timestamp: s.clock.Now(), Reason: reason})
}

// adaptiveChanged mirrors controller transitions into metrics and audits
// the automatic ones. Operator transitions are audited by Admin with the
// actor attached.
func (s *Service) adaptiveChanged(prev, next adaptive.State) {
	s.metrics.Adaptive(next.Scale, next.Emergency())
	if next.Manual {
		return
	}
	ev := audit.Event{Timestamp: s.clock.Now(), Reason: next.Reason}
	switch {
	case next.Emergency() && !prev.Emergency():
		ev.Event = audit.EventEmergencyEnabled
	case prev.Emergency() && !next.Emergency():
		ev.Event = audit.EventEmergencyDisabled
	case prev.Scale != next.Scale:
		ev.Event = audit.EventScaleChanged
		ev.Reason = fmt.Sprintf("scale %.2f: %s", next.Scale, next.Reason)
	default:
		return
	}
	s.audit.Emit(ev)
}
