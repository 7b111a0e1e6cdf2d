// Package adaptive scales effective limits down under load and drives
// emergency mode.
//
// The Controller moves between three modes. A breached threshold moves it
// from Normal to Debouncing; a breach held for SustainFor steps the scale
// factor down; a breach held for EmergencyAfter enters Emergency, which pins
// the scale to EmergencyScale. Emergency is left only by an operator, or by
// AutoRecover after RecoverAfter of healthy samples when the emergency was
// not entered manually. The scale climbs back one Step per RecoverAfter of
// healthy samples.
package adaptive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/clock"
)

// Mode is the controller's state machine position.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeDebouncing Mode = "debouncing"
	ModeEmergency  Mode = "emergency"
)

// Sample is one SystemLoadSample pushed by an external collector.
type Sample struct {
	ErrorRate         float64       `json:"errorRate"`
	AvgResponseTime   time.Duration `json:"avgResponseTime"`
	RequestsPerSecond float64       `json:"requestsPerSecond"`
}

// Config tunes the controller. Zero thresholds disable that signal.
type Config struct {
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	LatencyThreshold   time.Duration `yaml:"latency_threshold"`
	RPSThreshold       float64       `yaml:"rps_threshold"`

	SustainFor     time.Duration `yaml:"sustain_for"`
	EmergencyAfter time.Duration `yaml:"emergency_after"`
	RecoverAfter   time.Duration `yaml:"recover_after"`

	Step           float64 `yaml:"step"`
	MinScale       float64 `yaml:"min_scale"`
	EmergencyScale float64 `yaml:"emergency_scale"`

	ForceFixedWindow bool `yaml:"force_fixed_window"`
	AutoEmergency    bool `yaml:"auto_emergency"`
	AutoRecover      bool `yaml:"auto_recover"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold: 0.05,
		LatencyThreshold:   500 * time.Millisecond,
		SustainFor:         30 * time.Second,
		EmergencyAfter:     2 * time.Minute,
		RecoverAfter:       5 * time.Minute,
		Step:               0.1,
		MinScale:           0.1,
		EmergencyScale:     0.1,
		ForceFixedWindow:   true,
		AutoEmergency:      true,
	}
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.ErrorRateThreshold < 0 || c.ErrorRateThreshold > 1 {
		return fmt.Errorf("error_rate_threshold must be within [0, 1], got %v", c.ErrorRateThreshold)
	}
	if c.LatencyThreshold < 0 || c.RPSThreshold < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if c.SustainFor <= 0 || c.EmergencyAfter <= 0 || c.RecoverAfter <= 0 {
		return fmt.Errorf("sustain_for, emergency_after and recover_after must be positive")
	}
	for name, v := range map[string]float64{"step": c.Step, "min_scale": c.MinScale, "emergency_scale": c.EmergencyScale} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be within (0, 1], got %v", name, v)
		}
	}
	return nil
}

// State is an immutable snapshot of the controller. Manual is set when an
// operator caused the transition into the state.
type State struct {
	Mode             Mode      `json:"mode"`
	Scale            float64   `json:"scale"`
	Reason           string    `json:"reason,omitempty"`
	Manual           bool      `json:"manual"`
	ForceFixedWindow bool      `json:"forceFixedWindow"`
	Since            time.Time `json:"since"`
}

// Emergency reports whether emergency mode is active.
func (s State) Emergency() bool { return s.Mode == ModeEmergency }

// Apply returns the effective limit: floor(limit*scale), at least 1.
func (s State) Apply(limit int) int {
	scale := s.Scale
	if scale <= 0 || scale >= 1 {
		return limit
	}
	return int(math.Max(1, math.Floor(float64(limit)*scale+1e-9)))
}

// Controller owns the adaptive state. Readers call State or ScaleFactor;
// writers are serialised internally.
type Controller struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	state atomic.Pointer[State]

	mu           sync.Mutex
	baseScale    float64
	breachSince  time.Time
	lastStep     time.Time
	healthySince time.Time
	lastRecover  time.Time
	listeners    []func(prev, next State)
}

// New builds a Controller in Normal mode with scale 1.
func New(cfg Config, c clock.Clock, log zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctrl := &Controller{
		cfg:       cfg,
		clock:     clock.Or(c),
		log:       log.With().Str("component", "adaptive").Logger(),
		baseScale: 1,
	}
	ctrl.state.Store(&State{Mode: ModeNormal, Scale: 1, Since: ctrl.clock.Now()})
	return ctrl, nil
}

// OnTransition registers fn to run after every mode or scale change. fn runs
// on the writer's goroutine and must not call back into the Controller.
func (c *Controller) OnTransition(fn func(prev, next State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current snapshot.
func (c *Controller) State() State { return *c.state.Load() }

// ScaleFactor returns the current scale factor in [MinScale, 1].
func (c *Controller) ScaleFactor() float64 { return c.state.Load().Scale }

// EnableEmergency enters emergency mode on operator request. Manual
// emergencies are never cleared automatically.
func (c *Controller) EnableEmergency(reason string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		reason = "enabled by operator"
	}
	return c.enterEmergency(c.clock.Now(), reason, true)
}

// DisableEmergency leaves emergency mode and restores the full scale. It
// reports false when emergency mode was not active.
func (c *Controller) DisableEmergency() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.State()
	if !cur.Emergency() {
		return cur, false
	}
	now := c.clock.Now()
	c.baseScale = 1
	c.breachSince = time.Time{}
	c.healthySince = time.Time{}
	return c.publish(State{Mode: ModeNormal, Scale: 1, Reason: "disabled by operator", Manual: true, Since: now}), true
}

// Observe feeds one sample through the state machine.
func (c *Controller) Observe(s Sample) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cur := c.State()
	reason := c.breach(s)

	if reason != "" {
		c.healthySince = time.Time{}
		if c.breachSince.IsZero() {
			c.breachSince, c.lastStep = now, now
		}
		switch cur.Mode {
		case ModeNormal:
			return c.publish(State{Mode: ModeDebouncing, Scale: c.baseScale, Reason: reason, Since: now})
		case ModeDebouncing:
			if c.cfg.AutoEmergency && now.Sub(c.breachSince) >= c.cfg.EmergencyAfter {
				return c.enterEmergency(now, reason, false)
			}
			if now.Sub(c.lastStep) >= c.cfg.SustainFor {
				c.baseScale = round(math.Max(c.cfg.MinScale, c.baseScale-c.cfg.Step))
				c.lastStep = now
				return c.publish(State{Mode: ModeDebouncing, Scale: c.baseScale, Reason: reason, Since: cur.Since})
			}
		}
		return cur
	}

	c.breachSince = time.Time{}
	if c.healthySince.IsZero() {
		c.healthySince, c.lastRecover = now, now
	}
	switch cur.Mode {
	case ModeDebouncing:
		return c.publish(State{Mode: ModeNormal, Scale: c.baseScale, Reason: "load recovered", Since: now})
	case ModeNormal:
		if c.baseScale < 1 && now.Sub(c.lastRecover) >= c.cfg.RecoverAfter {
			c.baseScale = round(math.Min(1, c.baseScale+c.cfg.Step))
			c.lastRecover = now
			return c.publish(State{Mode: ModeNormal, Scale: c.baseScale, Reason: "load recovered", Since: cur.Since})
		}
	case ModeEmergency:
		if c.cfg.AutoRecover && !cur.Manual && now.Sub(c.healthySince) >= c.cfg.RecoverAfter {
			c.lastRecover = now
			return c.publish(State{Mode: ModeNormal, Scale: c.baseScale, Reason: "recovered automatically", Since: now})
		}
	}
	return cur
}

// Run observes samples until ctx is done or samples is closed.
func (c *Controller) Run(ctx context.Context, samples <-chan Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			c.Observe(s)
		}
	}
}

func (c *Controller) enterEmergency(now time.Time, reason string, manual bool) State {
	cur := c.State()
	if cur.Emergency() {
		if manual && !cur.Manual {
			cur.Manual, cur.Reason = true, reason
			return c.publish(cur)
		}
		return cur
	}
	return c.publish(State{
		Mode:             ModeEmergency,
		Scale:            c.cfg.EmergencyScale,
		Reason:           reason,
		Manual:           manual,
		ForceFixedWindow: c.cfg.ForceFixedWindow,
		Since:            now,
	})
}

// publish stores next and notifies listeners. Callers hold c.mu.
func (c *Controller) publish(next State) State {
	prev := *c.state.Swap(&next)
	if prev.Mode == next.Mode && prev.Scale == next.Scale && prev.Manual == next.Manual {
		return next
	}

	ev := c.log.Info()
	if next.Emergency() || prev.Emergency() {
		ev = c.log.Warn()
	}
	ev.Str("from", string(prev.Mode)).
		Str("to", string(next.Mode)).
		Float64("scale", next.Scale).
		Str("reason", next.Reason).
		Msg("adaptive state changed")

	for _, fn := range c.listeners {
		fn(prev, next)
	}
	return next
}

func (c *Controller) breach(s Sample) string {
	var reasons []string
	if c.cfg.ErrorRateThreshold > 0 && s.ErrorRate > c.cfg.ErrorRateThreshold {
		reasons = append(reasons, fmt.Sprintf("error rate %.3f above %.3f", s.ErrorRate, c.cfg.ErrorRateThreshold))
	}
	if c.cfg.LatencyThreshold > 0 && s.AvgResponseTime > c.cfg.LatencyThreshold {
		reasons = append(reasons, fmt.Sprintf("latency %s above %s", s.AvgResponseTime, c.cfg.LatencyThreshold))
	}
	if c.cfg.RPSThreshold > 0 && s.RequestsPerSecond > c.cfg.RPSThreshold {
		reasons = append(reasons, fmt.Sprintf("%.0f req/s above %.0f", s.RequestsPerSecond, c.cfg.RPSThreshold))
	}
	return strings.Join(reasons, "; ")
}

func round(f float64) float64 { return math.Round(f*1e6) / 1e6 }
