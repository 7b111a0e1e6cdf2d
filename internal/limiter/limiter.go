// Package limiter turns counter store operations into allow/deny decisions.
//
// A Strategy owns no state of its own: every bit of per-identifier state
// lives in the store.Store passed to Evaluate, so one Strategy value serves
// every limiter configured with its algorithm.
package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmDistributed   Algorithm = "distributed"
)

// ParseAlgorithm accepts the canonical names and their hyphenated forms.
// An empty string selects the token bucket.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case "", AlgorithmTokenBucket:
		return AlgorithmTokenBucket, nil
	case AlgorithmSlidingWindow:
		return AlgorithmSlidingWindow, nil
	case AlgorithmFixedWindow:
		return AlgorithmFixedWindow, nil
	case AlgorithmDistributed:
		return AlgorithmDistributed, nil
	default:
		return "", fmt.Errorf("unknown algorithm %q", s)
	}
}

// Strategy decides whether one more attempt for key is allowed.
type Strategy interface {
	Algorithm() Algorithm
	// Evaluate counts the attempt in st and reports the outcome. Errors wrap
	// store.ErrUnavailable when the store could not be reached.
	Evaluate(ctx context.Context, key string, p Policy, st store.Store) (Decision, error)
}

// Policy is the effective limit for one evaluation, after any adaptive
// scaling has been applied.
type Policy struct {
	MaxAttempts  int
	Window       time.Duration
	AlignWindows bool
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", p.Window)
	}
	return nil
}

func (p Policy) window() store.Window {
	return store.Window{Size: p.Window, Limit: p.MaxAttempts, Aligned: p.AlignWindows}
}

// Decision captures the result of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
	// TotalAttempts is the number of attempts recorded for the identifier,
	// including this one. Zero when the check was short-circuited.
	TotalAttempts int64
	Limit         int
	// ResetAfter is the time until the identifier's state is clean again.
	ResetAfter time.Duration
}

type decisionJSON struct {
	Allowed       bool  `json:"allowed"`
	Remaining     int   `json:"remaining"`
	RetryAfterMS  int64 `json:"retryAfterMs"`
	TotalAttempts int64 `json:"totalAttempts"`
	Limit         int   `json:"limit"`
	ResetAfterMS  int64 `json:"resetAfterMs"`
}

// MarshalJSON renders durations as whole milliseconds, rounding retry
// delays up so a denied decision never advertises zero.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(decisionJSON{
		Allowed:       d.Allowed,
		Remaining:     d.Remaining,
		RetryAfterMS:  ceilMillis(d.RetryAfter),
		TotalAttempts: d.TotalAttempts,
		Limit:         d.Limit,
		ResetAfterMS:  ceilMillis(d.ResetAfter),
	})
}

func (d *Decision) UnmarshalJSON(b []byte) error {
	var v decisionJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*d = Decision{
		Allowed:       v.Allowed,
		Remaining:     v.Remaining,
		RetryAfter:    time.Duration(v.RetryAfterMS) * time.Millisecond,
		TotalAttempts: v.TotalAttempts,
		Limit:         v.Limit,
		ResetAfter:    time.Duration(v.ResetAfterMS) * time.Millisecond,
	}
	return nil
}

func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func decisionFrom(c store.Counter, p Policy) Decision {
	d := Decision{
		Allowed:       c.Allowed,
		Remaining:     c.Remaining,
		TotalAttempts: c.Count,
		Limit:         p.MaxAttempts,
		ResetAfter:    c.Reset,
	}
	if !c.Allowed {
		d.Remaining = 0
		d.RetryAfter = max(c.RetryAfter, time.Millisecond)
	}
	return d
}
