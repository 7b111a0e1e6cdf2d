// Package store holds per-identifier attempt state for the limiter.
//
// A Store exposes one atomic operation per counting scheme (fixed window,
// sliding window, token bucket). Each operation reads the record, applies the
// scheme and writes it back as a single indivisible step: under a shard lock
// for MemoryStore, inside a Lua script for RedisStore. Callers never lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every failure to reach the backing store, including
// context deadlines. The limiter turns it into a fail-open or fail-closed
// decision.
var ErrUnavailable = errors.New("store unavailable")

// Kind records which counting scheme last wrote a record.
type Kind string

const (
	KindFixed   Kind = "fixed"
	KindSliding Kind = "sliding"
	KindToken   Kind = "token"
)

// Store is the Counter Store contract.
type Store interface {
	// Increment counts one attempt in a fixed window, creating the record with
	// a TTL of w.Size when absent. The returned Counter carries the
	// post-increment count and the time left in the window.
	Increment(ctx context.Context, key string, w Window) (Counter, error)
	// Slide counts one attempt against a sliding window estimate.
	Slide(ctx context.Context, key string, w Window) (Counter, error)
	// Take refills the key's token bucket and tries to consume one token.
	Take(ctx context.Context, key string, w Window) (Counter, error)

	// Peek returns the record for key without mutating it.
	Peek(ctx context.Context, key string) (Record, bool, error)
	// Reset forgets key.
	Reset(ctx context.Context, key string) error
	// ResetAll forgets every key starting with prefix and reports how many
	// were removed.
	ResetAll(ctx context.Context, prefix string) (int, error)
	// Scan calls fn for every live record whose key starts with prefix.
	Scan(ctx context.Context, prefix string, fn func(Record) error) error

	Close() error
}

// Window parameterises one counting operation.
type Window struct {
	Size  time.Duration
	Limit int
	// Aligned anchors fixed windows at multiples of Size since the Unix
	// epoch instead of at the first attempt.
	Aligned bool
}

func (w Window) validate(key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if w.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", w.Limit)
	}
	if w.Size < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", w.Size)
	}
	return nil
}

// Counter is the outcome of one counting operation.
type Counter struct {
	Allowed bool
	// Count is the number of attempts recorded for the key after this call.
	Count      int64
	Remaining  int
	RetryAfter time.Duration
	// Reset is the time until the key's state returns to a clean slate.
	Reset time.Duration
}

// Record is the AttemptRecord kept for one identifier.
type Record struct {
	Key   string `json:"key"`
	Kind  Kind   `json:"kind"`
	Count int64  `json:"count"`
	// Previous is the previous window's count (sliding window only).
	Previous int64 `json:"previous,omitempty"`
	// Tokens is the bucket level after the last refill (token bucket only).
	Tokens       float64       `json:"tokens,omitempty"`
	Limit        int           `json:"limit"`
	Window       time.Duration `json:"window"`
	WindowStart  time.Time     `json:"windowStart"`
	BlockedUntil time.Time     `json:"blockedUntil,omitzero"`
	FirstSeen    time.Time     `json:"firstSeenAt"`
	LastSeen     time.Time     `json:"lastSeenAt"`
	ExpiresAt    time.Time     `json:"-"`
}

// Blocked reports whether the record denies attempts at now.
func (r Record) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
