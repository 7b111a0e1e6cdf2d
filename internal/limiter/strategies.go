package limiter

import (
	"context"
	"fmt"

	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// TokenBucket gives each identifier MaxAttempts tokens that refill
// continuously at MaxAttempts per Window. Each attempt consumes one token.
type TokenBucket struct{}

func (TokenBucket) Algorithm() Algorithm { return AlgorithmTokenBucket }

func (TokenBucket) Evaluate(ctx context.Context, key string, p Policy, st store.Store) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	c, err := st.Take(ctx, key, p.window())
	if err != nil {
		return Decision{}, err
	}
	return decisionFrom(c, p), nil
}

// SlidingWindow interpolates between the current and previous fixed window
// and denies once the estimate reaches MaxAttempts. Denied attempts are
// counted too.
type SlidingWindow struct{}

func (SlidingWindow) Algorithm() Algorithm { return AlgorithmSlidingWindow }

func (SlidingWindow) Evaluate(ctx context.Context, key string, p Policy, st store.Store) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	c, err := st.Slide(ctx, key, p.window())
	if err != nil {
		return Decision{}, err
	}
	return decisionFrom(c, p), nil
}

// FixedWindow counts every attempt and denies the (MaxAttempts+1)th and
// every later attempt until the window rolls over.
type FixedWindow struct{}

func (FixedWindow) Algorithm() Algorithm { return AlgorithmFixedWindow }

func (FixedWindow) Evaluate(ctx context.Context, key string, p Policy, st store.Store) (Decision, error) {
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}
	c, err := st.Increment(ctx, key, p.window())
	if err != nil {
		return Decision{}, err
	}
	return decisionFrom(c, p), nil
}

// Distributed runs a fixed or sliding window against the shared store,
// ignoring the store the caller passes in. The shared store keeps time on
// its own side, so instances with skewed clocks agree.
type Distributed struct {
	base   Strategy
	shared store.Store
}

// NewDistributed binds base to shared. base must be FixedWindow or
// SlidingWindow.
func NewDistributed(base Strategy, shared store.Store) (*Distributed, error) {
	if shared == nil {
		return nil, fmt.Errorf("distributed algorithm requires a shared store")
	}
	switch base.(type) {
	case FixedWindow, SlidingWindow:
	default:
		return nil, fmt.Errorf("distributed algorithm cannot wrap %T", base)
	}
	return &Distributed{base: base, shared: shared}, nil
}

func (*Distributed) Algorithm() Algorithm { return AlgorithmDistributed }

// Base reports the wrapped algorithm.
func (d *Distributed) Base() Algorithm { return d.base.Algorithm() }

func (d *Distributed) Evaluate(ctx context.Context, key string, p Policy, _ store.Store) (Decision, error) {
	return d.base.Evaluate(ctx, key, p, d.shared)
}

// New builds the strategy for alg. shared is only used, and then required,
// by AlgorithmDistributed, which wraps a sliding window.
func New(alg Algorithm, shared store.Store) (Strategy, error) {
	switch alg {
	case AlgorithmTokenBucket, "":
		return TokenBucket{}, nil
	case AlgorithmSlidingWindow:
		return SlidingWindow{}, nil
	case AlgorithmFixedWindow:
		return FixedWindow{}, nil
	case AlgorithmDistributed:
		return NewDistributed(SlidingWindow{}, shared)
	default:
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
}
