package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
)

const defaultStoreTimeout = 250 * time.Millisecond

// Blocked describes a denial handed to Config.OnBlocked.
type Blocked struct {
	Limiter            string
	Identifier         string
	Decision           limiter.Decision
	ConsecutiveDenials int64
}

// Escalation moves an identifier to the deny list after After consecutive
// denials. A zero After disables it; a zero BlockFor blocks permanently.
type Escalation struct {
	After    int           `yaml:"after"`
	BlockFor time.Duration `yaml:"block_for"`
}

// Config is one named limiter. It is validated once by Register and never
// changes afterwards.
type Config struct {
	Name         string
	Algorithm    limiter.Algorithm
	Window       time.Duration
	MaxAttempts  int
	AlignWindows bool

	// KeyFunc defaults to DefaultKey.
	KeyFunc KeyFunc
	// OnBlocked runs synchronously on every algorithm denial.
	OnBlocked func(ctx context.Context, b Blocked)

	// FailClosed denies requests while the store is unreachable. The zero
	// value fails open.
	FailClosed bool
	// StoreTimeout bounds every store call; zero selects 250ms.
	StoreTimeout time.Duration

	Escalation Escalation
}

func (c Config) policy() limiter.Policy {
	return limiter.Policy{MaxAttempts: c.MaxAttempts, Window: c.Window, AlignWindows: c.AlignWindows}
}

// Validate reports whether Register would accept c.
func (c Config) Validate() error {
	return c.normalize()
}

func (c *Config) normalize() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: limiter %q: %s", ErrInvalidConfig, c.Name, fmt.Sprintf(format, args...))
	}

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return invalid("name is required")
	}
	if strings.ContainsAny(c.Name, ":!*?[]") {
		return invalid("name must not contain ':', '!' or glob characters")
	}
	alg, err := limiter.ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return invalid("%v", err)
	}
	c.Algorithm = alg
	if err := c.policy().Validate(); err != nil {
		return invalid("%v", err)
	}
	if c.StoreTimeout < 0 {
		return invalid("store timeout must not be negative, got %s", c.StoreTimeout)
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.Escalation.After < 0 || c.Escalation.BlockFor < 0 {
		return invalid("escalation values must not be negative")
	}
	if c.KeyFunc == nil {
		c.KeyFunc = DefaultKey
	}
	return nil
}
