// Package blocklist keeps the explicit allow and deny entries that
// short-circuit the rate limiting algorithms.
//
// Keys are identifiers, IP addresses or CIDR prefixes. A prefix entry
// matches every address inside it. When both kinds match a request, deny
// wins.
package blocklist

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/clock"
)

// Kind is the type of a block list entry.
type Kind string

const (
	KindAllow Kind = "allow"
	KindDeny  Kind = "deny"
)

// Entry is one allow or deny rule. A zero ExpiresAt means the entry is
// permanent.
type Entry struct {
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Permanent reports whether the entry lives until removed.
func (e Entry) Permanent() bool { return e.ExpiresAt.IsZero() }

// TTL returns the time left before the entry expires, or zero for
// permanent and expired entries.
func (e Entry) TTL(now time.Time) time.Duration {
	if e.Permanent() || !now.Before(e.ExpiresAt) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

func (e Entry) expired(now time.Time) bool {
	return !e.Permanent() && !now.Before(e.ExpiresAt)
}

type prefixEntry struct {
	prefix netip.Prefix
	entry  Entry
}

// Manager holds the block list. It is safe for concurrent use.
type Manager struct {
	clock clock.Clock
	log   zerolog.Logger

	mu       sync.RWMutex
	exact    map[string]Entry
	prefixes []prefixEntry
}

// New returns an empty Manager. A nil clock selects the real clock.
func New(c clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		clock: clock.Or(c),
		log:   log.With().Str("component", "blocklist").Logger(),
		exact: make(map[string]Entry),
	}
}

// NormalizeKey canonicalises a block list key. IPs lose their zone and
// IPv4-in-IPv6 mapping, prefixes are masked, everything else is trimmed and
// lowercased.
func NormalizeKey(key string) (string, error) {
	k, _, err := parseKey(key)
	return k, err
}

func parseKey(key string) (string, netip.Prefix, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", netip.Prefix{}, fmt.Errorf("block list key is required")
	}
	if strings.Contains(key, "/") {
		if p, err := netip.ParsePrefix(key); err == nil {
			if a := p.Addr(); a.Is4In6() && p.Bits() >= 96 {
				p = netip.PrefixFrom(a.Unmap(), p.Bits()-96)
			}
			p = p.Masked()
			if p.IsSingleIP() {
				return p.Addr().String(), netip.Prefix{}, nil
			}
			return p.String(), p, nil
		}
	}
	if addr, ok := parseAddr(key); ok {
		return addr.String(), netip.Prefix{}, nil
	}
	return strings.ToLower(key), netip.Prefix{}, nil
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// Block adds or replaces a deny entry. A zero ttl makes it permanent.
func (m *Manager) Block(key, reason string, ttl time.Duration) (Entry, error) {
	return m.put(key, KindDeny, reason, ttl)
}

// Allow adds or replaces an allow entry. A zero ttl makes it permanent.
func (m *Manager) Allow(key, reason string, ttl time.Duration) (Entry, error) {
	return m.put(key, KindAllow, reason, ttl)
}

// Unblock removes the deny entry for key. It reports whether one existed.
func (m *Manager) Unblock(key string) bool { return m.remove(key, KindDeny) }

// Disallow removes the allow entry for key. It reports whether one existed.
func (m *Manager) Disallow(key string) bool { return m.remove(key, KindAllow) }

func (m *Manager) put(key string, kind Kind, reason string, ttl time.Duration) (Entry, error) {
	if ttl < 0 {
		return Entry{}, fmt.Errorf("ttl must not be negative, got %s", ttl)
	}
	k, prefix, err := parseKey(key)
	if err != nil {
		return Entry{}, err
	}

	now := m.clock.Now()
	e := Entry{Key: k, Kind: kind, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	var prev Entry
	var replaced bool
	if prefix.IsValid() {
		i := slices.IndexFunc(m.prefixes, func(p prefixEntry) bool { return p.prefix == prefix })
		if i >= 0 {
			prev, replaced = m.prefixes[i].entry, true
			m.prefixes[i].entry = e
		} else {
			m.prefixes = append(m.prefixes, prefixEntry{prefix: prefix, entry: e})
		}
	} else {
		prev, replaced = m.exact[k]
		m.exact[k] = e
	}
	m.mu.Unlock()

	if replaced && !prev.expired(now) && prev.Kind != kind {
		m.log.Info().
			Str("key", k).
			Str("from", string(prev.Kind)).
			Str("to", string(kind)).
			Str("reason", reason).
			Msg("block list entry replaced")
	}
	return e, nil
}

func (m *Manager) remove(key string, kind Kind) bool {
	k, prefix, err := parseKey(key)
	if err != nil {
		return false
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix.IsValid() {
		i := slices.IndexFunc(m.prefixes, func(p prefixEntry) bool { return p.prefix == prefix })
		if i < 0 || m.prefixes[i].entry.Kind != kind {
			return false
		}
		live := !m.prefixes[i].entry.expired(now)
		m.prefixes = slices.Delete(m.prefixes, i, i+1)
		return live
	}
	e, ok := m.exact[k]
	if !ok || e.Kind != kind {
		return false
	}
	delete(m.exact, k)
	return !e.expired(now)
}

// Match returns the strongest live entry matching any of keys: a deny entry
// if one matches, otherwise an allow entry.
func (m *Manager) Match(keys ...string) (Entry, bool) {
	now := m.clock.Now()
	var allow Entry
	var found bool

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		k, _, err := parseKey(key)
		if err != nil {
			continue
		}
		if e, ok := m.exact[k]; ok && !e.expired(now) {
			if e.Kind == KindDeny {
				return e, true
			}
			allow, found = e, true
		}
		addr, ok := parseAddr(k)
		if !ok {
			continue
		}
		for _, p := range m.prefixes {
			if p.entry.expired(now) || !p.prefix.Contains(addr) {
				continue
			}
			if p.entry.Kind == KindDeny {
				return p.entry, true
			}
			allow, found = p.entry, true
		}
	}
	return allow, found
}

// IsDenied reports whether any of keys is covered by a live deny entry.
func (m *Manager) IsDenied(keys ...string) bool {
	e, ok := m.Match(keys...)
	return ok && e.Kind == KindDeny
}

// IsAllowed reports whether keys are covered by a live allow entry and by no
// deny entry.
func (m *Manager) IsAllowed(keys ...string) bool {
	e, ok := m.Match(keys...)
	return ok && e.Kind == KindAllow
}

// Lookup returns the live entry stored under exactly key.
func (m *Manager) Lookup(key string) (Entry, bool) {
	k, prefix, err := parseKey(key)
	if err != nil {
		return Entry{}, false
	}
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var e Entry
	var ok bool
	if prefix.IsValid() {
		for _, p := range m.prefixes {
			if p.prefix == prefix {
				e, ok = p.entry, true
				break
			}
		}
	} else {
		e, ok = m.exact[k]
	}
	if !ok || e.expired(now) {
		return Entry{}, false
	}
	return e, true
}

// Entries returns every live entry ordered by kind, then key.
func (m *Manager) Entries() []Entry {
	now := m.clock.Now()

	m.mu.RLock()
	out := make([]Entry, 0, len(m.exact)+len(m.prefixes))
	for _, e := range m.exact {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	for _, p := range m.prefixes {
		if !p.entry.expired(now) {
			out = append(out, p.entry)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if a.Kind != b.Kind {
			return strings.Compare(string(a.Kind), string(b.Kind))
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Sweep drops expired entries and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.exact {
		if e.expired(now) {
			delete(m.exact, k)
			removed++
		}
	}
	before := len(m.prefixes)
	m.prefixes = slices.DeleteFunc(m.prefixes, func(p prefixEntry) bool { return p.entry.expired(now) })
	return removed + before - len(m.prefixes)
}

// RunJanitor sweeps every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug().Int("removed", n).Msg("expired block list entries swept")
			}
		}
	}
}
