package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/audit"
	"github.com/SmitUplenchwar2687/bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// Privilege orders what an admin caller may do.
type Privilege int

const (
	PrivilegeNone Privilege = iota
	PrivilegeRead
	PrivilegeAdmin
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeRead:
		return "read"
	case PrivilegeAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParsePrivilege accepts "read" and "admin".
func ParsePrivilege(s string) (Privilege, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return PrivilegeRead, nil
	case "admin":
		return PrivilegeAdmin, nil
	default:
		return PrivilegeNone, fmt.Errorf("unknown privilege %q", s)
	}
}

// Actor is the authenticated caller of an admin operation.
type Actor struct {
	Name      string
	Privilege Privilege
}

// Operation names an admin operation for authorization.
type Operation string

const (
	OpStatistics       Operation = "statistics"
	OpResetIdentifier  Operation = "reset_identifier"
	OpResetAll         Operation = "reset_all"
	OpBlock            Operation = "block"
	OpUnblock          Operation = "unblock"
	OpAllow            Operation = "allow"
	OpDisallow         Operation = "disallow"
	OpBlockList        Operation = "block_list"
	OpEmergencyState   Operation = "emergency_state"
	OpEnableEmergency  Operation = "enable_emergency"
	OpDisableEmergency Operation = "disable_emergency"
	OpListLimiters     Operation = "list_limiters"
	OpWatchEvents      Operation = "watch_events"
)

// Required returns the privilege the operation needs. Reads need read;
// everything that mutates needs admin.
func (op Operation) Required() Privilege {
	switch op {
	case OpStatistics, OpBlockList, OpEmergencyState, OpListLimiters, OpWatchEvents:
		return PrivilegeRead
	default:
		return PrivilegeAdmin
	}
}

// Authorizer decides whether actor may perform op. A refusal must wrap
// ErrAdminDenied.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, op Operation) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actor Actor, op Operation) error

func (f AuthorizerFunc) Authorize(ctx context.Context, actor Actor, op Operation) error {
	return f(ctx, actor, op)
}

// PrivilegeAuthorizer allows an operation when the actor's privilege is at
// least the operation's requirement.
type PrivilegeAuthorizer struct{}

func (PrivilegeAuthorizer) Authorize(_ context.Context, actor Actor, op Operation) error {
	if actor.Privilege < op.Required() {
		return fmt.Errorf("%w: %s requires %s privilege", ErrAdminDenied, op, op.Required())
	}
	return nil
}

// Statistics summarises one limiter's tracked identifiers.
type Statistics struct {
	Limiter            string    `json:"limiter"`
	TrackedIdentifiers int       `json:"trackedIdentifiers"`
	BlockedCount       int       `json:"blockedCount"`
	TotalAttempts      int64     `json:"totalAttempts"`
	OldestAttempt      time.Time `json:"oldestAttempt,omitzero"`
}

// Admin exposes the privileged operations. Every call is authorized first.
type Admin struct {
	svc   *Service
	authz Authorizer
	log   zerolog.Logger
}

// NewAdmin wraps svc. A nil authz selects PrivilegeAuthorizer.
func NewAdmin(svc *Service, authz Authorizer) *Admin {
	if authz == nil {
		authz = PrivilegeAuthorizer{}
	}
	return &Admin{
		svc:   svc,
		authz: authz,
		log:   svc.log.With().Str("component", "admin").Logger(),
	}
}

// Authorize checks actor against op for entry points that do not map to a
// single Admin method, such as listing limiters or streaming events.
func (a *Admin) Authorize(ctx context.Context, actor Actor, op Operation) error {
	return a.authorize(ctx, actor, op)
}

func (a *Admin) authorize(ctx context.Context, actor Actor, op Operation) error {
	if err := a.authz.Authorize(ctx, actor, op); err != nil {
		a.log.Warn().Err(err).Str("actor", actor.Name).Str("operation", string(op)).Msg("admin operation refused")
		return err
	}
	return nil
}

func (a *Admin) audited(actor Actor, t audit.Type, name, id, reason string) {
	a.svc.audit.Emit(audit.Event{
		Event:      t,
		Identifier: id,
		ConfigName: name,
		Timestamp:  a.svc.clock.Now(),
		Reason:     reason,
		Actor:      actor.Name,
	})
	a.log.Info().
		Str("actor", actor.Name).
		Str("event", string(t)).
		Str("limiter", name).
		Str("identifier", id).
		Str("reason", reason).
		Msg("admin action")
}

// Statistics scans the limiter's namespace. It never mutates state.
func (a *Admin) Statistics(ctx context.Context, actor Actor, name string) (Statistics, error) {
	if err := a.authorize(ctx, actor, OpStatistics); err != nil {
		return Statistics{}, err
	}
	reg, err := a.svc.lookup(name)
	if err != nil {
		return Statistics{}, err
	}

	now := a.svc.clock.Now()
	stats := Statistics{Limiter: name}
	err = reg.store.Scan(ctx, storeKey(name, ""), func(rec store.Record) error {
		stats.TrackedIdentifiers++
		stats.TotalAttempts += rec.Count
		if rec.Blocked(now) {
			stats.BlockedCount++
		}
		if !rec.FirstSeen.IsZero() && (stats.OldestAttempt.IsZero() || rec.FirstSeen.Before(stats.OldestAttempt)) {
			stats.OldestAttempt = rec.FirstSeen
		}
		return nil
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics for %s: %w", name, err)
	}
	return stats, nil
}

// ResetIdentifier clears one identifier's record in the named limiter.
func (a *Admin) ResetIdentifier(ctx context.Context, actor Actor, name, identifier string) error {
	if err := a.authorize(ctx, actor, OpResetIdentifier); err != nil {
		return err
	}
	reg, err := a.svc.lookup(name)
	if err != nil {
		return err
	}
	id := NormalizeIdentifier(identifier)
	if err := a.svc.reset(ctx, reg, id); err != nil {
		return err
	}
	a.audited(actor, audit.EventReset, name, id, "")
	return nil
}

// ResetAll clears every record in the named limiter and returns how many
// were removed.
func (a *Admin) ResetAll(ctx context.Context, actor Actor, name string) (int, error) {
	if err := a.authorize(ctx, actor, OpResetAll); err != nil {
		return 0, err
	}
	reg, err := a.svc.lookup(name)
	if err != nil {
		return 0, err
	}
	n, err := reg.store.ResetAll(ctx, storeKey(name, ""))
	if err != nil {
		return n, fmt.Errorf("reset all for %s: %w", name, err)
	}
	if _, err := reg.store.ResetAll(ctx, emergencyKey(name, "")); err != nil {
		return n, fmt.Errorf("reset all for %s: %w", name, err)
	}
	reg.streaks.Clear()
	a.audited(actor, audit.EventResetAll, name, "", fmt.Sprintf("%d identifiers cleared", n))
	return n, nil
}

// Block adds a deny entry. key may be an identifier, an IP or a CIDR
// prefix; a zero ttl blocks permanently.
func (a *Admin) Block(ctx context.Context, actor Actor, key, reason string, ttl time.Duration) (blocklist.Entry, error) {
	if err := a.authorize(ctx, actor, OpBlock); err != nil {
		return blocklist.Entry{}, err
	}
	e, err := a.svc.blocks.Block(NormalizeIdentifier(key), reason, ttl)
	if err != nil {
		return blocklist.Entry{}, err
	}
	a.audited(actor, audit.EventBlock, "", e.Key, reason)
	return e, nil
}

// Unblock removes a deny entry and reports whether one existed.
func (a *Admin) Unblock(ctx context.Context, actor Actor, key string) (bool, error) {
	if err := a.authorize(ctx, actor, OpUnblock); err != nil {
		return false, err
	}
	id := NormalizeIdentifier(key)
	removed := a.svc.blocks.Unblock(id)
	if removed {
		a.audited(actor, audit.EventUnblock, "", id, "")
	}
	return removed, nil
}

// Allow adds an allow entry that bypasses the algorithms.
func (a *Admin) Allow(ctx context.Context, actor Actor, key, reason string, ttl time.Duration) (blocklist.Entry, error) {
	if err := a.authorize(ctx, actor, OpAllow); err != nil {
		return blocklist.Entry{}, err
	}
	e, err := a.svc.blocks.Allow(NormalizeIdentifier(key), reason, ttl)
	if err != nil {
		return blocklist.Entry{}, err
	}
	a.audited(actor, audit.EventAllow, "", e.Key, reason)
	return e, nil
}

// Disallow removes an allow entry and reports whether one existed.
func (a *Admin) Disallow(ctx context.Context, actor Actor, key string) (bool, error) {
	if err := a.authorize(ctx, actor, OpDisallow); err != nil {
		return false, err
	}
	id := NormalizeIdentifier(key)
	removed := a.svc.blocks.Disallow(id)
	if removed {
		a.audited(actor, audit.EventDisallow, "", id, "")
	}
	return removed, nil
}

// BlockList returns every live entry.
func (a *Admin) BlockList(ctx context.Context, actor Actor) ([]blocklist.Entry, error) {
	if err := a.authorize(ctx, actor, OpBlockList); err != nil {
		return nil, err
	}
	return a.svc.blocks.Entries(), nil
}

// EmergencyState returns the adaptive controller snapshot.
func (a *Admin) EmergencyState(ctx context.Context, actor Actor) (adaptive.State, error) {
	if err := a.authorize(ctx, actor, OpEmergencyState); err != nil {
		return adaptive.State{}, err
	}
	return a.svc.adaptive.State(), nil
}

// EnableEmergency pins every limit to the emergency scale until an
// operator disables it.
func (a *Admin) EnableEmergency(ctx context.Context, actor Actor, reason string) (adaptive.State, error) {
	if err := a.authorize(ctx, actor, OpEnableEmergency); err != nil {
		return adaptive.State{}, err
	}
	st := a.svc.adaptive.EnableEmergency(reason)
	a.audited(actor, audit.EventEmergencyEnabled, "", "", st.Reason)
	return st, nil
}

// DisableEmergency restores normal limits.
func (a *Admin) DisableEmergency(ctx context.Context, actor Actor) (adaptive.State, error) {
	if err := a.authorize(ctx, actor, OpDisableEmergency); err != nil {
		return adaptive.State{}, err
	}
	st, changed := a.svc.adaptive.DisableEmergency()
	if changed {
		a.audited(actor, audit.EventEmergencyDisabled, "", "", "")
	}
	return st, nil
}
