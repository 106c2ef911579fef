// Package capability implements the broker that authorizes every
// privileged operation against unforgeable capability records.
package capability

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Tier is the risk tier of an operation.
type Tier int

const (
	// TierRead is auto-grantable by policy; no approval, always logged.
	TierRead Tier = iota + 1
	// TierStateful requires an explicit grant; rollback-safe.
	TierStateful
	// TierIrreversible requires human approval per execution boundary
	// and is never rolled back after commit.
	TierIrreversible
)

// String renders the canonical tier label.
func (t Tier) String() string {
	switch t {
	case TierRead:
		return "T1_READ"
	case TierStateful:
		return "T2_STATEFUL"
	case TierIrreversible:
		return "T3_IRREVERSIBLE"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a canonical tier label.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "T1_READ":
		return TierRead, nil
	case "T2_STATEFUL":
		return TierStateful, nil
	case "T3_IRREVERSIBLE":
		return TierIrreversible, nil
	}
	return 0, fmt.Errorf("unknown risk tier %q", s)
}

// RateLimit bounds how often a capability may satisfy a check.
// Implemented as a token bucket: Events tokens, refilled over Per.
type RateLimit struct {
	Events int
	Per    time.Duration
}

// TimeWindow restricts a capability to hours of the day, local time.
// Start == End means unrestricted; windows may wrap midnight.
type TimeWindow struct {
	StartHour int
	EndHour   int
}

func (w TimeWindow) contains(t time.Time) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Constraints narrow a capability beyond its patterns.
type Constraints struct {
	URLPattern string
	RateLimit  *RateLimit
	Window     *TimeWindow
}

// Grant scopes, recorded for revocation bookkeeping.
const (
	ScopeOnce    = "once"
	ScopeSession = "session"
	ScopeAlways  = "always"
)

// Capability is an unforgeable authorization record.
type Capability struct {
	ID               string
	Principal        string
	OperationPattern string
	ResourcePattern  string
	Tier             Tier
	Constraints      *Constraints
	IssuedAt         time.Time
	ExpiresAt        *time.Time
	Revoked          bool
	GrantedBy        string
	Scope            string

	limiter *rate.Limiter
}

// Expired reports whether the capability has passed its expiry. An
// expired capability is equivalent to absence, but it is tombstoned
// rather than deleted so deny reasons stay accurate.
func (c *Capability) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// DenyReason explains a failed check.
type DenyReason string

const (
	ReasonNoGrant          DenyReason = "no_grant"
	ReasonExpired          DenyReason = "expired"
	ReasonRevoked          DenyReason = "revoked"
	ReasonConstraintFailed DenyReason = "constraint_failed"
)

// DeniedError is surfaced to the agent as a structured error and is
// never retried.
type DeniedError struct {
	Principal string
	Op        string
	Resource  string
	Reason    DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied: %s cannot %s on %s (%s)", e.Principal, e.Op, e.Resource, e.Reason)
}

// Request is one authorization decision.
type Request struct {
	Principal string
	Op        string
	Resource  string
	// URL is checked against a URL glob constraint when present.
	URL string
	// TxID correlates the decision's audit entry with a transaction.
	TxID string
}

// GrantSpec describes a capability to grant.
type GrantSpec struct {
	Principal   string
	Operation   string
	Resource    string
	Tier        Tier
	TTL         time.Duration
	Constraints *Constraints
	GrantedBy   string
	Scope       string
}
