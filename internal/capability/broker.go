package capability

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/logging"
	"github.com/wardenproject/warden/internal/monitoring"
	"github.com/wardenproject/warden/internal/shared/id"
	"github.com/wardenproject/warden/internal/storage"
)

// Broker validates every privileged operation and manages capability
// lifecycle. The capability set is guarded by a single lock; contention
// is low and no lock is held across a suspension point.
type Broker struct {
	mu          sync.Mutex
	byPrincipal map[string][]*Capability
	byID        map[string]*Capability
	// tombstones holds the persisted revocation rows keyed by cap_id,
	// loaded at startup. The rows keep the revoked grant's patterns so
	// a request can be classified as revoked even after a restart,
	// when the grant itself no longer exists in memory.
	tombstones map[string]storage.RevocationRow

	store   *storage.Store
	audit   *audit.Log
	logger  *logging.Logger
	metrics *monitoring.Metrics
	clock   func() time.Time
}

// New creates a broker and reloads revocation tombstones from the
// store so revoked capabilities can never resurrect (no zombie
// tokens).
func New(store *storage.Store, log *audit.Log, logger *logging.Logger, metrics *monitoring.Metrics) (*Broker, error) {
	b := &Broker{
		byPrincipal: make(map[string][]*Capability),
		byID:        make(map[string]*Capability),
		tombstones:  make(map[string]storage.RevocationRow),
		store:       store,
		audit:       log,
		logger:      logger.Component("capability"),
		metrics:     metrics,
		clock:       time.Now,
	}
	rows, err := store.ListRevocations()
	if err != nil {
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	for _, r := range rows {
		b.tombstones[r.CapID] = r
	}
	return b, nil
}

// WithClock overrides the time source (tests).
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// Grant issues a capability. The grant is audited under the system
// principal.
func (b *Broker) Grant(spec GrantSpec) (*Capability, error) {
	now := b.clock()
	cap := &Capability{
		ID:               id.NewCapabilityID(),
		Principal:        spec.Principal,
		OperationPattern: spec.Operation,
		ResourcePattern:  spec.Resource,
		Tier:             spec.Tier,
		Constraints:      spec.Constraints,
		IssuedAt:         now,
		GrantedBy:        spec.GrantedBy,
		Scope:            spec.Scope,
	}
	if cap.Scope == "" {
		cap.Scope = ScopeSession
	}
	if spec.TTL > 0 {
		exp := now.Add(spec.TTL)
		cap.ExpiresAt = &exp
	}
	if c := spec.Constraints; c != nil && c.RateLimit != nil && c.RateLimit.Events > 0 {
		interval := c.RateLimit.Per / time.Duration(c.RateLimit.Events)
		cap.limiter = rate.NewLimiter(rate.Every(interval), c.RateLimit.Events)
	}

	b.mu.Lock()
	if _, dead := b.tombstones[cap.ID]; dead {
		// A tombstoned ID is never satisfiable again.
		cap.Revoked = true
	}
	b.byPrincipal[spec.Principal] = append(b.byPrincipal[spec.Principal], cap)
	b.byID[cap.ID] = cap
	b.mu.Unlock()

	if _, err := b.audit.Append(audit.Entry{
		Principal: "system",
		Op:        "capability.grant",
		Object:    cap.ID,
		Args: map[string]any{
			"to":        spec.Principal,
			"operation": spec.Operation,
			"resource":  spec.Resource,
		},
		Result:     audit.ResultSuccess,
		Provenance: audit.ProvenanceSystem,
		RiskTier:   spec.Tier.String(),
	}); err != nil {
		return nil, err
	}

	b.metrics.CapabilityGrants.Inc()
	b.logger.Info("capability granted",
		zap.String("cap", cap.ID),
		zap.String("principal", spec.Principal),
		zap.String("operation", spec.Operation),
		zap.String("resource", spec.Resource),
		zap.String("tier", spec.Tier.String()),
	)
	return cap, nil
}

// Check reports whether the principal holds a live matching
// capability. Exactly one audit entry is emitted per call.
func (b *Broker) Check(req Request) (bool, error) {
	_, reason := b.match(req)
	return b.record(req, reason, "")
}

// Require is Check with a structured error on denial. On success it
// returns the matched capability's risk tier.
func (b *Broker) Require(req Request) (Tier, error) {
	matched, reason := b.match(req)

	var tier Tier
	tierLabel := ""
	if matched != nil {
		tier = matched.Tier
		tierLabel = tier.String()
	}
	allowed, err := b.record(req, reason, tierLabel)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, &DeniedError{
			Principal: req.Principal,
			Op:        req.Op,
			Resource:  req.Resource,
			Reason:    reason,
		}
	}
	return tier, nil
}

// match finds a live matching capability. When nothing matches, the
// returned reason is the most specific failure observed: a
// pattern-matching capability that is revoked, expired, or constrained
// beats a generic no_grant. Persisted tombstones are consulted last so
// a grant revoked before a restart still denies with reason revoked.
func (b *Broker) match(req Request) (*Capability, DenyReason) {
	now := b.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	reason := ReasonNoGrant
	for _, cap := range b.byPrincipal[req.Principal] {
		if !matchOperation(cap.OperationPattern, req.Op) || !matchResource(cap.ResourcePattern, req.Resource) {
			continue
		}
		if _, dead := b.tombstones[cap.ID]; dead || cap.Revoked {
			reason = ReasonRevoked
			continue
		}
		if cap.Expired(now) {
			if reason != ReasonRevoked {
				reason = ReasonExpired
			}
			continue
		}
		if !b.constraintsHold(cap, req, now) {
			reason = ReasonConstraintFailed
			continue
		}
		return cap, ""
	}
	if reason == ReasonNoGrant && b.tombstoneMatchesLocked(req) {
		reason = ReasonRevoked
	}
	return nil, reason
}

// tombstoneMatchesLocked reports whether a persisted revocation covers
// the request. Rows written before the patterns were recorded carry
// empty patterns and cannot match.
func (b *Broker) tombstoneMatchesLocked(req Request) bool {
	for _, row := range b.tombstones {
		if row.Principal != req.Principal || row.Operation == "" || row.Resource == "" {
			continue
		}
		if matchOperation(row.Operation, req.Op) && matchResource(row.Resource, req.Resource) {
			return true
		}
	}
	return false
}

func (b *Broker) constraintsHold(cap *Capability, req Request, now time.Time) bool {
	c := cap.Constraints
	if c == nil {
		return true
	}
	if c.URLPattern != "" && !matchURL(c.URLPattern, req.URL) {
		return false
	}
	if c.Window != nil && !c.Window.contains(now) {
		return false
	}
	if cap.limiter != nil && !cap.limiter.Allow() {
		return false
	}
	return true
}

// record emits the decision's audit entry. A failed append fails the
// check closed.
func (b *Broker) record(req Request, reason DenyReason, tierLabel string) (bool, error) {
	allowed := reason == ""
	entry := audit.Entry{
		Principal:  req.Principal,
		Op:         "capability.check",
		Object:     req.Resource,
		Args:       map[string]any{"operation": req.Op},
		Provenance: audit.ProvenanceSystem,
		TxID:       req.TxID,
		RiskTier:   tierLabel,
	}
	if allowed {
		entry.Result = audit.ResultSuccess
		b.metrics.CapabilityChecks.WithLabelValues("allowed", "").Inc()
	} else {
		entry.Result = audit.ResultDenied
		entry.ErrorKind = string(reason)
		b.metrics.CapabilityChecks.WithLabelValues("denied", string(reason)).Inc()
	}
	if _, err := b.audit.Append(entry); err != nil {
		return false, err
	}
	return allowed, nil
}

// Revoke tombstones a capability. The tombstone row is durable before
// Revoke returns; after a restart the capability stays dead.
func (b *Broker) Revoke(capID, revokedBy, reason string) error {
	b.mu.Lock()
	cap, ok := b.byID[capID]
	row := storage.RevocationRow{
		CapID:     capID,
		RevokedAt: float64(b.clock().UnixNano()) / 1e9,
		Reason:    reason,
	}
	if ok {
		row.Principal = cap.Principal
		row.Operation = cap.OperationPattern
		row.Resource = cap.ResourcePattern
		row.GrantedBy = cap.GrantedBy
		row.Scope = cap.Scope
	}
	b.mu.Unlock()

	if err := b.store.InsertRevocation(row); err != nil {
		return err
	}

	b.mu.Lock()
	b.tombstones[capID] = row
	if ok {
		cap.Revoked = true
	}
	b.mu.Unlock()

	if _, err := b.audit.Append(audit.Entry{
		Principal:  "system",
		Op:         "capability.revoke",
		Object:     capID,
		Args:       map[string]any{"was_for": row.Principal, "by": revokedBy},
		Result:     audit.ResultSuccess,
		Provenance: audit.ProvenanceSystem,
	}); err != nil {
		return err
	}
	b.metrics.CapabilityRevokes.Inc()
	return nil
}

// RevokeAll tombstones every capability held by a principal and
// returns the count.
func (b *Broker) RevokeAll(principal, revokedBy string) (int, error) {
	b.mu.Lock()
	caps := make([]*Capability, len(b.byPrincipal[principal]))
	copy(caps, b.byPrincipal[principal])
	b.mu.Unlock()

	count := 0
	for _, cap := range caps {
		if cap.Revoked {
			continue
		}
		if err := b.Revoke(cap.ID, revokedBy, "revoke_all"); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// List returns the live (non-revoked, non-expired) capabilities for a
// principal.
func (b *Broker) List(principal string) []Capability {
	now := b.clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Capability
	for _, cap := range b.byPrincipal[principal] {
		if _, dead := b.tombstones[cap.ID]; dead || cap.Revoked || cap.Expired(now) {
			continue
		}
		out = append(out, *cap)
	}
	return out
}

// Get returns a capability by ID.
func (b *Broker) Get(capID string) (Capability, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cap, ok := b.byID[capID]; ok {
		return *cap, true
	}
	return Capability{}, false
}
