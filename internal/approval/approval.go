// Package approval models the human governance collaborator. The real
// prompt UI is outside the kernel; the kernel only consumes decisions.
package approval

import (
	"context"

	"github.com/wardenproject/warden/internal/capability"
)

// Decision is the outcome of an approval prompt.
type Decision string

const (
	ApproveOnce    Decision = "approve_once"
	ApproveSession Decision = "approve_session"
	Deny           Decision = "deny"
)

// Prompt carries what the human is asked to approve.
type Prompt struct {
	Principal string
	Op        string
	Resource  string
	Message   string
	Tier      capability.Tier
}

// Approver answers approval prompts. Implementations may block (a real
// UI) and must honor ctx cancellation.
type Approver interface {
	Approve(ctx context.Context, p Prompt) (Decision, error)
}

// Static is a policy-driven approver for tests and headless runs.
// Unlisted tiers are denied.
type Static struct {
	ByTier map[capability.Tier]Decision
}

// Denying returns an approver that denies everything.
func Denying() *Static {
	return &Static{}
}

// Granting returns an approver that answers every prompt with d.
func Granting(d Decision) *Static {
	return &Static{ByTier: map[capability.Tier]Decision{
		capability.TierRead:         d,
		capability.TierStateful:     d,
		capability.TierIrreversible: d,
	}}
}

// Approve resolves the prompt from the static policy.
func (s *Static) Approve(ctx context.Context, p Prompt) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Deny, err
	}
	if d, ok := s.ByTier[p.Tier]; ok {
		return d, nil
	}
	return Deny, nil
}
