package approval

import (
	"context"
	"errors"

	"pulse/pkg/proto"
)

// Gatekeeper is the only way nodes obtain permission for side effects.
type Gatekeeper interface {
	RequestPatchApproval(ctx context.Context, plan proto.PatchPlan) proto.Decision
	RequestCommandApproval(ctx context.Context, plan proto.CommandPlan) proto.Decision
}

// Gates holds the patch and command gates of one workflow.
type Gates struct {
	Patch   *Gate[proto.PatchPlan]
	Command *Gate[proto.CommandPlan]
}

var _ Gatekeeper = (*Gates)(nil)

// NewGates creates both gates sharing one approver and options.
func NewGates(approver Approver, opts Options) *Gates {
	return &Gates{
		Patch:   NewGate(proto.ApprovalKindPatch, proto.NewPatchRequest, proto.PatchPlan.Validate, approver, opts),
		Command: NewGate(proto.ApprovalKindCommand, proto.NewCommandRequest, proto.CommandPlan.Validate, approver, opts),
	}
}

// RequestPatchApproval suspends until the patch plan is decided.
func (g *Gates) RequestPatchApproval(ctx context.Context, plan proto.PatchPlan) proto.Decision {
	return g.Patch.Request(ctx, plan)
}

// RequestCommandApproval suspends until the command plan is decided.
func (g *Gates) RequestCommandApproval(ctx context.Context, plan proto.CommandPlan) proto.Decision {
	return g.Command.Request(ctx, plan)
}

// Resolve routes a decision to whichever gate owns id.
func (g *Gates) Resolve(id string, decision proto.Decision) error {
	err := g.Patch.Resolve(id, decision)
	if errors.Is(err, ErrUnknownRequest) {
		return g.Command.Resolve(id, decision)
	}
	return err
}

// Pending lists outstanding requests of both gates.
func (g *Gates) Pending() []proto.ApprovalRequest {
	return append(g.Patch.Pending(), g.Command.Pending()...)
}

// CancelAll denies every pending request on both gates.
func (g *Gates) CancelAll() int {
	return g.Patch.CancelAll() + g.Command.CancelAll()
}
