// Package approval implements the suspend/resume gates that stand between a
// proposed change and its effect. Nothing writes a file or spawns a process
// without an approved decision from one of these gates.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulse/pkg/logx"
	"pulse/pkg/proto"
)

// ErrUnknownRequest is returned when resolving an ID that is not pending.
var ErrUnknownRequest = errors.New("unknown or already resolved approval request")

// Approver presents a request to a reviewer and returns their decision.
type Approver interface {
	Review(ctx context.Context, req proto.ApprovalRequest) (proto.Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req proto.ApprovalRequest) (proto.Decision, error)

// Review calls f.
func (f ApproverFunc) Review(ctx context.Context, req proto.ApprovalRequest) (proto.Decision, error) {
	return f(ctx, req)
}

// Recorder observes completed exchanges (metrics).
type Recorder interface {
	ObserveApproval(kind proto.ApprovalKind, outcome proto.Outcome, wait time.Duration)
}

// Auditor persists every exchange (audit log).
type Auditor interface {
	RecordRequest(req proto.ApprovalRequest)
	RecordDecision(req proto.ApprovalRequest, decision proto.Decision, wait time.Duration)
}

// Options configures a gate. The zero value waits indefinitely and observes nothing.
type Options struct {
	Timeout  time.Duration
	Recorder Recorder
	Auditor  Auditor
}

type pendingRequest struct {
	req  proto.ApprovalRequest
	done chan proto.Decision
}

// Gate suspends callers until a decision for their plan arrives.
type Gate[P any] struct {
	kind       proto.ApprovalKind
	newRequest func(P) proto.ApprovalRequest
	validate   func(P) error
	approver   Approver
	opts       Options
	logger     *logx.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewGate creates a gate for one kind of plan. A nil approver leaves every
// request pending until Resolve is called by the host.
func NewGate[P any](kind proto.ApprovalKind, newRequest func(P) proto.ApprovalRequest, validate func(P) error, approver Approver, opts Options) *Gate[P] {
	return &Gate[P]{
		kind:       kind,
		newRequest: newRequest,
		validate:   validate,
		approver:   approver,
		opts:       opts,
		logger:     logx.NewLogger("gate-" + kind.String()),
		pending:    make(map[string]*pendingRequest),
	}
}

// Request blocks until plan is approved or denied. It never returns an error:
// invalid plans, timeouts and cancellation all come back as denials.
func (g *Gate[P]) Request(ctx context.Context, plan P) proto.Decision {
	if err := g.validate(plan); err != nil {
		g.logger.Warn("Rejecting invalid %s plan without review: %v", g.kind, err)
		decision := proto.Deny(fmt.Sprintf("invalid plan: %v", err))
		if g.opts.Recorder != nil {
			g.opts.Recorder.ObserveApproval(g.kind, decision.Outcome, 0)
		}
		return decision
	}

	req := g.newRequest(plan)
	req.RunID = logx.RunID(ctx)
	p := &pendingRequest{req: req, done: make(chan proto.Decision, 1)}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()

	start := time.Now()
	g.logger.Info("Awaiting approval %s: %s", req.ID, req.Summary())
	if g.opts.Auditor != nil {
		g.opts.Auditor.RecordRequest(req)
	}

	reviewCtx, cancelReview := context.WithCancel(ctx)
	defer cancelReview()
	if g.approver != nil {
		go g.review(reviewCtx, req)
	}

	var timeout <-chan time.Time
	if g.opts.Timeout > 0 {
		timer := time.NewTimer(g.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var decision proto.Decision
	select {
	case decision = <-p.done:
	case <-ctx.Done():
		g.finish(req.ID, proto.Deny(proto.FeedbackCancelled))
		decision = <-p.done
	case <-timeout:
		g.finish(req.ID, proto.Deny(proto.FeedbackTimedOut))
		decision = <-p.done
	}

	wait := time.Since(start)
	g.logger.Info("Approval %s resolved: %s", req.ID, decision.Outcome)
	logx.Debug(ctx, "approval", "%s waited %v feedback=%q", req.ID, wait, decision.Feedback)
	if g.opts.Recorder != nil {
		g.opts.Recorder.ObserveApproval(g.kind, decision.Outcome, wait)
	}
	if g.opts.Auditor != nil {
		g.opts.Auditor.RecordDecision(req, decision, wait)
	}
	return decision
}

func (g *Gate[P]) review(ctx context.Context, req proto.ApprovalRequest) {
	decision, err := g.approver.Review(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Error("Approver failed for %s: %v", req.ID, err)
		decision = proto.Deny(fmt.Sprintf("approver error: %v", err))
	}
	if err := g.Resolve(req.ID, decision); err != nil && !errors.Is(err, ErrUnknownRequest) {
		g.logger.Error("Failed to resolve %s: %v", req.ID, err)
	}
}

// Resolve delivers a decision to the request with the given ID. Only the
// first resolution of a request takes effect.
func (g *Gate[P]) Resolve(id string, decision proto.Decision) error {
	if !g.finish(id, decision.Normalize()) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return nil
}

// CancelAll denies every pending request with "cancelled".
func (g *Gate[P]) CancelAll() int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.finish(id, proto.Deny(proto.FeedbackCancelled)) {
			n++
		}
	}
	return n
}

// Pending returns the outstanding requests, oldest first.
func (g *Gate[P]) Pending() []proto.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]proto.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// finish removes id from the pending set and hands decision to its waiter.
// It reports false when the request was already resolved.
func (g *Gate[P]) finish(id string, decision proto.Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- decision
	return true
}
