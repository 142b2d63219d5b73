package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"pulse/pkg/logx"
	"pulse/pkg/state"
)

const (
	errNoRequest  = "Error: No user request provided"
	errEmptyPlan  = "Error: Planner generated an empty plan"
	errPlanFormat = "Error generating plan: %v"
)

var (
	numberPrefix = regexp.MustCompile(`^\d+[.)]\s*`)
	stepPrefix   = regexp.MustCompile(`(?i)^Step\s+\d+:\s*`)
)

// Planner decomposes the user request into plan steps.
type Planner struct {
	generator PlanGenerator
	logger    *logx.Logger
}

// NewPlanner creates a Planner node.
func NewPlanner(generator PlanGenerator) *Planner {
	return &Planner{generator: generator, logger: logx.NewLogger("planner")}
}

// Run produces a PlannerPatch. The plan is never empty.
func (p *Planner) Run(ctx context.Context, s state.WorkflowState) state.Patch {
	request := strings.TrimSpace(s.UserRequest)
	if request == "" {
		return state.PlannerPatch{Plan: []string{errNoRequest}}
	}
	if p.generator == nil {
		return state.PlannerPatch{Plan: []string{fmt.Sprintf(errPlanFormat, "no plan generator configured")}}
	}

	steps, err := p.generator.GeneratePlan(ctx, request)
	if err != nil {
		p.logger.Warn("Plan generation failed: %v", err)
		return state.PlannerPatch{Plan: []string{fmt.Sprintf(errPlanFormat, err)}}
	}

	cleaned := CleanSteps(steps)
	if len(cleaned) == 0 {
		return state.PlannerPatch{Plan: []string{errEmptyPlan}}
	}

	p.logger.Info("Plan has %d steps", len(cleaned))
	logx.Debug(ctx, "planner", "Plan: %q", cleaned)
	return state.PlannerPatch{Plan: cleaned}
}

// CleanSteps trims steps, strips "1. ", "2) " and "Step 3:" prefixes, and
// drops empty entries.
func CleanSteps(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		step = strings.TrimSpace(step)
		step = numberPrefix.ReplaceAllString(step, "")
		step = stepPrefix.ReplaceAllString(step, "")
		if step = strings.TrimSpace(step); step != "" {
			out = append(out, step)
		}
	}
	return out
}
