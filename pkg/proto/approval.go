// Package proto defines the value types exchanged between workflow nodes,
// their collaborators and human approvers.
package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApprovalKind identifies which gate a request belongs to.
type ApprovalKind string

const (
	// ApprovalKindPatch guards every filesystem mutation.
	ApprovalKindPatch ApprovalKind = "patch"

	// ApprovalKindCommand guards every process spawn.
	ApprovalKindCommand ApprovalKind = "command"
)

// String returns the string representation of ApprovalKind.
func (k ApprovalKind) String() string {
	return string(k)
}

// Outcome is the binary verdict of an approval exchange.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeDenied   Outcome = "DENIED"
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	return string(o)
}

// Feedback strings the gates attach when a decision is not made by a human.
const (
	FeedbackTimedOut  = "timed out"
	FeedbackCancelled = "cancelled"
)

// Decision is the result of an approval exchange. Feedback is only
// meaningful for a denial.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	Feedback string  `json:"feedback,omitempty"`
}

// Approve returns an approved decision.
func Approve() Decision {
	return Decision{Outcome: OutcomeApproved}
}

// Deny returns a denied decision carrying the reviewer's feedback.
func Deny(feedback string) Decision {
	return Decision{Outcome: OutcomeDenied, Feedback: feedback}
}

// Approved reports whether the caller may perform the guarded effect.
func (d Decision) Approved() bool {
	return d.Outcome == OutcomeApproved
}

// Normalize clears feedback on approvals and maps unknown outcomes to a denial.
func (d Decision) Normalize() Decision {
	switch d.Outcome {
	case OutcomeApproved:
		return Approve()
	case OutcomeDenied:
		return d
	default:
		return Deny(d.Feedback)
	}
}

// PatchPlan is a proposed change to a single file.
type PatchPlan struct {
	FilePath  string `json:"file_path"`
	Diff      string `json:"diff"`
	Rationale string `json:"rationale"`
}

// Validate checks the plan is structurally complete.
func (p PatchPlan) Validate() error {
	if strings.TrimSpace(p.FilePath) == "" {
		return fmt.Errorf("patch plan has empty file path")
	}
	if strings.TrimSpace(p.Diff) == "" {
		return fmt.Errorf("patch plan for %s has empty diff", p.FilePath)
	}
	return nil
}

// Digest returns the SHA-256 of the plan's path and diff. It is recorded in
// the audit log so a reviewer can verify what was shown.
func (p PatchPlan) Digest() string {
	return digest(p.FilePath, p.Diff)
}

// RiskLabel is a coarse risk assessment shown to the reviewer.
type RiskLabel string

const (
	RiskLow    RiskLabel = "LOW"
	RiskMedium RiskLabel = "MEDIUM"
	RiskHigh   RiskLabel = "HIGH"
)

// ParseRiskLabel normalizes s. Unknown or empty labels become MEDIUM.
func ParseRiskLabel(s string) RiskLabel {
	switch RiskLabel(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// String returns the string representation of RiskLabel.
func (r RiskLabel) String() string {
	return string(r)
}

// NeedsWarning reports whether the reviewer should see a caution banner.
func (r RiskLabel) NeedsWarning() bool {
	return r == RiskMedium || r == RiskHigh
}

// CommandPlan is a proposed shell command.
type CommandPlan struct {
	Command   string    `json:"command"`
	Rationale string    `json:"rationale"`
	RiskLabel RiskLabel `json:"risk_label"`
}

// Validate checks the plan is structurally complete.
func (c CommandPlan) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("command plan has empty command")
	}
	return nil
}

// Digest returns the SHA-256 of the command line.
func (c CommandPlan) Digest() string {
	return digest(c.Command)
}

// ApprovalRequest is the envelope an approver receives. Exactly one of Patch
// or Command is set, according to Kind.
type ApprovalRequest struct {
	ID        string       `json:"id"`
	Kind      ApprovalKind `json:"kind"`
	RunID     string       `json:"run_id,omitempty"`
	Patch     *PatchPlan   `json:"patch,omitempty"`
	Command   *CommandPlan `json:"command,omitempty"`
	Digest    string       `json:"digest"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewPatchRequest wraps a copy of plan in a fresh request.
func NewPatchRequest(plan PatchPlan) ApprovalRequest {
	return ApprovalRequest{
		ID:        NewApprovalID(),
		Kind:      ApprovalKindPatch,
		Patch:     &plan,
		Digest:    plan.Digest(),
		CreatedAt: time.Now().UTC(),
	}
}

// NewCommandRequest wraps a copy of plan in a fresh request.
func NewCommandRequest(plan CommandPlan) ApprovalRequest {
	plan.RiskLabel = ParseRiskLabel(string(plan.RiskLabel))
	return ApprovalRequest{
		ID:        NewApprovalID(),
		Kind:      ApprovalKindCommand,
		Command:   &plan,
		Digest:    plan.Digest(),
		CreatedAt: time.Now().UTC(),
	}
}

// Summary is a one-line description for logs.
func (r ApprovalRequest) Summary() string {
	switch {
	case r.Patch != nil:
		return fmt.Sprintf("%s %s", r.Kind, r.Patch.FilePath)
	case r.Command != nil:
		return fmt.Sprintf("%s [%s] %s", r.Kind, r.Command.RiskLabel, r.Command.Command)
	default:
		return string(r.Kind)
	}
}

// NewApprovalID creates a unique ID for an approval request.
func NewApprovalID() string {
	return "a_" + uuid.NewString()
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
