package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"pulse/pkg/proto"
)

// ErrNoJSON is returned when a response holds no JSON object or array.
var ErrNoJSON = errors.New("response contains no JSON")

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}

// extractJSON returns the outermost JSON value in text, starting at the first
// '{' or '['. The tail is left for the repairer.
func extractJSON(text string) (string, bool) {
	text = stripFences(text)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	text = text[start:]
	closer := byte('}')
	if text[0] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(text, closer); end > 0 {
		text = text[:end+1]
	}
	return text, true
}

// decodeLenient unmarshals text into v, repairing malformed JSON first when a
// strict decode fails.
func decodeLenient(text string, v any) error {
	raw, ok := extractJSON(text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("failed to repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("failed to decode repaired JSON: %w", err)
	}
	return nil
}

// ParsePlanText reads steps from a model response. It accepts
// {"steps": [...]}, a bare JSON array, or one step per line.
func ParsePlanText(text string) []string {
	trimmed := stripFences(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var obj struct {
			Steps []string `json:"steps"`
		}
		if err := decodeLenient(trimmed, &obj); err == nil && len(obj.Steps) > 0 {
			return obj.Steps
		}
		var arr []string
		if err := decodeLenient(trimmed, &arr); err == nil && len(arr) > 0 {
			return arr
		}
	}

	var steps []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

// PatchResponse is the JSON shape requested from the model for a file change.
// Either NewContent or Diff is set.
type PatchResponse struct {
	FilePath   string `json:"file_path"`
	NewContent string `json:"new_content"`
	Diff       string `json:"diff"`
	Rationale  string `json:"rationale"`
	Command    string `json:"command"`
	RiskLabel  string `json:"risk_label"`
}

// ParsePatchResponse decodes a file-change proposal.
func ParsePatchResponse(text string) (PatchResponse, error) {
	var pr PatchResponse
	if err := decodeLenient(text, &pr); err != nil {
		return PatchResponse{}, err
	}
	return pr, nil
}

// ParseCommandResponse decodes a command proposal. Unknown risk labels
// become MEDIUM.
func ParseCommandResponse(text string) (proto.CommandPlan, error) {
	var pr PatchResponse
	if err := decodeLenient(text, &pr); err != nil {
		return proto.CommandPlan{}, err
	}
	plan := proto.CommandPlan{
		Command:   strings.TrimSpace(pr.Command),
		Rationale: pr.Rationale,
		RiskLabel: proto.ParseRiskLabel(pr.RiskLabel),
	}
	if err := plan.Validate(); err != nil {
		return proto.CommandPlan{}, err
	}
	return plan, nil
}
