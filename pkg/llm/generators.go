package llm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"pulse/pkg/diff"
	"pulse/pkg/nodes"
	"pulse/pkg/proto"
)

const planSystemPrompt = `You are a senior engineer planning changes to a codebase.
Break the user's request into short, concrete, ordered steps. Each step either
changes one file or runs one shell command. Start command steps with "Run ".
Respond with JSON only: {"steps": ["...", "..."]}`

const patchSystemPrompt = `You are a careful engineer implementing one step of a plan.
If the step changes a file, respond with JSON only:
{"file_path": "relative/path", "new_content": "<complete new file content>", "rationale": "<why>"}
If the step is better done by running a shell command, respond with:
{"command": "<shell command>", "rationale": "<why>", "risk_label": "LOW|MEDIUM|HIGH"}`

const commandSystemPrompt = `You propose exactly one shell command for the given step.
Respond with JSON only:
{"command": "<shell command>", "rationale": "<why>", "risk_label": "LOW|MEDIUM|HIGH"}
Use HIGH for anything destructive or irreversible, MEDIUM for installs and
network access, LOW for read-only commands.`

const answerSystemPrompt = `You answer questions about a codebase using only the
provided code context. Cite file paths when relevant. If the context does not
contain the answer, say so.`

var (
	// ErrNoChange is returned when a proposed file matches its current content.
	ErrNoChange = errors.New("proposed content matches current file")
	// ErrDiffPath is returned when a model-supplied diff names files other
	// than the one it claims to change.
	ErrDiffPath = errors.New("diff headers do not match file_path")
)

// maxMentionedFiles bounds how many files named in a step are inlined.
const maxMentionedFiles = 3

// Generator implements the node collaborator interfaces on top of a Client.
type Generator struct {
	client    Client
	workspace string
	trimmer   nodes.ContextTrimmer
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	// Workspace is the root that proposed file paths are read relative to.
	Workspace string
	// Trimmer bounds the file context placed in prompts; nil sends it as is.
	Trimmer nodes.ContextTrimmer
}

var (
	_ nodes.PlanGenerator    = (*Generator)(nil)
	_ nodes.PatchGenerator   = (*Generator)(nil)
	_ nodes.CommandGenerator = (*Generator)(nil)
	_ nodes.Answerer         = (*Generator)(nil)
)

// NewGenerator creates a Generator.
func NewGenerator(client Client, opts GeneratorOptions) *Generator {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	return &Generator{client: client, workspace: opts.Workspace, trimmer: opts.Trimmer}
}

func (g *Generator) complete(ctx context.Context, system string, temperature float32, user string) (string, error) {
	req := NewCompletionRequest(system, proto.UserMessage(user))
	req.Temperature = temperature
	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", err //nolint:wrapcheck // already classified by the client
	}
	return resp.Content, nil
}

func (g *Generator) trim(text string) string {
	if g.trimmer == nil {
		return text
	}
	return g.trimmer.Trim(text)
}

// GeneratePlan implements nodes.PlanGenerator.
func (g *Generator) GeneratePlan(ctx context.Context, userRequest string) ([]string, error) {
	text, err := g.complete(ctx, planSystemPrompt, TemperatureDefault, userRequest)
	if err != nil {
		return nil, err
	}
	return ParsePlanText(text), nil
}

// GeneratePatch implements nodes.PatchGenerator. The model returns the full
// new file and the diff is computed against the file on disk.
func (g *Generator) GeneratePatch(ctx context.Context, step, fileContext string) (proto.PatchPlan, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Step: %s\n", step)
	for _, path := range g.mentionedFiles(step) {
		current, err := g.readCurrent(path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&prompt, "\nCurrent content of %s:\n%s\n", path, g.trim(current))
	}
	if strings.TrimSpace(fileContext) != "" {
		fmt.Fprintf(&prompt, "\nRelevant code:\n%s\n", g.trim(fileContext))
	}

	text, err := g.complete(ctx, patchSystemPrompt, TemperatureDeterministic, prompt.String())
	if err != nil {
		return proto.PatchPlan{}, err
	}
	pr, err := ParsePatchResponse(text)
	if err != nil {
		return proto.PatchPlan{}, fmt.Errorf("failed to parse patch response: %w", err)
	}
	if pr.FilePath == "" && pr.Command != "" {
		return proto.PatchPlan{}, nodes.ErrCommandStep
	}
	if strings.TrimSpace(pr.FilePath) == "" {
		return proto.PatchPlan{}, errors.New("patch response has no file_path")
	}

	path := filepath.ToSlash(filepath.Clean(pr.FilePath))
	plan := proto.PatchPlan{FilePath: path, Diff: pr.Diff, Rationale: pr.Rationale}
	if plan.Diff != "" {
		if named := diff.FilePaths(plan.Diff); len(named) > 1 || (len(named) == 1 && named[0] != path) {
			return proto.PatchPlan{}, fmt.Errorf("%w: %s names %s", ErrDiffPath, path, strings.Join(named, ", "))
		}
	}
	if plan.Diff == "" {
		current, err := g.readCurrent(path)
		if err != nil {
			return proto.PatchPlan{}, err
		}
		plan.Diff = diff.Generate(current, pr.NewContent, path)
		if plan.Diff == "" {
			return proto.PatchPlan{}, fmt.Errorf("%s: %w", path, ErrNoChange)
		}
	}
	if err := plan.Validate(); err != nil {
		return proto.PatchPlan{}, err
	}
	return plan, nil
}

// mentionedFiles returns workspace files whose relative paths appear as
// words in step, in order of appearance.
func (g *Generator) mentionedFiles(step string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(step) {
		word = strings.Trim(word, "`'\",;:()[]")
		word = strings.TrimSuffix(word, ".")
		if word == "" || seen[word] || !filepath.IsLocal(filepath.FromSlash(word)) {
			continue
		}
		info, err := os.Stat(filepath.Join(g.workspace, filepath.FromSlash(word)))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		seen[word] = true
		paths = append(paths, filepath.ToSlash(filepath.Clean(word)))
		if len(paths) == maxMentionedFiles {
			break
		}
	}
	return paths
}

// readCurrent returns the content of a workspace file, or "" for a file that
// does not exist yet.
func (g *Generator) readCurrent(path string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", fmt.Errorf("%w: %s", nodes.ErrPathEscape, path)
	}
	data, err := os.ReadFile(filepath.Join(g.workspace, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// GenerateCommand implements nodes.CommandGenerator.
func (g *Generator) GenerateCommand(ctx context.Context, step string) (proto.CommandPlan, error) {
	text, err := g.complete(ctx, commandSystemPrompt, TemperatureDeterministic, "Step: "+step)
	if err != nil {
		return proto.CommandPlan{}, err
	}
	plan, err := ParseCommandResponse(text)
	if err != nil {
		return proto.CommandPlan{}, fmt.Errorf("failed to parse command response: %w", err)
	}
	return plan, nil
}

// Answer implements nodes.Answerer.
func (g *Generator) Answer(ctx context.Context, question, fileContext string) (string, error) {
	prompt := fmt.Sprintf("Code context:\n%s\n\nQuestion: %s", fileContext, question)
	text, err := g.complete(ctx, answerSystemPrompt, TemperatureDefault, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
