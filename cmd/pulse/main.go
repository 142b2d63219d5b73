// Package main provides the pulse CLI: an approval-gated coding agent that
// plans, edits and validates code in a workspace, plus the tools to manage
// its sessions, index, analytics and secrets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pulse/pkg/config"
	"pulse/pkg/llm"
	"pulse/pkg/version"
)

// PasswordEnv supplies the secrets password non-interactively.
const PasswordEnv = "PULSE_SECRETS_PASSWORD"

var errStyle = color.New(color.FgRed, color.Bold) //nolint:gochecknoglobals // output style

// app carries the global flags and the test seams shared by every command.
type app struct {
	workspace  string
	jsonOutput bool

	// client replaces the configured LLM provider when set.
	client llm.Client
	// readPassword prompts for the secrets password.
	readPassword func(prompt string) (string, error)
}

func newApp() *app {
	return &app{readPassword: readTerminalPassword}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pulse",
		Short: "Approval-gated coding agent",
		Long: `pulse answers questions about a codebase, plans changes, and applies
them one approved patch at a time.

Examples:
  pulse index                              # Index the workspace for retrieval
  pulse run --mode ask "How is auth done?" # Answer from indexed code
  pulse run --mode plan "Add a cache"      # Produce a plan only
  pulse run "Rename Foo to Bar"            # Plan, patch with approval, validate
  pulse sessions list                      # Show stored conversations`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", ".", "Workspace directory")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		newRunCmd(a),
		newIndexCmd(a),
		newSessionsCmd(a),
		newAnalyticsCmd(a),
		newSecretsCmd(a),
		newConfigCmd(a),
		newMetricsCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newApp()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

// workspacePath returns the absolute workspace root.
func (a *app) workspacePath() (string, error) {
	ws, err := filepath.Abs(a.workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace %q: %w", a.workspace, err)
	}
	info, err := os.Stat(ws)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", ws, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", ws)
	}
	return ws, nil
}

// load resolves the workspace and its configuration.
func (a *app) load() (string, *config.Config, error) {
	ws, err := a.workspacePath()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return "", nil, err
	}
	return ws, cfg, nil
}

// secrets decrypts the workspace secrets file when one exists. Without a
// file, keys come from the environment.
func (a *app) secrets(ws string) (*config.SecretStore, error) {
	if !config.SecretsFileExists(ws) {
		return config.NewSecretStore(nil), nil
	}
	password, err := a.password("Secrets password: ")
	if err != nil {
		return nil, err
	}
	store, err := config.LoadSecrets(ws, password)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return store, nil
}

func (a *app) password(prompt string) (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	if a.readPassword == nil {
		return "", fmt.Errorf("no secrets password: set %s", PasswordEnv)
	}
	return a.readPassword(prompt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
