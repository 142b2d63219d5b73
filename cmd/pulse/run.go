package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pulse/internal/kernel"
	"pulse/pkg/approval"
	"pulse/pkg/metrics"
	"pulse/pkg/proto"
	"pulse/pkg/state"
	"pulse/pkg/workflow"
)

// dryRunFeedback is the denial reason recorded for every request in a dry run.
const dryRunFeedback = "dry run: changes are not applied"

type runFlags struct {
	mode        string
	session     string
	dryRun      bool
	showMetrics bool
	metricsAddr string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Run a request through the workflow",
		Long: `Run sends one request through the workflow graph.

Modes:
  ask    answer from the indexed codebase, nothing is changed
  plan   produce an ordered plan only
  agent  plan, propose each change for approval, then validate (default)

Every patch and command is shown for approval before it touches the workspace.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRequest(cmd, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Workflow mode: ask, plan or agent (default from config)")
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "Continue an existing session")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Deny every approval request")
	cmd.Flags().BoolVar(&f.showMetrics, "metrics", false, "Print Prometheus metrics after the run")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics on this address during the run")
	return cmd
}

func (a *app) runRequest(cmd *cobra.Command, f *runFlags, request string) error {
	ws, cfg, err := a.load()
	if err != nil {
		return err
	}
	secrets, err := a.secrets(ws)
	if err != nil {
		return err
	}

	mode := state.Mode(cfg.Workflow.DefaultMode)
	if f.mode != "" {
		mode = state.Mode(strings.ToLower(f.mode))
	}

	var approver approval.Approver = approval.NewTerminal(cmd.InOrStdin(), cmd.ErrOrStderr(), !color.NoColor)
	if f.dryRun {
		approver = approval.Static{Decision: proto.Deny(dryRunFeedback)}
	}

	k, err := kernel.NewKernel(cfg, ws, kernel.Options{Secrets: secrets, Approver: approver, Client: a.client})
	if err != nil {
		return err
	}
	defer k.Stop()

	if f.metricsAddr != "" {
		shutdown, err := serveMetrics(f.metricsAddr, k.Metrics)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	resp, runErr := k.Engine.Run(cmd.Context(), workflow.Request{Mode: mode, UserRequest: request, SessionID: f.session})

	out := cmd.OutOrStdout()
	if a.jsonOutput {
		if err := printJSON(out, resp); err != nil {
			return err
		}
	} else {
		printResponse(out, resp)
	}
	if f.showMetrics {
		if err := metrics.WriteText(out, k.Metrics.Registry()); err != nil {
			return err
		}
	}
	return runErr
}

func printResponse(w io.Writer, resp *workflow.Response) {
	if last, ok := resp.State.LastMessage(); ok && last.Role == proto.RoleAssistant {
		fmt.Fprintln(w, last.Content)
	}
	if resp.State.CodeChanges != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", color.New(color.Bold).Sprint("Changes:"), resp.State.CodeChanges)
	}

	status := color.New(color.FgGreen).Sprint(resp.Outcome)
	if resp.Outcome != workflow.OutcomeCompleted {
		status = color.New(color.FgRed).Sprint(resp.Outcome)
	}
	fmt.Fprintf(w, "\n%s run %s %s in %s (session %s)\n",
		resp.Mode, shortID(resp.RunID), status, resp.Duration.Round(time.Millisecond), orNone(resp.SessionID))
}

// serveMetrics exposes the recorder until the returned func is called.
func serveMetrics(addr string, rec *metrics.PrometheusRecorder) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(color.Error, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
