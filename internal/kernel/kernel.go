// Package kernel builds the shared infrastructure behind the CLI from a
// workspace configuration: storage, audit log, metrics, retrieval index, the
// LLM client stack and the workflow engine.
package kernel

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"pulse/pkg/approval"
	"pulse/pkg/config"
	"pulse/pkg/eventlog"
	"pulse/pkg/exec"
	"pulse/pkg/llm"
	"pulse/pkg/logx"
	"pulse/pkg/metrics"
	"pulse/pkg/persistence"
	"pulse/pkg/retrieval"
	"pulse/pkg/state"
	"pulse/pkg/workflow"
)

// RunsDir is the snapshot directory inside the workspace's .pulse directory.
const RunsDir = "runs"

// Options are the per-invocation inputs that do not live in the config file.
type Options struct {
	Secrets  *config.SecretStore
	Approver approval.Approver
	// Client replaces the configured provider client.
	Client llm.Client
}

// Kernel owns every long-lived component of one CLI invocation.
type Kernel struct {
	Config *config.Config
	Logger *logx.Logger

	DB        *persistence.DB
	Events    *eventlog.Writer
	Metrics   *metrics.PrometheusRecorder
	Snapshots *state.Store
	Index     *retrieval.Index
	Budget    *llm.TokenBudget
	LLM       llm.Client
	Engine    *workflow.Engine

	workspace string
	stopped   bool
}

// NewKernel initializes all services. On failure everything opened so far
// is closed again.
func NewKernel(cfg *config.Config, workspace string, opts Options) (*Kernel, error) {
	if opts.Approver == nil {
		return nil, errors.New("kernel requires an approver")
	}
	if opts.Secrets == nil {
		opts.Secrets = config.NewSecretStore(nil)
	}
	if cfg.Logging.Debug {
		logx.SetDebug(true, cfg.Logging.DebugDomains...)
	}

	k := &Kernel{
		Config:    cfg,
		Logger:    logx.NewLogger("kernel"),
		Metrics:   metrics.NewPrometheusRecorder(),
		workspace: workspace,
	}
	if err := k.initializeServices(opts); err != nil {
		k.Stop()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	k.Logger.Info("Kernel ready for %s (%s/%s)", workspace, cfg.LLM.Provider, cfg.LLM.Model)
	return k, nil
}

func (k *Kernel) initializeServices(opts Options) error {
	var err error
	if k.DB, err = OpenDatabase(k.Config, k.workspace); err != nil {
		return err
	}
	if k.Events, err = eventlog.NewWriter(config.Resolve(k.workspace, k.Config.Storage.EventLogDir)); err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	if k.Snapshots, err = state.NewStore(filepath.Join(config.Dir(k.workspace), RunsDir)); err != nil {
		return err
	}
	if k.Index, err = OpenIndex(k.Config, k.workspace, opts.Secrets); err != nil {
		return err
	}
	if k.Budget, err = llm.NewTokenBudget(k.Config.Workflow.ContextTokens); err != nil {
		return fmt.Errorf("failed to create token budget: %w", err)
	}
	if k.LLM, err = NewClient(k.Config, opts.Secrets, opts.Client, k.Metrics, k.Budget); err != nil {
		return err
	}

	gen := llm.NewGenerator(k.LLM, llm.GeneratorOptions{Workspace: k.workspace, Trimmer: k.Budget})
	wf := k.Config.Workflow
	execOpts := exec.DefaultOpts()
	execOpts.Timeout = time.Duration(wf.CommandTimeoutSeconds) * time.Second

	k.Engine, err = workflow.New(workflow.Collaborators{
		Plans:     gen,
		Patches:   gen,
		Commands:  gen,
		Answerer:  gen,
		Retriever: k.Index,
		Trimmer:   k.Budget,
	}, workflow.Options{
		Workspace:        k.workspace,
		Approver:         opts.Approver,
		ApprovalTimeout:  time.Duration(wf.ApprovalTimeoutSeconds) * time.Second,
		StrictRouting:    wf.StrictRouting,
		MaxPatchAttempts: wf.MaxPatchAttempts,
		RetrievalK:       wf.RetrievalK,
		TestCommand:      wf.TestCommand,
		ExecOpts:         execOpts,
		DB:               k.DB,
		Events:           k.Events,
		Metrics:          k.Metrics,
		Snapshots:        k.Snapshots,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}
	return nil
}

// Workspace returns the workspace root.
func (k *Kernel) Workspace() string { return k.workspace }

// Stop cancels pending approvals and closes storage. It is safe to call
// more than once.
func (k *Kernel) Stop() {
	if k.stopped {
		return
	}
	k.stopped = true

	if k.Engine != nil {
		if n := k.Engine.Gates().CancelAll(); n > 0 {
			k.Logger.Warn("Cancelled %d pending approval(s)", n)
		}
	}
	if k.Events != nil {
		if err := k.Events.Close(); err != nil {
			k.Logger.Error("Error closing event log: %v", err)
		}
	}
	if k.DB != nil {
		if err := k.DB.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
	}
	k.Logger.Debug("Kernel stopped")
}

// OpenDatabase opens the configured SQLite database, creating .pulse first.
func OpenDatabase(cfg *config.Config, workspace string) (*persistence.DB, error) {
	path := config.Resolve(workspace, cfg.Storage.Database)
	db, err := persistence.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return db, nil
}

// OpenIndex opens the persistent retrieval index.
func OpenIndex(cfg *config.Config, workspace string, secrets *config.SecretStore) (*retrieval.Index, error) {
	ix, err := retrieval.Open(retrieval.Options{
		PersistPath:  config.Resolve(workspace, cfg.Storage.VectorDir),
		Collection:   cfg.Index.Collection,
		Embedding:    retrieval.EmbeddingFor(cfg.EmbeddingClientConfig(secrets)),
		Extensions:   cfg.Index.Extensions,
		MaxChunkSize: cfg.Index.MaxChunkSize,
		MaxFileBytes: cfg.Index.MaxFileBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open retrieval index: %w", err)
	}
	return ix, nil
}

// NewClient builds the provider client wrapped with metrics and retry.
// A non-nil base replaces the configured provider.
func NewClient(cfg *config.Config, secrets *config.SecretStore, base llm.Client, recorder llm.RequestRecorder, counter llm.TokenCounter) (llm.Client, error) {
	client := base
	if client == nil {
		var err error
		client, err = llm.New(cfg.LLMClientConfig(secrets))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", cfg.LLM.Provider, err)
		}
	}
	if recorder != nil {
		client = llm.WithMetrics(client, recorder, counter)
	}

	retry := llm.DefaultRetryOptions()
	retry.MaxRetries = uint64(cfg.LLM.MaxRetries) //nolint:gosec // validated non-negative
	return llm.WithRetry(client, retry), nil
}
