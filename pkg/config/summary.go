package config

import (
	"fmt"
	"io"
	"strings"

	"pulse/pkg/llm"
)

const notSet = "(not set)"

// Summary is a printable view of the effective configuration. Secrets are
// masked.
type Summary struct {
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	Host              string   `json:"host,omitempty"`
	APIKey            string   `json:"api_key"`
	EmbeddingProvider string   `json:"embedding_provider"`
	DefaultMode       string   `json:"default_mode"`
	StrictRouting     bool     `json:"strict_routing"`
	MaxPatchAttempts  int      `json:"max_patch_attempts"`
	TestCommand       string   `json:"test_command"`
	Database          string   `json:"database"`
	StoredSecrets     []string `json:"stored_secrets"`
}

// MaskSecret shows the first and last four characters of a long value,
// asterisks for a short one and "(not set)" for an empty one.
func MaskSecret(value string) string {
	switch {
	case value == "":
		return notSet
	case len(value) <= 8:
		return strings.Repeat("*", len(value))
	default:
		return value[:4] + "..." + value[len(value)-4:]
	}
}

// Summarize builds the summary for a workspace.
func (c *Config) Summarize(workspace string, secrets *SecretStore) Summary {
	s := Summary{
		Provider:          c.LLM.Provider,
		Model:             c.LLM.Model,
		EmbeddingProvider: c.Embedding.Provider,
		DefaultMode:       c.Workflow.DefaultMode,
		StrictRouting:     c.Workflow.StrictRouting,
		MaxPatchAttempts:  c.Workflow.MaxPatchAttempts,
		TestCommand:       c.Workflow.TestCommand,
		Database:          Resolve(workspace, c.Storage.Database),
		APIKey:            notSet,
		StoredSecrets:     []string{},
	}
	if s.TestCommand == "" {
		s.TestCommand = notSet
	}
	if c.LLM.Provider == llm.ProviderOllama {
		s.Host = c.LLM.Host
		s.APIKey = "(not required)"
	}
	if secrets != nil {
		if name := APIKeyName(c.LLM.Provider); name != "" {
			key, _ := secrets.Get(name)
			s.APIKey = MaskSecret(key)
		}
		s.StoredSecrets = secrets.Names()
	}
	return s
}

// Write prints the summary as aligned key/value lines.
func (s Summary) Write(w io.Writer) error {
	rows := [][2]string{
		{"Provider", s.Provider},
		{"Model", s.Model},
	}
	if s.Host != "" {
		rows = append(rows, [2]string{"Host", s.Host})
	}
	rows = append(rows,
		[2]string{"API key", s.APIKey},
		[2]string{"Embeddings", s.EmbeddingProvider},
		[2]string{"Default mode", s.DefaultMode},
		[2]string{"Strict routing", fmt.Sprint(s.StrictRouting)},
		[2]string{"Patch attempts", fmt.Sprint(s.MaxPatchAttempts)},
		[2]string{"Test command", s.TestCommand},
		[2]string{"Database", s.Database},
		[2]string{"Stored secrets", strings.Join(s.StoredSecrets, ", ")},
	)
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-16s %s\n", r[0]+":", r[1]); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return nil
}
