package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pulse/internal/kernel"
)

func newIndexCmd(a *app) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Index workspace files for retrieval",
		Long: `Index chunks source files under dir (default: the workspace) into the
vector store used by ask mode. Re-indexing a file replaces its chunks.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, cfg, err := a.load()
			if err != nil {
				return err
			}
			secrets, err := a.secrets(ws)
			if err != nil {
				return err
			}
			ix, err := kernel.OpenIndex(cfg, ws, secrets)
			if err != nil {
				return err
			}
			if reset {
				if err := ix.Reset(); err != nil {
					return fmt.Errorf("failed to reset index: %w", err)
				}
			}

			root := ws
			if len(args) == 1 {
				root = args[0]
				if !filepath.IsAbs(root) {
					root = filepath.Join(ws, root)
				}
			}
			stats, err := ix.IndexDir(cmd.Context(), root)
			if err != nil {
				return fmt.Errorf("indexing %s: %w", root, err)
			}

			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"root":  root,
					"stats": stats,
					"total": ix.Count(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files (%d skipped), %d chunks created, %d chunks total\n",
				stats.FilesProcessed, stats.FilesSkipped, stats.ChunksCreated, ix.Count())
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop the existing index first")
	return cmd
}
