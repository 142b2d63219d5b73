package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pulse/internal/kernel"
	"pulse/pkg/persistence"
)

// withDB opens the workspace database for the duration of fn.
func (a *app) withDB(fn func(db *persistence.DB) error) error {
	ws, cfg, err := a.load()
	if err != nil {
		return err
	}
	db, err := kernel.OpenDatabase(cfg, ws)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage stored conversations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				sessions, err := db.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if sessions == nil {
						sessions = []*persistence.Session{}
					}
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Title, s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *persistence.DB) error {
				session, err := db.GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				history, err := db.GetSessionHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]any{"session": session, "messages": history})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n\n", color.New(color.Bold).Sprint(session.Title))
				for _, m := range history {
					fmt.Fprintf(out, "%s %s\n%s\n\n",
						color.New(color.FgCyan).Sprintf("[%s]", m.Role),
						m.CreatedAt.Local().Format("15:04:05"),
						strings.TrimRight(m.Content, "\n"))
				}
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Change a session's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *persistence.DB) error {
				title := strings.Join(args[1:], " ")
				if err := db.UpdateSessionTitle(cmd.Context(), args[0], title); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", args[0], title)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(func(db *persistence.DB) error {
				if err := db.DeleteSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, rename, del)
	return cmd
}
