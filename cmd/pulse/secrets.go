package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pulse/pkg/config"
)

// readTerminalPassword prompts on stderr and reads without echo.
func readTerminalPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal: set %s", PasswordEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// openSecrets loads the store together with the password needed to save it.
func (a *app) openSecrets() (string, *config.SecretStore, string, error) {
	ws, err := a.workspacePath()
	if err != nil {
		return "", nil, "", err
	}
	password, err := a.password("Secrets password: ")
	if err != nil {
		return "", nil, "", err
	}
	store, err := config.LoadSecrets(ws, password)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to load secrets: %w", err)
	}
	return ws, store, password, nil
}

func newSecretsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
		Long: `Secrets such as API keys are stored encrypted in .pulse/secrets.json.enc.
Stored values take precedence over environment variables. The password is
read from ` + PasswordEnv + ` or prompted for.`,
	}

	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret (prompts for the value when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, store, password, err := a.openSecrets()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else if value, err = a.readPassword(fmt.Sprintf("Value for %s: ", name)); err != nil {
				return err
			}
			if name == "" || value == "" {
				return fmt.Errorf("secret name and value cannot be empty")
			}

			store.Set(name, value)
			if err := store.Save(ws, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", name, config.MaskSecret(value))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names with masked values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, _, err := a.openSecrets()
			if err != nil {
				return err
			}
			masked := make(map[string]string)
			for _, name := range store.Names() {
				v, _ := store.Get(name)
				masked[name] = config.MaskSecret(v)
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), masked)
			}
			if len(masked) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored secrets.")
				return nil
			}
			for _, name := range store.Names() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, masked[name])
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, store, password, err := a.openSecrets()
			if err != nil {
				return err
			}
			store.Delete(args[0])
			if err := store.Save(ws, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}
