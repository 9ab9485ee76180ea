package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/internal/config"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change settings.yaml",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long: `Print the effective settings after defaults, settings.yaml and
RECORDVAULT_* environment variables are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := a.settings.YAML()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", config.Path(a.settings.Root()), out)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting and write settings.yaml.

Keys use dotted paths, for example:
  recordvault settings set lock_timeout_minutes 30
  recordvault settings set kdf.algorithm scrypt
  recordvault settings set server.addr 127.0.0.1:9000

Only settings.yaml is written. RECORDVAULT_* environment overrides keep
applying on top of it. KDF changes apply to vaults created afterwards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		next, err := config.Update(a.settings.Root(), map[string]string{args[0]: args[1]})
		if err != nil {
			return err
		}
		a.settings = next
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}
