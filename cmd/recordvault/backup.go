package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/vault"
)

var (
	backupOutput string
	backupStdout bool
	backupForce  bool
	restoreForce bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupValidateCmd)

	backupCreateCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCreateCmd.Flags().BoolVar(&backupStdout, "stdout", false, "Output to stdout (for piping)")
	backupCreateCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")

	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip confirmation prompt")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and check vault backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a zip backup of the vault",
	Long: `Write a zip backup of the vault.

The archive holds vault.json, the record database and stored documents,
all still encrypted. Restoring it needs the master password (or the
recovery key) that was current when the backup was taken.

Examples:
  # Backup to a file
  recordvault backup create -o records.zip

  # Backup to stdout (for piping)
  recordvault backup create --stdout | gpg --encrypt > records.zip.gpg`,
	RunE: executeBackup,
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if err := validateBackupFlags(); err != nil {
		return err
	}
	if !backupForce && !backupStdout {
		if _, err := os.Stat(backupOutput); err == nil {
			return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
		}
	}

	if _, err := a.unlock(cmd); err != nil {
		return err
	}

	if backupStdout {
		if err := a.backups.Create(cmd.Context(), cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("backup failed: %w", describe(err))
		}
		return nil
	}

	data, err := a.backups.CreateArchive(cmd.Context())
	if err != nil {
		return fmt.Errorf("backup failed: %w", describe(err))
	}
	if err := filestore.WriteFileAtomic(backupOutput, data, config.FileMode); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup created successfully: %s\n", backupOutput)
	return nil
}

func validateBackupFlags() error {
	if !backupStdout && backupOutput == "" {
		return errors.New("either --output or --stdout is required")
	}
	if backupStdout && backupOutput != "" {
		return errors.New("--output and --stdout are mutually exclusive")
	}
	return nil
}

var backupValidateCmd = &cobra.Command{
	Use:   "validate <backup-file>",
	Short: "Check a backup archive without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := readBackup(args[0])
		if err != nil {
			return err
		}
		printValidation(cmd.OutOrStdout(), result)
		if !result.Valid {
			return errors.New("backup is not valid")
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Replace the vault with the contents of a backup",
	Long: `Replace the vault with the contents of a backup.

The archive is validated first and nothing on disk changes unless it
passes. When a vault already exists the master password is required.

Examples:
  recordvault restore records.zip
  recordvault restore records.zip --force`,
	Args: cobra.ExactArgs(1),
	RunE: executeRestore,
}

func executeRestore(cmd *cobra.Command, args []string) error {
	data, err := readArchiveFile(args[0])
	if err != nil {
		return err
	}
	result := backup.Validate(data)
	out := cmd.OutOrStdout()
	printValidation(out, result)
	if !result.Valid {
		return errors.New("backup is not valid, nothing was restored")
	}

	if a.vault.Status() == vault.StatusInitialized {
		if _, err := a.unlock(cmd); err != nil {
			return err
		}
	}

	if !restoreForce && !confirm(cmd, fmt.Sprintf("Replace the vault in %s?", a.vault.Dir())) {
		fmt.Fprintln(out, "Restore cancelled.")
		return nil
	}

	if err := a.backups.Restore(cmd.Context(), data); err != nil {
		return fmt.Errorf("restore failed: %w", describe(err))
	}
	fmt.Fprintln(out, "Vault restored. Unlock with the password from the time of the backup.")
	return nil
}

func readArchiveFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()
	return backup.ReadArchive(f)
}

func readBackup(path string) (*backup.ValidationResult, error) {
	data, err := readArchiveFile(path)
	if err != nil {
		return nil, err
	}
	return backup.Validate(data), nil
}

func printValidation(w io.Writer, r *backup.ValidationResult) {
	if r.Valid {
		fmt.Fprintln(w, "Backup is valid.")
	} else {
		fmt.Fprintln(w, "Backup is NOT valid:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	fmt.Fprintf(w, "Entries:        %d\n", r.FileCount)
	fmt.Fprintf(w, "Vault files:    %d\n", r.VaultFileCount)
	fmt.Fprintf(w, "vault.json:     %s\n", yesNo(r.HasVaultJSON))
	fmt.Fprintf(w, "Database:       %s\n", yesNo(r.HasDatabase))
	if r.Manifest != nil {
		fmt.Fprintf(w, "Created:        %s\n", r.Manifest.CreatedAt)
		fmt.Fprintf(w, "Format version: %d\n", r.Manifest.Version)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
