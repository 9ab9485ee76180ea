package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/pkg/crypto"
)

var (
	initDeviceBinding bool
	infoJSON          bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(deviceBindingCmd)

	passwordCmd.AddCommand(passwordChangeCmd)
	recoveryCmd.AddCommand(recoveryResetCmd)
	recoveryCmd.AddCommand(recoveryRotateCmd)
	deviceBindingCmd.AddCommand(deviceBindingEnableCmd)
	deviceBindingCmd.AddCommand(deviceBindingDisableCmd)

	initCmd.Flags().BoolVar(&initDeviceBinding, "device-binding", false, "Require this device's key in addition to the password")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print as JSON")
}

// initCmd creates the vault.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	Long: `Create a new vault protected by a master password.

A recovery key is printed once. Store it somewhere safe: it is the only
way back in if the master password is lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kdf, err := a.settings.BuildKDF()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Initializing new vault...")
		pw, err := readNewPassword(cmd, "master password")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)

		key, err := a.sessions.Setup(pw, kdf, initDeviceBinding)
		if err != nil {
			return fmt.Errorf("failed to initialize vault: %w", describe(err))
		}

		fmt.Fprintf(out, "Vault initialized at %s (%s)\n", a.vault.Dir(), kdf.Describe())
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Recovery key (shown only once):")
		fmt.Fprintf(out, "  %s\n", key)
		return nil
	},
}

// statusCmd prints the vault state and lockout status.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a vault exists and whether unlocks are locked out",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "State:        %s\n", a.sessions.State())
		fmt.Fprintf(out, "Data:         %s\n", a.vault.Dir())
		fmt.Fprintf(out, "Lock timeout: %s\n", a.sessions.LockTimeout())
		if d := a.limiter.Remaining(); d > 0 {
			fmt.Fprintf(out, "Locked out:   %s remaining\n", d.Round(1e9))
		}
		return nil
	},
}

// unlockCmd checks the master password. Sessions live only as long as
// the process, so this is a credential check rather than a lasting unlock.
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verify the master password",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := a.unlock(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Password verified (session %s)\n", s.ID)
		return nil
	},
}

// infoCmd prints the active KDF, cipher and slot configuration.
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show vault encryption details",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := a.vault.Info()
		out := cmd.OutOrStdout()
		if infoJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Fprintf(out, "Status:         %s\n", info.Status)
		fmt.Fprintf(out, "Data directory: %s\n", info.DataDir)
		if info.ConfigReadable {
			fmt.Fprintf(out, "Vault ID:       %s\n", info.VaultID)
			fmt.Fprintf(out, "Schema:         %d\n", info.SchemaVersion)
			fmt.Fprintf(out, "KDF:            %s\n", info.KDF)
			fmt.Fprintf(out, "Cipher:         %s\n", info.Cipher)
			fmt.Fprintf(out, "Device binding: %v\n", info.DeviceBinding)
			if info.DeviceKeyPresent != nil {
				fmt.Fprintf(out, "Device key:     %v\n", *info.DeviceKeyPresent)
			}
			fmt.Fprintf(out, "Recovery slot:  %v\n", info.RecoverySlot)
			if info.CreatedAt != nil {
				fmt.Fprintf(out, "Created:        %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
			}
		}
		for _, w := range info.Warnings {
			fmt.Fprintf(out, "Warning:        %s\n", w)
		}
		return nil
	},
}

// passwordCmd is the parent command for password operations.
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master password operations",
}

// passwordChangeCmd changes the master password.
var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the master password",
	Long: `Change the master password by re-wrapping the data key.

Records and documents are not re-encrypted. A wrong current password
counts toward the unlock lockout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readPassword(cmd, "Enter current password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(current)

		s, err := a.unlockWith(current)
		if err != nil {
			return err
		}

		next, err := readNewPassword(cmd, "new password")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(next)

		if err := a.sessions.ChangePassword(s.Token, current, next); err != nil {
			return fmt.Errorf("failed to change password: %w", describe(err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password changed successfully.")
		return nil
	},
}

// recoveryCmd is the parent command for recovery key operations.
var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Recovery key operations",
}

// recoveryResetCmd sets a new master password using the recovery key.
var recoveryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Set a new master password using the recovery key",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPassword(cmd, "Enter recovery key: ")
		if err != nil {
			return err
		}
		key, err := crypto.ParseRecoveryKey(string(raw))
		crypto.SecureWipe(raw)
		if err != nil {
			return err
		}

		next, err := readNewPassword(cmd, "new password")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(next)

		if err := a.sessions.ResetPasswordWithRecovery(key, next); err != nil {
			return fmt.Errorf("failed to reset password: %w", describe(err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Master password reset. The recovery key is unchanged.")
		return nil
	},
}

// recoveryRotateCmd replaces the recovery key.
var recoveryRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the recovery key",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword(cmd, "Enter master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)

		s, err := a.unlockWith(pw)
		if err != nil {
			return err
		}
		key, err := a.sessions.RotateRecoveryKey(s.Token, pw)
		if err != nil {
			return fmt.Errorf("failed to rotate recovery key: %w", describe(err))
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "New recovery key (shown only once; the old one no longer works):")
		fmt.Fprintf(out, "  %s\n", key)
		return nil
	},
}

// deviceBindingCmd is the parent command for device binding.
var deviceBindingCmd = &cobra.Command{
	Use:   "device-binding",
	Short: "Require or stop requiring this device's key to unlock",
}

var deviceBindingEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Bind the password slot to this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDeviceBinding(cmd, true)
	},
}

var deviceBindingDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Unlock with the password alone",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDeviceBinding(cmd, false)
	},
}

func setDeviceBinding(cmd *cobra.Command, enabled bool) error {
	pw, err := readPassword(cmd, "Enter master password: ")
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(pw)

	s, err := a.unlockWith(pw)
	if err != nil {
		return err
	}
	if err := a.sessions.SetDeviceBinding(s.Token, pw, enabled); err != nil {
		return fmt.Errorf("failed to update device binding: %w", describe(err))
	}
	if enabled {
		fmt.Fprintf(cmd.OutOrStdout(), "Device binding enabled. Keep %s safe and back it up separately.\n", a.keychain.Path())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Device binding disabled.")
	}
	return nil
}
