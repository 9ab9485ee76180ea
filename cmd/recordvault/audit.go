package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/pkg/filestore"
)

var (
	auditLimit        int
	auditSince        string
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration ago (e.g., 24h, 7d)")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "Export format: json or csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration ago (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file (default: stdout)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the security event log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if auditSince != "" {
			d, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}

		if _, err := a.unlock(cmd); err != nil {
			return err
		}

		events, err := a.audit.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events found")
			return nil
		}

		for _, event := range events {
			line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Operation, event.Result, event.Actor.Source)
			if event.Error != nil {
				line += fmt.Sprintf(" error:%s", event.Error.Code)
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := a.audit.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		out := cmd.OutOrStdout()
		if !result.Valid {
			fmt.Fprintln(out, "Audit log verification FAILED")
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			fmt.Fprintf(out, "  Records verified: %d\n", result.RecordsVerified)
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}
		fmt.Fprintf(out, "Audit log verified: %d records, chain intact\n", result.RecordsTotal)

		jsonResult, _ := json.Marshal(result)
		fmt.Fprintf(out, "\nJSON: %s\n", jsonResult)
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditExportFormat != "json" && auditExportFormat != "csv" {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}

		var since, until time.Time
		if auditExportSince != "" {
			d, err := parseDuration(auditExportSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}
		if auditExportUntil != "" {
			var err error
			until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
			}
		}

		if _, err := a.unlock(cmd); err != nil {
			return err
		}

		data, err := a.audit.Export(auditExportFormat, since, until)
		if err != nil {
			return fmt.Errorf("failed to export audit logs: %w", err)
		}

		if auditExportOutput == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := filestore.WriteFileAtomic(auditExportOutput, data, config.FileMode); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Audit logs exported to %s\n", auditExportOutput)
		return nil
	},
}
