package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/records"
)

var (
	recordID       string
	recordFile     string
	documentOutput string
)

func init() {
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(documentCmd)

	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordDeleteCmd)

	documentCmd.AddCommand(documentPutCmd)
	documentCmd.AddCommand(documentGetCmd)
	documentCmd.AddCommand(documentListCmd)
	documentCmd.AddCommand(documentDeleteCmd)

	recordAddCmd.Flags().StringVar(&recordID, "id", "", "Record ID (default: a new UUID)")
	recordAddCmd.Flags().StringVarP(&recordFile, "file", "f", "", "Read the JSON payload from a file")
	documentGetCmd.Flags().StringVarP(&documentOutput, "output", "o", "", "Write to a file instead of stdout")
}

// withRecords unlocks and runs fn against the record store.
func withRecords(cmd *cobra.Command, fn func(*records.Store, *records.Documents) error) error {
	s, err := a.unlock(cmd)
	if err != nil {
		return err
	}
	return a.sessions.Records(s.Token, fn)
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage encrypted records",
	Long: `Manage encrypted records.

Records are JSON documents grouped by kind, for example "income",
"expense" or "tax_return". Each payload is encrypted on its own.`,
}

var recordAddCmd = &cobra.Command{
	Use:   "add <kind> [json]",
	Short: "Add or replace a record",
	Long: `Add or replace a record.

Examples:
  recordvault record add expense '{"amount": 42.5, "category": "office"}'
  recordvault record add income --id 2026-salary -f salary.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := recordPayload(args)
		if err != nil {
			return err
		}

		var id string
		err = withRecords(cmd, func(store *records.Store, _ *records.Documents) error {
			var err error
			id, err = store.Put(args[0], recordID, data)
			return err
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s/%s\n", args[0], id)
		return nil
	},
}

func recordPayload(args []string) ([]byte, error) {
	var data []byte
	switch {
	case len(args) == 2 && recordFile != "":
		return nil, errors.New("give the payload as an argument or with --file, not both")
	case len(args) == 2:
		data = []byte(args[1])
	case recordFile != "":
		b, err := os.ReadFile(recordFile)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return nil, errors.New("a JSON payload is required")
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

var recordGetCmd = &cobra.Command{
	Use:   "get <kind> <id>",
	Short: "Print one record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec *records.Record
		err := withRecords(cmd, func(store *records.Store, _ *records.Documents) error {
			var err error
			rec, err = store.Get(args[0], args[1])
			return err
		})
		if err != nil {
			return describe(err)
		}
		out := cmd.OutOrStdout()
		_, err = out.Write(rec.Data)
		fmt.Fprintln(out)
		return err
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List records, optionally of one kind",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) == 1 {
			kind = args[0]
		}
		var recs []*records.Record
		err := withRecords(cmd, func(store *records.Store, _ *records.Documents) error {
			var err error
			recs, err = store.List(kind)
			return err
		})
		if err != nil {
			return describe(err)
		}

		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No records found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tID\tUPDATED")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Kind, rec.ID, rec.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <kind> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withRecords(cmd, func(store *records.Store, _ *records.Documents) error {
			return store.Delete(args[0], args[1])
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Manage encrypted documents such as receipts and statements",
}

var documentPutCmd = &cobra.Command{
	Use:   "put <name> <file>",
	Short: "Store a file in the vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := filestore.ValidateName(args[0]); err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if len(data) > records.MaxDocumentSize {
			return records.ErrPayloadTooBig
		}
		err = withRecords(cmd, func(_ *records.Store, docs *records.Documents) error {
			return docs.Put(args[0], data)
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%d bytes)\n", args[0], len(data))
		return nil
	},
}

var documentGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Decrypt a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		err := withRecords(cmd, func(_ *records.Store, docs *records.Documents) error {
			var err error
			data, err = docs.Get(args[0])
			return err
		})
		if err != nil {
			return describe(err)
		}
		if documentOutput == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return filestore.WriteFileAtomic(documentOutput, data, config.FileMode)
	},
}

var documentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var names []string
		err := withRecords(cmd, func(_ *records.Store, docs *records.Documents) error {
			var err error
			names, err = docs.List()
			return err
		})
		if err != nil {
			return describe(err)
		}
		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "No documents found")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	},
}

var documentDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withRecords(cmd, func(_ *records.Store, docs *records.Documents) error {
			return docs.Delete(args[0])
		})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}
