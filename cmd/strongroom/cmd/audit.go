package cmd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongroom/audit"
)

var auditJSONOutput bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Count encrypted and plaintext field values",
	Long: `Reports, for every configured table, how many rows hold encrypted field
values and how many still hold plaintext.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary map[string]int
		err := withDatabase(cmd.Context(), false, func(db *sql.DB) error {
			var err error
			summary, err = audit.New(db, cfg.Tables, audit.WithLogger(log)).Summary(cmd.Context())
			return err
		})
		if err != nil {
			return err
		}
		if auditJSONOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func printSummary(w io.Writer, summary map[string]int) {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k, summary[k])
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output results as JSON")
	auditCmd.Flags().StringVar(&dbKeyFlag, "key", "", "Database key, if it cannot be recovered from escrow")
}
