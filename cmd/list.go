package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/cellbridge/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all analysis runs in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return fail("Failed to open database", err, nil)
	}
	runs, err := db.ListRuns(ctx)
	if err != nil {
		return fail("Failed to list runs", err, nil)
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tFINGERPRINT\tROWS\tMODE\tSTARTED\tSTATUS")
	fmt.Fprintln(w, "--\t--------\t-----------\t----\t----\t-------\t------")

	for _, r := range runs {
		mode := "per-table"
		if r.Merged {
			mode = "merged"
		}
		status := "running"
		if r.FinishedAt != nil {
			status = "done in " + r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.PipelinePath, utils.ShortID(r.PipelineFingerprint),
			r.RowCount, mode, r.StartedAt.Local().Format("2006-01-02 15:04"), status)
	}
	return w.Flush()
}
