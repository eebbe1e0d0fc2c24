package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/cellbridge/internal/config"
	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/andresmejia3/cellbridge/internal/processor"
	"github.com/andresmejia3/cellbridge/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	showRow    string
	showValues int
)

var showCmd = &cobra.Command{
	Use:   "show <results-file | run-id>",
	Short: "Print the measurements of a results file or a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(cmd.Context(), cmd.OutOrStdout(), args[0],
			settings.GetBool(config.KeyMerge), cmd.Flags().Changed(config.KeyMerge))
	},
}

func init() {
	showCmd.Flags().Bool(config.KeyMerge, false, "Show every row as one merged table")
	showCmd.Flags().StringVar(&showRow, "row", "", "Only show the row with this key")
	showCmd.Flags().IntVar(&showValues, "values", 5, "Number of values to print per feature")
	rootCmd.AddCommand(showCmd)
}

// runShow prints target. A stored run is shown in the mode it was recorded
// with unless --merge is given explicitly.
func runShow(ctx context.Context, out io.Writer, target string, merge, mergeSet bool) error {
	results, run, err := loadResults(ctx, target)
	if err != nil {
		return fail("Failed to load results", err, nil)
	}
	merged := showMerged(merge, mergeSet, run)
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	for _, res := range results {
		if showRow != "" && res.RowKey != showRow {
			continue
		}
		tables := res.Names()
		columns := processor.Columns(nil, tables, merged)
		cells := processor.Records(res, tables, merged)

		fmt.Fprintf(w, "ROW %s\n", res.RowKey)
		for i, cell := range cells {
			if cell == nil {
				continue
			}
			fmt.Fprintf(w, "  %s\t(%s)\n", columns[i], cell.Describe())
			for _, f := range cell.Features() {
				fmt.Fprintf(w, "    %s\t%s\t%s\n", f.Name, f.Kind, formatValues(f, showValues))
			}
		}
	}
	return w.Flush()
}

func showMerged(flag, set bool, run *store.Run) bool {
	if run != nil && !set {
		return run.Merged
	}
	return flag
}

// loadResults reads a results file, or a stored run when target is a run id
// and no such file exists. The run is nil for files.
func loadResults(ctx context.Context, target string) ([]*measurement.Result, *store.Run, error) {
	if _, err := os.Stat(target); err == nil {
		results, err := store.ReadFile(target)
		return results, nil, err
	}
	id, err := uuid.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("%s is neither a results file nor a run id", target)
	}
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	results, err := db.GetResults(ctx, id)
	return results, &run, err
}

func formatValues(f measurement.FeatureValueSet, limit int) string {
	if f.Kind == measurement.KindString {
		return fmt.Sprintf("%q", f.Str)
	}
	parts := make([]string, 0, min(f.Len(), limit))
	for i := 0; i < f.Len() && i < limit; i++ {
		switch f.Kind {
		case measurement.KindDouble:
			parts = append(parts, fmt.Sprintf("%g", f.Doubles[i]))
		case measurement.KindFloat:
			parts = append(parts, fmt.Sprintf("%g", f.Floats[i]))
		case measurement.KindInt:
			parts = append(parts, fmt.Sprintf("%d", f.Ints[i]))
		}
	}
	s := "[" + strings.Join(parts, " ")
	if f.Len() > limit {
		s += fmt.Sprintf(" … %d more", f.Len()-limit)
	}
	return s + "]"
}
