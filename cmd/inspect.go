package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/config"
	"github.com/andresmejia3/cellbridge/internal/processor"
	"github.com/andresmejia3/cellbridge/internal/table"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the input channels and result tables of a pipeline",
	Long: `Loads the pipeline into a worker and prints what it needs and produces.
With --input, also shows how the channels would bind to the table's columns
and which output columns a run would add.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	addWorkerFlags(inspectCmd.Flags())
	inspectCmd.Flags().StringP(config.KeyInput, "i", "", "Input table (CSV) to check the bindings against")
	inspectCmd.Flags().StringArray(config.KeyBind, nil, "Bind a pipeline channel to a column, CHANNEL=column (repeatable)")
	inspectCmd.Flags().Bool(config.KeyMerge, false, "Show the merged single output column")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(settings)
	if err != nil {
		return fail("Invalid configuration", err, nil)
	}
	if err := cfg.Validate(); err != nil {
		return fail("Invalid configuration", err, nil)
	}

	session, err := bridge.Start(ctx, cfg.Bridge(&logger))
	if err != nil {
		return fail("Worker failed to start", err, nil)
	}
	defer session.Close()

	if err := session.LoadPipelineFile(ctx, cfg.PipelinePath); err != nil {
		return fail("Worker rejected the pipeline", err, session.StderrTail())
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME")
	fmt.Fprintln(w, "----\t----")
	for _, ch := range session.InputChannels() {
		fmt.Fprintf(w, "channel\t%s\n", ch)
	}
	for _, t := range session.ResultTables() {
		fmt.Fprintf(w, "table\t%s\n", t)
	}

	if cfg.InputPath != "" {
		tbl, err := table.ReadCSV(cfg.InputPath, table.Options{KeyColumn: cfg.KeyColumn})
		if err != nil {
			return fail("Failed to read input table", err, nil)
		}
		bindings, err := processor.Bind(session.InputChannels(), tbl.Columns, cfg.Bindings)
		if err != nil {
			w.Flush()
			return fail("Cannot bind pipeline channels", err, nil)
		}
		for _, b := range bindings {
			fmt.Fprintf(w, "binding\t%s\n", b)
		}
		for _, c := range processor.Columns(tbl.Columns, session.ResultTables(), cfg.Merge) {
			fmt.Fprintf(w, "column\t%s\n", c)
		}
	}
	return w.Flush()
}
