package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/config"
	"github.com/andresmejia3/cellbridge/internal/processor"
	"github.com/andresmejia3/cellbridge/internal/store"
	"github.com/andresmejia3/cellbridge/internal/table"
	"github.com/andresmejia3/cellbridge/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyse every row of an image table with a pipeline",
	Long: `Starts the worker, loads the pipeline, binds its input channels to image
columns of the input table and analyses the rows one by one. Results go to a
results file (--out), to PostgreSQL (--db), or both.`,
	Example: `  cellbridge run -m ~/CellProfiler/cellprofiler.py -p nuclei.cppipe -i plate1.csv \
    --bind DNA=OrigDNA --bind Protein=OrigProtein --out plate1.cbr.zst`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	fs := runCmd.Flags()
	addWorkerFlags(fs)
	fs.StringP(config.KeyInput, "i", "", "Input table (CSV) whose image columns hold file paths")
	fs.String(config.KeyKeyColumn, "", "Column holding row keys (default: first column)")
	fs.StringArray(config.KeyBind, nil, "Bind a pipeline channel to a column, CHANNEL=column (repeatable)")
	fs.Bool(config.KeyMerge, false, "Merge all result tables into a single output column")
	fs.StringP(config.KeyOut, "o", "", "Write results to this file (.zst suffix compresses)")
	fs.Bool(config.KeySkipFailed, false, "Skip rows the worker fails to analyse instead of aborting")
	rootCmd.AddCommand(runCmd)
}

// runRun orchestrates one analysis: input table, worker session, sinks, row loop and summary.
func runRun(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(settings)
	if err != nil {
		return fail("Invalid configuration", err, nil)
	}
	useDB := cfg.DatabaseURL != ""
	if err := cfg.Validate(); err != nil {
		return fail("Invalid configuration", err, nil)
	}
	if cfg.InputPath == "" {
		return fail("Invalid configuration", fmt.Errorf("%w: --input is required", bridge.ErrConfiguration), nil)
	}
	if cfg.OutPath == "" && !useDB {
		return fail("Invalid configuration", fmt.Errorf("%w: nowhere to write results, use --out and/or --db", bridge.ErrConfiguration), nil)
	}

	// 1. Read the input table
	tbl, err := table.ReadCSV(cfg.InputPath, table.Options{KeyColumn: cfg.KeyColumn})
	if err != nil {
		return fail("Failed to read input table", err, nil)
	}
	fingerprint, err := utils.Fingerprint(cfg.PipelinePath)
	if err != nil {
		return fail("Failed to read pipeline", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📋 %d rows, pipeline %s\n", len(tbl.Rows), utils.ShortID(fingerprint))

	// 2. Start the worker and load the pipeline
	session, err := bridge.Start(ctx, cfg.Bridge(&logger))
	if err != nil {
		return fail("Worker failed to start", err, nil)
	}
	defer session.Close()

	if err := session.LoadPipelineFile(ctx, cfg.PipelinePath); err != nil {
		return fail("Worker rejected the pipeline", err, session.StderrTail())
	}

	// 3. Bind channels to columns
	bindings, err := processor.Bind(session.InputChannels(), tbl.Columns, cfg.Bindings)
	if err != nil {
		return fail("Cannot bind pipeline channels", err, nil)
	}
	proc, err := processor.New(session, bindings, logger)
	if err != nil {
		return fail("Cannot bind pipeline channels", err, nil)
	}

	// 4. Open the sinks
	var sinks []store.Sink
	var runID uuid.UUID
	if cfg.OutPath != "" {
		f, err := store.CreateFile(cfg.OutPath)
		if err != nil {
			return fail("Failed to create results file", err, nil)
		}
		sinks = append(sinks, f)
	}
	if useDB {
		db, err := openDB(ctx)
		if err != nil {
			closeSinks(sinks)
			return fail("Failed to open database", err, nil)
		}
		runID, err = db.CreateRun(ctx, store.Run{
			PipelinePath:        cfg.PipelinePath,
			PipelineFingerprint: fingerprint,
			ModulePath:          cfg.ModulePath,
			Merged:              cfg.Merge,
		})
		if err != nil {
			closeSinks(sinks)
			return fail("Failed to register run", err, nil)
		}
		sinks = append(sinks, db.RunSink(runID))
	}
	sink := store.Multi(sinks...)

	// 5. Process the rows
	bar := progressbar.NewOptions(len(tbl.Rows),
		progressbar.OptionSetDescription("🔬 Analysing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	rows := make([]processor.Row, len(tbl.Rows))
	for i, r := range tbl.Rows {
		rows[i] = r
	}
	sum, runErr := proc.ProcessTable(ctx, rows, sink, processor.Options{
		SkipFailedRows: cfg.SkipFailed,
		OnRowError: func(key string, err error) {
			fmt.Fprintf(os.Stderr, "\n⚠️  Row %s failed: %v\n", key, err)
		},
		OnRowDone: func(string) { bar.Add(1) },
	})
	bar.Finish()

	// Use Background: the sinks must be flushed even after Ctrl+C
	closeErr := sink.Close(context.Background())
	if runErr != nil {
		return fail("Analysis aborted", runErr, session.StderrTail())
	}
	if closeErr != nil {
		return fail("Failed to finish writing results", closeErr, nil)
	}

	// 6. Summary
	printSummary(out, sum, proc.Bindings(), processor.Columns(tbl.Columns, session.ResultTables(), cfg.Merge), cfg.OutPath, runID)
	return nil
}

func closeSinks(sinks []store.Sink) {
	if err := store.Multi(sinks...).Close(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to close results: %v\n", err)
	}
}

func printSummary(out io.Writer, sum processor.Summary, bindings []processor.Binding, columns []string, outPath string, runID uuid.UUID) {
	fmt.Fprintf(out, "\n🏁 Analysis Complete.\n")
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "ROWS\t%d\n", sum.Rows)
	fmt.Fprintf(w, "ANALYSED\t%d\n", sum.Succeeded)
	if len(sum.Skipped) > 0 {
		fmt.Fprintf(w, "SKIPPED\t%d (%s)\n", len(sum.Skipped), strings.Join(sum.Skipped, ", "))
	}
	fmt.Fprintf(w, "ELAPSED\t%s\n", sum.Elapsed.Round(time.Millisecond))
	for _, b := range bindings {
		fmt.Fprintf(w, "CHANNEL\t%s\n", b)
	}
	for _, c := range columns {
		fmt.Fprintf(w, "COLUMN\t%s\n", c)
	}
	if outPath != "" {
		fmt.Fprintf(w, "FILE\t%s\n", outPath)
	}
	if runID != uuid.Nil {
		fmt.Fprintf(w, "RUN\t%s\n", runID)
	}
	w.Flush()
}
