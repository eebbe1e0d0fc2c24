package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all analysis runs and results from the database",
	Long:  "Drops the cellbridge tables. They are recreated on the next connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if !resetYes && !confirm(reader, out, "⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return fail("Failed to open database", err, nil)
		}
		fmt.Fprintln(out, "🗑️  Clearing Database...")
		if err := db.Reset(cmd.Context()); err != nil {
			return fail("Failed to reset database", err, nil)
		}
		fmt.Fprintln(out, "✨ Database Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
