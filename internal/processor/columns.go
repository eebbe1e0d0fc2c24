package processor

import (
	"fmt"

	"github.com/andresmejia3/cellbridge/internal/measurement"
)

// ColumnPrefix names the output columns appended to the host table.
const ColumnPrefix = "CellProfiler Measurements"

// Columns returns the names of the output columns: one per result table, or
// a single column when merge is set. Names already taken by inputColumns
// (or by an earlier output column) get a " (#n)" suffix.
func Columns(inputColumns, tables []string, merge bool) []string {
	taken := make(map[string]bool, len(inputColumns)+len(tables))
	for _, c := range inputColumns {
		taken[c] = true
	}

	var wanted []string
	if merge {
		wanted = []string{ColumnPrefix}
	} else {
		for _, t := range tables {
			wanted = append(wanted, fmt.Sprintf("%s: [%s]", ColumnPrefix, t))
		}
	}

	out := make([]string, 0, len(wanted))
	for _, name := range wanted {
		unique := name
		for n := 1; taken[unique]; n++ {
			unique = fmt.Sprintf("%s (#%d)", name, n)
		}
		taken[unique] = true
		out = append(out, unique)
	}
	return out
}

// Records returns the output cells of one row, matching Columns. A table
// the result lacks yields a nil cell.
func Records(r *measurement.Result, tables []string, merge bool) []*measurement.Table {
	if merge {
		return []*measurement.Table{r.Merged()}
	}
	out := make([]*measurement.Table, len(tables))
	for i, t := range tables {
		out[i] = r.Table(t)
	}
	return out
}
