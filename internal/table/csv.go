// Package table reads the host table: a CSV file with one row per unit of
// work whose image columns hold file paths.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/andresmejia3/cellbridge/internal/imaging"
)

// StackSeparator joins the plane files of a stacked image in one cell.
const StackSeparator = ";"

// Options controls ReadCSV.
type Options struct {
	// KeyColumn names the column holding row keys. Empty means the first
	// column.
	KeyColumn string
}

// Table is a parsed host table.
type Table struct {
	Path    string
	Columns []string
	Rows    []*Row

	keyIndex int
}

// Row is one host row. Image cells resolve relative to the table's directory.
type Row struct {
	key    string
	cells  map[string]string
	base   string
	lineNo int
}

// ReadCSV parses the CSV file at path. The header row names the columns;
// row keys must be non-empty and unique.
func ReadCSV(path string, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input table: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return parse(f, abs, opts)
}

func parse(r io.Reader, path string, opts Options) (*Table, error) {
	cr := csv.NewReader(r)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		cr.Comma = '\t'
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("input table %s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i, c := range header {
		header[i] = strings.TrimSpace(c)
		if header[i] == "" {
			return nil, fmt.Errorf("%s: column %d has no name", path, i+1)
		}
		if slices.Contains(header[:i], header[i]) {
			return nil, fmt.Errorf("%s: duplicate column %q", path, header[i])
		}
	}

	t := &Table{Path: path, Columns: header}
	if opts.KeyColumn != "" {
		t.keyIndex = slices.Index(header, opts.KeyColumn)
		if t.keyIndex < 0 {
			return nil, fmt.Errorf("%s: key column %q not found", path, opts.KeyColumn)
		}
	}

	seen := make(map[string]int)
	base := filepath.Dir(path)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line, _ := cr.FieldPos(0)

		key := strings.TrimSpace(rec[t.keyIndex])
		if key == "" {
			return nil, fmt.Errorf("%s:%d: empty row key", path, line)
		}
		if !utf8.ValidString(key) {
			return nil, fmt.Errorf("%s:%d: row key %q is not valid UTF-8", path, line, key)
		}
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("%s:%d: row key %q already used on line %d", path, line, key, prev)
		}
		seen[key] = line

		cells := make(map[string]string, len(header))
		for i, c := range header {
			cells[c] = rec[i]
		}
		t.Rows = append(t.Rows, &Row{key: key, cells: cells, base: base, lineNo: line})
	}
	return t, nil
}

// Key returns the row key.
func (r *Row) Key() string { return r.key }

// Line is the CSV line the row was read from.
func (r *Row) Line() int { return r.lineNo }

// Cell returns the raw value of column.
func (r *Row) Cell(column string) (string, bool) {
	v, ok := r.cells[column]
	return v, ok
}

// ImagePaths returns the files named by an image cell, resolved against the
// table's directory.
func (r *Row) ImagePaths(column string) ([]string, error) {
	v, ok := r.cells[column]
	if !ok {
		return nil, fmt.Errorf("no column %q", column)
	}
	var paths []string
	for _, p := range strings.Split(v, StackSeparator) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.base, p)
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("column %q is empty", column)
	}
	return paths, nil
}

// Image loads the image named by column. Several paths form a stack.
func (r *Row) Image(column string) (imaging.Image, error) {
	paths, err := r.ImagePaths(column)
	if err != nil {
		return nil, err
	}
	return imaging.Load(paths...)
}
