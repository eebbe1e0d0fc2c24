package measurement

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// ImageTable is the result table holding whole-image measurements. Every
// other table describes one class of segmented objects.
const ImageTable = "Image"

// MergeSeparator joins table and feature names in a merged table.
const MergeSeparator = "::"

// Result is the analysis of one host row: result-table name to Table, in the
// order the worker declared the tables.
type Result struct {
	RowKey string
	names  []string
	tables map[string]*Table
}

// NewResult returns an empty result for the given row.
func NewResult(rowKey string) *Result {
	return &Result{RowKey: rowKey, tables: make(map[string]*Table)}
}

// Set stores t under name. Setting an existing name replaces the table but
// keeps its position. A nil table is stored as an empty one.
func (r *Result) Set(name string, t *Table) {
	if t == nil {
		t = NewTable()
	}
	if _, ok := r.tables[name]; !ok {
		r.names = append(r.names, name)
	}
	r.tables[name] = t
}

// Table returns the named table, or nil.
func (r *Result) Table(name string) *Table {
	return r.tables[name]
}

// Names returns the table names in insertion order.
func (r *Result) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Result) Len() int { return len(r.names) }

// IsImageTable reports whether name is the whole-image table.
func IsImageTable(name string) bool { return name == ImageTable }

// Equal compares row keys and tables; table order does not matter.
func (r *Result) Equal(o *Result) bool {
	if r == o {
		return true
	}
	if r == nil || o == nil || r.RowKey != o.RowKey || len(r.tables) != len(o.tables) {
		return false
	}
	for name, t := range r.tables {
		if !t.Equal(o.tables[name]) {
			return false
		}
	}
	return true
}

// Merged folds every table into one, naming each feature
// "<table>::<feature>". It backs the single-cell output mode.
func (r *Result) Merged() *Table {
	out := NewTable()
	for _, name := range r.names {
		out.Merge(name+MergeSeparator, r.tables[name])
	}
	return out
}

// Encode writes the row key, a uint32 table count and each (name, table)
// pair in insertion order.
func (r *Result) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := &encoder{w: bw}
	enc.utf(r.RowKey)
	enc.u32(uint32(len(r.names)))
	for _, name := range r.names {
		enc.utf(name)
		enc.table(r.tables[name])
	}
	if enc.err != nil {
		return enc.err
	}
	return bw.Flush()
}

func (r *Result) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Result) UnmarshalBinary(data []byte) error {
	br := bytes.NewReader(data)
	decoded, err := DecodeResult(br)
	if err != nil {
		return err
	}
	if br.Len() != 0 {
		return fmt.Errorf("analysis result: %d trailing bytes", br.Len())
	}
	*r = *decoded
	return nil
}

// DecodeResult reads one result written by Encode.
func DecodeResult(rd io.Reader) (*Result, error) {
	dec := &decoder{r: rd}
	res := NewResult(dec.utf())
	n := dec.count()
	for i := 0; i < n && dec.err == nil; i++ {
		name := dec.utf()
		t := dec.table()
		if dec.err == nil {
			res.Set(name, t)
		}
	}
	if dec.err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", dec.err)
	}
	return res, nil
}
