package measurement

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Table is one result table of a run: every feature the worker reported for
// one object class (or for the whole image), grouped by value kind. Names are
// scoped per kind, so the same name may appear once in each map.
//
// A Table is built once from a worker reply and not modified afterwards.
type Table struct {
	doubles map[string][]float64
	floats  map[string][]float32
	ints    map[string][]int32
	strs    map[string]string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		doubles: make(map[string][]float64),
		floats:  make(map[string][]float32),
		ints:    make(map[string][]int32),
		strs:    make(map[string]string),
	}
}

func (t *Table) AddDouble(name string, values []float64) {
	t.doubles[name] = append(make([]float64, 0, len(values)), values...)
}

func (t *Table) AddFloat(name string, values []float32) {
	t.floats[name] = append(make([]float32, 0, len(values)), values...)
}

func (t *Table) AddInt(name string, values []int32) {
	t.ints[name] = append(make([]int32, 0, len(values)), values...)
}

func (t *Table) AddString(name, value string) {
	t.strs[name] = value
}

// Add inserts f into the map selected by its kind.
func (t *Table) Add(f FeatureValueSet) error {
	if err := f.Validate(); err != nil {
		return err
	}
	switch f.Kind {
	case KindDouble:
		t.AddDouble(f.Name, f.Doubles)
	case KindFloat:
		t.AddFloat(f.Name, f.Floats)
	case KindInt:
		t.AddInt(f.Name, f.Ints)
	case KindString:
		t.AddString(f.Name, f.Str)
	}
	return nil
}

func (t *Table) Double(name string) ([]float64, bool) {
	v, ok := t.doubles[name]
	return v, ok
}

func (t *Table) Float(name string) ([]float32, bool) {
	v, ok := t.floats[name]
	return v, ok
}

func (t *Table) Int(name string) ([]int32, bool) {
	v, ok := t.ints[name]
	return v, ok
}

func (t *Table) Str(name string) (string, bool) {
	v, ok := t.strs[name]
	return v, ok
}

// Names returns the sorted feature names of one kind.
func (t *Table) Names(kind Kind) []string {
	var names []string
	switch kind {
	case KindDouble:
		names = keys(t.doubles)
	case KindFloat:
		names = keys(t.floats)
	case KindInt:
		names = keys(t.ints)
	case KindString:
		names = keys(t.strs)
	}
	sort.Strings(names)
	return names
}

// Features returns every feature, ordered by kind and then by name.
func (t *Table) Features() []FeatureValueSet {
	out := make([]FeatureValueSet, 0, t.Len())
	for _, name := range t.Names(KindDouble) {
		out = append(out, FeatureValueSet{Name: name, Kind: KindDouble, Doubles: t.doubles[name]})
	}
	for _, name := range t.Names(KindFloat) {
		out = append(out, FeatureValueSet{Name: name, Kind: KindFloat, Floats: t.floats[name]})
	}
	for _, name := range t.Names(KindInt) {
		out = append(out, FeatureValueSet{Name: name, Kind: KindInt, Ints: t.ints[name]})
	}
	for _, name := range t.Names(KindString) {
		out = append(out, FeatureValueSet{Name: name, Kind: KindString, Str: t.strs[name]})
	}
	return out
}

// Len is the total number of features across all kinds.
func (t *Table) Len() int {
	return len(t.doubles) + len(t.floats) + len(t.ints) + len(t.strs)
}

// Equal reports whether both tables hold the same features with the same
// values. Numeric values compare by bit pattern, so NaN equals NaN.
func (t *Table) Equal(o *Table) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	if len(t.strs) != len(o.strs) {
		return false
	}
	for k, v := range t.strs {
		if ov, ok := o.strs[k]; !ok || ov != v {
			return false
		}
	}
	return equalMap(t.doubles, o.doubles, func(a, b float64) bool {
		return math.Float64bits(a) == math.Float64bits(b)
	}) && equalMap(t.floats, o.floats, func(a, b float32) bool {
		return math.Float32bits(a) == math.Float32bits(b)
	}) && equalMap(t.ints, o.ints, func(a, b int32) bool {
		return a == b
	})
}

// Hash returns an xxhash64 digest of the canonical encoding. Equal tables
// have equal hashes regardless of insertion order.
func (t *Table) Hash() uint64 {
	d := xxhash.New()
	enc := &encoder{w: d, wide: true}
	enc.table(t)
	return d.Sum64()
}

// String lists the sorted feature names.
func (t *Table) String() string {
	names := make([]string, 0, t.Len())
	for _, k := range Kinds {
		names = append(names, t.Names(k)...)
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}

// Merge copies every feature of src into t, renaming each one with prefix.
func (t *Table) Merge(prefix string, src *Table) {
	for k, v := range src.doubles {
		t.doubles[prefix+k] = v
	}
	for k, v := range src.floats {
		t.floats[prefix+k] = v
	}
	for k, v := range src.ints {
		t.ints[prefix+k] = v
	}
	for k, v := range src.strs {
		t.strs[prefix+k] = v
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func equalMap[T any](a, b map[string][]T, eq func(T, T) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !eq(av[i], bv[i]) {
				return false
			}
		}
	}
	return true
}

// Describe is a short human summary used by the CLI.
func (t *Table) Describe() string {
	return fmt.Sprintf("%d double, %d float, %d int, %d string",
		len(t.doubles), len(t.floats), len(t.ints), len(t.strs))
}
