package measurement

import (
	"fmt"
	"strings"
)

// Kind is the value type of one feature as declared by the worker.
type Kind uint8

const (
	KindDouble Kind = iota + 1
	KindFloat
	KindInt
	KindString
)

// Kinds lists every kind in section order of the binary format.
var Kinds = []Kind{KindDouble, KindFloat, KindInt, KindString}

func (k Kind) String() string {
	switch k {
	case KindDouble:
		return "double"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts the kind names used on the wire and in the CLI.
// Numpy-style aliases (float64, float32, int32) are accepted too.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "double", "float64":
		return KindDouble, nil
	case "float", "float32":
		return KindFloat, nil
	case "int", "int32", "integer":
		return KindInt, nil
	case "string", "str":
		return KindString, nil
	}
	return 0, fmt.Errorf("unknown feature kind %q", s)
}

// FeatureValueSet holds the values of one named measurement. Exactly one
// payload is populated, selected by Kind.
type FeatureValueSet struct {
	Name    string
	Kind    Kind
	Doubles []float64
	Floats  []float32
	Ints    []int32
	Str     string
}

// DoubleFeature returns a double-kind set holding a copy of values.
func DoubleFeature(name string, values []float64) FeatureValueSet {
	return FeatureValueSet{Name: name, Kind: KindDouble, Doubles: append(make([]float64, 0, len(values)), values...)}
}

// FloatFeature returns a float-kind set holding a copy of values.
func FloatFeature(name string, values []float32) FeatureValueSet {
	return FeatureValueSet{Name: name, Kind: KindFloat, Floats: append(make([]float32, 0, len(values)), values...)}
}

// IntFeature returns an int-kind set holding a copy of values.
func IntFeature(name string, values []int32) FeatureValueSet {
	return FeatureValueSet{Name: name, Kind: KindInt, Ints: append(make([]int32, 0, len(values)), values...)}
}

// StringFeature returns a string-kind set.
func StringFeature(name, value string) FeatureValueSet {
	return FeatureValueSet{Name: name, Kind: KindString, Str: value}
}

// Len is the number of values: the array length for numeric kinds, 1 for strings.
func (f FeatureValueSet) Len() int {
	switch f.Kind {
	case KindDouble:
		return len(f.Doubles)
	case KindFloat:
		return len(f.Floats)
	case KindInt:
		return len(f.Ints)
	case KindString:
		return 1
	}
	return 0
}

// Validate checks that only the payload matching Kind is populated.
func (f FeatureValueSet) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("feature has no name")
	}
	populated := 0
	if f.Doubles != nil {
		populated++
	}
	if f.Floats != nil {
		populated++
	}
	if f.Ints != nil {
		populated++
	}
	switch f.Kind {
	case KindDouble:
		if f.Floats != nil || f.Ints != nil || f.Str != "" {
			return fmt.Errorf("feature %q: double kind with foreign payload", f.Name)
		}
	case KindFloat:
		if f.Doubles != nil || f.Ints != nil || f.Str != "" {
			return fmt.Errorf("feature %q: float kind with foreign payload", f.Name)
		}
	case KindInt:
		if f.Doubles != nil || f.Floats != nil || f.Str != "" {
			return fmt.Errorf("feature %q: int kind with foreign payload", f.Name)
		}
	case KindString:
		if populated > 0 {
			return fmt.Errorf("feature %q: string kind with array payload", f.Name)
		}
	default:
		return fmt.Errorf("feature %q: %s", f.Name, f.Kind)
	}
	return nil
}
