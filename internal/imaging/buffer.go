// Package imaging holds the pixel buffers handed to the analysis worker and
// the normalization applied before they are sent.
package imaging

import (
	"fmt"
)

// Sample is any numeric pixel type.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~float32 | ~float64
}

// Image is a read-only view over a row-major pixel buffer of any sample type.
type Image interface {
	// Shape lists the dimension sizes, slowest first: [h, w] for a plane,
	// [planes, h, w] (or more) for a stack.
	Shape() []int
	Len() int
	At(i int) float64
}

// Buffer is a row-major N-dimensional pixel buffer.
type Buffer[T Sample] struct {
	shape []int
	data  []T
}

// NewBuffer wraps data without copying. The product of shape must equal
// len(data).
func NewBuffer[T Sample](shape []int, data []T) (*Buffer[T], error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("image has no dimensions")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid image shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("image shape %v needs %d samples, got %d", shape, n, len(data))
	}
	return &Buffer[T]{shape: append([]int(nil), shape...), data: data}, nil
}

func (b *Buffer[T]) Shape() []int     { return append([]int(nil), b.shape...) }
func (b *Buffer[T]) Len() int         { return len(b.data) }
func (b *Buffer[T]) At(i int) float64 { return float64(b.data[i]) }

// Data exposes the backing slice.
func (b *Buffer[T]) Data() []T { return b.data }

// Dims is the number of dimensions of img.
func Dims(img Image) int { return len(img.Shape()) }

// IsGrouped reports whether img is a stack that has to be analysed as a
// group rather than as one flat plane.
func IsGrouped(img Image) bool { return Dims(img) > 2 }
