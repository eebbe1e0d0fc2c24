package imaging

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRange(t *testing.T) {
	tests := []struct {
		name  string
		image Image
	}{
		{"uint8", mustBuffer(t, []int{2, 3}, []uint8{10, 20, 30, 40, 50, 250})},
		{"uint16", mustBuffer(t, []int{2, 2}, []uint16{100, 65535, 4000, 1000})},
		{"int16 negative", mustBuffer(t, []int{1, 4}, []int16{-300, 0, 12, 300})},
		{"float64", mustBuffer(t, []int{2, 2}, []float64{-1.5, 0.25, 7, 3})},
		{"stack", mustBuffer(t, []int{2, 1, 2}, []int32{5, 9, 1, 2})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalize(tt.image)
			require.Equal(t, tt.image.Shape(), out.Shape())

			lo, hi, ok := Range(tt.image)
			require.True(t, ok)
			for i, v := range out.Data() {
				if v < 0 || v > 1 {
					t.Fatalf("sample %d = %v, outside [0,1]", i, v)
				}
				src := tt.image.At(i)
				if src == lo && v != 0 {
					t.Errorf("minimum sample %d mapped to %v, want 0", i, v)
				}
				if src == hi && v != 1 {
					t.Errorf("maximum sample %d mapped to %v, want 1", i, v)
				}
			}
		})
	}
}

func TestNormalizeUsesImageRange(t *testing.T) {
	// A uint16 image whose range is far below the type range still spans [0,1]
	img := mustBuffer(t, []int{1, 3}, []uint16{1000, 1500, 2000})
	assert.Equal(t, []float32{0, 0.5, 1}, Normalize(img).Data())
}

func TestNormalizeConstant(t *testing.T) {
	img := mustBuffer(t, []int{2, 2}, []uint8{7, 7, 7, 7})
	out := Normalize(img)
	assert.Equal(t, []float32{0, 0, 0, 0}, out.Data())
}

func TestNormalizeNaN(t *testing.T) {
	img := mustBuffer(t, []int{1, 4}, []float32{float32(math.NaN()), 2, 4, 3})
	out := Normalize(img).Data()
	assert.Equal(t, []float32{0, 0, 1, 0.5}, out)

	allNaN := mustBuffer(t, []int{1, 2}, []float64{math.NaN(), math.NaN()})
	for _, v := range Normalize(allNaN).Data() {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestNormalizeDoesNotMutate(t *testing.T) {
	src := []int8{-5, 0, 5}
	img := mustBuffer(t, []int{1, 3}, src)
	Normalize(img)
	assert.Equal(t, []int8{-5, 0, 5}, src)
}

func TestNewBufferShape(t *testing.T) {
	_, err := NewBuffer([]int{2, 2}, []uint8{1, 2, 3})
	assert.Error(t, err)
	_, err = NewBuffer([]int{0, 2}, []uint8{})
	assert.Error(t, err)
	_, err = NewBuffer(nil, []uint8{1})
	assert.Error(t, err)

	flat := mustBuffer(t, []int{2, 2}, []uint8{1, 2, 3, 4})
	stack := mustBuffer(t, []int{2, 2, 1}, []uint8{1, 2, 3, 4})
	assert.False(t, IsGrouped(flat))
	assert.True(t, IsGrouped(stack))
}

func TestLoadStack(t *testing.T) {
	dir := t.TempDir()
	a := writeGray16(t, dir, "a.png", 3, 2, 100)
	b := writeGray16(t, dir, "b.png", 3, 2, 200)

	plane, err := Load(a)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, plane.Shape())
	assert.Equal(t, float64(100), plane.At(0))

	stack, err := Load(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, stack.Shape())
	assert.Equal(t, float64(205), stack.At(11))

	c := writeGray16(t, dir, "c.png", 4, 2, 0)
	_, err = Load(a, c)
	assert.Error(t, err, "planes of different size")

	_, err = Load(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func mustBuffer[T Sample](t *testing.T, shape []int, data []T) *Buffer[T] {
	t.Helper()
	b, err := NewBuffer(shape, data)
	require.NoError(t, err)
	return b
}

// writeGray16 writes a w x h 16-bit PNG whose pixel i holds base+i.
func writeGray16(t *testing.T, dir, name string, w, h int, base uint16) string {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: base + uint16(y*w+x)})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}
