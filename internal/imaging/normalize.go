package imaging

import "math"

// Normalize rescales img into a new float32 buffer of the same shape using
// the image's own range: out = (x - min) / (max - min).
//
// A constant image (max == min) maps to all zeros. NaN samples take no part
// in the range and are written as 0, so the output never holds NaN or Inf.
func Normalize(img Image) *Buffer[float32] {
	out := make([]float32, img.Len())
	res := &Buffer[float32]{shape: img.Shape(), data: out}

	lo, hi, ok := Range(img)
	span := hi - lo
	if !ok || !(span > 0) || math.IsInf(span, 0) {
		// constant, all-NaN or unbounded: nothing sensible to scale by
		return res
	}
	for i := range out {
		v := img.At(i)
		if math.IsNaN(v) {
			continue
		}
		out[i] = float32((v - lo) / span)
	}
	return res
}

// Range returns the minimum and maximum non-NaN sample of img. ok is false
// when img holds no such sample.
func Range(img Image) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i < img.Len(); i++ {
		v := img.At(i)
		if math.IsNaN(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		ok = true
	}
	return lo, hi, ok
}
