package imaging

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
)

// Load decodes one or more image files into a grayscale buffer. A single
// path yields a [h, w] plane; several paths are stacked into [planes, h, w]
// and must all share the same size. 16-bit sources keep their depth.
func Load(paths ...string) (Image, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no image path given")
	}

	planes := make([]image.Image, 0, len(paths))
	wide := false
	for _, p := range paths {
		img, err := decodeFile(p)
		if err != nil {
			return nil, err
		}
		if len(planes) > 0 && img.Bounds().Size() != planes[0].Bounds().Size() {
			return nil, fmt.Errorf("plane %s is %v, expected %v", p, img.Bounds().Size(), planes[0].Bounds().Size())
		}
		wide = wide || is16Bit(img)
		planes = append(planes, img)
	}

	size := planes[0].Bounds().Size()
	shape := []int{size.Y, size.X}
	if len(planes) > 1 {
		shape = []int{len(planes), size.Y, size.X}
	}

	if wide {
		data := make([]uint16, 0, len(planes)*size.X*size.Y)
		for _, p := range planes {
			data = appendGray16(data, p)
		}
		buf, err := NewBuffer(shape, data)
		if err != nil {
			return nil, err
		}
		return buf, nil
	}
	data := make([]uint8, 0, len(planes)*size.X*size.Y)
	for _, p := range planes {
		data = appendGray8(data, p)
	}
	buf, err := NewBuffer(shape, data)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func is16Bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}

func appendGray16(dst []uint16, img image.Image) []uint16 {
	b := img.Bounds()
	if g, ok := img.(*image.Gray16); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				dst = append(dst, g.Gray16At(x, y).Y)
			}
		}
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst = append(dst, color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
		}
	}
	return dst
}

func appendGray8(dst []uint8, img image.Image) []uint8 {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			dst = append(dst, g.Pix[g.PixOffset(b.Min.X, y):g.PixOffset(b.Max.X, y)]...)
		}
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst = append(dst, color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return dst
}
