package imaging

import (
	"image"
	"math"
)

// GaussianKernel returns the normalized 1-D kernel for size taps. The sigma
// is derived from the size as 0.3*((size-1)*0.5-1)+0.8.
func GaussianKernel(size int) []float64 {
	sigma := 0.3*(float64(size-1)*0.5-1) + 0.8
	half := size / 2
	k := make([]float64, size)

	var sum float64
	for i := range k {
		x := float64(i - half)
		k[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur smooths src with a separable size x size kernel, replicating
// edge pixels beyond the border. Results are rounded to 8 bits.
func GaussianBlur(src *image.Gray, size int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
	gaussianBlurInto(out, src, size)
	return out
}

// gaussianBlurInto writes the blur of src into dst, which must have the same
// size. The horizontal pass is kept in float32 to hold the intermediate at
// four bytes per pixel.
func gaussianBlurInto(dst, src *image.Gray, size int) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 {
		return
	}

	k := GaussianKernel(size)
	half := size / 2
	tmp := make([]float32, w*h)

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range k {
				acc += kv * float64(row[clamp(x+i-half, w)])
			}
			tmp[y*w+x] = float32(acc)
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range k {
				acc += kv * float64(tmp[clamp(y+i-half, h)*w+x])
			}
			dst.Pix[y*dst.Stride+x] = uint8(math.Min(255, math.Max(0, math.Round(acc))))
		}
	}
}

// AdaptiveThreshold sets a pixel to 255 when it is strictly brighter than
// its Gaussian weighted neighbourhood mean minus c, else 0.
func AdaptiveThreshold(src *image.Gray, blockSize int, c int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
	adaptiveThresholdInto(out, src, blockSize, c)
	return out
}

// adaptiveThresholdInto blurs src into dst and then binarizes dst in place.
// Each output pixel depends only on the source and mean at the same spot.
func adaptiveThresholdInto(dst, src *image.Gray, blockSize int, c int) {
	gaussianBlurInto(dst, src, blockSize)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*dst.Stride + x
			v := int(src.Pix[y*src.Stride+x])
			if v > int(dst.Pix[i])-c {
				dst.Pix[i] = 255
			} else {
				dst.Pix[i] = 0
			}
		}
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
