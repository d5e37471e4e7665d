package imaging

import "image"

// Erode replaces each pixel with the minimum of the 2x2 block ending at it
// (the pixel, its left, upper and upper-left neighbours). Neighbours outside
// the image are ignored.
func Erode(src *image.Gray) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
	erodeInto(out, src)
	return out
}

// Dilate is Erode with maximum instead of minimum.
func Dilate(src *image.Gray) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, src.Rect.Dx(), src.Rect.Dy()))
	dilateInto(out, src)
	return out
}

func erodeInto(dst, src *image.Gray) {
	morph2x2(dst, src, func(a, b uint8) uint8 {
		if b < a {
			return b
		}
		return a
	})
}

func dilateInto(dst, src *image.Gray) {
	morph2x2(dst, src, func(a, b uint8) uint8 {
		if b > a {
			return b
		}
		return a
	})
}

// morph2x2 writes into dst, which must be the size of src and must not
// share its pixels.
func morph2x2(dst, src *image.Gray, pick func(a, b uint8) uint8) {
	w, h := src.Rect.Dx(), src.Rect.Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src.Pix[y*src.Stride+x]
			if x > 0 {
				v = pick(v, src.Pix[y*src.Stride+x-1])
			}
			if y > 0 {
				v = pick(v, src.Pix[(y-1)*src.Stride+x])
				if x > 0 {
					v = pick(v, src.Pix[(y-1)*src.Stride+x-1])
				}
			}
			dst.Pix[y*dst.Stride+x] = v
		}
	}
}
