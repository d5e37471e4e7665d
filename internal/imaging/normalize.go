// Package imaging turns uploaded photos and scans into the binarized raster
// handed to the OCR engine.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// BlockSize is the side of the neighbourhood used for the local mean.
	BlockSize = 21
	// Offset is subtracted from the local mean before comparing.
	Offset = 10
	// MaxPixels bounds the decoded raster size. A 4000x4000 page fits; each
	// pixel costs about six bytes of working memory during normalization.
	MaxPixels = 16_000_000
)

// ErrDecode is returned when the upload is not a decodable raster image.
var ErrDecode = errors.New("image could not be decoded")

// Normalize decodes data and returns the binarized raster. The same bytes
// always produce the same raster.
func Normalize(data []byte) (*image.Gray, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return NormalizeImage(img), nil
}

// Decode decodes any registered format and returns the format name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", fmt.Errorf("%w: %s image %dx%d out of bounds", ErrDecode, format, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// NormalizeImage runs luminance conversion, adaptive thresholding and a 2x2
// erode then dilate.
func NormalizeImage(img image.Image) *image.Gray {
	gray := ToGray(img)
	bin := image.NewGray(gray.Rect)
	adaptiveThresholdInto(bin, gray, BlockSize, Offset)

	// the luminance raster is no longer needed and holds the eroded pass
	erodeInto(gray, bin)
	dilateInto(bin, gray)
	return bin
}

// ToGray flattens img onto white and converts it to 8-bit luminance. The
// result always starts at the origin.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())

	if g, ok := img.(*image.Gray); ok {
		out := image.NewGray(rect)
		draw.Draw(out, rect, g, b.Min, draw.Src)
		return out
	}

	// flatten one row at a time so only a single RGBA row is held
	out := image.NewGray(rect)
	strip := image.NewRGBA(image.Rect(0, 0, rect.Dx(), 1))
	white := image.NewUniform(color.White)
	for y := 0; y < rect.Dy(); y++ {
		draw.Draw(strip, strip.Rect, white, image.Point{}, draw.Src)
		draw.Draw(strip, strip.Rect, img, image.Pt(b.Min.X, b.Min.Y+y), draw.Over)
		draw.Draw(out, image.Rect(0, y, rect.Dx(), y+1), strip, image.Point{}, draw.Src)
	}
	return out
}

// EncodePNG encodes the raster losslessly for the OCR engine.
func EncodePNG(img *image.Gray) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// IsBinary reports whether every pixel is 0 or 255.
func IsBinary(img *image.Gray) bool {
	for _, v := range img.Pix {
		if v != 0 && v != 255 {
			return false
		}
	}
	return true
}
