// Package ocr defines the text extraction boundary.
package ocr

import (
	"context"
	"image"
)

// Extractor recognizes text in a binarized raster. An empty string is a
// normal result for images without text.
type Extractor interface {
	Extract(ctx context.Context, raster *image.Gray) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, raster *image.Gray) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, raster *image.Gray) (string, error) {
	return f(ctx, raster)
}
