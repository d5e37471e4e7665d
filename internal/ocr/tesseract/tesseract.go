// Package tesseract implements ocr.Extractor with libtesseract via gosseract.
package tesseract

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/lexiqai/page-speaker/internal/imaging"
)

// Engine runs one gosseract client per call in single uniform block mode.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// New constructs an engine for the given Tesseract language codes.
func New(languages ...string) *Engine {
	langs := make([]string, 0, len(languages))
	for _, l := range languages {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return &Engine{languages: langs, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Languages returns the configured language codes.
func (e *Engine) Languages() []string {
	return append([]string(nil), e.languages...)
}

// Extract recognizes the raster's text. Cancellation is checked before the
// engine runs; libtesseract itself cannot be interrupted.
func (e *Engine) Extract(ctx context.Context, raster *image.Gray) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := imaging.EncodePNG(raster)
	if err != nil {
		return "", err
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return "", fmt.Errorf("set page segmentation mode: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Version reports the linked libtesseract version.
func Version() string {
	c := gosseract.NewClient()
	defer c.Close()
	return c.Version()
}
