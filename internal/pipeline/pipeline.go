// Package pipeline sequences one image-to-audio conversion: store, normalize,
// extract, validate, refine or fall back, synthesize, record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/page-speaker/internal/auditlog"
	"github.com/lexiqai/page-speaker/internal/observability"
	"github.com/lexiqai/page-speaker/internal/ocr"
	"github.com/lexiqai/page-speaker/internal/refine"
	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/tts"
	"github.com/lexiqai/page-speaker/internal/validate"
)

const auditTimeout = 5 * time.Second

// Store is the scratch storage the pipeline needs.
type Store interface {
	Allocate(ctx context.Context, category scratch.Category, ext string) (scratch.Path, error)
	Write(ctx context.Context, p scratch.Path, data []byte) error
	Read(ctx context.Context, p scratch.Path) ([]byte, error)
	Remove(ctx context.Context, p scratch.Path) error
}

// Validator decides whether an extraction is prose.
type Validator interface {
	Check(raw string) validate.Verdict
}

// NormalizeFunc turns upload bytes into the OCR raster.
type NormalizeFunc func(data []byte) (*image.Gray, error)

// Deps are the collaborators of a Pipeline. Audit may be nil.
type Deps struct {
	Store          Store
	Normalize      NormalizeFunc
	Extractor      ocr.Extractor
	Validator      Validator
	Refiner        refine.Refiner
	Synthesizer    tts.Synthesizer
	Audit          auditlog.Sink
	FallbackPhrase string
	AudioExt       string
	ContentType    string
}

// Pipeline runs conversions. It is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	logger zerolog.Logger
}

// New checks deps and returns a Pipeline.
func New(deps Deps, logger zerolog.Logger) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Normalize == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("pipeline: synthesizer is required")
	case strings.TrimSpace(deps.FallbackPhrase) == "":
		return nil, errors.New("pipeline: fallback phrase is required")
	}
	if deps.Refiner == nil {
		deps.Refiner = refine.Nop{}
	}
	if deps.AudioExt == "" {
		deps.AudioExt = ".mp3"
	}
	if deps.ContentType == "" {
		deps.ContentType = "audio/mpeg"
	}

	return &Pipeline{
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Run converts req.Image into speech. Errors are *StageError. The image
// scratch entry is removed before Run returns; the audio entry survives only
// on success.
func (p *Pipeline) Run(ctx context.Context, req Request) (res *Result, err error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(p.logger, correlationID).
		With().Str("client_id", req.ClientID).Logger()

	metrics := observability.NewConversionMetrics(correlationID)
	metrics.RecordConversionStart()
	branch := ""
	defer func() {
		metrics.RecordConversionEnd(branch, err == nil)
	}()

	cleanupCtx := context.WithoutCancel(ctx)

	// Received: keep the upload in scratch for the duration of the run
	metrics.RecordStageStart(string(StageStore))
	imagePath, err := p.deps.Store.Allocate(ctx, scratch.CategoryImage, imageExt(req.Image))
	if err == nil {
		err = p.deps.Store.Write(ctx, imagePath, req.Image)
		if err != nil {
			p.remove(cleanupCtx, logger, imagePath)
		}
	}
	metrics.RecordStageEnd(string(StageStore), err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store upload")
		return nil, &StageError{Stage: StageStore, Err: err}
	}
	defer p.remove(cleanupCtx, logger, imagePath)

	// Normalized
	metrics.RecordStageStart(string(StageNormalize))
	raster, err := p.normalize(ctx, imagePath)
	metrics.RecordStageEnd(string(StageNormalize), err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Image normalization failed")
		return nil, &StageError{Stage: StageNormalize, Err: err}
	}

	// Extracted: engine errors have no failure path and count as no text
	metrics.RecordStageStart(string(StageExtract))
	raw, extractErr := p.deps.Extractor.Extract(ctx, raster)
	metrics.RecordStageEnd(string(StageExtract), extractErr == nil)
	if extractErr != nil {
		observability.IncrementExtractionFailures()
		logger.Warn().Err(extractErr).Msg("Text extraction failed, continuing with empty text")
		raw = ""
	}

	// Validated
	metrics.RecordStageStart(string(StageValidate))
	verdict := p.deps.Validator.Check(raw)
	metrics.RecordStageEnd(string(StageValidate), true)
	logger.Debug().
		Bool("valid", verdict.Valid).
		Str("reason", string(verdict.Reason)).
		Int("length", verdict.Metrics.Length).
		Int("words", verdict.Metrics.Words).
		Msg("Extraction validated")

	var speech Speech
	if verdict.Valid {
		metrics.RecordStageStart(string(StageRefine))
		// a failed refinement speaks the validated text as extracted
		refined := p.deps.Refiner.Refine(ctx, raw)
		if strings.TrimSpace(refined) == "" {
			refined = raw
		}
		metrics.RecordStageEnd(string(StageRefine), true)
		speech = RefinedText{Value: refined}
	} else {
		speech = FallbackText{Value: p.deps.FallbackPhrase}
	}
	branch = string(speech.Branch())

	// Synthesized
	metrics.RecordStageStart(string(StageSynthesize))
	outcome := p.deps.Synthesizer.Synthesize(ctx, speech.Text())
	if synthErr := outcome.Err(); synthErr != nil {
		metrics.RecordStageEnd(string(StageSynthesize), false)
		logger.Error().Err(synthErr).Str("branch", branch).Msg("Speech synthesis canceled")
		return nil, &StageError{Stage: StageSynthesize, Err: synthErr}
	}
	metrics.RecordStageEnd(string(StageSynthesize), true)
	metrics.RecordAudioBytes(len(outcome.Audio))

	metrics.RecordStageStart(string(StageStore))
	audioPath, err := p.storeAudio(ctx, cleanupCtx, logger, outcome.Audio)
	metrics.RecordStageEnd(string(StageStore), err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store audio")
		return nil, &StageError{Stage: StageStore, Err: err}
	}

	// Logged: never fails the run
	metrics.RecordStageStart(string(StageLog))
	auditErr := p.record(cleanupCtx, req, speech)
	metrics.RecordStageEnd(string(StageLog), auditErr == nil)
	if auditErr != nil {
		observability.IncrementAuditFailures()
		logger.Error().Err(auditErr).Msg("Failed to record conversion")
	}

	contentType := outcome.ContentType
	if contentType == "" {
		contentType = p.deps.ContentType
	}

	logger.Info().
		Str("branch", branch).
		Str("audio", audioPath.Key()).
		Int("audio_bytes", len(outcome.Audio)).
		Msg("Conversion finished")

	return &Result{
		CorrelationID: correlationID,
		AudioPath:     audioPath,
		ContentType:   contentType,
		Speech:        speech,
		Verdict:       verdict,
	}, nil
}

func (p *Pipeline) normalize(ctx context.Context, imagePath scratch.Path) (*image.Gray, error) {
	data, err := p.deps.Store.Read(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return p.deps.Normalize(data)
}

func (p *Pipeline) storeAudio(ctx, cleanupCtx context.Context, logger zerolog.Logger, audio []byte) (scratch.Path, error) {
	audioPath, err := p.deps.Store.Allocate(ctx, scratch.CategoryAudio, p.deps.AudioExt)
	if err != nil {
		return scratch.Path{}, err
	}
	if err := p.deps.Store.Write(ctx, audioPath, audio); err != nil {
		p.remove(cleanupCtx, logger, audioPath)
		return scratch.Path{}, err
	}
	return audioPath, nil
}

func (p *Pipeline) record(ctx context.Context, req Request, speech Speech) error {
	if p.deps.Audit == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	return p.deps.Audit.Record(ctx, auditlog.Entry{
		ClientID: req.ClientID,
		Image:    req.Image,
		Text:     speech.Text(),
		Branch:   string(speech.Branch()),
	})
}

func (p *Pipeline) remove(ctx context.Context, logger zerolog.Logger, path scratch.Path) {
	if err := p.deps.Store.Remove(ctx, path); err != nil {
		logger.Warn().Err(err).Str("entry", path.Key()).Msg("Failed to remove scratch entry")
	}
}

// imageExt picks a file extension from the sniffed content type.
func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".img"
	}
}
