package pipeline

import (
	"fmt"

	"github.com/lexiqai/page-speaker/internal/scratch"
	"github.com/lexiqai/page-speaker/internal/validate"
)

// Stage names a pipeline step in errors, logs and metrics.
type Stage string

const (
	StageStore      Stage = "store"
	StageNormalize  Stage = "normalize"
	StageExtract    Stage = "extract"
	StageValidate   Stage = "validate"
	StageRefine     Stage = "refine"
	StageSynthesize Stage = "synthesize"
	StageLog        Stage = "log"
)

// StageError is the only error Run returns. Its message names the stage and
// nothing else; the cause is available through Unwrap.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("conversion failed at %s stage", e.Stage)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Branch tells which kind of text was spoken.
type Branch string

const (
	BranchRefined  Branch = "refined"
	BranchFallback Branch = "fallback"
)

// Speech is the text handed to the synthesizer: either RefinedText or
// FallbackText. It is never empty.
type Speech interface {
	Text() string
	Branch() Branch
	speech()
}

// RefinedText is extracted text after the refiner, which may have returned it
// unchanged.
type RefinedText struct {
	Value string
}

func (t RefinedText) Text() string   { return t.Value }
func (t RefinedText) Branch() Branch { return BranchRefined }
func (RefinedText) speech()          {}

// FallbackText is the fixed phrase spoken when no usable text was found.
type FallbackText struct {
	Value string
}

func (t FallbackText) Text() string   { return t.Value }
func (t FallbackText) Branch() Branch { return BranchFallback }
func (FallbackText) speech()          {}

// Request is one conversion.
type Request struct {
	ClientID      string
	Image         []byte
	CorrelationID string
}

// Result is a finished conversion. The audio stays in scratch storage until
// the caller removes it or the janitor reclaims it.
type Result struct {
	CorrelationID string
	AudioPath     scratch.Path
	ContentType   string
	Speech        Speech
	Verdict       validate.Verdict
}
