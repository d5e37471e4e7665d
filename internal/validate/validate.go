// Package validate decides whether OCR output looks like readable prose.
package validate

import (
	"strings"
	"unicode"
)

// Thresholds configure the heuristic.
type Thresholds struct {
	MinLength         int     // runes after trimming
	MinWords          int     // whitespace separated tokens
	MinAlnumWordRatio float64 // tokens containing a letter or digit / all tokens
	MaxNoiseRatio     float64 // noise runes / all runes of the trimmed text
}

// DefaultThresholds returns the stock heuristic settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLength:         10,
		MinWords:          2,
		MinAlnumWordRatio: 0.5,
		MaxNoiseRatio:     0.3,
	}
}

// Reason names the first rule that rejected the text.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTooShort    Reason = "too_short"
	ReasonTooFewWords Reason = "too_few_words"
	ReasonLowAlnum    Reason = "low_alphanumeric_ratio"
	ReasonNoisy       Reason = "too_noisy"
)

// Metrics are the measured values behind a verdict.
type Metrics struct {
	Length     int
	Words      int
	AlnumRatio float64
	NoiseRatio float64
}

// Verdict is the result of Check.
type Verdict struct {
	Valid   bool
	Reason  Reason
	Metrics Metrics
}

// Validator applies Thresholds. It holds no state and is safe for
// concurrent use.
type Validator struct {
	t Thresholds
}

// New returns a validator for t.
func New(t Thresholds) *Validator {
	return &Validator{t: t}
}

// Thresholds returns the configured thresholds.
func (v *Validator) Thresholds() Thresholds {
	return v.t
}

// IsValid reports whether raw passes every rule.
func (v *Validator) IsValid(raw string) bool {
	return v.Check(raw).Valid
}

// Check measures raw and applies the rules in order: length, word count,
// alphanumeric word ratio, noise ratio.
func (v *Validator) Check(raw string) Verdict {
	m := Measure(raw)
	verdict := Verdict{Metrics: m}

	switch {
	case m.Length < v.t.MinLength:
		verdict.Reason = ReasonTooShort
	case m.Words < v.t.MinWords:
		verdict.Reason = ReasonTooFewWords
	case m.AlnumRatio < v.t.MinAlnumWordRatio:
		verdict.Reason = ReasonLowAlnum
	case m.NoiseRatio > v.t.MaxNoiseRatio:
		verdict.Reason = ReasonNoisy
	default:
		verdict.Valid = true
	}
	return verdict
}

// Measure computes the heuristic inputs. Lengths count runes and any
// whitespace rune is treated like a space.
func Measure(raw string) Metrics {
	text := strings.TrimSpace(raw)
	words := strings.Fields(text)

	m := Metrics{
		Length: len([]rune(text)),
		Words:  len(words),
	}

	if len(words) > 0 {
		alnum := 0
		for _, w := range words {
			if strings.IndexFunc(w, isAlnum) >= 0 {
				alnum++
			}
		}
		m.AlnumRatio = float64(alnum) / float64(len(words))
	}

	if m.Length > 0 {
		noise := 0
		for _, r := range text {
			if isNoise(r) {
				noise++
			}
		}
		m.NoiseRatio = float64(noise) / float64(m.Length)
	}

	return m
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isNoise(r rune) bool {
	if isAlnum(r) || unicode.IsSpace(r) {
		return false
	}
	switch r {
	case '.', ',', '!', '?':
		return false
	}
	return true
}
