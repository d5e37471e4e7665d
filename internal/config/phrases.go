package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultRefineInstruction is sent to the grammar refiner; {text} is replaced
// with the extraction. Without the placeholder the text is appended.
const DefaultRefineInstruction = "Correct and improve the grammar of this text. " +
	"Do not return any information other than the corrected text: {text}"

// DefaultFallbackPhrase is spoken when no usable text is found.
const DefaultFallbackPhrase = "No text found in the image! Please try again."

var defaultFallbacks = map[string]string{
	"en": DefaultFallbackPhrase,
	"pt": "Nenhum texto encontrado na imagem! Por favor, tente novamente.",
	"es": "¡No se encontró texto en la imagen! Por favor, inténtelo de nuevo.",
	"fr": "Aucun texte trouvé dans l'image ! Veuillez réessayer.",
	"de": "Kein Text im Bild gefunden! Bitte versuchen Sie es erneut.",
}

// Phrases holds the user facing text the pipeline speaks or sends on its own.
type Phrases struct {
	RefineInstruction string            `toml:"refine_instruction"`
	Fallback          map[string]string `toml:"fallback"` // keyed by locale ("pt-BR") or language ("pt")
}

// DefaultPhrases returns the built in phrase table.
func DefaultPhrases() Phrases {
	fallback := make(map[string]string, len(defaultFallbacks))
	for k, v := range defaultFallbacks {
		fallback[k] = v
	}

	return Phrases{
		RefineInstruction: DefaultRefineInstruction,
		Fallback:          fallback,
	}
}

// LoadPhrases reads an optional TOML phrase file on top of the defaults.
// An empty path returns the defaults.
func LoadPhrases(path string) (Phrases, error) {
	phrases := DefaultPhrases()
	if strings.TrimSpace(path) == "" {
		return phrases, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Phrases{}, fmt.Errorf("failed to read phrases file: %w", err)
	}

	var overlay Phrases
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return Phrases{}, fmt.Errorf("failed to parse phrases file: %w", err)
	}

	if strings.TrimSpace(overlay.RefineInstruction) != "" {
		phrases.RefineInstruction = overlay.RefineInstruction
	}
	for locale, phrase := range overlay.Fallback {
		if strings.TrimSpace(phrase) == "" {
			continue
		}
		phrases.Fallback[strings.ToLower(locale)] = phrase
	}

	return phrases, nil
}

// FallbackFor resolves the phrase for a locale: exact match, then the
// language part, then English.
func (p Phrases) FallbackFor(locale string) string {
	key := strings.ToLower(strings.TrimSpace(locale))
	if phrase, ok := p.Fallback[key]; ok {
		return phrase
	}
	if lang, _, found := strings.Cut(key, "-"); found {
		if phrase, ok := p.Fallback[lang]; ok {
			return phrase
		}
	}
	if phrase, ok := p.Fallback["en"]; ok {
		return phrase
	}

	return DefaultFallbackPhrase
}
