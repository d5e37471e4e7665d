package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AZURE_SPEECH_KEY", "test-azure-key")
	t.Setenv("AZURE_SPEECH_REGION", "brazilsouth")
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AzureSpeechKey != "test-azure-key" {
		t.Errorf("Expected AzureSpeechKey 'test-azure-key', got '%s'", cfg.AzureSpeechKey)
	}

	if cfg.AzureSpeechRegion != "brazilsouth" {
		t.Errorf("Expected AzureSpeechRegion 'brazilsouth', got '%s'", cfg.AzureSpeechRegion)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("AZURE_SPEECH_KEY", "")
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.ScratchBackend != ScratchBackendFS {
		t.Errorf("Expected default ScratchBackend 'fs', got '%s'", cfg.ScratchBackend)
	}

	if cfg.ScratchMaxAge != 600 {
		t.Errorf("Expected default ScratchMaxAge 600, got %d", cfg.ScratchMaxAge)
	}

	if len(cfg.OCRLanguages) != 1 || cfg.OCRLanguages[0] != "eng" {
		t.Errorf("Expected default OCRLanguages [eng], got %v", cfg.OCRLanguages)
	}

	if cfg.ValidatorMinLength != 10 || cfg.ValidatorMinWords != 2 {
		t.Errorf("Unexpected validator defaults: length=%d words=%d", cfg.ValidatorMinLength, cfg.ValidatorMinWords)
	}

	if cfg.ValidatorMinAlnumRatio != 0.5 {
		t.Errorf("Expected default ValidatorMinAlnumRatio 0.5, got %f", cfg.ValidatorMinAlnumRatio)
	}

	if cfg.ValidatorMaxNoiseRatio != 0.3 {
		t.Errorf("Expected default ValidatorMaxNoiseRatio 0.3, got %f", cfg.ValidatorMaxNoiseRatio)
	}

	if cfg.RefinerProvider != RefinerGemini {
		t.Errorf("Expected default RefinerProvider 'gemini', got '%s'", cfg.RefinerProvider)
	}

	if cfg.FallbackPhrase() != DefaultFallbackPhrase {
		t.Errorf("Expected default fallback phrase, got '%s'", cfg.FallbackPhrase())
	}
}

func TestLoad_RefinerKeyRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Error("Expected error when gemini is selected without a key")
	}

	t.Setenv("REFINER_PROVIDER", RefinerNone)
	if _, err := Load(); err != nil {
		t.Errorf("Expected no error with refinement disabled, got %v", err)
	}
}

func TestLoad_UnknownScratchBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("SCRATCH_BACKEND", "s3")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown scratch backend")
	}
}

func TestLoadFromEnv_OCRLanguages(t *testing.T) {
	setRequired(t)
	t.Setenv("OCR_LANGUAGES", "por,eng")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if len(cfg.OCRLanguages) != 2 || cfg.OCRLanguages[0] != "por" || cfg.OCRLanguages[1] != "eng" {
		t.Errorf("Expected OCRLanguages [por eng], got %v", cfg.OCRLanguages)
	}
}

func TestLoad_PhrasesFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "phrases.toml")
	data := `
refine_instruction = "Fix this: {text}"

[fallback]
"pt-BR" = "Nada encontrado."
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write phrases file: %v", err)
	}
	t.Setenv("PHRASES_FILE", path)
	t.Setenv("SPEECH_LOCALE", "pt-BR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Phrases.RefineInstruction != "Fix this: {text}" {
		t.Errorf("Expected overridden instruction, got '%s'", cfg.Phrases.RefineInstruction)
	}

	if cfg.FallbackPhrase() != "Nada encontrado." {
		t.Errorf("Expected overridden pt-BR phrase, got '%s'", cfg.FallbackPhrase())
	}
}

func TestPhrases_FallbackFor(t *testing.T) {
	phrases := DefaultPhrases()

	tests := []struct {
		locale string
		want   string
	}{
		{"en-US", DefaultFallbackPhrase},
		{"pt-BR", "Nenhum texto encontrado na imagem! Por favor, tente novamente."},
		{"PT", "Nenhum texto encontrado na imagem! Por favor, tente novamente."},
		{"ja-JP", DefaultFallbackPhrase},
		{"", DefaultFallbackPhrase},
	}

	for _, tt := range tests {
		if got := phrases.FallbackFor(tt.locale); got != tt.want {
			t.Errorf("FallbackFor(%q) = %q, want %q", tt.locale, got, tt.want)
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
