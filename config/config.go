package config

import (
	"math"
	"os"
	"time"
)

// Section is the settings namespace shared by the editor table and the config file
const Section = "kb-ollama-coder"

// Recognized setting keys
const (
	KeyEndpoint           = "endpoint"
	KeyModel              = "model"
	KeyMessageHeader      = "message header"
	KeyTemperature        = "temperature"
	KeyMaxTokensPredicted = "max tokens predicted"
	KeyPromptWindowSize   = "prompt window size"
	KeyCompletionKeys     = "completion keys"
	KeyResponsePreview    = "response preview"
	KeyPreviewMaxTokens   = "preview max tokens"
	KeyPreviewDelay       = "preview delay"
	KeyContinueInline     = "continue inline"
	KeyBearerKey          = "bearerKey"
	KeyAPIKey             = "apiKey"
	KeyBaseURL            = "baseUrl"
	KeyUseOpenAISpec      = "useOpenAiSpec"
)

// Defaults
const (
	DefaultEndpoint           = "http://localhost:11434/api/generate"
	DefaultModel              = "deepseek-coder:instruct"
	DefaultTemperature        = 0.5
	DefaultMaxTokensPredicted = 1000
	DefaultPromptWindowSize   = 2000
	DefaultCompletionKeys     = " "
	DefaultPreviewMaxTokens   = 50
	DefaultClientBaseURL      = "https://api.openai.com/v1"
)

// Environment fallbacks for the OpenAI-compatible client credentials
const (
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
)

// Settings is a raw key/value view of the user's settings
type Settings map[string]any

// Snapshot is an immutable view of the configuration.
// A new Snapshot is built on every change; fields are never mutated in place.
type Snapshot struct {
	Endpoint           string
	Model              string
	MessageHeader      string
	Temperature        float64
	MaxPredictedTokens int
	PromptWindowSize   int // characters
	CompletionKeys     string
	PreviewEnabled     bool
	PreviewMaxTokens   int
	PreviewDelay       time.Duration
	ContinueInline     bool
	BearerToken        string
	UseOpenAISpec      bool
	ClientAPIKey       string
	ClientBaseURL      string
}

// Load builds a Snapshot from settings. Missing, falsy or mistyped values fall
// back to defaults; the preview delay is the only field where zero is kept.
func Load(settings Settings) *Snapshot {
	if settings == nil {
		settings = Settings{}
	}

	delaySeconds := settings.number(KeyPreviewDelay, 0)
	if delaySeconds < 0 || math.IsNaN(delaySeconds) || math.IsInf(delaySeconds, 0) {
		delaySeconds = 0
	}

	return &Snapshot{
		Endpoint:           settings.str(KeyEndpoint, DefaultEndpoint),
		Model:              settings.str(KeyModel, DefaultModel),
		MessageHeader:      settings.str(KeyMessageHeader, ""),
		Temperature:        settings.number(KeyTemperature, DefaultTemperature),
		MaxPredictedTokens: settings.positiveInt(KeyMaxTokensPredicted, DefaultMaxTokensPredicted),
		PromptWindowSize:   settings.positiveInt(KeyPromptWindowSize, DefaultPromptWindowSize),
		CompletionKeys:     settings.str(KeyCompletionKeys, DefaultCompletionKeys),
		PreviewEnabled:     settings.boolean(KeyResponsePreview),
		PreviewMaxTokens:   settings.positiveInt(KeyPreviewMaxTokens, DefaultPreviewMaxTokens),
		PreviewDelay:       time.Duration(delaySeconds * float64(time.Second)),
		ContinueInline:     settings.boolean(KeyContinueInline),
		BearerToken:        settings.str(KeyBearerKey, ""),
		UseOpenAISpec:      settings.boolean(KeyUseOpenAISpec),
		ClientAPIKey:       settings.str(KeyAPIKey, os.Getenv(EnvOpenAIAPIKey)),
		ClientBaseURL:      settings.str(KeyBaseURL, envOr(EnvOpenAIBaseURL, DefaultClientBaseURL)),
	}
}

// ProgressIncrement is the per-fragment progress increment in percent.
// It approximates one token per fragment.
func (s *Snapshot) ProgressIncrement() float64 {
	return 1 / (float64(s.MaxPredictedTokens) / 100)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s Settings) str(key, fallback string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (s Settings) boolean(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// number returns the value for key as float64, or fallback when absent, zero or not numeric
func (s Settings) number(key string, fallback float64) float64 {
	var f float64
	switch v := s[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return fallback
	}
	if f == 0 || math.IsNaN(f) {
		return fallback
	}
	return f
}

func (s Settings) positiveInt(key string, fallback int) int {
	n := s.number(key, float64(fallback))
	if n < 1 || math.IsInf(n, 0) {
		return fallback
	}
	return int(n)
}
