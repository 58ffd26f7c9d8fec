package domain

import "context"

// Narrative section keys, in report order.
const (
	SectionSummary     = "I"
	SectionAccount     = "II"
	SectionDescription = "III"
	SectionExplanation = "IV"
	SectionConclusion  = "V"
)

// SectionKeys lists the five section keys in report order.
var SectionKeys = []string{SectionSummary, SectionAccount, SectionDescription, SectionExplanation, SectionConclusion}

// NarrativeSections maps section keys to section bodies.
// A map holding only SectionSummary means no headers were found.
type NarrativeSections map[string]string

// GenerationPath records which branch produced the narrative text.
type GenerationPath string

const (
	PathGenerated GenerationPath = "generated"
	PathFallback  GenerationPath = "fallback"
)

// GenerationAudit is the bounded record of one narrative generation.
type GenerationAudit struct {
	Path            GenerationPath `json:"path"`
	Model           string         `json:"model"`
	PromptLength    int            `json:"prompt_length"`
	ResponseLength  int            `json:"response_length"`
	DurationSeconds float64        `json:"duration_seconds"`
	PromptPreview   string         `json:"prompt_preview"`
	ResponsePreview string         `json:"response_preview"`
	Error           string         `json:"error,omitempty"`
}

// Generator is the text-generation backend contract:
// one prompt in, one completion out.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// LLMConfig holds text-generation backend settings.
type LLMConfig struct {
	// Backend is "ollama", "openai" or "none" (fallback only)
	Backend string

	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	// Timeout bounds each generation call
	Timeout int // seconds

	// Circuit breaker
	BreakerFailures int
	BreakerCooldown int // seconds

	// Rate limit on outbound calls (0 disables)
	RequestsPerSecond float64
	Burst             int

	// PromptTemplateFile optionally overrides the built-in prompt template
	PromptTemplateFile string
}
