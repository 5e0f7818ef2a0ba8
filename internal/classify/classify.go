// Package classify refines memory types after the write path has already
// stored a record. A cheap LLM call re-reads the captured content and, when
// confident enough, the worker rewrites the type payload fields. This is the
// only component that mutates a record's type after the initial write.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"engram/internal/config"
	"engram/internal/memory"
)

// maxResponseTokens bounds the completion. The contract is one small JSON
// object; anything longer is the model rambling.
const maxResponseTokens = 1024

// Provider is one LLM backend. Complete sends a system prompt and a user
// prompt and returns the raw completion text plus reported token usage
// (zero when the provider does not report usage).
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (text string, inputTokens, outputTokens int64, err error)
}

// NewProvider builds the configured provider.
func NewProvider(cfg *config.Config) (Provider, error) {
	c := cfg.Classifier
	switch c.Provider {
	case "anthropic":
		return NewAnthropicProvider(c.AnthropicAPIKey, c.Model)
	case "openai":
		return NewOpenAIProvider(c.OpenAIAPIKey, c.Model)
	case "gemini":
		return NewGeminiProvider(c.GeminiAPIKey, c.Model)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", c.Provider)
	}
}

// Result is one classification outcome.
type Result struct {
	ClassifiedType  memory.Type `json:"classified_type"`
	Confidence      float64     `json:"confidence"`
	ProviderUsed    string      `json:"provider_used"`
	Reasoning       string      `json:"reasoning"`
	WasReclassified bool        `json:"was_reclassified"`
	ModelName       string      `json:"model_name"`
	InputTokens     int64       `json:"input_tokens"`
	OutputTokens    int64       `json:"output_tokens"`
}

// Classifier wraps a provider with the prompt and response contract.
type Classifier struct {
	provider Provider
}

// New builds a classifier over a provider.
func New(provider Provider) *Classifier {
	return &Classifier{provider: provider}
}

const systemPrompt = `You classify memory records captured from AI coding assistant sessions. ` +
	`You always respond with a single JSON object and nothing else.`

// Classify asks the provider to re-type one record. A response naming a type
// outside the known enumeration is an error and the record stays untouched.
func (c *Classifier) Classify(ctx context.Context, content, collection, currentType string) (Result, error) {
	text, inTok, outTok, err := c.provider.Complete(ctx, systemPrompt, buildPrompt(content, collection, currentType))
	if err != nil {
		return Result{}, fmt.Errorf("%s completion failed: %w", c.provider.Name(), err)
	}

	raw, ok := extractJSON(text)
	if !ok {
		return Result{}, fmt.Errorf("%s returned no JSON object: %q", c.provider.Name(), clip(text, 120))
	}
	var parsed struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{}, fmt.Errorf("%s returned malformed JSON: %w", c.provider.Name(), err)
	}

	typ := memory.Type(strings.TrimSpace(parsed.Type))
	if !typ.Valid() {
		return Result{}, fmt.Errorf("%s returned unknown type %q", c.provider.Name(), parsed.Type)
	}

	return Result{
		ClassifiedType:  typ,
		Confidence:      clamp01(parsed.Confidence),
		ProviderUsed:    c.provider.Name(),
		Reasoning:       parsed.Reasoning,
		WasReclassified: string(typ) != currentType,
		ModelName:       c.provider.Model(),
		InputTokens:     inTok,
		OutputTokens:    outTok,
	}, nil
}

// buildPrompt constrains the model to the types routed to the record's
// collection. The record never moves collections; only its type label can.
func buildPrompt(content, collection, currentType string) string {
	types := memory.TypesForCollection(collection)
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Classify this memory record from the %q collection.\n\n", collection)
	fmt.Fprintf(&b, "Current type: %s\n", currentType)
	fmt.Fprintf(&b, "Valid types: %s\n\n", strings.Join(names, ", "))
	b.WriteString("Content:\n\"\"\"\n")
	b.WriteString(content)
	b.WriteString("\n\"\"\"\n\n")
	b.WriteString(`Respond with JSON: {"type": "<one of the valid types>", "confidence": <0.0 to 1.0>, "reasoning": "<one sentence>"}`)
	return b.String()
}

// extractJSON returns the first balanced {...} block in text. Models wrap
// answers in prose or code fences often enough that strict decoding of the
// whole response would fail on correct answers.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
