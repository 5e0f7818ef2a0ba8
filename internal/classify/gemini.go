package classify

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider classifies via the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider builds a provider from an API key.
func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

// Complete issues one GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, system, user string) (string, int64, int64, error) {
	result, err := p.client.Models.GenerateContent(ctx,
		p.model,
		genai.Text(user),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0),
			MaxOutputTokens:   maxResponseTokens,
		},
	)
	if err != nil {
		return "", 0, 0, fmt.Errorf("gemini generate content: %w", err)
	}

	var inTok, outTok int64
	if u := result.UsageMetadata; u != nil {
		inTok = int64(u.PromptTokenCount)
		outTok = int64(u.CandidatesTokenCount)
	}
	return result.Text(), inTok, outTok, nil
}
