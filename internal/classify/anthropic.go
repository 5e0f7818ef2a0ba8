package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

// messagesAPI is the slice of the Anthropic SDK the provider uses. It is
// satisfied by *sdk.MessageService so tests can substitute a fake.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider classifies via the Claude Messages API.
type AnthropicProvider struct {
	messages messagesAPI
	model    string
}

// NewAnthropicProvider builds a provider from an API key.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{messages: &ac.Messages, model: model}, nil
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// Complete issues one non-streaming Messages.New call.
func (p *AnthropicProvider) Complete(ctx context.Context, system, user string) (string, int64, int64, error) {
	msg, err := p.messages.New(ctx, sdk.MessageNewParams{
		MaxTokens: maxResponseTokens,
		Model:     sdk.Model(p.model),
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), msg.Usage.InputTokens, msg.Usage.OutputTokens, nil
}
