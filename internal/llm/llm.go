package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// Completer returns free-text model output for a named prompt template. No
// schema is enforced; callers validate the output.
type Completer interface {
	Complete(ctx context.Context, templateID string, vars map[string]any) (string, error)
}

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// Client wraps the Anthropic API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	hasKey    bool
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, maxTokens int64) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		hasKey:    apiKey != "",
	}
}

// Complete renders the template and returns the first text block of the reply.
func (c *Client) Complete(ctx context.Context, templateID string, vars map[string]any) (string, error) {
	if !c.hasKey {
		return "", apperrors.NewMissingCredential("ANTHROPIC_API_KEY")
	}
	systemPrompt, userPrompt, err := Render(templateID, vars)
	if err != nil {
		return "", err
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}
