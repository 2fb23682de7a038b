package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
	opts   clientOptions
}

func newAnthropicClient(apiKey, model string, opts *clientOptions) (*anthropicClient, error) {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.baseURL))
	}

	o := *opts
	if o.maxTokens <= 0 {
		o.maxTokens = defaultMaxTokens
	}
	return &anthropicClient{client: anthropic.NewClient(clientOpts...), model: model, opts: o}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	system, turns := splitSystem(messages)
	// There is no JSON response mode; the instruction goes in the system prompt.
	if c.opts.jsonOutput {
		system = append(system, jsonInstruction)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.opts.maxTokens),
	}
	for _, s := range system {
		params.System = append(params.System, anthropic.TextBlockParam{Text: s})
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if c.opts.temperature != nil {
		params.Temperature = anthropic.Float(float64(*c.opts.temperature))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			b.WriteString(resp.Content[i].Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return text, nil
}
