package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	opts   clientOptions
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, opts: *opts}, nil
}

// geminiContents maps the conversation onto Gemini's user/model roles.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	system, turns := splitSystem(messages)

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return instruction, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	instruction, contents := geminiContents(messages)
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini: no user message provided")
	}

	config := &genai.GenerateContentConfig{SystemInstruction: instruction}
	if c.opts.maxTokens > 0 {
		config.MaxOutputTokens = int32(c.opts.maxTokens)
	}
	if c.opts.jsonOutput {
		config.ResponseMIMEType = "application/json"
	}
	if c.opts.temperature != nil {
		config.Temperature = genai.Ptr(*c.opts.temperature)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}
