// Package llm is a small chat-completion facade over the OpenAI, Anthropic
// and Gemini SDKs, used for encounter summaries and note template routing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrEmptyResponse is returned when a provider answers without any text.
	ErrEmptyResponse = errors.New("empty response")
	// ErrMissingAPIKey is returned by NewClient when no key is configured.
	ErrMissingAPIKey = errors.New("api key not configured")
)

type Message struct {
	Role    string
	Content string
}

// Client completes a chat conversation with a hosted model.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	jsonOutput  bool
	maxTokens   int
	temperature *float32
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithJSONOutput asks the provider to answer with a single JSON object.
func WithJSONOutput() Option {
	return func(o *clientOptions) {
		o.jsonOutput = true
	}
}

func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		o.maxTokens = n
	}
}

// WithTemperature overrides the provider's sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *clientOptions) {
		o.temperature = &t
	}
}

const (
	defaultMaxTokens = 4096

	jsonInstruction = "Respond with a single valid JSON object and no other text."
)

// ParseModel splits "provider/model" as used in the summarization config.
func ParseModel(model string) (provider, modelName string, err error) {
	provider, modelName, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" || modelName == "" {
		return "", "", fmt.Errorf("invalid model %q: expected provider/model_name", model)
	}
	return provider, modelName, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(o)
	}
	if strings.TrimSpace(apiKey) == "" && o.baseURL == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingAPIKey)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (want openai, anthropic or gemini)", provider)
	}
}

// splitSystem separates system prompts from the conversation turns, which
// Anthropic and Gemini take as distinct request fields.
func splitSystem(messages []Message) (system []string, turns []Message) {
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser, RoleAssistant:
			turns = append(turns, m)
		}
	}
	return system, turns
}
