// Package llm is Kairo's model capability: submit a system prompt, a message
// transcript and optionally a tool schema, and get back either text or a set
// of tool invocations. Providers (OpenAI, Anthropic) sit behind Client.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/kairo/pkg/kairo/config"
)

// Message roles in a transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID and Name identify the call a tool-result message answers.
	ToolCallID string
	Name       string
}

// ToolCall is one structured tool invocation chosen by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool to the model as a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Schema returns the parameters as a JSON Schema object.
func (d ToolDefinition) Schema() map[string]any {
	props := d.Properties
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(d.Required) > 0 {
		s["required"] = d.Required
	}
	return s
}

// Request is a single model call. When Tools is non-empty the model chooses
// tools automatically.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
}

// Response is the model's answer: text, tool calls, or both.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client is a model provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

// NewFromConfig builds the configured provider wrapped with timeout and retry.
// With no API key the returned client fails every call with a configuration
// error so the process can keep serving.
func NewFromConfig(cfg config.LLMConfig, obs Observer, logger *slog.Logger) (Client, error) {
	var base Client
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		base = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
	case "anthropic":
		base = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.APIKey == "" {
		base = unconfigured{provider: base.Provider()}
	}
	return WithRetry(base, RetryOptions{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
		Observer:   obs,
		Logger:     logger,
	}), nil
}

type unconfigured struct {
	provider string
}

func (u unconfigured) Provider() string { return u.provider }

func (u unconfigured) Complete(context.Context, Request) (*Response, error) {
	return nil, &Error{Kind: KindConfig, Provider: u.provider, Err: config.ErrNoAPIKey}
}
