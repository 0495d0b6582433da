package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// Anthropic is a Client backed by the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates an Anthropic provider with SDK retries disabled.
func NewAnthropic(apiKey, baseURL, model string, maxTokens int) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
	}
}

// Provider implements Client.
func (a *Anthropic) Provider() string { return "anthropic" }

// Complete implements Client.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Messages:    anthropicMessages(req),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{
				Kind:       classifyStatus(apiErr.StatusCode, apiErr.Error()),
				Provider:   a.Provider(),
				StatusCode: apiErr.StatusCode,
				Err:        err,
			}
		}
		return nil, err
	}

	resp := &Response{FinishReason: string(msg.StopReason)}
	for i := range msg.Content {
		block := &msg.Content[i]
		switch block.Type {
		case "text":
			resp.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: string(tu.Input),
			})
		}
	}
	return resp, nil
}

// anthropicMessages converts the transcript. Tool results travel as user
// turns, consecutive same-role turns are merged, and the transcript must
// open with a user turn. A transcript sent without tool definitions carries
// tool traffic as plain text, since the API rejects tool blocks then.
func anthropicMessages(req Request) []anthropic.MessageParam {
	withTools := len(req.Tools) > 0

	type turn struct {
		role   string
		blocks []anthropic.ContentBlockParamUnion
	}
	var turns []turn
	push := func(role string, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			return
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				if withTools {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
				} else {
					blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[called %s with %s]", tc.Name, tc.Arguments)))
				}
			}
			push(RoleAssistant, blocks...)
		case RoleTool:
			if withTools {
				push(RoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			} else {
				push(RoleUser, anthropic.NewTextBlock(fmt.Sprintf("[%s result] %s", m.Name, m.Content)))
			}
		default:
			if m.Content != "" {
				push(RoleUser, anthropic.NewTextBlock(m.Content))
			}
		}
	}

	for len(turns) > 0 && turns[0].role != RoleUser {
		turns = turns[1:]
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(t.blocks...))
		}
	}
	return out
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: d.Properties,
			Required:   d.Required,
		}
		u := anthropic.ToolUnionParamOfTool(schema, d.Name)
		u.OfTool.Description = anthropic.String(d.Description)
		tools = append(tools, u)
	}
	return tools
}

// toolInput decodes a JSON argument string; invalid JSON becomes an empty
// object so the transcript stays well-formed.
func toolInput(args string) json.RawMessage {
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}
