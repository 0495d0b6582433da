package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/llm"
	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// Trigger kinds raised by the scheduler and the ritual commands.
const (
	TriggerMorning = "morning_muster"
	TriggerEvening = "evening_reflection"
)

// contextHeader separates the system prompt from the user context blob.
const contextHeader = "\n\n--- CURRENT USER CONTEXT ---\n"

// Turn outcomes reported to metrics.
const (
	outcomeReply    = "reply"
	outcomeEmpty    = "empty"
	outcomeFallback = "fallback"
)

// Input is what starts a turn: user text or an internal trigger.
type Input struct {
	Text    string
	Trigger string
}

// UserText returns the input for a message typed by the user.
func UserText(text string) Input { return Input{Text: text} }

// Trigger returns the input for an internal trigger event.
func Trigger(kind string) Input { return Input{Trigger: kind} }

// Message renders the input as the final user message of the transcript.
func (in Input) Message() string {
	if in.Trigger != "" {
		data, _ := json.Marshal(map[string]string{"trigger": in.Trigger})
		return string(data)
	}
	return in.Text
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	State       *State
	Tools       *Registry
	Model       llm.Client
	Catalog     *resources.Catalog
	Turns       *store.TurnLog
	Activity    *store.ActivityLog
	Metrics     *metrics.Metrics
	Temperature float64
	Logger      *slog.Logger
}

// Orchestrator runs agent turns.
type Orchestrator struct {
	state       *State
	tools       *Registry
	model       llm.Client
	catalog     *resources.Catalog
	turns       *store.TurnLog
	activity    *store.ActivityLog
	metrics     *metrics.Metrics
	temperature float64
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator creates an Orchestrator. Tools defaults to the registry
// built over State.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = NewRegistry(cfg.State)
	}
	return &Orchestrator{
		state:       cfg.State,
		tools:       tools,
		model:       cfg.Model,
		catalog:     cfg.Catalog,
		turns:       cfg.Turns,
		activity:    cfg.Activity,
		metrics:     cfg.Metrics,
		temperature: cfg.Temperature,
		logger:      logger.With("component", "orchestrator"),
		now:         time.Now,
	}
}

// Run executes one turn for userID and returns the reply to send. An empty
// string means send nothing. Every failure ends in the localized generic
// error message; Run never panics.
func (o *Orchestrator) Run(ctx context.Context, userID string, in Input) (reply string) {
	lang := o.catalog.DefaultLanguage()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "user", userID, "panic", r)
			o.metrics.TurnFinished(outcomeFallback)
			reply = o.catalog.Message(resources.MsgGenericError, lang)
		}
	}()

	text, err := o.run(ctx, userID, in, &lang)
	if err != nil {
		o.logger.Error("turn failed", "user", userID, "trigger", in.Trigger, "error", err)
		o.metrics.TurnFinished(outcomeFallback)
		return o.catalog.Message(resources.MsgGenericError, lang)
	}
	if text == "" {
		o.metrics.TurnFinished(outcomeEmpty)
		return ""
	}
	o.metrics.TurnFinished(outcomeReply)
	return text
}

func (o *Orchestrator) run(ctx context.Context, userID string, in Input, lang *string) (string, error) {
	// BUILD_CONTEXT
	tc, err := o.state.Context(ctx, userID)
	if err != nil {
		return "", err
	}
	if tc.Preferences.Language != "" {
		*lang = tc.Preferences.Language
	}
	system, err := o.systemMessage(tc, in)
	if err != nil {
		return "", err
	}
	messages := historyMessages(tc.History)
	if msg := in.Message(); strings.TrimSpace(msg) != "" {
		// The caller usually logs the input before the turn runs, so it may
		// already close the history.
		if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser && messages[n-1].Content == msg {
			messages = messages[:n-1]
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: msg})
	}

	// FIRST_MODEL_CALL
	first, err := o.model.Complete(ctx, llm.Request{
		System:      system,
		Messages:    messages,
		Tools:       o.tools.Definitions(),
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("first model call: %w", err)
	}
	o.recordRaw(ctx, userID, first)

	if len(first.ToolCalls) == 0 {
		return strings.TrimSpace(first.Content), nil
	}

	// EXECUTE_TOOLS
	transcript := o.executeTools(ctx, userID, messages, first)

	// SECOND_MODEL_CALL
	second, err := o.model.Complete(ctx, llm.Request{
		System:      system,
		Messages:    transcript,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("second model call: %w", err)
	}
	return strings.TrimSpace(second.Content), nil
}

// systemMessage picks the prompt for the user's status and appends the
// context snapshot.
func (o *Orchestrator) systemMessage(tc *TurnContext, in Input) (string, error) {
	key := resources.PromptAgent
	if in.Trigger == "" && tc.Preferences.Status != store.UserActive {
		key = resources.PromptOnboarding
	}
	prompt, err := o.catalog.Prompt(key)
	if err != nil {
		return "", err
	}

	items := tc.ActiveItems
	if items == nil {
		items = []store.Item{}
	}
	snapshot := struct {
		Preferences contextPreferences `json:"preferences"`
		ActiveItems []store.Item       `json:"active_items"`
	}{
		Preferences: contextPreferences{
			Preferences:    tc.Preferences,
			CurrentUTCDate: o.now().UTC().Format(dateLayout),
		},
		ActiveItems: items,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("encode user context: %w", err)
	}
	return prompt + contextHeader + string(data), nil
}

type contextPreferences struct {
	store.Preferences
	CurrentUTCDate string `json:"current_utc_date"`
}

func historyMessages(history []store.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	return messages
}

// executeTools runs each requested tool in order and returns the transcript
// for the second model call. Unknown tools are skipped and left out of the
// transcript entirely; every other call gets exactly one tool-result entry.
func (o *Orchestrator) executeTools(ctx context.Context, userID string, messages []llm.Message, resp *llm.Response) []llm.Message {
	type pending struct {
		call llm.ToolCall
		tool Tool
	}
	var calls []pending
	for _, call := range resp.ToolCalls {
		t, ok := o.tools.Lookup(call.Name)
		if !ok {
			o.logger.Warn("model requested unknown tool", "user", userID, "tool", call.Name)
			continue
		}
		calls = append(calls, pending{call: call, tool: t})
	}

	requested := make([]llm.ToolCall, len(calls))
	for i, p := range calls {
		requested[i] = p.call
	}
	transcript := append(messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: requested,
	})

	for _, p := range calls {
		result := p.tool.Call(ctx, userID, p.call.Arguments)
		payload := result.JSON()

		o.metrics.ToolCalled(p.call.Name, result.Success)
		if !result.Success {
			o.logger.Warn("tool call failed", "user", userID, "tool", p.call.Name, "error", result.Error)
		}
		if o.activity != nil {
			err := o.activity.Record(ctx, store.ToolActivity{
				UserID:   userID,
				Tool:     p.call.Name,
				ArgsJSON: p.call.Arguments,
				Result:   payload,
				Success:  result.Success,
			})
			if err != nil {
				o.logger.Error("failed to record tool activity", "user", userID, "tool", p.call.Name, "error", err)
			}
		}

		transcript = append(transcript, llm.Message{
			Role:       llm.RoleTool,
			Content:    payload,
			ToolCallID: p.call.ID,
			Name:       p.call.Name,
		})
	}
	return transcript
}

// recordRaw logs the first model response as an agent_raw_response turn.
func (o *Orchestrator) recordRaw(ctx context.Context, userID string, resp *llm.Response) {
	if o.turns == nil {
		return
	}
	raw := struct {
		Content   string         `json:"content,omitempty"`
		ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	}{resp.Content, resp.ToolCalls}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	if err := o.turns.Append(ctx, userID, store.RoleAssistant, store.KindAgentRaw, string(data)); err != nil {
		o.logger.Error("failed to record raw model response", "user", userID, "error", err)
	}
}
