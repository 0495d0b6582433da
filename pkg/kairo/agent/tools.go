package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/llm"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// Tool names the model may invoke.
const (
	ToolCreateTask            = "create_task"
	ToolCreateReminder        = "create_reminder"
	ToolUpdateItem            = "update_item"
	ToolUpdateUserPreferences = "update_user_preferences"
	ToolFinalizeOnboarding    = "finalize_onboarding"
)

// Tool failures callers may check with errors.Is.
var (
	ErrItemNotFound = errors.New("item not found")
	ErrNotOwner     = errors.New("item belongs to another user")
	ErrEmptyUpdate  = errors.New("nothing to update")
)

// ToolResult is the structured outcome of one tool call. It is what the
// model sees; phrasing the reply is left to the model.
type ToolResult struct {
	Success bool   `json:"success"`
	ItemID  string `json:"item_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON encodes the result for the transcript and the activity log.
func (r ToolResult) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"unencodable result"}`
	}
	return string(data)
}

func failure(err error) ToolResult {
	return ToolResult{Error: err.Error()}
}

// Tool is one registered tool.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition

	// Call decodes args and runs the tool. Failures, including panics, are
	// reported in the result.
	Call(ctx context.Context, userID, args string) ToolResult
}

// param declares one tool parameter for the model.
type param struct {
	name        string
	kind        string // JSON Schema type
	description string
	required    bool
}

// tool binds a typed parameter struct to its run function.
type tool[P any] struct {
	name        string
	description string
	params      []param
	run         func(ctx context.Context, userID string, p P) (ToolResult, error)
}

func (t *tool[P]) Name() string { return t.name }

func (t *tool[P]) Definition() llm.ToolDefinition {
	def := llm.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Properties:  make(map[string]any, len(t.params)),
	}
	for _, p := range t.params {
		prop := map[string]any{"type": p.kind, "description": p.description}
		if p.kind == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		def.Properties[p.name] = prop
		if p.required {
			def.Required = append(def.Required, p.name)
		}
	}
	return def
}

func (t *tool[P]) Call(ctx context.Context, userID, args string) (res ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ToolResult{Error: fmt.Sprintf("%s failed: %v", t.name, r)}
		}
	}()

	params, err := t.decode(args)
	if err != nil {
		return failure(err)
	}
	res, err = t.run(ctx, userID, params)
	if err != nil {
		return failure(err)
	}
	return res
}

// decode parses args into P and checks that required parameters are present.
func (t *tool[P]) decode(args string) (P, error) {
	var p P
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return p, fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	for _, prm := range t.params {
		if !prm.required {
			continue
		}
		v, ok := raw[prm.name]
		if !ok || isBlank(v) {
			return p, fmt.Errorf("missing required parameter %q", prm.name)
		}
	}
	if err := json.Unmarshal([]byte(args), &p); err != nil {
		return p, fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	return p, nil
}

func isBlank(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null")) || bytes.Equal(v, []byte(`""`))
}

// Registry is the fixed tool set. Its model-facing schema is built once.
type Registry struct {
	tools map[string]Tool
	defs  []llm.ToolDefinition
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool schema in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return r.defs
}

// NewRegistry builds the tool set over the state accessor.
func NewRegistry(state *State) *Registry {
	h := &toolHandlers{state: state, items: state.items, now: state.now}
	tools := []Tool{
		&tool[createTaskParams]{
			name:        ToolCreateTask,
			description: "Create a new task for the user.",
			params: []param{
				{"description", "string", "What needs to be done.", true},
				{"project", "string", "Project tag, one of the user's projects.", false},
				{"due_date", "string", "Due date as YYYY-MM-DD.", false},
				{"size", "string", "Estimated size (e.g. small, medium, large).", false},
				{"worktime", "string", "Estimated working time (e.g. 30m, 2h).", false},
				{"priority", "string", "Priority (e.g. low, medium, high).", false},
				{"urgency", "string", "Urgency (e.g. low, medium, high).", false},
				{"parent_id", "string", "item_id of the parent task, for subtasks.", false},
			},
			run: h.createTask,
		},
		&tool[createReminderParams]{
			name:        ToolCreateReminder,
			description: "Create a reminder that is sent to the user at a specific time.",
			params: []param{
				{"description", "string", "What to remind the user about.", true},
				{"remind_at", "string", "When to send the reminder, ISO-8601 in UTC (e.g. 2025-03-01T14:00:00Z).", true},
				{"duration", "string", "Optional duration of the event (e.g. 1h).", false},
			},
			run: h.createReminder,
		},
		&tool[updateItemParams]{
			name:        ToolUpdateItem,
			description: "Update fields of an existing task or reminder, including its status (new, in_progress, completed, deleted).",
			params: []param{
				{"item_id", "string", "The item_id of the item to update.", true},
				{"updates", "object", "Map of field name to new value.", true},
			},
			run: h.updateItem,
		},
		&tool[preferenceParams]{
			name:        ToolUpdateUserPreferences,
			description: "Update the user's preferences. Provide only the fields that change.",
			params: []param{
				{"name", "string", "How to address the user.", false},
				{"timezone", "string", "IANA timezone name (e.g. Asia/Jerusalem).", false},
				{"language", "string", "Language code (e.g. en, he).", false},
				{"work_days", "array", "Weekday names on which rituals run.", false},
				{"morning_muster_time", "string", "Local time of the morning check-in, HH:MM.", false},
				{"evening_reflection_time", "string", "Local time of the evening reflection, HH:MM.", false},
				{"projects", "array", "The user's project tags.", false},
			},
			run: h.updatePreferences,
		},
		&tool[struct{}]{
			name:        ToolFinalizeOnboarding,
			description: "Mark onboarding as complete once the user's basic preferences are set.",
			run:         h.finalizeOnboarding,
		},
	}

	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
		r.defs = append(r.defs, t.Definition())
	}
	return r
}

type toolHandlers struct {
	state *State
	items *store.ItemStore
	now   func() time.Time
}

type createTaskParams struct {
	Description string `json:"description"`
	Project     string `json:"project"`
	DueDate     string `json:"due_date"`
	Size        string `json:"size"`
	Worktime    string `json:"worktime"`
	Priority    string `json:"priority"`
	Urgency     string `json:"urgency"`
	ParentID    string `json:"parent_id"`
}

func (h *toolHandlers) createTask(ctx context.Context, userID string, p createTaskParams) (ToolResult, error) {
	if p.DueDate != "" {
		due, ok := parseDate(p.DueDate)
		if !ok {
			return ToolResult{}, fmt.Errorf("invalid due_date %q, want YYYY-MM-DD", p.DueDate)
		}
		p.DueDate = due
	}
	if p.ParentID != "" {
		if _, err := h.owned(ctx, userID, p.ParentID); err != nil {
			return ToolResult{}, fmt.Errorf("parent task: %w", err)
		}
	}

	now := h.now().UTC()
	it := &store.Item{
		ID:          store.NewID(),
		UserID:      userID,
		Type:        store.TypeTask,
		Status:      store.StatusNew,
		Description: strings.TrimSpace(p.Description),
		Project:     p.Project,
		DueDate:     p.DueDate,
		Size:        p.Size,
		Worktime:    p.Worktime,
		Priority:    p.Priority,
		Urgency:     p.Urgency,
		ParentID:    p.ParentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.items.Upsert(ctx, it); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true, ItemID: it.ID}, nil
}

type createReminderParams struct {
	Description string `json:"description"`
	RemindAt    string `json:"remind_at"`
	Duration    string `json:"duration"`
}

func (h *toolHandlers) createReminder(ctx context.Context, userID string, p createReminderParams) (ToolResult, error) {
	remindAt, err := normalizeTimestamp(p.RemindAt)
	if err != nil {
		return ToolResult{}, err
	}

	now := h.now().UTC()
	it := &store.Item{
		ID:          store.NewID(),
		UserID:      userID,
		Type:        store.TypeReminder,
		Status:      store.StatusNew,
		Description: strings.TrimSpace(p.Description),
		RemindAt:    remindAt,
		Duration:    p.Duration,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.items.Upsert(ctx, it); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true, ItemID: it.ID}, nil
}

type updateItemParams struct {
	ItemID  string         `json:"item_id"`
	Updates map[string]any `json:"updates"`
}

func (h *toolHandlers) updateItem(ctx context.Context, userID string, p updateItemParams) (ToolResult, error) {
	if len(p.Updates) == 0 {
		return ToolResult{}, fmt.Errorf("%w: updates must not be empty", ErrEmptyUpdate)
	}
	it, err := h.owned(ctx, userID, p.ItemID)
	if err != nil {
		return ToolResult{}, err
	}
	if it.Status == store.StatusDeleted {
		return ToolResult{}, fmt.Errorf("item %s is deleted and cannot be changed", it.ID)
	}
	if parent, ok := p.Updates["parent_id"].(string); ok && parent != "" && parent != it.ID {
		if _, err := h.owned(ctx, userID, parent); err != nil {
			return ToolResult{}, fmt.Errorf("parent task: %w", err)
		}
	}
	if err := applyItemUpdates(it, p.Updates); err != nil {
		return ToolResult{}, err
	}
	it.UpdatedAt = h.now().UTC()
	if err := h.items.Upsert(ctx, it); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true, ItemID: it.ID}, nil
}

// owned fetches an item and checks it belongs to userID.
func (h *toolHandlers) owned(ctx context.Context, userID, itemID string) (*store.Item, error) {
	it, err := h.items.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return nil, err
	}
	if it.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, itemID)
	}
	return it, nil
}

// applyItemUpdates merges updates into it, enforcing the item invariants.
func applyItemUpdates(it *store.Item, updates map[string]any) error {
	for field, raw := range updates {
		var value string
		switch v := raw.(type) {
		case nil:
		case string:
			value = strings.TrimSpace(v)
		case float64, bool:
			value = fmt.Sprint(v)
		default:
			return fmt.Errorf("field %q must be a string", field)
		}

		switch field {
		case "status":
			next := store.Status(value)
			if !next.Valid() {
				return fmt.Errorf("invalid status %q (want new, in_progress, completed or deleted)", value)
			}
			if it.Status == store.StatusCompleted && next != store.StatusCompleted && next != store.StatusDeleted {
				return fmt.Errorf("completed item %s can only be deleted", it.ID)
			}
			it.Status = next
		case "type":
			if store.ItemType(value) != it.Type {
				return fmt.Errorf("item type cannot change from %s", it.Type)
			}
		case "description":
			if value == "" {
				return errors.New("description must not be empty")
			}
			it.Description = value
		case "remind_at":
			if value == "" {
				if it.Type == store.TypeReminder {
					return errors.New("a reminder requires remind_at")
				}
				it.RemindAt = ""
				continue
			}
			ts, err := normalizeTimestamp(value)
			if err != nil {
				return err
			}
			it.RemindAt = ts
		case "due_date":
			if value != "" {
				due, ok := parseDate(value)
				if !ok {
					return fmt.Errorf("invalid due_date %q, want YYYY-MM-DD", value)
				}
				value = due
			}
			it.DueDate = value
		case "project":
			it.Project = value
		case "duration":
			it.Duration = value
		case "size":
			it.Size = value
		case "worktime":
			it.Worktime = value
		case "priority":
			it.Priority = value
		case "urgency":
			it.Urgency = value
		case "parent_id":
			if value == it.ID {
				return errors.New("an item cannot be its own parent")
			}
			it.ParentID = value
		default:
			return fmt.Errorf("unknown item field %q", field)
		}
	}
	return nil
}

// normalizeTimestamp parses an ISO-8601 timestamp and renders it in UTC.
func normalizeTimestamp(v string) (string, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("invalid remind_at %q, want ISO-8601 UTC", v)
}

type preferenceParams struct {
	Name                  *string  `json:"name"`
	Timezone              *string  `json:"timezone"`
	Language              *string  `json:"language"`
	WorkDays              []string `json:"work_days"`
	RitualDays            []string `json:"ritual_days"`
	MorningMusterTime     *string  `json:"morning_muster_time"`
	EveningReflectionTime *string  `json:"evening_reflection_time"`
	Projects              []string `json:"projects"`
}

func (h *toolHandlers) updatePreferences(ctx context.Context, userID string, p preferenceParams) (ToolResult, error) {
	updates := make(map[string]any)

	if p.Name != nil {
		updates["name"] = strings.TrimSpace(*p.Name)
	}
	if p.Timezone != nil {
		tz := strings.TrimSpace(*p.Timezone)
		if _, err := time.LoadLocation(tz); err != nil || tz == "" {
			return ToolResult{}, fmt.Errorf("unknown timezone %q", tz)
		}
		updates["timezone"] = tz
	}
	if p.Language != nil {
		updates["language"] = strings.ToLower(strings.TrimSpace(*p.Language))
	}
	days := p.RitualDays
	if days == nil {
		days = p.WorkDays
	}
	if days != nil {
		normalized, err := normalizeWeekdays(days)
		if err != nil {
			return ToolResult{}, err
		}
		updates["ritual_days"] = normalized
	}
	for key, v := range map[string]*string{
		"morning_muster_time":     p.MorningMusterTime,
		"evening_reflection_time": p.EveningReflectionTime,
	} {
		if v == nil {
			continue
		}
		t, err := time.Parse("15:04", strings.TrimSpace(*v))
		if err != nil {
			return ToolResult{}, fmt.Errorf("invalid %s %q, want HH:MM", key, *v)
		}
		updates[key] = t.Format("15:04")
	}
	if p.Projects != nil {
		updates["projects"] = p.Projects
	}

	if len(updates) == 0 {
		return ToolResult{}, fmt.Errorf("%w: no preference fields given", ErrEmptyUpdate)
	}
	if _, err := h.state.MergePreferences(ctx, userID, updates); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true}, nil
}

func (h *toolHandlers) finalizeOnboarding(ctx context.Context, userID string, _ struct{}) (ToolResult, error) {
	if err := h.state.Advance(ctx, userID, store.UserActive); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true}, nil
}

// normalizeWeekdays canonicalizes weekday names ("monday", "Mon") to their
// full English form.
func normalizeWeekdays(days []string) ([]string, error) {
	out := make([]string, 0, len(days))
	for _, d := range days {
		name := strings.ToLower(strings.TrimSpace(d))
		found := false
		for wd := time.Sunday; wd <= time.Saturday; wd++ {
			full := wd.String()
			if name == strings.ToLower(full) || name == strings.ToLower(full[:3]) {
				out = append(out, full)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
	}
	return out, nil
}
