package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/agent"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// Commands are prefixed with "/" and bypass the model:
//
//	/help            - Show available commands
//	/list [status]   - List items (active, all, new, in_progress, completed, deleted)
//	/memory          - Dump preferences and active items
//	/clear           - Mark every non-deleted item as deleted
//	/morning         - Run the morning muster now
//	/evening         - Run the evening reflection now

// CommandResult is either a direct reply or a trigger to run.
type CommandResult struct {
	Reply   string
	Trigger string
}

// IsCommand returns true if the message starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

func (r *Router) handleCommand(ctx context.Context, userID, content string) CommandResult {
	parts := strings.Fields(strings.TrimSpace(content))
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	r.logger.Info("command received", "user", userID, "command", cmd)

	switch cmd {
	case "/help":
		return CommandResult{Reply: r.catalog.Message(resources.MsgHelp, r.language(userID))}
	case "/list":
		return CommandResult{Reply: r.cmdList(ctx, userID, args)}
	case "/memory":
		return CommandResult{Reply: r.cmdMemory(ctx, userID)}
	case "/clear":
		return CommandResult{Reply: r.cmdClear(ctx, userID)}
	case "/morning":
		return CommandResult{Trigger: agent.TriggerMorning}
	case "/evening":
		return CommandResult{Trigger: agent.TriggerEvening}
	default:
		return CommandResult{Reply: fmt.Sprintf("Unknown command: '%s'. Try /help.", parts[0])}
	}
}

func (r *Router) language(userID string) string {
	if p, ok := r.state.Lookup(userID); ok && p.Language != "" {
		return p.Language
	}
	return r.catalog.DefaultLanguage()
}

func (r *Router) cmdList(ctx context.Context, userID string, args []string) string {
	filter := "active"
	if len(args) > 0 {
		filter = strings.ToLower(args[0])
	}

	var statuses []store.Status
	switch filter {
	case "all":
	case "active":
		statuses = store.ActiveStatuses
	default:
		st := store.Status(filter)
		if !st.Valid() {
			return fmt.Sprintf("Unknown status '%s'. Use one of: active, all, new, in_progress, completed, deleted.", filter)
		}
		statuses = []store.Status{st}
	}

	items, err := r.items.List(ctx, store.ItemFilter{UserID: userID, Statuses: statuses})
	if err != nil {
		r.logger.Error("list command failed", "user", userID, "error", err)
		return "Error: Could not retrieve your items."
	}
	if len(items) == 0 {
		return fmt.Sprintf("No items found with status '%s'.", filter)
	}

	lines := []string{fmt.Sprintf("Items with status '%s':", filter), "---"}
	for _, it := range items {
		desc := it.Description
		if desc == "" {
			desc = "(No Description)"
		}
		lines = append(lines, fmt.Sprintf("(%s) %s", it.Type, desc))
	}
	return strings.Join(lines, "\n")
}

func (r *Router) cmdMemory(ctx context.Context, userID string) string {
	tc, err := r.state.Context(ctx, userID)
	if err != nil {
		r.logger.Error("memory command failed", "user", userID, "error", err)
		return "Error: Agent state not found."
	}
	items := tc.ActiveItems
	if items == nil {
		items = []store.Item{}
	}
	summary := struct {
		Preferences  store.Preferences `json:"preferences"`
		ActiveItems  []store.Item      `json:"active_items"`
		HistoryCount int               `json:"history_count"`
	}{tc.Preferences, items, len(tc.History)}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "Error: Agent state not found."
	}
	return "Agent Memory Summary:\n```json\n" + string(data) + "\n```"
}

func (r *Router) cmdClear(ctx context.Context, userID string) string {
	items, err := r.items.List(ctx, store.ItemFilter{
		UserID:   userID,
		Statuses: []store.Status{store.StatusNew, store.StatusInProgress, store.StatusCompleted},
	})
	if err != nil {
		r.logger.Error("clear command failed", "user", userID, "error", err)
		return "Error: Could not find user to clear items."
	}

	cleared := 0
	now := time.Now().UTC()
	for i := range items {
		it := &items[i]
		it.Status = store.StatusDeleted
		it.UpdatedAt = now
		if err := r.items.Upsert(ctx, it); err != nil {
			r.logger.Error("failed to clear item", "user", userID, "item", it.ID, "error", err)
			continue
		}
		cleared++
	}
	return fmt.Sprintf("Marked %d item(s) as 'deleted'.", cleared)
}
