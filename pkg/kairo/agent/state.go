// Package agent builds per-turn context, exposes the fixed tool set to the
// model and drives the two-round tool-calling exchange of a turn.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// DefaultHistoryLimit is the number of text turns replayed to the model.
const DefaultHistoryLimit = 10

// TurnContext is the read snapshot a turn works from.
type TurnContext struct {
	Preferences store.Preferences
	ActiveItems []store.Item
	History     []store.Turn
}

// State reads and updates the per-user state a turn needs.
type State struct {
	prefs        *store.PreferenceStore
	items        *store.ItemStore
	turns        *store.TurnLog
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// NewState creates a state accessor over s.
func NewState(s *store.Store, historyLimit int, logger *slog.Logger) *State {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		prefs:        s.Preferences,
		items:        s.Items,
		turns:        s.Turns,
		historyLimit: historyLimit,
		logger:       logger.With("component", "state"),
		now:          time.Now,
	}
}

// Context assembles preferences, active items and recent history for userID,
// creating default preferences on first contact.
func (s *State) Context(ctx context.Context, userID string) (*TurnContext, error) {
	prefs, err := s.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	items, err := s.ActiveItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.turns.Recent(ctx, userID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &TurnContext{
		Preferences: prefs,
		ActiveItems: items,
		History:     history,
	}, nil
}

// Preferences returns the user's record, creating it if needed.
func (s *State) Preferences(ctx context.Context, userID string) (store.Preferences, error) {
	return s.prefs.GetOrCreate(ctx, userID)
}

// Lookup returns the user's record without creating it.
func (s *State) Lookup(userID string) (store.Preferences, bool) {
	return s.prefs.Get(userID)
}

// ActiveItems returns the user's new and in-progress items whose due date is
// absent, unparseable or not before today's UTC date.
func (s *State) ActiveItems(ctx context.Context, userID string) ([]store.Item, error) {
	items, err := s.items.List(ctx, store.ItemFilter{UserID: userID, Statuses: store.ActiveStatuses})
	if err != nil {
		return nil, fmt.Errorf("load active items: %w", err)
	}
	today := s.now().UTC().Format(dateLayout)
	active := items[:0]
	for _, it := range items {
		if due, ok := parseDate(it.DueDate); ok && due < today {
			continue
		}
		active = append(active, it)
	}
	return active, nil
}

// MergePreferences shallow-merges updates into the user's record and
// persists it.
func (s *State) MergePreferences(ctx context.Context, userID string, updates map[string]any) (store.Preferences, error) {
	if _, err := s.prefs.GetOrCreate(ctx, userID); err != nil {
		return store.Preferences{}, err
	}
	return s.prefs.Merge(ctx, userID, updates)
}

// UpdatePreferences is MergePreferences reporting only success. Failures are
// logged.
func (s *State) UpdatePreferences(ctx context.Context, userID string, updates map[string]any) bool {
	if len(updates) == 0 {
		return false
	}
	if _, err := s.MergePreferences(ctx, userID, updates); err != nil {
		s.logger.Error("preference update failed", "user", userID, "error", err)
		return false
	}
	return true
}

// Advance moves the user's onboarding status forward. Moving backwards is a
// no-op.
func (s *State) Advance(ctx context.Context, userID string, status store.UserStatus) error {
	_, err := s.MergePreferences(ctx, userID, map[string]any{"status": string(status)})
	return err
}

const dateLayout = "2006-01-02"

// parseDate normalizes a date or RFC 3339 timestamp to YYYY-MM-DD in UTC.
func parseDate(v string) (string, bool) {
	if v == "" {
		return "", false
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t.Format(dateLayout), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(dateLayout), true
	}
	return "", false
}
