package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UserStatus is the onboarding state of a user.
type UserStatus string

const (
	UserNew        UserStatus = "new"
	UserOnboarding UserStatus = "onboarding"
	UserActive     UserStatus = "active"
)

// rank orders statuses; transitions may only increase it.
func (s UserStatus) rank() int {
	switch s {
	case UserNew:
		return 0
	case UserOnboarding:
		return 1
	case UserActive:
		return 2
	}
	return -1
}

// ErrUnknownPreference is returned when a merge names a key that is not a
// preference field.
var ErrUnknownPreference = errors.New("unknown preference")

// Preferences is a user's preference record.
type Preferences struct {
	Name                   string     `json:"name"`
	Timezone               string     `json:"timezone"`
	Language               string     `json:"language"`
	Status                 UserStatus `json:"status"`
	MorningMusterTime      string     `json:"morning_muster_time"`
	EveningReflectionTime  string     `json:"evening_reflection_time"`
	LastMorningTriggerDate string     `json:"last_morning_trigger_date"`
	LastEveningTriggerDate string     `json:"last_evening_trigger_date"`
	RitualDays             []string   `json:"ritual_days"`
	Projects               []string   `json:"projects"`
}

// DefaultPreferences returns the record given to a user on first contact.
func DefaultPreferences() Preferences {
	return Preferences{
		Name:                  "friend",
		Language:              "en",
		Status:                UserNew,
		MorningMusterTime:     "08:00",
		EveningReflectionTime: "18:30",
		RitualDays:            []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday"},
		Projects:              []string{"general", "work", "personal"},
	}
}

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	c := p
	c.RitualDays = append([]string(nil), p.RitualDays...)
	c.Projects = append([]string(nil), p.Projects...)
	return c
}

// preferenceKeys are the JSON keys a merge may touch.
var preferenceKeys = map[string]bool{
	"name": true, "timezone": true, "language": true, "status": true,
	"morning_muster_time": true, "evening_reflection_time": true,
	"last_morning_trigger_date": true, "last_evening_trigger_date": true,
	"ritual_days": true, "projects": true,
}

// PreferenceStore keeps every user's preferences in memory, guarded by one
// mutex, and writes through to the user_preferences table.
type PreferenceStore struct {
	mu     sync.Mutex
	db     *sql.DB
	cache  map[string]Preferences
	logger *slog.Logger
	now    func() time.Time
}

// NewPreferenceStore loads all stored preferences into memory.
func NewPreferenceStore(db *sql.DB, logger *slog.Logger) (*PreferenceStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PreferenceStore{
		db:     db,
		cache:  make(map[string]Preferences),
		logger: logger.With("component", "preferences"),
		now:    time.Now,
	}

	rows, err := db.Query(`SELECT user_id, data FROM user_preferences`)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, data string
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, fmt.Errorf("scan preferences: %w", err)
		}
		p, err := applyUpdates(DefaultPreferences(), []byte(data), false)
		if err != nil {
			s.logger.Warn("skipping unreadable preferences", "user", userID, "error", err)
			continue
		}
		s.cache[userID] = p
	}
	return s, rows.Err()
}

// GetOrCreate returns the user's preferences, creating and persisting the
// defaults on first access. Concurrent first calls observe the same record.
func (s *PreferenceStore) GetOrCreate(ctx context.Context, userID string) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.cache[userID]; ok {
		return p.Clone(), nil
	}

	p := DefaultPreferences()
	if err := s.persist(ctx, userID, p); err != nil {
		return Preferences{}, err
	}
	s.cache[userID] = p
	s.logger.Info("created user preferences", "user", userID)
	return p.Clone(), nil
}

// Get returns the user's preferences without creating them.
func (s *PreferenceStore) Get(userID string) (Preferences, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.cache[userID]
	if !ok {
		return Preferences{}, false
	}
	return p.Clone(), true
}

// Merge shallow-overwrites the given keys on the user's record and persists
// it. The legacy key work_days is accepted for ritual_days. A status that
// would move backwards is ignored.
func (s *PreferenceStore) Merge(ctx context.Context, userID string, updates map[string]any) (Preferences, error) {
	if len(updates) == 0 {
		return Preferences{}, fmt.Errorf("empty preference update")
	}

	normalized := make(map[string]any, len(updates))
	for k, v := range updates {
		if k == "work_days" {
			k = "ritual_days"
		}
		if !preferenceKeys[k] {
			return Preferences{}, fmt.Errorf("%w: %s", ErrUnknownPreference, k)
		}
		normalized[k] = v
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return Preferences{}, fmt.Errorf("encode preference update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cache[userID]
	if !ok {
		current = DefaultPreferences()
	}

	next, err := applyUpdates(current.Clone(), data, true)
	if err != nil {
		return Preferences{}, err
	}
	if next.Status.rank() < current.Status.rank() {
		s.logger.Warn("ignoring status regression",
			"user", userID, "current", current.Status, "requested", next.Status)
		next.Status = current.Status
	}

	if err := s.persist(ctx, userID, next); err != nil {
		return Preferences{}, err
	}
	s.cache[userID] = next
	return next.Clone(), nil
}

// All returns a snapshot of every user's preferences.
func (s *PreferenceStore) All() map[string]Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Preferences, len(s.cache))
	for id, p := range s.cache {
		out[id] = p.Clone()
	}
	return out
}

func (s *PreferenceStore) persist(ctx context.Context, userID string, p Preferences) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		userID, string(data), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("persist preferences for %s: %w", userID, err)
	}
	return nil
}

// applyUpdates overlays a JSON object on base. Stored records written before
// ritual_days existed carry work_days, which is honoured when strict is false.
func applyUpdates(base Preferences, data []byte, strict bool) (Preferences, error) {
	if !strict {
		var legacy struct {
			WorkDays []string `json:"work_days"`
		}
		if err := json.Unmarshal(data, &legacy); err == nil && len(legacy.WorkDays) > 0 {
			base.RitualDays = legacy.WorkDays
		}
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	if base.Status.rank() < 0 {
		return Preferences{}, fmt.Errorf("invalid user status %q", base.Status)
	}
	return base, nil
}
