package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ItemType distinguishes tasks from reminders.
type ItemType string

const (
	TypeTask     ItemType = "task"
	TypeReminder ItemType = "reminder"
)

// Status is an item's lifecycle state.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDeleted    Status = "deleted"
)

// ActiveStatuses are the non-terminal item states.
var ActiveStatuses = []Status{StatusNew, StatusInProgress}

// AllStatuses lists every valid item state.
var AllStatuses = []Status{StatusNew, StatusInProgress, StatusCompleted, StatusDeleted}

// Valid reports whether s is one of the four item states.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// Item is a task or reminder owned by one user. Optional fields are empty
// when unset.
type Item struct {
	ID          string    `json:"item_id"`
	UserID      string    `json:"user_id"`
	Type        ItemType  `json:"type"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	Project     string    `json:"project,omitempty"`
	DueDate     string    `json:"due_date,omitempty"`
	RemindAt    string    `json:"remind_at,omitempty"`
	Duration    string    `json:"duration,omitempty"`
	Size        string    `json:"size,omitempty"`
	Worktime    string    `json:"worktime,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Urgency     string    `json:"urgency,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the record-level invariants.
func (it *Item) Validate() error {
	if it.ID == "" || it.UserID == "" {
		return fmt.Errorf("item id and user id are required")
	}
	if it.Type != TypeTask && it.Type != TypeReminder {
		return fmt.Errorf("invalid item type %q", it.Type)
	}
	if !it.Status.Valid() {
		return fmt.Errorf("invalid item status %q", it.Status)
	}
	if it.Type == TypeReminder && strings.TrimSpace(it.RemindAt) == "" {
		return fmt.Errorf("reminder requires remind_at")
	}
	return nil
}

// ItemFilter selects items for List. Zero fields match everything.
type ItemFilter struct {
	UserID   string
	Type     ItemType
	Statuses []Status
}

// ItemStore persists items in the items table.
type ItemStore struct {
	db *sql.DB
}

// NewItemStore creates an item store. The table must already exist.
func NewItemStore(db *sql.DB) *ItemStore {
	return &ItemStore{db: db}
}

const itemColumns = `item_id, user_id, type, status, description, project, due_date, remind_at,
	duration, size, worktime, priority, urgency, parent_id, created_at, updated_at`

// Upsert inserts the item or merge-updates every field of an existing row in
// one statement. created_at of an existing row is preserved.
func (s *ItemStore) Upsert(ctx context.Context, it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	if it.UpdatedAt.Before(it.CreatedAt) {
		it.UpdatedAt = it.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			status = excluded.status,
			description = excluded.description,
			project = excluded.project,
			due_date = excluded.due_date,
			remind_at = excluded.remind_at,
			duration = excluded.duration,
			size = excluded.size,
			worktime = excluded.worktime,
			priority = excluded.priority,
			urgency = excluded.urgency,
			parent_id = excluded.parent_id,
			updated_at = excluded.updated_at`,
		it.ID, it.UserID, string(it.Type), string(it.Status), it.Description,
		it.Project, it.DueDate, it.RemindAt, it.Duration, it.Size, it.Worktime,
		it.Priority, it.Urgency, it.ParentID,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", it.ID, err)
	}
	return nil
}

// Get fetches one item by id.
func (s *ItemStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return it, nil
}

// List returns items matching f, most recently created first.
func (s *ItemStore) List(ctx context.Context, f ItemFilter) ([]Item, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, item_id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var (
		it                   Item
		typ, status          string
		createdAt, updatedAt string
	)
	err := r.Scan(&it.ID, &it.UserID, &typ, &status, &it.Description, &it.Project,
		&it.DueDate, &it.RemindAt, &it.Duration, &it.Size, &it.Worktime,
		&it.Priority, &it.Urgency, &it.ParentID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.Type = ItemType(typ)
	it.Status = Status(status)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}
