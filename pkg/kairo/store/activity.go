package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ToolActivity records one tool invocation attempt.
type ToolActivity struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Tool      string    `json:"tool_name"`
	ArgsJSON  string    `json:"tool_args_json"`
	Result    string    `json:"tool_result_json"`
	Success   bool      `json:"success"`
}

// ActivityLog persists tool activity.
type ActivityLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewActivityLog creates an activity log. The table must already exist.
func NewActivityLog(db *sql.DB) *ActivityLog {
	return &ActivityLog{db: db, now: time.Now}
}

// Record appends one tool activity row.
func (l *ActivityLog) Record(ctx context.Context, a ToolActivity) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = l.now()
	}
	if a.ArgsJSON == "" {
		a.ArgsJSON = "{}"
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tool_activity (timestamp, user_id, tool_name, args_json, result_json, success)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(a.Timestamp), a.UserID, a.Tool, a.ArgsJSON, a.Result, boolToInt(a.Success))
	if err != nil {
		return fmt.Errorf("record tool activity: %w", err)
	}
	return nil
}

// ForUser returns every tool activity row for userID, oldest first.
func (l *ActivityLog) ForUser(ctx context.Context, userID string) ([]ToolActivity, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, tool_name, args_json, result_json, success
		FROM tool_activity
		WHERE user_id = ?
		ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("user tool activity: %w", err)
	}
	defer rows.Close()

	var out []ToolActivity
	for rows.Next() {
		var (
			a       ToolActivity
			ts      string
			success int
		)
		if err := rows.Scan(&a.ID, &ts, &a.UserID, &a.Tool, &a.ArgsJSON, &a.Result, &success); err != nil {
			return nil, fmt.Errorf("scan tool activity: %w", err)
		}
		a.Timestamp = parseTime(ts)
		a.Success = success != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
