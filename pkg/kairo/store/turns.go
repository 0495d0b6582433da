package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tags what a turn record holds.
type Kind string

const (
	KindUserText  Kind = "user_text"
	KindAgentText Kind = "agent_text_response"
	KindAgentRaw  Kind = "agent_raw_response"
	KindTrigger   Kind = "internal_trigger"
)

// Turn is one append-only conversation log entry.
type Turn struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
}

// TurnLog appends and reads conversation turns.
type TurnLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewTurnLog creates a turn log. The table must already exist.
func NewTurnLog(db *sql.DB) *TurnLog {
	return &TurnLog{db: db, now: time.Now}
}

// Append writes one turn record.
func (l *TurnLog) Append(ctx context.Context, userID string, role Role, kind Kind, content string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (timestamp, user_id, role, kind, content)
		VALUES (?, ?, ?, ?, ?)`,
		formatTime(l.now()), userID, string(role), string(kind), content)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns the newest n user/assistant text turns for userID in
// chronological order.
func (l *TurnLog) Recent(ctx context.Context, userID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, role, kind, content
		FROM messages
		WHERE user_id = ? AND kind IN (?, ?)
		ORDER BY id DESC
		LIMIT ?`,
		userID, string(KindUserText), string(KindAgentText), n)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ForUser returns every turn for userID in chronological order.
func (l *TurnLog) ForUser(ctx context.Context, userID string) ([]Turn, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, role, kind, content
		FROM messages
		WHERE user_id = ?
		ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("user turns: %w", err)
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t              Turn
			ts, role, kind string
		)
		if err := rows.Scan(&t.ID, &ts, &t.UserID, &role, &kind, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Timestamp = parseTime(ts)
		t.Role = Role(role)
		t.Kind = Kind(kind)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
