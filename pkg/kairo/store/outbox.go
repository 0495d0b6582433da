package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxEntry is a persisted, unacknowledged outbound message.
type OutboxEntry struct {
	DeliveryID string
	Recipient  string
	Message    string
	CreatedAt  time.Time
}

// Outbox persists the outbound queue of polling bridges.
type Outbox struct {
	db *sql.DB
}

// NewOutbox creates an outbox store. The table must already exist.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Save stores one entry.
func (o *Outbox) Save(ctx context.Context, e OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (delivery_id, recipient, message, created_at)
		VALUES (?, ?, ?, ?)`,
		e.DeliveryID, e.Recipient, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save outbox entry: %w", err)
	}
	return nil
}

// Delete removes the entry with deliveryID, if present.
func (o *Outbox) Delete(ctx context.Context, deliveryID string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE delivery_id = ?`, deliveryID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// Load returns all pending entries in enqueue order.
func (o *Outbox) Load(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT delivery_id, recipient, message, created_at
		FROM outbox
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var (
			e  OutboxEntry
			ts string
		)
		if err := rows.Scan(&e.DeliveryID, &e.Recipient, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.CreatedAt = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
