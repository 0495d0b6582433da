package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SystemLog is a warning or error mirrored from the process logger.
type SystemLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	AttrsJSON string    `json:"attrs_json"`
}

// LogHandler is a slog.Handler that forwards every record to next and also
// writes records at or above min into system_logs.
type LogHandler struct {
	next   slog.Handler
	db     *sql.DB
	min    slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewLogHandler wraps next so that records >= min are persisted in db.
func NewLogHandler(next slog.Handler, db *sql.DB, min slog.Level) *LogHandler {
	return &LogHandler{next: next, db: db, min: min}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min || h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level >= h.min {
		h.persist(ctx, r)
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr{}, h.attrs...), prefixed(h.prefix, attrs)...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *LogHandler) persist(ctx context.Context, r slog.Record) {
	fields := make(map[string]any)
	component := ""
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		fields[a.Key] = a.Value.Resolve().Any()
		if err, ok := fields[a.Key].(error); ok {
			fields[a.Key] = err.Error()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		return collect(a)
	})

	data, err := json.Marshal(fields)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	// The record must land even when the request that logged it is gone.
	_, _ = h.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO system_logs (timestamp, level, component, message, attrs_json)
		VALUES (?, ?, ?, ?, ?)`,
		formatTime(r.Time), r.Level.String(), component, r.Message, string(data))
}

// SystemLogs returns mirrored log records, oldest first.
func SystemLogs(ctx context.Context, db *sql.DB) ([]SystemLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, level, component, message, attrs_json
		FROM system_logs
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("system logs: %w", err)
	}
	defer rows.Close()

	var out []SystemLog
	for rows.Next() {
		var (
			l  SystemLog
			ts string
		)
		if err := rows.Scan(&l.ID, &ts, &l.Level, &l.Component, &l.Message, &l.AttrsJSON); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		l.Timestamp = parseTime(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		a.Key = prefix + a.Key
		out[i] = a
	}
	return out
}
