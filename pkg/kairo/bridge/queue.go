package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// OutboxStore persists queued entries across restarts.
type OutboxStore interface {
	Save(ctx context.Context, e store.OutboxEntry) error
	Delete(ctx context.Context, deliveryID string) error
	Load(ctx context.Context) ([]store.OutboxEntry, error)
}

// QueueBridge holds outbound messages for a polling client. Entries leave
// the queue only through Acknowledge.
type QueueBridge struct {
	name    string
	format  func(string) string
	outbox  OutboxStore
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries []Entry
}

// NewQueue creates a queue bridge. format maps a user id to the recipient id
// the polling client expects; outbox may be nil for a memory-only queue.
func NewQueue(name string, format func(string) string, outbox OutboxStore, m *metrics.Metrics, logger *slog.Logger) *QueueBridge {
	if format == nil {
		format = func(s string) string { return s }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueBridge{
		name:    name,
		format:  format,
		outbox:  outbox,
		metrics: m,
		logger:  logger.With("component", "bridge", "bridge", name),
	}
}

// NewCLI creates the local test-console bridge; recipients are raw ids.
func NewCLI(outbox OutboxStore, m *metrics.Metrics, logger *slog.Logger) *QueueBridge {
	return NewQueue(CLI, nil, outbox, m, logger)
}

// NewWhatsApp creates the bridge polled by an external WhatsApp client;
// recipients are formatted as "<digits>@c.us".
func NewWhatsApp(outbox OutboxStore, m *metrics.Metrics, logger *slog.Logger) *QueueBridge {
	return NewQueue(WhatsApp, func(id string) string {
		return DigitsOnly(id) + "@c.us"
	}, outbox, m, logger)
}

// Name implements Bridge.
func (q *QueueBridge) Name() string { return q.name }

// Send queues text for recipient. The entry is persisted before Send returns.
func (q *QueueBridge) Send(ctx context.Context, recipient, text string) error {
	e := Entry{
		UserID:    q.format(recipient),
		Message:   text,
		MessageID: store.NewID(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outbox != nil {
		err := q.outbox.Save(ctx, store.OutboxEntry{
			DeliveryID: e.MessageID,
			Recipient:  e.UserID,
			Message:    e.Message,
		})
		if err != nil {
			return fmt.Errorf("queue message: %w", err)
		}
	}
	q.entries = append(q.entries, e)
	q.metrics.SetQueueDepth(len(q.entries))
	q.logger.Debug("message queued", "recipient", e.UserID, "message_id", e.MessageID)
	return nil
}

// Drain returns a snapshot of the queue without removing anything.
func (q *QueueBridge) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Acknowledge removes the entry with messageID and reports whether it was
// present.
func (q *QueueBridge) Acknowledge(ctx context.Context, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.entries {
		if e.MessageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.metrics.SetQueueDepth(len(q.entries))
	if q.outbox != nil {
		if err := q.outbox.Delete(ctx, messageID); err != nil {
			q.logger.Error("failed to delete acknowledged entry", "message_id", messageID, "error", err)
		}
	}
	return true
}

// Restore loads entries persisted by a previous process.
func (q *QueueBridge) Restore(ctx context.Context) (int, error) {
	if q.outbox == nil {
		return 0, nil
	}
	saved, err := q.outbox.Load(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	known := make(map[string]bool, len(q.entries))
	for _, e := range q.entries {
		known[e.MessageID] = true
	}
	restored := 0
	for _, s := range saved {
		if known[s.DeliveryID] {
			continue
		}
		q.entries = append(q.entries, Entry{UserID: s.Recipient, Message: s.Message, MessageID: s.DeliveryID})
		restored++
	}
	q.metrics.SetQueueDepth(len(q.entries))
	return restored, nil
}
