package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

// TurnRecorder appends conversation audit records.
type TurnRecorder interface {
	Append(ctx context.Context, userID string, role store.Role, kind store.Kind, content string) error
}

// Messenger sends through a Bridge and records every delivered message once
// in the turn log, whatever the transport.
type Messenger struct {
	bridge  Bridge
	turns   TurnRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMessenger wraps b.
func NewMessenger(b Bridge, turns TurnRecorder, m *metrics.Metrics, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		bridge:  b,
		turns:   turns,
		metrics: m,
		logger:  logger.With("component", "messenger", "bridge", b.Name()),
	}
}

// Bridge returns the wrapped transport.
func (m *Messenger) Bridge() Bridge { return m.bridge }

// Send delivers text to userID. An empty recipient or text is a logged no-op.
func (m *Messenger) Send(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(text) == "" {
		m.logger.Warn("skipping empty send", "user", userID, "text_len", len(text))
		return nil
	}

	if err := m.bridge.Send(ctx, userID, text); err != nil {
		m.metrics.MessageSent(m.bridge.Name(), false)
		return fmt.Errorf("send via %s: %w", m.bridge.Name(), err)
	}
	m.metrics.MessageSent(m.bridge.Name(), true)

	if m.turns != nil {
		if err := m.turns.Append(ctx, userID, store.RoleAssistant, store.KindAgentText, text); err != nil {
			m.logger.Error("failed to record outbound message", "user", userID, "error", err)
		}
	}
	return nil
}
