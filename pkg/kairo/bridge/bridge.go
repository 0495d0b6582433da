// Package bridge adapts Kairo to messaging transports. Queue bridges (cli,
// whatsapp) hold outbound messages until a polling client acknowledges them;
// push bridges (twilio, discord) deliver synchronously.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Supported bridge names.
const (
	CLI      = "cli"
	WhatsApp = "whatsapp"
	Twilio   = "twilio"
	Discord  = "discord"

	// Default is used when neither flag, environment nor config name one.
	Default = CLI
)

// ErrUnknownBridge is returned for an unsupported bridge name.
var ErrUnknownBridge = errors.New("unknown bridge")

// Bridge delivers text to a user over one transport.
type Bridge interface {
	Name() string
	Send(ctx context.Context, recipient, text string) error
}

// Inbound is one message received from a transport. MessageID is empty when
// the transport provides none.
type Inbound struct {
	UserID    string
	Text      string
	MessageID string
}

// InboundFunc receives inbound messages from push transports.
type InboundFunc func(ctx context.Context, msg Inbound)

// Entry is a queued outbound message awaiting acknowledgment.
type Entry struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

// Resolve picks the bridge name with precedence flag > env > configured >
// Default, and validates it.
func Resolve(flag, env, configured string) (string, error) {
	name := Default
	for _, candidate := range []string{flag, env, configured} {
		if c := strings.ToLower(strings.TrimSpace(candidate)); c != "" {
			name = c
			break
		}
	}
	switch name {
	case CLI, WhatsApp, Twilio, Discord:
		return name, nil
	}
	return "", fmt.Errorf("%w: %q (want cli, whatsapp, twilio or discord)", ErrUnknownBridge, name)
}

// DigitsOnly strips every non-digit character from id.
func DigitsOnly(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
