// Package discord implements a push bridge over Discord direct messages
// using discordgo. Inbound DMs are forwarded to the router; replies are sent
// to the user's DM channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/kairo/pkg/kairo/bridge"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Bridge is the Discord transport.
type Bridge struct {
	token  string
	logger *slog.Logger

	session *discordgo.Session
	handler bridge.InboundFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	dmChannels map[string]string
}

// New creates a Discord bridge for the given bot token.
func New(token string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		token:      token,
		logger:     logger.With("component", "bridge", "bridge", bridge.Discord),
		dmChannels: make(map[string]string),
	}
}

// Name implements bridge.Bridge.
func (d *Bridge) Name() string { return bridge.Discord }

// Start opens the gateway connection and delivers inbound DMs to handler.
func (d *Bridge) Start(ctx context.Context, handler bridge.InboundFunc) error {
	if d.token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.handler = handler
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		d.cancel()
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session

	if u := session.State.User; u != nil {
		d.logger.Info("discord: connected", "bot", u.Username, "id", u.ID)
	}
	return nil
}

// Stop closes the gateway and waits for in-flight inbound handlers.
func (d *Bridge) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.wg.Wait()
	d.logger.Info("discord: disconnected")
	return err
}

// Send delivers text as one or more DMs to the user id.
func (d *Bridge) Send(ctx context.Context, recipient, text string) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	channelID, err := d.dmChannel(recipient)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

func (d *Bridge) dmChannel(userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.dmChannels[userID]; ok {
		return id, nil
	}
	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("discord: open DM with %s: %w", userID, err)
	}
	d.dmChannels[userID] = ch.ID
	return ch.ID, nil
}

func (d *Bridge) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	// Only direct messages reach the assistant.
	if m.GuildID != "" {
		return
	}

	d.mu.Lock()
	d.dmChannels[m.Author.ID] = m.ChannelID
	d.mu.Unlock()

	msg := bridge.Inbound{
		UserID:    m.Author.ID,
		Text:      m.Content,
		MessageID: m.ID,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handler(d.ctx, msg)
	}()
}

// splitMessage breaks text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

var _ bridge.Bridge = (*Bridge)(nil)
