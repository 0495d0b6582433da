package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newChatCmd creates `kairo chat`, a console client for the cli bridge.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a running Kairo server through the cli bridge",
		Long: `Opens an interactive console that posts each line to /incoming and
prints replies polled from /outgoing, acknowledging each one.

The server must be running with the cli bridge (kairo serve --bridge cli).

Examples:
  kairo chat
  kairo chat --user 972501234567 --server http://localhost:8001`,
		RunE: runChat,
	}

	cmd.Flags().StringP("user", "u", "10000000000", "user id to chat as")
	cmd.Flags().StringP("server", "s", "", "server URL (default from config)")
	cmd.Flags().Duration("poll", time.Second, "outbound polling interval")
	return cmd
}

// chatClient speaks the gateway's polling protocol.
type chatClient struct {
	base   string
	token  string
	userID string
	http   *http.Client
}

type outgoingMessage struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = "http://" + localAddress(cfg.Server.Address)
	}
	userID, _ := cmd.Flags().GetString("user")
	poll, _ := cmd.Flags().GetDuration("poll")

	c := &chatClient{
		base:   strings.TrimRight(server, "/"),
		token:  cfg.Server.AuthToken,
		userID: userID,
		http:   &http.Client{Timeout: 10 * time.Second},
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".kairo", "chat_history")
		_ = os.MkdirAll(filepath.Dir(historyFile), 0o700)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("opening console: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fmt.Fprintf(rl.Stdout(), "Connected to %s as %s. Type /help for commands, Ctrl+D to quit.\n", c.base, c.userID)
	go c.pollLoop(ctx, rl, poll)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.post(ctx, line); err != nil {
			fmt.Fprintf(rl.Stderr(), "send failed: %v\n", err)
		}
	}
}

// pollLoop prints and acknowledges replies addressed to this user.
func (c *chatClient) pollLoop(ctx context.Context, rl *readline.Instance, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := c.outgoing(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(rl.Stderr(), "poll failed: %v\n", err)
			}
			continue
		}
		for _, m := range msgs {
			if m.UserID != c.userID {
				continue
			}
			fmt.Fprintf(rl.Stdout(), "kairo> %s\n", m.Message)
			if err := c.ack(ctx, m.MessageID); err != nil {
				fmt.Fprintf(rl.Stderr(), "ack failed: %v\n", err)
			}
		}
	}
}

func (c *chatClient) post(ctx context.Context, text string) error {
	body := map[string]string{
		"user_id":    c.userID,
		"message":    text,
		"message_id": uuid.NewString(),
	}
	return c.do(ctx, http.MethodPost, "/incoming", body, nil)
}

func (c *chatClient) outgoing(ctx context.Context) ([]outgoingMessage, error) {
	var resp struct {
		Messages []outgoingMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/outgoing", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *chatClient) ack(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/ack", map[string]string{"message_id": id}, nil)
}

func (c *chatClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// localAddress turns a listen address such as ":8001" into a dialable one.
func localAddress(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return strings.Replace(listen, "0.0.0.0", "localhost", 1)
}
