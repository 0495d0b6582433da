package discord

import (
	"context"
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard split", strings.Repeat("a", 25), 10, 3},
		{"newline split", strings.Repeat("a", 7) + "\n" + strings.Repeat("b", 7), 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitMessage(tt.text, tt.maxLen)
			if len(chunks) != tt.want {
				t.Fatalf("len(chunks) = %d, want %d (%q)", len(chunks), tt.want, chunks)
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Errorf("chunks do not reassemble: %q", got)
			}
			for _, c := range chunks {
				if len(c) > tt.maxLen {
					t.Errorf("chunk len %d > %d", len(c), tt.maxLen)
				}
			}
		})
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	b := New("token", nil)
	if b.Name() != "discord" {
		t.Errorf("Name = %q", b.Name())
	}
	if err := b.Send(context.Background(), "123", "hi"); err == nil {
		t.Error("Send on disconnected bridge succeeded")
	}
}

func TestStartRequiresToken(t *testing.T) {
	t.Parallel()

	if err := New("", nil).Start(context.Background(), nil); err == nil {
		t.Error("Start without token succeeded")
	}
}
