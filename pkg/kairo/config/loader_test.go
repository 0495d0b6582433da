package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte("bridge: whatsapp\nllm:\n  model: gpt-4o\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Bridge != "whatsapp" {
		t.Errorf("Bridge = %q, want %q", cfg.Bridge, "whatsapp")
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q, want %q", cfg.LLM.Model, "gpt-4o")
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", cfg.LLM.Temperature)
	}
	if cfg.Router.DedupWindow != 30*time.Second {
		t.Errorf("DedupWindow = %v, want 30s", cfg.Router.DedupWindow)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled = false, want true")
	}
}

func TestParseConfigDurations(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte("llm:\n  timeout: 15s\nrouter:\n  dedup_window: 1m\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.LLM.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.LLM.Timeout)
	}
	if cfg.Router.DedupWindow != time.Minute {
		t.Errorf("DedupWindow = %v, want 1m", cfg.Router.DedupWindow)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("KAIRO_TEST_SET", "value")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"set", "key: ${KAIRO_TEST_SET}", "key: value", false},
		{"default used", "key: ${KAIRO_TEST_UNSET:-fallback}", "key: fallback", false},
		{"default ignored", "key: ${KAIRO_TEST_SET:-fallback}", "key: value", false},
		{"unset kept", "key: ${KAIRO_TEST_UNSET}", "key: ${KAIRO_TEST_UNSET}", false},
		{"required missing", "key: ${KAIRO_TEST_UNSET:?set it}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expandEnvVars(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "bridge: cli\nresources:\n  prompts: prompts.yaml\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BRIDGE_TYPE", "whatsapp")
	t.Setenv("PORT", "9090")

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path {
		t.Errorf("path = %q, want %q", used, path)
	}
	if cfg.Bridge != "whatsapp" {
		t.Errorf("Bridge = %q, want env override %q", cfg.Bridge, "whatsapp")
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("Address = %q, want %q", cfg.Server.Address, ":9090")
	}
	if want := filepath.Join(dir, "prompts.yaml"); cfg.Resources.Prompts != want {
		t.Errorf("Prompts = %q, want %q", cfg.Resources.Prompts, want)
	}
}

func TestSaveConfigDropsAPIKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-secret"
	path := filepath.Join(t.TempDir(), "out", "config.yaml")

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}
	loaded, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if loaded.LLM.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", loaded.LLM.APIKey)
	}
	if cfg.LLM.APIKey != "sk-secret" {
		t.Error("SaveConfigToFile mutated the caller's config")
	}
}
