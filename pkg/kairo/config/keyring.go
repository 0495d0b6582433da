package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "kairo"

	// KeyringAPIKey is the entry name for the model API key.
	KeyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ProviderKeyName returns the conventional env var for a provider's key.
func ProviderKeyName(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveAPIKey fills cfg.LLM.APIKey using keyring → environment → config
// value and reports where it came from. A missing key is returned as
// ErrNoAPIKey but is not fatal to the process: every turn will fail with the
// fallback message until a key is configured.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) error {
	if v := GetKeyring(KeyringAPIKey); v != "" {
		cfg.LLM.APIKey = v
		logger.Debug("api key resolved", "source", "keyring")
		return nil
	}

	for _, name := range []string{"KAIRO_API_KEY", ProviderKeyName(cfg.LLM.Provider)} {
		if v := os.Getenv(name); v != "" {
			cfg.LLM.APIKey = v
			logger.Debug("api key resolved", "source", "env", "var", name)
			return nil
		}
	}

	if cfg.LLM.APIKey != "" && !strings.HasPrefix(cfg.LLM.APIKey, "${") {
		logger.Warn("api key is stored in plaintext config; prefer `kairo config set-key`")
		return nil
	}

	cfg.LLM.APIKey = ""
	return ErrNoAPIKey
}
