// Package resources holds the prompt and message templates Kairo speaks with.
// Templates ship embedded and may be overridden per deployment with YAML
// files of the same shape.
package resources

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// Well-known template keys.
const (
	PromptOnboarding = "kairo_onboarding_system_prompt"
	PromptAgent      = "kairo_agent_system_prompt"

	MsgGenericError = "generic_error_message"
	MsgWelcome      = "initial_welcome_message"
	MsgReminder     = "reminder_alert"
	MsgHelp         = "help_text"
)

// FallbackMessage is returned when a message key has no template at all.
const FallbackMessage = "Sorry, something went wrong. Please try again."

// ErrPromptMissing is returned when a system prompt key is not configured.
var ErrPromptMissing = errors.New("prompt template missing")

// Catalog is a read-only set of prompts and localized messages.
type Catalog struct {
	prompts     map[string]string
	messages    map[string]map[string]string
	defaultLang string
}

// New builds a catalog from in-memory maps.
func New(prompts map[string]string, messages map[string]map[string]string, defaultLang string) *Catalog {
	if defaultLang == "" {
		defaultLang = "en"
	}
	if prompts == nil {
		prompts = map[string]string{}
	}
	if messages == nil {
		messages = map[string]map[string]string{}
	}
	return &Catalog{prompts: prompts, messages: messages, defaultLang: defaultLang}
}

// Load builds a catalog from the embedded defaults, overlaid by the optional
// prompt and message files. Keys in an override replace the default key as a
// whole; for messages, languages merge per key.
func Load(promptsPath, messagesPath, defaultLang string) (*Catalog, error) {
	c := New(nil, nil, defaultLang)

	if err := c.mergePrompts(mustReadDefault("defaults/prompts.yaml")); err != nil {
		return nil, err
	}
	if err := c.mergeMessages(mustReadDefault("defaults/messages.yaml")); err != nil {
		return nil, err
	}

	if promptsPath != "" {
		data, err := os.ReadFile(promptsPath)
		if err != nil {
			return nil, fmt.Errorf("reading prompts: %w", err)
		}
		if err := c.mergePrompts(data); err != nil {
			return nil, err
		}
	}
	if messagesPath != "" {
		data, err := os.ReadFile(messagesPath)
		if err != nil {
			return nil, fmt.Errorf("reading messages: %w", err)
		}
		if err := c.mergeMessages(data); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Prompt returns the prompt stored under key.
func (c *Catalog) Prompt(key string) (string, error) {
	p := strings.TrimSpace(c.prompts[key])
	if p == "" {
		return "", fmt.Errorf("%w: %s", ErrPromptMissing, key)
	}
	return p, nil
}

// Message returns the template for key in lang, falling back to the default
// language and then to FallbackMessage.
func (c *Catalog) Message(key, lang string) string {
	byLang, ok := c.messages[key]
	if !ok || len(byLang) == 0 {
		return FallbackMessage
	}
	if s, ok := byLang[lang]; ok && s != "" {
		return s
	}
	if s, ok := byLang[c.defaultLang]; ok && s != "" {
		return s
	}
	return FallbackMessage
}

// Format renders Message(key, lang) replacing {name} placeholders from vars.
func (c *Catalog) Format(key, lang string, vars map[string]string) string {
	tmpl := c.Message(key, lang)
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// DefaultLanguage reports the fallback language code.
func (c *Catalog) DefaultLanguage() string { return c.defaultLang }

func (c *Catalog) mergePrompts(data []byte) error {
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing prompts: %w", err)
	}
	for k, v := range m {
		c.prompts[k] = v
	}
	return nil
}

func (c *Catalog) mergeMessages(data []byte) error {
	var m map[string]map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing messages: %w", err)
	}
	for key, byLang := range m {
		if c.messages[key] == nil {
			c.messages[key] = make(map[string]string, len(byLang))
		}
		for lang, text := range byLang {
			c.messages[key][lang] = text
		}
	}
	return nil
}

func mustReadDefault(name string) []byte {
	data, err := defaultFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("resources: embedded %s missing: %v", name, err))
	}
	return data
}
