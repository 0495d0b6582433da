package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/config"
)

// defaultModels is the model offered for each provider.
var defaultModels = map[string]string{
	"openai":    "gpt-4-turbo",
	"anthropic": "claude-sonnet-4-5",
}

// newSetupCmd creates the `kairo setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml: assistant name,
bridge, model provider and the bridge credentials. The API key goes to the
OS keyring, never to the file.

Examples:
  kairo setup
  kairo setup --output ~/.kairo/config.yaml`,
		RunE: runSetup,
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the configuration")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")

	cfg := config.DefaultConfig()
	var (
		apiKey    string
		address   = cfg.Server.Address
		scheduler = cfg.Scheduler.Enabled
		confirm   = true
	)

	notEmpty := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Kairo setup").
				Description("Creates "+output+". Press Enter to keep a default."),
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name).
				Validate(notEmpty("name")),
			huh.NewSelect[string]().
				Title("Messaging bridge").
				Options(
					huh.NewOption("Local console (cli)", bridge.CLI),
					huh.NewOption("WhatsApp polling client", bridge.WhatsApp),
					huh.NewOption("Twilio WhatsApp", bridge.Twilio),
					huh.NewOption("Discord bot", bridge.Discord),
				).
				Value(&cfg.Bridge),
			huh.NewInput().
				Title("Listen address").
				Value(&address).
				Validate(notEmpty("address")),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("Anthropic", "anthropic"),
				).
				Value(&cfg.LLM.Provider),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default.").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring. Leave empty to skip.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().Title("Twilio account SID").Value(&cfg.Twilio.AccountSID).Validate(notEmpty("account SID")),
			huh.NewInput().Title("Twilio auth token").EchoMode(huh.EchoModePassword).Value(&cfg.Twilio.AuthToken),
			huh.NewInput().Title("Twilio WhatsApp number").Value(&cfg.Twilio.FromNumber).Validate(notEmpty("number")),
			huh.NewConfirm().Title("Validate webhook signatures?").Value(&cfg.Twilio.ValidateSignature),
			huh.NewInput().Title("Public webhook URL").Value(&cfg.Twilio.WebhookURL),
		).WithHideFunc(func() bool { return cfg.Bridge != bridge.Twilio }),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&cfg.Discord.Token).Validate(notEmpty("token")),
		).WithHideFunc(func() bool { return cfg.Bridge != bridge.Discord }),
		huh.NewGroup(
			huh.NewConfirm().Title("Run the ritual and reminder scheduler?").Value(&scheduler),
			huh.NewConfirm().Title("Write " + output + "?").Value(&confirm),
		),
	)

	cfg.LLM.Model = ""
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}
	if !confirm {
		fmt.Println("Nothing written.")
		return nil
	}

	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = defaultModels[cfg.LLM.Provider]
	}
	cfg.Server.Address = address
	cfg.Scheduler.Enabled = scheduler

	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		if err := config.StoreKeyring(config.KeyringAPIKey, apiKey); err != nil {
			fmt.Printf("Could not store the API key in the keyring: %v\n", err)
			fmt.Printf("Export %s instead.\n", config.ProviderKeyName(cfg.LLM.Provider))
		} else {
			fmt.Println("API key stored in the OS keyring.")
		}
	}

	// Secrets for push bridges are read from the environment at startup.
	if cfg.Twilio.AuthToken != "" {
		fmt.Println("Set TWILIO_AUTH_TOKEN in the environment; it is not written to the file.")
		cfg.Twilio.AuthToken = "${TWILIO_AUTH_TOKEN}"
	}
	if cfg.Discord.Token != "" {
		fmt.Println("Set DISCORD_BOT_TOKEN in the environment; it is not written to the file.")
		cfg.Discord.Token = "${DISCORD_BOT_TOKEN}"
	}

	if err := config.SaveConfigToFile(cfg, output); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", output)
	fmt.Println("Start the server with: kairo serve")
	return nil
}
