package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/kairo/pkg/kairo/config"
)

// newConfigCmd creates `kairo config` to inspect configuration and secrets.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration and manage the API key",
		Long: `Inspect Kairo's effective configuration and manage the model API key
stored in the OS keyring.

Examples:
  kairo config show
  kairo config set-key
  kairo config delete-key`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults)"
			}

			masked := *cfg
			masked.LLM.APIKey = mask(masked.LLM.APIKey)
			masked.Server.AuthToken = mask(masked.Server.AuthToken)
			masked.Twilio.AuthToken = mask(masked.Twilio.AuthToken)
			masked.Discord.Token = mask(masked.Discord.Token)

			out, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			fmt.Printf("# source: %s\n%s", path, out)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the model API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := readSecret("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := config.StoreKeyring(config.KeyringAPIKey, key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the model API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(config.KeyringAPIKey); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			fmt.Println("API key removed.")
			return nil
		},
	}
}

// readSecret reads a line without echo on a terminal, or plainly from a pipe.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "${"):
		return s
	case len(s) <= 8:
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
