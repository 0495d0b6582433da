// Package commands implements the Kairo CLI commands using cobra.
package commands

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/kairo/pkg/kairo/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kairo",
		Short: "Kairo - conversational productivity assistant",
		Long: `Kairo is a conversational productivity assistant. It keeps tasks and
reminders for each user, runs daily check-in rituals, and talks over
WhatsApp, Twilio, Discord or a local console bridge.

Examples:
  kairo serve --bridge cli
  kairo chat --user 972501234567
  kairo session 972501234567
  kairo setup`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSessionCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig loads the configuration named by --config, or the first one
// found in the standard locations.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// newLogHandler builds the console slog handler from the logging config.
func newLogHandler(cfg *config.Config, verbose bool, w io.Writer) slog.Handler {
	level := parseLevel(cfg.Logging.Level, slog.LevelInfo)
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fallback
	}
	return l
}

func isVerbose(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}

func stderrLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return slog.New(newLogHandler(cfg, isVerbose(cmd), os.Stderr))
}
