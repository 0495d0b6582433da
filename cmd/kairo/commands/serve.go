package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/kairo/pkg/kairo/agent"
	"github.com/jholhewres/kairo/pkg/kairo/bridge"
	"github.com/jholhewres/kairo/pkg/kairo/bridge/discord"
	"github.com/jholhewres/kairo/pkg/kairo/config"
	"github.com/jholhewres/kairo/pkg/kairo/dedup"
	"github.com/jholhewres/kairo/pkg/kairo/gateway"
	"github.com/jholhewres/kairo/pkg/kairo/llm"
	"github.com/jholhewres/kairo/pkg/kairo/metrics"
	"github.com/jholhewres/kairo/pkg/kairo/resources"
	"github.com/jholhewres/kairo/pkg/kairo/router"
	"github.com/jholhewres/kairo/pkg/kairo/scheduler"
	"github.com/jholhewres/kairo/pkg/kairo/store"
)

const shutdownTimeout = 15 * time.Second

// newServeCmd creates the `kairo serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway, the bridge and the scheduler",
		Long: `Start Kairo as a daemon: the HTTP gateway, the selected messaging
bridge and the background ritual/reminder scheduler.

The bridge is chosen by --bridge, then the BRIDGE_TYPE environment
variable, then the config file, and finally defaults to "cli".

Examples:
  kairo serve
  kairo serve --bridge whatsapp
  BRIDGE_TYPE=twilio kairo serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringP("bridge", "b", "", "messaging bridge (cli, whatsapp, twilio, discord)")
	cmd.Flags().Bool("no-scheduler", false, "disable the ritual and reminder loop")
	return cmd
}

// bridgeSet is the transport chosen at startup.
type bridgeSet struct {
	transport bridge.Bridge
	queue     *bridge.QueueBridge
	discord   *discord.Bridge
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	console := newLogHandler(cfg, isVerbose(cmd), os.Stdout)
	logger := slog.New(console)

	flagBridge, _ := cmd.Flags().GetString("bridge")
	bridgeName, err := bridge.Resolve(flagBridge, os.Getenv("BRIDGE_TYPE"), cfg.Bridge)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	// ── Storage ──
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Warnings and errors are mirrored into system_logs from here on.
	logger = slog.New(store.NewLogHandler(console, st.DB, parseLevel(cfg.Logging.PersistLevel, slog.LevelWarn)))
	slog.SetDefault(logger)

	// ── Secrets & model ──
	if err := config.ResolveAPIKey(cfg, logger); err != nil {
		logger.Warn("no model API key; every turn will answer with the generic error",
			"hint", "run `kairo config set-key` or set "+config.ProviderKeyName(cfg.LLM.Provider))
	}

	catalog, err := resources.Load(cfg.Resources.Prompts, cfg.Resources.Messages, cfg.Resources.DefaultLanguage)
	if err != nil {
		return fmt.Errorf("loading resources: %w", err)
	}

	m := metrics.New()
	model, err := llm.NewFromConfig(cfg.LLM, m, logger)
	if err != nil {
		return err
	}

	// ── Agent ──
	state := agent.NewState(st, cfg.Agent.HistoryLimit, logger)
	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		State:       state,
		Model:       model,
		Catalog:     catalog,
		Turns:       st.Turns,
		Activity:    st.Activity,
		Metrics:     m,
		Temperature: cfg.LLM.Temperature,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Bridge ──
	bs, err := openBridge(ctx, bridgeName, cfg, st, m, logger)
	if err != nil {
		return err
	}
	messenger := bridge.NewMessenger(bs.transport, st.Turns, m, logger)

	rt := router.New(router.Config{
		State:            state,
		Agent:            orchestrator,
		Sender:           messenger,
		Items:            st.Items,
		Turns:            st.Turns,
		Catalog:          catalog,
		Dedup:            dedup.New(cfg.Router.DedupWindow),
		Metrics:          m,
		Logger:           logger,
		SerializePerUser: cfg.Router.SerializePerUser,
	})

	gwCfg := gateway.Config{
		Address:   cfg.Server.Address,
		AuthToken: cfg.Server.AuthToken,
		Bridge:    bridgeName,
		Handler:   rt,
		Metrics:   m,
		Logger:    logger,
	}
	if bs.queue != nil {
		gwCfg.Queue = bs.queue
	}
	if bridgeName == bridge.Twilio {
		gwCfg.Twilio = &gateway.TwilioConfig{
			AuthToken:         cfg.Twilio.AuthToken,
			ValidateSignature: cfg.Twilio.ValidateSignature,
			WebhookURL:        cfg.Twilio.WebhookURL,
		}
	}
	gw := gateway.New(gwCfg)

	// ── Run ──
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := gw.Start(gctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return gw.Stop(shutdownCtx)
	})

	if bs.discord != nil {
		g.Go(func() error {
			if err := bs.discord.Start(gctx, rt.HandleIncoming); err != nil {
				return fmt.Errorf("starting discord: %w", err)
			}
			<-gctx.Done()
			return bs.discord.Stop()
		})
	}

	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	if cfg.Scheduler.Enabled && !noScheduler {
		sched := scheduler.New(scheduler.Config{
			Interval:          cfg.Scheduler.Interval,
			ReminderLookahead: cfg.Scheduler.ReminderLookahead,
			JobTimeout:        cfg.Scheduler.JobTimeout,
			Preferences:       st.Preferences,
			Items:             st.Items,
			Triggers:          rt,
			Sender:            messenger,
			Catalog:           catalog,
			Metrics:           m,
			Logger:            logger,
		})
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	} else {
		logger.Info("scheduler disabled")
	}

	logger.Info("Kairo running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"bridge", bridgeName,
		"model", model.Provider()+"/"+cfg.LLM.Model,
	)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown after failure", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// openBridge builds the transport for name. Queue bridges restore entries
// persisted by a previous run.
func openBridge(ctx context.Context, name string, cfg *config.Config, st *store.Store, m *metrics.Metrics, logger *slog.Logger) (bridgeSet, error) {
	switch name {
	case bridge.CLI, bridge.WhatsApp:
		var q *bridge.QueueBridge
		if name == bridge.CLI {
			q = bridge.NewCLI(st.Outbox, m, logger)
		} else {
			q = bridge.NewWhatsApp(st.Outbox, m, logger)
		}
		n, err := q.Restore(ctx)
		if err != nil {
			return bridgeSet{}, fmt.Errorf("restoring outbound queue: %w", err)
		}
		if n > 0 {
			logger.Info("restored unacknowledged messages", "count", n)
		}
		return bridgeSet{transport: q, queue: q}, nil

	case bridge.Twilio:
		tw, err := bridge.NewTwilio(cfg.Twilio, logger)
		if err != nil {
			return bridgeSet{}, err
		}
		return bridgeSet{transport: tw}, nil

	case bridge.Discord:
		d := discord.New(cfg.Discord.Token, logger)
		return bridgeSet{transport: d, discord: d}, nil
	}
	return bridgeSet{}, fmt.Errorf("%w: %q", bridge.ErrUnknownBridge, name)
}
