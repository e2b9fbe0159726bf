package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewline/relay/core/comms"
	"github.com/crewline/relay/core/convo"
	"github.com/crewline/relay/core/dispatch"
	"github.com/crewline/relay/core/events"
	"github.com/crewline/relay/core/history"
	"github.com/crewline/relay/core/monitor"
	"github.com/crewline/relay/core/responder"
	"github.com/crewline/relay/core/routing"
	"github.com/crewline/relay/core/squad"
)

var (
	serveConfigPath string
	serveLogLevel   string
	serveWatch      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Start the bus, escalation monitor, and dispatcher for the squads in
the configuration file, and run until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "relay.yaml", "Path to the squad configuration file")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the configuration file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(serveLogLevel)
	slog.SetDefault(logger)

	manager := squad.NewManager(serveConfigPath, logger)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()

	store, err := history.NewStore(history.StoreConfig{
		Path:          cfg.History.Path,
		IndexPath:     cfg.History.IndexPath,
		DisableSearch: cfg.History.DisableSearch,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	bus := comms.NewInboxBus(comms.InboxBusConfig{
		Capacity: cfg.Bus.Capacity,
		Recorder: store,
		Logger:   logger,
	})
	defer bus.Close()

	engine := routing.NewEngine(routing.NewRoster(), logger)
	if err := squad.Apply(cfg, engine); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	manager.OnChange(func(next *squad.Config) {
		if err := squad.Apply(next, engine); err != nil {
			logger.Error("apply reloaded config", slog.String("error", err.Error()))
		}
	})

	eventBus := events.NewBus(events.BusConfig{Logger: logger})
	defer eventBus.Close()

	expired := convo.NewExpiredLog(convo.ExpiredLogConfig{
		OnAdd: func(rec *convo.ExpiredRecord) {
			logger.Warn("conversation needs human intervention",
				slog.String("conversation", rec.ConversationID),
				slog.String("squad", rec.SquadID),
				slog.Int("responders", len(rec.Responders)))
		},
	})

	registry := convo.NewRegistry(convo.RegistryConfig{
		Router:  engine,
		Bus:     bus,
		Store:   store,
		Events:  eventBus,
		Expired: expired,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restored, err := registry.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	if restored > 0 {
		logger.Info("conversations restored", slog.Int("count", restored))
	}

	mon := monitor.New(monitor.Config{
		Registry: registry,
		Interval: cfg.MonitorInterval(),
		Logger:   logger,
	})
	mon.Start(ctx)
	defer mon.Stop()

	answerer, err := buildResponder(cfg)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		Registry:        registry,
		Roster:          engine.Roster(),
		Responder:       answerer,
		Events:          eventBus,
		ResponseTimeout: cfg.ResponderTimeout(),
		Logger:          logger,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	if serveWatch {
		if err := manager.Watch(ctx); err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	logger.Info("relay started",
		slog.Int("squads", len(cfg.Squads)),
		slog.String("history", cfg.History.Path),
		slog.Bool("auto_respond", answerer != nil))

	<-ctx.Done()
	logger.Info("relay stopping")
	return nil
}

// buildResponder constructs the configured auto-response provider. Returns
// nil when auto-respond is off.
func buildResponder(cfg *squad.Config) (responder.Responder, error) {
	switch cfg.Responder.Provider {
	case "":
		return nil, nil

	case "anthropic":
		return responder.NewAnthropicResponder(responder.AnthropicConfig{
			APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
			Model:       cfg.Responder.Model,
			MaxTokens:   cfg.Responder.MaxTokens,
			Temperature: cfg.Responder.Temperature,
		})

	case "openai":
		return responder.NewOpenAIResponder(responder.OpenAIConfig{
			APIKey:      os.Getenv("OPENAI_API_KEY"),
			Model:       cfg.Responder.Model,
			MaxTokens:   cfg.Responder.MaxTokens,
			Temperature: cfg.Responder.Temperature,
		})

	case "scripted":
		return responder.NewScriptedResponder().On("", "acknowledged, no scripted answer configured"), nil

	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Responder.Provider)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
