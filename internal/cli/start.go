package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arvid/chatrelay/internal/config"
	"github.com/arvid/chatrelay/internal/logger"
	"github.com/arvid/chatrelay/internal/telegram"
	"github.com/arvid/chatrelay/pkg/events"
	"github.com/arvid/chatrelay/pkg/gateway"
	"github.com/arvid/chatrelay/pkg/llm"
	"github.com/arvid/chatrelay/pkg/relay"
	"github.com/arvid/chatrelay/pkg/websearch"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chatrelay service",
	Long: `Start the chatrelay service in the foreground.
It consumes messages from Telegram and streams AI responses back,
editing the reply in place as generation progresses.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.FromConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	zl := log.GetZerolog()
	bus := events.NewBus()

	factory := &llm.ProviderFactory{}
	provider, err := factory.NewProvider(cfg.Provider.Name, cfg.Provider.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	search := websearch.NewClient(websearch.Config{
		APIKey:      cfg.Search.BraveAPIKey,
		ResultCount: cfg.Search.ResultCount,
	}, zl)
	if !search.Configured() {
		log.Warn().Msg("Brave API key not set, web_search will report itself unconfigured")
	}

	dispatcher := relay.NewDispatcher(search, bus, zl)

	bot, err := telegram.New(&cfg.Telegram, log)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	transport := bot.Transport()
	statusCancel := transport.SubscribeStatus(bus)
	defer statusCancel()

	controller, err := relay.NewController(relay.ControllerConfig{
		Provider:       provider,
		Transport:      transport,
		Dispatcher:     dispatcher,
		Bus:            bus,
		Logger:         zl,
		Model:          cfg.Provider.Model,
		SystemPrompt:   cfg.Provider.SystemPrompt,
		Temperature:    cfg.Provider.Temperature,
		MaxTokens:      cfg.Provider.MaxTokens,
		UpdateInterval: time.Duration(cfg.Stream.UpdateIntervalMs) * time.Millisecond,
		SearchEnabled:  search.Configured(),
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	bot.SetOnMessage(controller.HandleMessage)

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw, err = gateway.NewServer(gateway.Config{
			Host:   cfg.Gateway.Host,
			Port:   cfg.Gateway.Port,
			Bus:    bus,
			Logger: zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telegram bot: %w", err)
	}

	log.Info().
		Str("provider", cfg.Provider.Name).
		Str("model", cfg.Provider.Model).
		Bool("search", search.Configured()).
		Bool("gateway", cfg.Gateway.Enabled).
		Msg("Chatrelay started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	controller.Shutdown()
	cancel()

	if err := bot.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop telegram bot")
	}
	if gw != nil {
		if err := gw.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop gateway")
		}
	}

	log.Info().Msg("Chatrelay stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		return loader.LoadFile(cfgFile)
	}
	return loader.Load()
}
