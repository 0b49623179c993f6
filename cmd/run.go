package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cogbot/pkg/bot"
	"cogbot/pkg/bus"
	"cogbot/pkg/channel"
	"cogbot/pkg/channel/telegram"
	"cogbot/pkg/config"
	"cogbot/pkg/extension"
	"cogbot/pkg/extension/agent"
	"cogbot/pkg/extension/audit"
	"cogbot/pkg/extension/general"
	"cogbot/pkg/extension/mentor"
	"cogbot/pkg/gateway"
	"cogbot/pkg/logger"
	"cogbot/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const telegramChannelName = "telegram"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to chat and serve commands",
	Long:  "Starts the runtime (store, log bridge, extensions), connects the enabled chat channels, and serves health, readiness and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		local, err := logger.NewHandler(cfg.Logging, os.Stderr)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(slog.New(local))
		log := slog.Default().With("component", "cmd.run")

		if err := requireChannel(cfg); err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		messageBus := bus.NewMessageBus()
		defer messageBus.Close()

		var adapters []channel.Adapter
		runtime := bot.New(*cfg, bot.Options{
			Registry: defaultRegistry(),
			Bus:      messageBus,
			Local:    local,
			Latency:  func() time.Duration { return gateway.LatencyOf(adapters)() },
		})
		if err := runtime.Start(runCtx); err != nil {
			return fmt.Errorf("start runtime: %w", err)
		}

		bridged := slog.New(runtime.Bridge())
		slog.SetDefault(bridged)
		log = bridged.With("component", "cmd.run")

		adapters, err = enabledAdapters(cfg, bridged)
		if err != nil {
			_ = runtime.Close(context.Background())
			return err
		}

		svc, err := gateway.NewService(cfg, runtime, messageBus, adapters, bridged)
		if err != nil {
			_ = runtime.Close(context.Background())
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("Gateway started",
			"channels", enabledChannelNames(adapters),
			"extensions", loadedNames(runtime.Extensions()),
			"prefix", cfg.Bot.Prefix,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// defaultRegistry maps every built-in extension name to its constructor.
func defaultRegistry() *extension.Registry {
	registry := extension.NewRegistry()
	registry.Register(general.Name, general.New)
	registry.Register(mentor.Name, mentor.New)
	registry.Register(agent.Name, agent.New)
	registry.Register(audit.Name, audit.New)
	return registry
}

// requireChannel fails when no channel could connect, which is the only
// configuration problem that stops the bot.
func requireChannel(cfg *config.Config) error {
	if !cfg.Channels.Telegram.Enabled {
		return errors.New("no channels are enabled")
	}
	if strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return fmt.Errorf("configure %s channel: bot token is required", telegramChannelName)
	}
	return nil
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}

func loadedNames(extensions []extension.Extension) string {
	names := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		names = append(names, ext.Name())
	}

	return strings.Join(names, ",")
}
