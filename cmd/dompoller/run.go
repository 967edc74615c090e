package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jgoulah/dompoller/internal/config"
	"github.com/jgoulah/dompoller/internal/coordinator"
	"github.com/jgoulah/dompoller/internal/publisher"
	"github.com/jgoulah/dompoller/internal/statistics"
	"github.com/jgoulah/dompoller/internal/upstream"
	"github.com/jgoulah/dompoller/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling daemon",
	Long: `Polls the Dominion Energy API every 30 minutes, updates the local
statistics database, and publishes snapshots and statistics batches to the
configured sinks. Runs until interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	coord, cleanup, err := buildCoordinator(cfg, store, logger, true)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("account", cfg.AccountNumber).
		Str("statistic_id", cfg.StatisticID()).
		Dur("interval", coordinator.DefaultPollInterval).
		Msg("starting poller")

	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("poller stopped: %w", err)
	}

	logger.Info().Msg("poller stopped")
	return nil
}

// buildCoordinator wires the upstream client, sinks, and coordinator from the
// config. withSinks controls whether the MQTT publisher and HA sink are
// connected; one-shot commands skip them unless configured.
func buildCoordinator(cfg *config.Config, store *statistics.Store, logger zerolog.Logger, withSinks bool) (*coordinator.Coordinator, func(), error) {
	pricingCfg, err := cfg.PricingEngineConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid pricing config: %w", err)
	}

	// Persist rotated tokens so restarts keep working after a refresh
	client := upstream.NewDominionClient(cfg.Credentials, func(creds models.Credentials) {
		cfg.Credentials = creds
		if err := saveConfig(cfg); err != nil {
			logger.Warn().Err(err).Msg("could not persist refreshed credentials")
			return
		}
		logger.Debug().Msg("refreshed credentials persisted")
	})

	cleanup := func() {}
	var snapshotPub coordinator.SnapshotPublisher
	var sink coordinator.StatisticsSink

	if withSinks && cfg.MQTT.Enabled {
		mqttPub, err := publisher.NewMQTT(cfg.MQTT, cfg.GetTopicPrefix())
		if err != nil {
			return nil, nil, fmt.Errorf("creating MQTT publisher: %w", err)
		}
		snapshotPub = mqttPub
		cleanup = mqttPub.Close
	}
	if withSinks && cfg.HomeAssistant.Enabled {
		haSink, err := publisher.NewHASink(cfg.HomeAssistant)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating statistics sink: %w", err)
		}
		sink = haSink
	}

	coord, err := coordinator.New(coordinator.Options{
		Client:        client,
		Store:         store,
		Publisher:     snapshotPub,
		Sink:          sink,
		Pricing:       pricingCfg,
		AccountNumber: cfg.AccountNumber,
		MeterNumber:   cfg.MeterNumber,
		StatisticID:   cfg.StatisticID(),
		BackfillDays:  cfg.GetBackfillDays(),
		Logger:        logger,
		OnAuthFailed: func(err error) {
			logger.Error().Err(err).Msg("re-authentication required: update credentials in config.yaml and restart")
		},
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("creating coordinator: %w", err)
	}

	return coord, cleanup, nil
}
