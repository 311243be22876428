package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/telemetry"
)

var (
	publishRounds   int
	publishInterval time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish simulated substation telemetry to the configured Kafka topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pub, err := telemetry.NewPublisher(kafkaConfig(cfg))
		if err != nil {
			return err
		}
		defer pub.Close()

		source := telemetry.NewSimulatedSource(newRegistry(cfg), cfg.Seed)
		return publishLoop(ctx, source, pub, publishRounds, publishInterval)
	},
}

type batchPublisher interface {
	Publish(ctx context.Context, batch map[string]assets.Measurement) error
}

// publishLoop polls source and publishes each batch, rounds times or until
// ctx is cancelled when rounds is zero.
func publishLoop(ctx context.Context, source telemetry.Source, pub batchPublisher, rounds int, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("publish interval must be positive, got %s", every)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for sent := 0; rounds <= 0 || sent < rounds; sent++ {
		batch, err := source.Poll(ctx)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, batch); err != nil {
			return err
		}
		log.Debug().Int("round", sent+1).Int("measurements", len(batch)).Msg("Published telemetry")

		if rounds > 0 && sent+1 == rounds {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	log.Info().Int("rounds", rounds).Msg("Telemetry publishing finished")
	return nil
}

func init() {
	publishCmd.Flags().IntVar(&publishRounds, "rounds", 0, "rounds to publish (0 runs until interrupted)")
	publishCmd.Flags().DurationVar(&publishInterval, "interval", 5*time.Second, "time between rounds")
}
