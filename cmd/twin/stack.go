package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/ai"
	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/config"
	"github.com/rcourtman/substation-twin/internal/metrics"
	"github.com/rcourtman/substation-twin/internal/modelstore"
	"github.com/rcourtman/substation-twin/internal/telemetry"
)

// stack is the persistent state shared by the commands that run models.
type stack struct {
	store   *modelstore.Store
	history *metrics.History
	service *ai.Service
}

func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := modelstore.NewStore(modelstore.DefaultConfig(cfg.DataDir))
	if err != nil {
		return nil, err
	}
	metrics.InstallHooks(store)

	history, err := metrics.OpenHistory(metrics.DefaultHistoryConfig(cfg.DataDir))
	if err != nil {
		metrics.UninstallHooks(store)
		store.Close()
		return nil, err
	}

	aiCfg := ai.DefaultConfig()
	aiCfg.PersistEvery = cfg.PersistEvery
	aiCfg.Corpus.Seed = cfg.Seed

	return &stack{
		store:   store,
		history: history,
		service: ai.NewService(ctx, aiCfg, store),
	}, nil
}

// Close persists the models and drains both stores.
func (s *stack) Close() {
	s.service.Close()
	if err := s.history.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close history store")
	}
	metrics.UninstallHooks(s.store)
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close model store")
	}
}

func newSource(cfg *config.Config, fleet telemetry.Fleet) (telemetry.Source, error) {
	if cfg.TelemetrySource != config.SourceKafka {
		return telemetry.NewSimulatedSource(fleet, cfg.Seed), nil
	}
	src, err := telemetry.NewKafkaSource(kafkaConfig(cfg))
	if err != nil {
		return nil, err
	}
	return src, nil
}

func kafkaConfig(cfg *config.Config) telemetry.KafkaConfig {
	return telemetry.KafkaConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		GroupID:     cfg.KafkaGroup,
		PollTimeout: cfg.IngestInterval / 2,
	}
}

// newRegistry builds the reference substation fleet.
func newRegistry(cfg *config.Config) *assets.Registry {
	return assets.NewStandardSubstation(cfg.Seed)
}
