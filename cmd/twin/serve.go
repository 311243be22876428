package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/substation-twin/internal/config"
	"github.com/rcourtman/substation-twin/internal/logging"
	"github.com/rcourtman/substation-twin/internal/twin"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and analysis loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("telemetry", cfg.TelemetrySource).
		Msg("Starting substation twin")

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	registry := newRegistry(cfg)
	source, err := newSource(cfg, registry)
	if err != nil {
		return err
	}

	tw, err := twin.New(twin.Options{
		Registry:        registry,
		Source:          source,
		Analyzer:        st.service,
		Engine:          engine,
		History:         st.history,
		IngestInterval:  cfg.IngestInterval,
		AnalyzeInterval: cfg.AnalyzeInterval,
	})
	if err != nil {
		source.Close()
		return err
	}

	if watcher, err := config.NewWatcher(cfg); err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, runtime reload disabled")
	} else {
		watcher.OnChange(func(r config.Runtime) {
			logging.SetLevel(r.LogLevel)
			tw.SetIntervals(r.IngestInterval, r.AnalyzeInterval)
		})
		watcher.Start()
		defer watcher.Stop()
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	runErr := tw.Run(ctx)
	if err := tw.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Twin shutdown incomplete")
	}
	return runErr
}
