package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/substation-twin/internal/ai/corpus"
	"github.com/rcourtman/substation-twin/internal/metrics"
	"github.com/rcourtman/substation-twin/internal/twin"
)

var (
	corpusSamples int
	corpusOutput  string

	analyzeRounds int

	historyScope string
	historySince time.Duration
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Write a synthetic historical corpus as CSV, usable with train",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := corpus.DefaultOptions()
		opts.Seed = cfg.Seed
		opts.SamplesPerType = corpusSamples
		records := corpus.Generate(opts)

		out, closeOut, err := openOutput(corpusOutput, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := corpus.WriteCSV(out, records); err != nil {
			closeOut()
			return err
		}
		log.Info().Int("records", len(records)).Int("types", len(opts.Types)).Msg("Corpus written")
		return closeOut()
	},
}

var trainCmd = &cobra.Command{
	Use:   "train <history.csv|history.json>",
	Short: "Retrain the per-type models from a historical records file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := st.service.TrainFromFile(args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Ingest telemetry for a number of rounds, analyze once and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if analyzeRounds < 1 {
			return fmt.Errorf("rounds must be at least 1, got %d", analyzeRounds)
		}
		st, err := openStack(cmd.Context(), cfg)
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
			Registry: registry,
			Source:   source,
			Analyzer: st.service,
			Engine:   engine,
			History:  st.history,
		})
		if err != nil {
			source.Close()
			return err
		}
		defer tw.Shutdown()

		for i := 0; i < analyzeRounds; i++ {
			if _, err := tw.IngestOnce(cmd.Context()); err != nil {
				return err
			}
		}
		return writeJSON(cmd.OutOrStdout(), tw.AnalyzeOnce())
	},
}

// historySeries lists the series the twin records per scope.
var historySeries = map[string][]string{
	metrics.SystemScope: {"total_power_kw", "losses_kw", "power_factor", "efficiency", "voltage_stability", "mean_voltage_pu"},
	"asset":             {"voltage", "current", "power", "temperature", "health_score"},
}

var historyCmd = &cobra.Command{
	Use:   "history [series...]",
	Short: "Print recorded time series for the system or one asset as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		h, err := metrics.OpenHistory(metrics.DefaultHistoryConfig(cfg.DataDir))
		if err != nil {
			return err
		}
		defer h.Close()

		series := args
		if len(series) == 0 {
			series = historySeries["asset"]
			if historyScope == metrics.SystemScope {
				series = historySeries[metrics.SystemScope]
			}
		}

		end := time.Now()
		start := end.Add(-historySince)
		out := make(map[string][]metrics.Point, len(series))
		for _, name := range series {
			points, err := h.Query(historyScope, name, start, end)
			if err != nil {
				return err
			}
			out[name] = points
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"scope":  historyScope,
			"start":  start,
			"end":    end,
			"series": out,
		})
	},
}

func init() {
	corpusCmd.Flags().IntVarP(&corpusSamples, "samples", "n", 500, "records per asset type")
	corpusCmd.Flags().StringVarP(&corpusOutput, "output", "o", "-", "CSV output file (- for stdout)")

	analyzeCmd.Flags().IntVar(&analyzeRounds, "rounds", 1, "telemetry rounds to ingest before analyzing")

	historyCmd.Flags().StringVar(&historyScope, "scope", metrics.SystemScope, "\"system\" or an asset ID")
	historyCmd.Flags().DurationVar(&historySince, "since", 24*time.Hour, "how far back to query")
}

