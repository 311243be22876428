package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/substation-twin/internal/circuit/network"
	"github.com/rcourtman/substation-twin/internal/config"
	"github.com/rcourtman/substation-twin/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "twin",
	Short: "EHV substation digital twin",
	Long: `twin models a 400/220 kV substation: it tracks asset condition from telemetry,
detects anomalies, predicts health decay, schedules maintenance and injects
electrical disturbances into a reference circuit to produce labeled datasets.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		serveCmd,
		analyzeCmd,
		datasetCmd,
		scenarioCmd,
		contingencyCmd,
		injectCmd,
		corpusCmd,
		trainCmd,
		historyCmd,
		publishCmd,
		versionCmd,
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "twin %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig initializes logging, loads the configuration and re-initializes
// logging with the configured settings.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "twin"})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "twin",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

// newEngine builds the circuit from the configured topology file, or the
// built-in reference substation.
func newEngine(cfg *config.Config) (*network.Network, error) {
	if cfg.TopologyPath == "" {
		return network.Default()
	}
	topo, err := network.LoadTopology(cfg.TopologyPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", cfg.TopologyPath).Msg("Loaded circuit topology")
	return network.New(topo)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openOutput returns a file writer for path, or fallback when path is empty
// or "-".
func openOutput(path string, fallback io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return fallback, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, f.Close, nil
}
