// Package config loads the twin's runtime configuration from TWIN_*
// environment variables, optionally seeded from .env files.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Telemetry sources.
const (
	SourceSimulated = "simulated"
	SourceKafka     = "kafka"
)

// Config holds the twin's configuration.
type Config struct {
	DataDir string

	LogLevel  string
	LogFormat string
	LogFile   string

	IngestInterval  time.Duration
	AnalyzeInterval time.Duration
	PersistEvery    int

	MetricsAddr string

	TelemetrySource string
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroup      string

	TopologyPath string
	Seed         int64

	// EnvOverrides records which fields were set from the environment.
	EnvOverrides map[string]bool
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		LogLevel:        "info",
		LogFormat:       "auto",
		IngestInterval:  5 * time.Second,
		AnalyzeInterval: 30 * time.Second,
		PersistEvery:    500,
		MetricsAddr:     ":9464",
		TelemetrySource: SourceSimulated,
		KafkaTopic:      "substation.telemetry",
		KafkaGroup:      "substation-twin",
		Seed:            42,
		EnvOverrides:    make(map[string]bool),
	}
}

// EnvPath is the .env file Load reads and the Watcher follows.
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataDir, ".env")
}

// Load reads configuration from the environment. A .env file in the data
// directory and one in the working directory are loaded first; variables
// already set in the process environment win over both.
func Load() (*Config, error) {
	dataDir := Default().DataDir
	if dir := os.Getenv("TWIN_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default()
	if err := cfg.apply(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// apply overlays every TWIN_* variable getenv returns a value for.
func (c *Config) apply(getenv func(string) string) error {
	set := func(key, field string, fn func(string) error) error {
		v := strings.Trim(strings.TrimSpace(getenv(key)), "'\"")
		if v == "" {
			return nil
		}
		if err := fn(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.EnvOverrides[field] = true
		return nil
	}
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := parseDuration(v)
			*dst = d
			return err
		}
	}

	return firstErr(
		set("TWIN_DATA_DIR", "dataDir", str(&c.DataDir)),
		set("TWIN_LOG_LEVEL", "logLevel", func(v string) error { c.LogLevel = strings.ToLower(v); return nil }),
		set("TWIN_LOG_FORMAT", "logFormat", func(v string) error { c.LogFormat = strings.ToLower(v); return nil }),
		set("TWIN_LOG_FILE", "logFile", str(&c.LogFile)),
		set("TWIN_INGEST_INTERVAL", "ingestInterval", dur(&c.IngestInterval)),
		set("TWIN_ANALYZE_INTERVAL", "analyzeInterval", dur(&c.AnalyzeInterval)),
		set("TWIN_PERSIST_EVERY", "persistEvery", func(v string) error {
			n, err := strconv.Atoi(v)
			c.PersistEvery = n
			return err
		}),
		set("TWIN_METRICS_ADDR", "metricsAddr", str(&c.MetricsAddr)),
		set("TWIN_TELEMETRY_SOURCE", "telemetrySource", func(v string) error { c.TelemetrySource = strings.ToLower(v); return nil }),
		set("TWIN_KAFKA_BROKERS", "kafkaBrokers", func(v string) error { c.KafkaBrokers = splitList(v); return nil }),
		set("TWIN_KAFKA_TOPIC", "kafkaTopic", str(&c.KafkaTopic)),
		set("TWIN_KAFKA_GROUP", "kafkaGroup", str(&c.KafkaGroup)),
		set("TWIN_TOPOLOGY", "topologyPath", str(&c.TopologyPath)),
		set("TWIN_SEED", "seed", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			c.Seed = n
			return err
		}),
	)
}

// parseDuration accepts Go durations ("30s", "1m") and bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data directory is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}

	if c.IngestInterval < time.Second {
		return fmt.Errorf("ingest interval must be at least 1 second")
	}
	if c.AnalyzeInterval < c.IngestInterval {
		return fmt.Errorf("analyze interval (%s) must not be shorter than ingest interval (%s)", c.AnalyzeInterval, c.IngestInterval)
	}
	if c.PersistEvery <= 0 {
		return fmt.Errorf("persist interval must be positive, got %d", c.PersistEvery)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}

	switch c.TelemetrySource {
	case SourceSimulated:
	case SourceKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka telemetry requires TWIN_KAFKA_BROKERS")
		}
		if c.KafkaTopic == "" || c.KafkaGroup == "" {
			return fmt.Errorf("kafka telemetry requires a topic and consumer group")
		}
	default:
		return fmt.Errorf("unknown telemetry source %q", c.TelemetrySource)
	}
	return nil
}
