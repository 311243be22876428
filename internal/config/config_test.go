package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TWIN_DATA_DIR", dir)
	chdirForTest(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.IngestInterval)
	assert.Equal(t, 30*time.Second, cfg.AnalyzeInterval)
	assert.Equal(t, SourceSimulated, cfg.TelemetrySource)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.True(t, cfg.EnvOverrides["dataDir"])
	assert.False(t, cfg.EnvOverrides["logLevel"])
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TWIN_DATA_DIR", dir)
	chdirForTest(t, dir)
	t.Setenv("TWIN_LOG_LEVEL", "DEBUG")
	t.Setenv("TWIN_INGEST_INTERVAL", "2")
	t.Setenv("TWIN_ANALYZE_INTERVAL", "1m")
	t.Setenv("TWIN_TELEMETRY_SOURCE", "kafka")
	t.Setenv("TWIN_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("TWIN_SEED", "7")
	t.Setenv("TWIN_METRICS_ADDR", "'127.0.0.1:9100'")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.IngestInterval)
	assert.Equal(t, time.Minute, cfg.AnalyzeInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.True(t, cfg.EnvOverrides["kafkaBrokers"])
}

func TestLoadReadsDataDirEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TWIN_DATA_DIR", dir)
	chdirForTest(t, t.TempDir())
	// godotenv sets process variables directly; register them so t.Setenv
	// restores them afterwards.
	t.Setenv("TWIN_TOPOLOGY", "")
	require.NoError(t, os.Unsetenv("TWIN_TOPOLOGY"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TWIN_TOPOLOGY=/etc/twin/topology.yaml\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/twin/topology.yaml", cfg.TopologyPath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":      {"TWIN_INGEST_INTERVAL", "soon"},
		"short ingest":      {"TWIN_INGEST_INTERVAL", "100ms"},
		"unknown source":    {"TWIN_TELEMETRY_SOURCE", "mqtt"},
		"kafka no brokers":  {"TWIN_TELEMETRY_SOURCE", "kafka"},
		"bad level":         {"TWIN_LOG_LEVEL", "chatty"},
		"bad seed":          {"TWIN_SEED", "x"},
		"bad metrics addr":  {"TWIN_METRICS_ADDR", "9464"},
		"zero persist rate": {"TWIN_PERSIST_EVERY", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("TWIN_DATA_DIR", dir)
			chdirForTest(t, dir)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateAnalyzeNotShorterThanIngest(t *testing.T) {
	cfg := Default()
	cfg.IngestInterval = 10 * time.Second
	cfg.AnalyzeInterval = 5 * time.Second
	assert.Error(t, cfg.Validate())

	cfg.AnalyzeInterval = 10 * time.Second
	assert.NoError(t, cfg.Validate())
}

// chdirForTest changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("chdir: %v", err)
		}
	})
}
