package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset() {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()
	output = os.Stderr
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
	nowFn = time.Now
}

func TestInitJSONSetsLevel(t *testing.T) {
	t.Cleanup(reset)

	Init(Config{Format: "json", Level: "debug", Component: "twin"})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, os.Stderr, output)
}

func TestInitFormats(t *testing.T) {
	t.Cleanup(reset)

	Init(Config{Format: "console"})
	_, ok := output.(zerolog.ConsoleWriter)
	assert.True(t, ok, "console format, got %T", output)

	isTerminalFn = func(int) bool { return false }
	Init(Config{Format: "auto"})
	assert.Equal(t, os.Stderr, output)

	isTerminalFn = func(int) bool { return true }
	Init(Config{Format: ""})
	_, ok = output.(zerolog.ConsoleWriter)
	assert.True(t, ok, "auto on a terminal, got %T", output)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]struct {
		want zerolog.Level
		ok   bool
	}{
		"":         {zerolog.InfoLevel, true},
		"DEBUG":    {zerolog.DebugLevel, true},
		" warning": {zerolog.WarnLevel, true},
		"trace":    {zerolog.TraceLevel, true},
		"disabled": {zerolog.Disabled, true},
		"bogus":    {zerolog.InfoLevel, false},
	}
	for in, tc := range cases {
		got, ok := ParseLevel(in)
		assert.Equal(t, tc.want, got, "level %q", in)
		assert.Equal(t, tc.ok, ok, "level %q", in)
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(reset)

	SetLevel("warn")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	SetLevel("nonsense")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestInitTagsComponentInFile(t *testing.T) {
	t.Cleanup(reset)

	path := filepath.Join(t.TempDir(), "logs", "twin.log")
	Init(Config{Format: "json", Component: "injector", FilePath: path})
	log.Info().Str("scenario", "voltage_collapse").Msg("stage applied")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &event))
	assert.Equal(t, "injector", event["component"])
	assert.Equal(t, "voltage_collapse", event["scenario"])
}

func TestRotatingFileRotatesAndPrunes(t *testing.T) {
	t.Cleanup(reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.log")
	r, err := openRotatingFile(path, 1, 2)
	require.NoError(t, err)
	r.limit = 16

	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	nowFn = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for i := 0; i < 5; i++ {
		_, err = r.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	for _, b := range backups {
		assert.True(t, strings.HasPrefix(filepath.Base(b), "small.log.20260102-0304"), b)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestRotatingFileRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.log")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	link := filepath.Join(dir, "link.log")
	require.NoError(t, os.Symlink(target, link))

	_, err := openRotatingFile(link, 1, 1)
	assert.Error(t, err)
}
