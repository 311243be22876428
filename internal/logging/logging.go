// Package logging configures the process-wide zerolog logger used by every
// twin component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

const timeFormat = time.RFC3339

// Config controls logger initialization.
type Config struct {
	Format     string // "json", "console", or "auto"
	Level      string // "trace", "debug", "info", "warn", "error", "disabled"
	Component  string // tagged on every event when set
	FilePath   string // optional log file, written alongside stderr
	MaxSizeMB  int    // rotate the file after this size (default 100)
	MaxBackups int    // rotated files to keep (default 5, negative keeps all)
}

var (
	mu      sync.Mutex
	output  io.Writer = os.Stderr
	logFile *rotatingFile
)

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
)

// Init configures the zerolog globals and replaces log.Logger. It may be
// called again to apply new settings; a previously opened file is closed.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(levelOrDefault(cfg.Level))

	w := stderrWriter(cfg.Format)
	previous := logFile
	logFile = nil
	if path := strings.TrimSpace(cfg.FilePath); path != "" {
		f, err := openRotatingFile(path, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
		} else {
			w = io.MultiWriter(w, f)
			logFile = f
		}
	}
	if previous != nil {
		if err := previous.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: close previous log file: %v\n", err)
		}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		ctx = ctx.Str("component", component)
	}
	output = w
	log.Logger = ctx.Logger()
	return log.Logger
}

// Shutdown flushes and closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "logging: close log file: %v\n", err)
	}
	logFile = nil
}

// SetLevel changes the global level at runtime.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(levelOrDefault(level))
}

// ParseLevel accepts the zerolog level names plus "warning" and the empty
// string, which means info.
func ParseLevel(level string) (zerolog.Level, bool) {
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "":
		return zerolog.InfoLevel, true
	case "warning":
		return zerolog.WarnLevel, true
	default:
		lvl, err := zerolog.ParseLevel(s)
		if err != nil || lvl == zerolog.NoLevel {
			return zerolog.InfoLevel, false
		}
		return lvl, true
	}
}

func levelOrDefault(level string) zerolog.Level {
	lvl, ok := ParseLevel(level)
	if !ok {
		fmt.Fprintf(os.Stderr, "logging: unknown level %q, using info\n", level)
	}
	return lvl
}

func stderrWriter(format string) io.Writer {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "console":
		return console(os.Stderr)
	case "json":
		return os.Stderr
	case "", "auto":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return console(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: unknown format %q, using json\n", f)
		return os.Stderr
	}
}

func console(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
}
