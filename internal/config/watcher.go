package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Runtime is the subset of the configuration that can change without a
// restart.
type Runtime struct {
	LogLevel        string
	IngestInterval  time.Duration
	AnalyzeInterval time.Duration
}

// Runtime returns the reloadable settings of c.
func (c *Config) Runtime() Runtime {
	return Runtime{
		LogLevel:        c.LogLevel,
		IngestInterval:  c.IngestInterval,
		AnalyzeInterval: c.AnalyzeInterval,
	}
}

var debounce = 100 * time.Millisecond

// Watcher monitors the .env file and applies runtime changes.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu       sync.RWMutex
	config   *Config
	onChange []func(Runtime)
}

// NewWatcher creates a watcher on cfg.EnvPath(). cfg is updated in place
// under the watcher's lock; read it through Current.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		envPath:  cfg.EnvPath(),
		watcher:  fw,
		stopChan: make(chan struct{}),
		config:   cfg,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnChange registers fn to run after every reload that changed a runtime
// setting.
func (w *Watcher) OnChange(fn func(Runtime)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the runtime settings in effect.
func (w *Watcher) Current() Runtime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config.Runtime()
}

// Start begins watching. If the directory cannot be watched it falls back
// to polling the file's modification time.
func (w *Watcher) Start() {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges(5 * time.Second)
		return
	}
	go w.handleEvents(w.watcher.Events, w.watcher.Errors)
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				time.Sleep(debounce)
				log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
				w.Reload()
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(w.envPath); err == nil && stat.ModTime().After(w.lastModTime) {
				log.Info().Msg("Detected .env file change via polling")
				w.lastModTime = stat.ModTime()
				w.Reload()
			}
		case <-w.stopChan:
			return
		}
	}
}

// Reload re-reads the .env file and applies the runtime settings it
// carries. An invalid file leaves the current settings in place.
func (w *Watcher) Reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	w.mu.Lock()
	next := *w.config
	next.EnvOverrides = make(map[string]bool)
	lookup := func(key string) string {
		switch key {
		case "TWIN_LOG_LEVEL", "TWIN_INGEST_INTERVAL", "TWIN_ANALYZE_INTERVAL":
			return envMap[key]
		}
		return ""
	}
	err = next.apply(lookup)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		w.mu.Unlock()
		log.Error().Err(err).Str("path", w.envPath).Msg("Ignoring invalid .env change")
		return
	}

	before, after := w.config.Runtime(), next.Runtime()
	w.config.LogLevel = after.LogLevel
	w.config.IngestInterval = after.IngestInterval
	w.config.AnalyzeInterval = after.AnalyzeInterval
	callbacks := append([]func(Runtime){}, w.onChange...)
	w.mu.Unlock()

	if before == after {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}
	log.Info().
		Str("log_level", after.LogLevel).
		Dur("ingest_interval", after.IngestInterval).
		Dur("analyze_interval", after.AnalyzeInterval).
		Msg("Applied .env file changes to runtime config")
	for _, fn := range callbacks {
		fn(after)
	}
}
