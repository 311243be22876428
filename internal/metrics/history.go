// Package metrics publishes the twin's Prometheus collectors and keeps a
// tiered SQLite history of asset condition and circuit indicators.
package metrics

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// SystemScope is the scope of circuit-wide series.
const SystemScope = "system"

// Tier is the granularity of a stored series.
type Tier string

const (
	TierRaw    Tier = "raw"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
)

// Point is one stored value. Min and Max equal Value on the raw tier.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
}

// HistoryConfig holds configuration for the history store.
type HistoryConfig struct {
	DBPath          string
	WriteBufferSize int           // points buffered before a batch write
	FlushInterval   time.Duration // max time between flushes
	RetentionRaw    time.Duration
	RetentionHourly time.Duration
	RetentionDaily  time.Duration
}

// DefaultHistoryConfig returns defaults rooted at dataDir.
func DefaultHistoryConfig(dataDir string) HistoryConfig {
	return HistoryConfig{
		DBPath:          filepath.Join(dataDir, "history.db"),
		WriteBufferSize: 200,
		FlushInterval:   10 * time.Second,
		RetentionRaw:    24 * time.Hour,
		RetentionHourly: 30 * 24 * time.Hour,
		RetentionDaily:  365 * 24 * time.Hour,
	}
}

type pendingPoint struct {
	scope     string
	name      string
	value     float64
	timestamp time.Time
}

// History stores time series keyed by scope (an asset ID or SystemScope)
// and series name. Raw points roll up into hourly then daily averages.
type History struct {
	db     *sql.DB
	config HistoryConfig

	bufferMu sync.Mutex
	buffer   []pendingPoint
	writeMu  sync.Mutex

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// OpenHistory opens (or creates) the database and starts the flush,
// rollup and retention worker.
func OpenHistory(config HistoryConfig) (*History, error) {
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = 200
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0o755); err != nil {
		return nil, internalerrors.WrapPersistenceError("open history", "", fmt.Errorf("create directory: %w", err))
	}

	dsn := config.DBPath + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("open history", "", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	h := &History{
		db:     db,
		config: config,
		buffer: make([]pendingPoint, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, internalerrors.WrapPersistenceError("open history", "", err)
	}

	go h.backgroundWorker()

	log.Info().Str("path", config.DBPath).Msg("History store initialized")
	return h, nil
}

func (h *History) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS series (
			scope TEXT NOT NULL,
			name TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'raw',
			timestamp INTEGER NOT NULL,
			value REAL NOT NULL,
			min_value REAL,
			max_value REAL
		);

		CREATE INDEX IF NOT EXISTS idx_series_lookup
		ON series(scope, name, tier, timestamp);

		CREATE INDEX IF NOT EXISTS idx_series_tier_time
		ON series(tier, timestamp);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record buffers one point.
func (h *History) Record(scope, name string, value float64, ts time.Time) {
	h.bufferMu.Lock()
	h.buffer = append(h.buffer, pendingPoint{scope: scope, name: name, value: value, timestamp: ts})
	full := len(h.buffer) >= h.config.WriteBufferSize
	h.bufferMu.Unlock()

	if full {
		h.Flush()
	}
}

// RecordReadings buffers the present fields of each reading under the
// asset's ID.
func (h *History) RecordReadings(readings []assets.Reading, ts time.Time) {
	for _, r := range readings {
		for name, v := range map[string]*float64{
			"voltage":      r.Voltage,
			"current":      r.Current,
			"power":        r.Power,
			"temperature":  r.Temperature,
			"health_score": r.HealthScore,
		} {
			if v != nil {
				h.Record(r.AssetID, name, *v, ts)
			}
		}
	}
}

// RecordSnapshot buffers the circuit-wide indicators of a converged solve.
func (h *History) RecordSnapshot(s circuit.Snapshot) {
	if !s.Converged {
		return
	}
	ts := s.Timestamp
	h.Record(SystemScope, "total_power_kw", s.Summary.TotalPowerKW, ts)
	h.Record(SystemScope, "losses_kw", s.Summary.LossesKW, ts)
	h.Record(SystemScope, "power_factor", s.Summary.PowerFactor, ts)
	h.Record(SystemScope, "efficiency", s.Summary.Efficiency(), ts)
	h.Record(SystemScope, "voltage_stability", s.VoltageStability(), ts)
	h.Record(SystemScope, "mean_voltage_pu", s.MeanVoltagePU(), ts)
}

// Flush writes buffered points synchronously.
func (h *History) Flush() {
	h.bufferMu.Lock()
	if len(h.buffer) == 0 {
		h.bufferMu.Unlock()
		return
	}
	batch := make([]pendingPoint, len(h.buffer))
	copy(batch, h.buffer)
	h.buffer = h.buffer[:0]
	h.bufferMu.Unlock()

	if err := h.writeBatch(batch); err != nil {
		RecordPersistenceFailure("history_write")
		log.Error().Err(err).Int("points", len(batch)).Msg("Failed to write history batch")
	}
}

func (h *History) writeBatch(batch []pendingPoint) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO series (scope, name, tier, timestamp, value) VALUES (?, ?, 'raw', ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range batch {
		if _, err := stmt.Exec(p.scope, p.name, p.timestamp.Unix(), p.value); err != nil {
			log.Warn().Err(err).Str("scope", p.scope).Str("series", p.name).Msg("Failed to insert history point")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debug().Int("count", len(batch)).Msg("Wrote history batch")
	return nil
}

// Query returns one series between start and end, read from the finest
// tier whose retention covers the range.
func (h *History) Query(scope, name string, start, end time.Time) ([]Point, error) {
	tier := h.selectTier(end.Sub(start))
	rows, err := h.db.Query(`
		SELECT timestamp, value, COALESCE(min_value, value), COALESCE(max_value, value)
		FROM series
		WHERE scope = ? AND name = ? AND tier = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, scope, name, string(tier), start.Unix(), end.Unix())
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("query history", scope, err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts int64
		var p Point
		if err := rows.Scan(&ts, &p.Value, &p.Min, &p.Max); err != nil {
			return nil, internalerrors.WrapPersistenceError("query history", scope, err)
		}
		p.Timestamp = time.Unix(ts, 0)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (h *History) selectTier(span time.Duration) Tier {
	switch {
	case span <= h.config.RetentionRaw:
		return TierRaw
	case span <= h.config.RetentionHourly:
		return TierHourly
	default:
		return TierDaily
	}
}

func (h *History) backgroundWorker() {
	defer close(h.doneCh)

	flushTicker := time.NewTicker(h.config.FlushInterval)
	rollupTicker := time.NewTicker(15 * time.Minute)
	retentionTicker := time.NewTicker(time.Hour)
	defer flushTicker.Stop()
	defer rollupTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-h.stopCh:
			h.Flush()
			return
		case <-flushTicker.C:
			h.Flush()
		case <-rollupTicker.C:
			h.rollup(time.Now())
		case <-retentionTicker.C:
			h.prune(time.Now())
		}
	}
}

// rollup averages raw points older than an hour into hourly buckets and
// hourly points older than a day into daily buckets.
func (h *History) rollup(now time.Time) {
	h.rollupTier(TierRaw, TierHourly, time.Hour, now.Add(-time.Hour))
	h.rollupTier(TierHourly, TierDaily, 24*time.Hour, now.Add(-24*time.Hour))
}

func (h *History) rollupTier(from, to Tier, bucket time.Duration, before time.Time) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	// Only whole buckets roll up so a later pass never splits one.
	secs := int64(bucket.Seconds())
	cutoff := before.Unix() / secs * secs

	tx, err := h.db.Begin()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to begin history rollup")
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO series (scope, name, tier, timestamp, value, min_value, max_value)
		SELECT scope, name, ?, (timestamp / ?) * ? AS bucket_ts,
			AVG(value), MIN(COALESCE(min_value, value)), MAX(COALESCE(max_value, value))
		FROM series
		WHERE tier = ? AND timestamp < ?
		GROUP BY scope, name, bucket_ts
	`, string(to), secs, secs, string(from), cutoff); err != nil {
		log.Warn().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("Failed to roll up history")
		return
	}
	if _, err := tx.Exec(`DELETE FROM series WHERE tier = ? AND timestamp < ?`, string(from), cutoff); err != nil {
		log.Warn().Err(err).Str("tier", string(from)).Msg("Failed to delete rolled-up history")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("Failed to commit history rollup")
	}
}

func (h *History) prune(now time.Time) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	var deleted int64
	for _, t := range []struct {
		tier      Tier
		retention time.Duration
	}{
		{TierRaw, h.config.RetentionRaw},
		{TierHourly, h.config.RetentionHourly},
		{TierDaily, h.config.RetentionDaily},
	} {
		res, err := h.db.Exec(`DELETE FROM series WHERE tier = ? AND timestamp < ?`, string(t.tier), now.Add(-t.retention).Unix())
		if err != nil {
			log.Warn().Err(err).Str("tier", string(t.tier)).Msg("Failed to prune history")
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted += n
		}
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("History retention cleanup completed")
	}
}

// Close flushes pending points and closes the database.
func (h *History) Close() error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("History store shutdown timed out")
	}
	return h.db.Close()
}
