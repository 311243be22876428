// Package modelstore persists trained model bundles in SQLite. Writes are
// queued to a background worker so callers never block on disk I/O; the
// in-memory models stay authoritative if a write is dropped or fails.
package modelstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Kind names the model a bundle holds.
type Kind string

const (
	KindAnomaly    Kind = "anomaly"
	KindPredictive Kind = "predictive"
)

// Bundle is one persisted model for an asset type.
type Bundle struct {
	AssetType   string
	Kind        Kind
	Version     int64
	TrainedAt   time.Time
	SampleCount int
	Payload     []byte
}

// Config holds configuration for the model store.
type Config struct {
	DBPath    string
	QueueSize int // pending write batches before new batches are dropped
}

// DefaultConfig returns defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:    filepath.Join(dataDir, "models.db"),
		QueueSize: 64,
	}
}

// Store provides persistent model bundle storage.
type Store struct {
	db     *sql.DB
	config Config

	writeCh  chan []Bundle
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	sendMu   sync.RWMutex
	closed   bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	failureHook atomic.Pointer[func(op string)]
}

// NewStore opens (or creates) the database and starts the writer.
func NewStore(config Config) (*Store, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, internalerrors.WrapPersistenceError("open model store", "", fmt.Errorf("create directory: %w", err))
	}

	dsn := config.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("open model store", "", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:      db,
		config:  config,
		writeCh: make(chan []Bundle, config.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, internalerrors.WrapPersistenceError("open model store", "", err)
	}

	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("queueSize", config.QueueSize).
		Msg("Model store initialized")

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS model_bundles (
			asset_type TEXT NOT NULL,
			kind TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			trained_at INTEGER NOT NULL,
			sample_count INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (asset_type, kind)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SetFailureHook registers a callback for failed or dropped writes.
func (s *Store) SetFailureHook(fn func(op string)) {
	if fn == nil {
		s.failureHook.Store(nil)
		return
	}
	s.failureHook.Store(&fn)
}

func (s *Store) fail(op string) {
	if fn := s.failureHook.Load(); fn != nil {
		(*fn)(op)
	}
}

// Save queues bundles for the background writer. It never blocks; when the
// queue is full or the store is closed the batch is dropped and Save
// returns false.
func (s *Store) Save(bundles []Bundle) bool {
	if len(bundles) == 0 {
		return true
	}
	batch := make([]Bundle, len(bundles))
	copy(batch, bundles)

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		s.fail("save")
		log.Warn().Int("bundles", len(batch)).Msg("Model store closed, dropping batch")
		return false
	}
	select {
	case s.writeCh <- batch:
		return true
	default:
		s.dropped.Add(1)
		s.fail("save")
		log.Warn().Int("bundles", len(batch)).Msg("Model write channel full, dropping batch")
		return false
	}
}

// SaveSync writes bundles immediately in one transaction. An existing
// bundle for the same asset type and kind is overwritten and its version
// incremented.
func (s *Store) SaveSync(ctx context.Context, bundles []Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	if err := s.writeBatch(ctx, bundles); err != nil {
		s.failed.Add(1)
		s.fail("save")
		return internalerrors.WrapPersistenceError("save bundles", "", err)
	}
	return nil
}

func (s *Store) writeBatch(ctx context.Context, bundles []Bundle) error {
	var (
		tx  *sql.Tx
		err error
	)
	for i := 0; i < 5; i++ {
		tx, err = s.db.BeginTx(ctx, nil)
		if err == nil {
			break
		}
		if i < 4 && strings.Contains(err.Error(), "database is locked") {
			time.Sleep(time.Duration(100*(i+1)) * time.Millisecond)
			continue
		}
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO model_bundles (asset_type, kind, version, trained_at, sample_count, payload, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(asset_type, kind) DO UPDATE SET
			version = model_bundles.version + 1,
			trained_at = excluded.trained_at,
			sample_count = excluded.sample_count,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare bundle upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, b := range bundles {
		if _, err := stmt.ExecContext(ctx, b.AssetType, string(b.Kind), b.TrainedAt.UnixMilli(), b.SampleCount, b.Payload, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %s/%s: %w", b.AssetType, b.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bundles: %w", err)
	}

	s.written.Add(int64(len(bundles)))
	log.Debug().Int("count", len(bundles)).Msg("Wrote model bundles")
	return nil
}

// Load returns the bundle for one asset type and kind.
func (s *Store) Load(ctx context.Context, assetType string, kind Kind) (Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_type, kind, version, trained_at, sample_count, payload
		FROM model_bundles WHERE asset_type = ? AND kind = ?
	`, assetType, string(kind))
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bundle{}, internalerrors.NotFound("load bundle", assetType+"/"+string(kind))
	}
	if err != nil {
		return Bundle{}, internalerrors.WrapPersistenceError("load bundle", assetType, err)
	}
	return b, nil
}

// LoadAll returns every stored bundle ordered by asset type and kind.
func (s *Store) LoadAll(ctx context.Context) ([]Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_type, kind, version, trained_at, sample_count, payload
		FROM model_bundles ORDER BY asset_type, kind
	`)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("load bundles", "", err)
	}
	defer rows.Close()

	var out []Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, internalerrors.WrapPersistenceError("load bundles", "", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.WrapPersistenceError("load bundles", "", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBundle(row scanner) (Bundle, error) {
	var (
		b         Bundle
		kind      string
		trainedAt int64
	)
	if err := row.Scan(&b.AssetType, &kind, &b.Version, &trainedAt, &b.SampleCount, &b.Payload); err != nil {
		return Bundle{}, err
	}
	b.Kind = Kind(kind)
	b.TrainedAt = time.UnixMilli(trainedAt)
	return b, nil
}

func (s *Store) backgroundWorker() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			for {
				select {
				case batch := <-s.writeCh:
					s.writeAsync(batch)
				default:
					return
				}
			}
		case batch := <-s.writeCh:
			s.writeAsync(batch)
		}
	}
}

func (s *Store) writeAsync(batch []Bundle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.writeBatch(ctx, batch); err != nil {
		s.failed.Add(1)
		s.fail("save")
		log.Error().Err(err).Int("bundles", len(batch)).Msg("Failed to persist model bundles")
	}
}

// Stats holds model store statistics.
type Stats struct {
	Bundles        int64 `json:"bundles"`
	DBSize         int64 `json:"dbSize"`
	Written        int64 `json:"written"`
	DroppedBatches int64 `json:"droppedBatches"`
	FailedBatches  int64 `json:"failedBatches"`
	Pending        int   `json:"pending"`
}

// GetStats returns storage statistics.
func (s *Store) GetStats() Stats {
	stats := Stats{
		Written:        s.written.Load(),
		DroppedBatches: s.dropped.Load(),
		FailedBatches:  s.failed.Load(),
		Pending:        len(s.writeCh),
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM model_bundles`).Scan(&stats.Bundles); err != nil {
		log.Debug().Err(err).Msg("Failed to count model bundles")
	}
	if fi, err := os.Stat(s.config.DBPath); err == nil {
		stats.DBSize = fi.Size()
	}
	return stats
}

// Close drains queued writes and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Model store shutdown timed out")
	}

	return s.db.Close()
}
