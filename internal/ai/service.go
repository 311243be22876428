// Package ai orchestrates the per-asset-type models: it scores anomalies,
// forecasts health, schedules maintenance and keeps models fresh from live
// readings. Analyze is the only read path and UpdateOnline the only write
// path; neither returns errors to the caller.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/ai/anomaly"
	"github.com/rcourtman/substation-twin/internal/ai/corpus"
	"github.com/rcourtman/substation-twin/internal/ai/optimizer"
	"github.com/rcourtman/substation-twin/internal/ai/predictive"
	"github.com/rcourtman/substation-twin/internal/assets"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
	"github.com/rcourtman/substation-twin/internal/modelstore"
)

// DefaultPersistEvery is how many online updates pass between automatic
// persists.
const DefaultPersistEvery = 500

// BundleStore persists model bundles. *modelstore.Store satisfies it.
type BundleStore interface {
	Save(bundles []modelstore.Bundle) bool
	LoadAll(ctx context.Context) ([]modelstore.Bundle, error)
}

// Config configures the Service.
type Config struct {
	Anomaly      anomaly.Config
	Predictive   predictive.Config
	Corpus       corpus.Options
	PersistEvery int
	HistorySize  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Anomaly:      anomaly.DefaultConfig(),
		Predictive:   predictive.DefaultConfig(),
		Corpus:       corpus.DefaultOptions(),
		PersistEvery: DefaultPersistEvery,
		HistorySize:  optimizer.DefaultHistorySize,
	}
}

// Summary condenses an analysis.
type Summary struct {
	AnomalyCount      int     `json:"anomalyCount"`
	CriticalAssets    int     `json:"criticalAssets"`
	OptimizationScore float64 `json:"optimizationScore"`
}

// AnalysisResult is the output of Analyze.
type AnalysisResult struct {
	Timestamp           time.Time                  `json:"timestamp"`
	Anomalies           []anomaly.Anomaly          `json:"anomalies"`
	Predictions         []predictive.Prediction    `json:"predictions"`
	Optimization        *optimizer.PowerFlowResult `json:"optimization,omitempty"`
	MaintenanceSchedule *optimizer.Schedule        `json:"maintenanceSchedule,omitempty"`
	Summary             Summary                    `json:"summary"`
}

// Status reports what the service has trained and seen.
type Status struct {
	AnomalyTypes    []assets.Type `json:"anomalyTypes"`
	PredictiveTypes []assets.Type `json:"predictiveTypes"`
	OnlineUpdates   int64         `json:"onlineUpdates"`
	Persists        int64         `json:"persists"`
	Source          string        `json:"source"`
}

// Model sources reported by Status.
const (
	SourcePersisted = "persisted"
	SourceSynthetic = "synthetic"
	SourceMixed     = "persisted+synthetic"
	SourceHistory   = "historical"
)

// Service owns the detector, predictor and optimizer.
type Service struct {
	cfg       Config
	detector  *anomaly.Detector
	predictor *predictive.Predictor
	optimizer *optimizer.Optimizer
	store     BundleStore

	updates  atomic.Int64
	persists atomic.Int64

	mu     sync.RWMutex
	source string
}

var nowFn = time.Now

// NewService builds the service, loading persisted bundles from store and
// bootstrapping any type still missing a model from the synthetic corpus.
// store may be nil, in which case nothing is loaded or persisted.
func NewService(ctx context.Context, cfg Config, store BundleStore) *Service {
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	s := &Service{
		cfg:       cfg,
		detector:  anomaly.NewDetector(cfg.Anomaly),
		predictor: predictive.NewPredictor(cfg.Predictive),
		optimizer: optimizer.New(cfg.HistorySize),
		store:     store,
	}
	s.detector.SetRetrainHook(func(t assets.Type, m *anomaly.Model, err error) {
		s.afterRetrain(modelstore.KindAnomaly, t, err)
	})
	s.predictor.SetRetrainHook(func(t assets.Type, m *predictive.Model, err error) {
		s.afterRetrain(modelstore.KindPredictive, t, err)
	})

	loaded := s.load(ctx)
	bootstrapped := s.bootstrap()
	switch {
	case loaded > 0 && bootstrapped > 0:
		s.source = SourceMixed
	case loaded > 0:
		s.source = SourcePersisted
	default:
		s.source = SourceSynthetic
	}
	if bootstrapped > 0 {
		s.Persist()
	}

	log.Info().
		Int("loaded", loaded).
		Int("bootstrapped", bootstrapped).
		Str("source", s.source).
		Msg("AI service initialized")
	return s
}

func (s *Service) load(ctx context.Context) int {
	if s.store == nil {
		return 0
	}
	bundles, err := s.store.LoadAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted models, falling back to synthetic bootstrap")
		return 0
	}

	loaded := 0
	for _, b := range bundles {
		if err := s.install(b); err != nil {
			log.Warn().Err(err).
				Str("asset_type", b.AssetType).
				Str("kind", string(b.Kind)).
				Int64("version", b.Version).
				Msg("Discarding persisted model bundle")
			continue
		}
		loaded++
	}
	return loaded
}

func (s *Service) install(b modelstore.Bundle) error {
	switch b.Kind {
	case modelstore.KindAnomaly:
		var m anomaly.Model
		if err := json.Unmarshal(b.Payload, &m); err != nil {
			return internalerrors.WrapPersistenceError("decode anomaly bundle", b.AssetType, err)
		}
		return s.detector.Install(&m)
	case modelstore.KindPredictive:
		var m predictive.Model
		if err := json.Unmarshal(b.Payload, &m); err != nil {
			return internalerrors.WrapPersistenceError("decode predictive bundle", b.AssetType, err)
		}
		return s.predictor.Install(&m)
	default:
		return internalerrors.Invalid("install bundle", "unknown model kind %q", b.Kind)
	}
}

// bootstrap trains every type without a model from a synthetic corpus and
// returns the number of models trained.
func (s *Service) bootstrap() int {
	var missing []assets.Type
	types := s.cfg.Corpus.Types
	if len(types) == 0 {
		types = assets.AllTypes
	}
	for _, t := range types {
		if !s.detector.Trained(t) || !s.predictor.Trained(t) {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return 0
	}

	opts := s.cfg.Corpus
	opts.Types = missing
	rows, samples := corpus.Split(corpus.Generate(opts))

	trained := 0
	for _, t := range missing {
		if !s.detector.Trained(t) {
			if _, err := s.detector.Train(t, rows[t]); err != nil {
				log.Warn().Err(err).Str("asset_type", string(t)).Msg("Synthetic anomaly bootstrap failed")
			} else {
				trained++
			}
		}
		if !s.predictor.Trained(t) {
			if _, err := s.predictor.Train(t, samples[t]); err != nil {
				log.Warn().Err(err).Str("asset_type", string(t)).Msg("Synthetic predictive bootstrap failed")
			} else {
				trained++
			}
		}
	}
	return trained
}

func (s *Service) afterRetrain(kind modelstore.Kind, t assets.Type, err error) {
	outcome := "success"
	switch {
	case internalerrors.KindOf(err) == internalerrors.KindInsufficientData:
		outcome = "skipped"
	case err != nil:
		outcome = "failed"
	}
	hooks.retrain(string(kind), t, outcome)
	if err != nil {
		return
	}
	s.persistTypes(kind, t)
}

// Analyze runs detection, prediction and optimization over readings. It
// never fails: a panic yields a partial result.
func (s *Service) Analyze(readings []assets.Reading, metrics optimizer.SystemMetrics) (result AnalysisResult) {
	start := nowFn()
	result = AnalysisResult{Timestamp: start, Anomalies: []anomaly.Anomaly{}, Predictions: []predictive.Prediction{}}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stack().Msg("Recovered from panic in analysis")
		}
		hooks.analysis(time.Since(start))
	}()

	result.Anomalies = s.DetectAnomalies(readings)
	result.Summary.AnomalyCount = len(result.Anomalies)

	result.Predictions = s.PredictHealth(readings)
	for _, p := range result.Predictions {
		if p.Urgency == assets.UrgencyCritical {
			result.Summary.CriticalAssets++
		}
	}

	opt := s.optimizer.OptimizePowerFlow(metrics)
	result.Optimization = &opt
	result.Summary.OptimizationScore = opt.Score

	schedule := s.optimizer.OptimizeMaintenanceSchedule(result.Predictions)
	result.MaintenanceSchedule = &schedule
	return result
}

// DetectAnomalies scores readings of trained types.
func (s *Service) DetectAnomalies(readings []assets.Reading) []anomaly.Anomaly {
	found := s.detector.Detect(readings)
	for _, a := range found {
		hooks.anomaly(a.AssetType, string(a.Severity))
	}
	if found == nil {
		found = []anomaly.Anomaly{}
	}
	return found
}

// PredictHealth forecasts health for readings of trained types.
func (s *Service) PredictHealth(readings []assets.Reading) []predictive.Prediction {
	out := s.predictor.Predict(readings)
	if out == nil {
		out = []predictive.Prediction{}
	}
	return out
}

// UpdateOnline feeds one reading into both online buffers. Readings without
// an asset type are ignored. Every PersistEvery updates all models are
// persisted.
func (s *Service) UpdateOnline(assetID string, r assets.Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Stack().Str("asset_id", assetID).Msg("Recovered from panic in online update")
		}
	}()
	if r.AssetType == "" {
		log.Debug().Str("asset_id", assetID).Msg("Skipping online update without asset type")
		return
	}

	f := r.Features()
	s.detector.Observe(r.AssetType, f)
	s.predictor.Observe(r.AssetType, f)

	if n := s.updates.Add(1); n%int64(s.cfg.PersistEvery) == 0 {
		log.Debug().Int64("updates", n).Msg("Periodic model persist")
		s.Persist()
	}
}

// TrainReport lists the types trained from historical records.
type TrainReport struct {
	Records         int           `json:"records"`
	AnomalyTypes    []assets.Type `json:"anomalyTypes"`
	PredictiveTypes []assets.Type `json:"predictiveTypes"`
}

// TrainFromRecords retrains models from historical records. Types with too
// few records keep their current models.
func (s *Service) TrainFromRecords(records []corpus.Record) (TrainReport, error) {
	report := TrainReport{Records: len(records)}
	if len(records) == 0 {
		return report, internalerrors.InsufficientData("train from records", "", 0, 1)
	}
	rows, samples := corpus.Split(records)
	report.AnomalyTypes = s.detector.TrainAll(rows)
	report.PredictiveTypes = s.predictor.TrainAll(samples)
	if len(report.AnomalyTypes) == 0 && len(report.PredictiveTypes) == 0 {
		return report, internalerrors.InsufficientData("train from records", "", len(records), s.cfg.Anomaly.MinTrain)
	}

	s.mu.Lock()
	s.source = SourceHistory
	s.mu.Unlock()
	s.Persist()

	log.Info().
		Int("records", len(records)).
		Int("anomaly_types", len(report.AnomalyTypes)).
		Int("predictive_types", len(report.PredictiveTypes)).
		Msg("Models trained from historical data")
	return report, nil
}

// TrainFromFile loads a CSV or JSON history file and trains from it.
func (s *Service) TrainFromFile(path string) (TrainReport, error) {
	records, err := corpus.LoadFile(path)
	if err != nil {
		return TrainReport{}, err
	}
	return s.TrainFromRecords(records)
}

// Persist queues every current model for storage and returns the number
// of bundles queued.
func (s *Service) Persist() int {
	return s.persistTypes("", "")
}

// persistTypes queues bundles, filtered by kind and type when non-empty.
func (s *Service) persistTypes(kind modelstore.Kind, only assets.Type) int {
	if s.store == nil {
		return 0
	}
	var bundles []modelstore.Bundle
	if kind == "" || kind == modelstore.KindAnomaly {
		for t, m := range s.detector.Models() {
			if only != "" && t != only {
				continue
			}
			if b, err := encode(modelstore.KindAnomaly, t, m.TrainedAt, m.SampleCount, m); err == nil {
				bundles = append(bundles, b)
			}
		}
	}
	if kind == "" || kind == modelstore.KindPredictive {
		for t, m := range s.predictor.Models() {
			if only != "" && t != only {
				continue
			}
			if b, err := encode(modelstore.KindPredictive, t, m.TrainedAt, m.SampleCount, m); err == nil {
				bundles = append(bundles, b)
			}
		}
	}
	if len(bundles) == 0 {
		return 0
	}
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].AssetType != bundles[j].AssetType {
			return bundles[i].AssetType < bundles[j].AssetType
		}
		return bundles[i].Kind < bundles[j].Kind
	})
	if !s.store.Save(bundles) {
		return 0
	}
	s.persists.Add(1)
	return len(bundles)
}

func encode(kind modelstore.Kind, t assets.Type, trainedAt time.Time, samples int, model any) (modelstore.Bundle, error) {
	payload, err := json.Marshal(model)
	if err != nil {
		log.Error().Err(err).Str("asset_type", string(t)).Str("kind", string(kind)).Msg("Failed to encode model bundle")
		return modelstore.Bundle{}, fmt.Errorf("encode %s bundle for %s: %w", kind, t, err)
	}
	return modelstore.Bundle{
		AssetType:   string(t),
		Kind:        kind,
		TrainedAt:   trainedAt,
		SampleCount: samples,
		Payload:     payload,
	}, nil
}

// Status reports trained types and counters.
func (s *Service) Status() Status {
	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	return Status{
		AnomalyTypes:    sortedTypes(s.detector.Models()),
		PredictiveTypes: sortedTypes(s.predictor.Models()),
		OnlineUpdates:   s.updates.Load(),
		Persists:        s.persists.Load(),
		Source:          source,
	}
}

func sortedTypes[M any](models map[assets.Type]M) []assets.Type {
	out := make([]assets.Type, 0, len(models))
	for t := range models {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detector exposes the anomaly detector.
func (s *Service) Detector() *anomaly.Detector { return s.detector }

// Predictor exposes the health predictor.
func (s *Service) Predictor() *predictive.Predictor { return s.predictor }

// Close persists every model. The store itself is closed by its owner.
func (s *Service) Close() {
	n := s.Persist()
	log.Info().Int("bundles", n).Msg("AI service stopped")
}
