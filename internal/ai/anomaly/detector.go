// Package anomaly scores live asset readings against per-asset-type
// isolation forests and keeps those forests fresh from an online buffer.
package anomaly

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/buffer"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
	"github.com/rcourtman/substation-twin/internal/ml"
)

// Severity of a flagged reading.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Config tunes training and online refresh.
type Config struct {
	BufferSize    int     // observations per type before a retrain fires
	MinRetrain    int     // retrain floor for buffered observations
	MinTrain      int     // samples required for initial training
	KeepFraction  float64 // share of the buffer kept after a retrain
	Contamination float64 // expected outlier share; sets the threshold percentile
	Forest        ml.IsolationForestConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100,
		MinRetrain:    50,
		MinTrain:      100,
		KeepFraction:  buffer.DefaultKeepFraction,
		Contamination: 0.1,
		Forest:        ml.DefaultIsolationForestConfig(),
	}
}

// Model is a trained per-type bundle. It is never mutated after training;
// a retrain replaces the whole value.
type Model struct {
	AssetType   assets.Type         `json:"assetType"`
	Scaler      ml.StandardScaler   `json:"scaler"`
	Forest      *ml.IsolationForest `json:"forest"`
	Threshold   float64             `json:"threshold"`
	TrainedAt   time.Time           `json:"trainedAt"`
	SampleCount int                 `json:"sampleCount"`
}

// Score returns the normality score of a feature vector; lower is more anomalous.
func (m *Model) Score(features []float64) (float64, error) {
	scaled, err := m.Scaler.Transform(features)
	if err != nil {
		return 0, err
	}
	return m.Forest.Score(scaled)
}

func (m *Model) valid() bool {
	return m != nil && m.Forest != nil && len(m.Forest.Trees) > 0 &&
		len(m.Scaler.Mean) == len(assets.AnomalyFeatureNames)
}

// Anomaly is one flagged reading.
type Anomaly struct {
	AssetID    string             `json:"assetId"`
	AssetType  assets.Type        `json:"assetType"`
	Score      float64            `json:"anomalyScore"`
	Threshold  float64            `json:"threshold"`
	Severity   Severity           `json:"severity"`
	Features   map[string]float64 `json:"features"`
	DetectedAt time.Time          `json:"timestamp"`
}

// RetrainHook observes every retrain attempt. model is nil when err is set.
type RetrainHook func(t assets.Type, model *Model, err error)

// Detector owns the per-type models and online buffers.
type Detector struct {
	cfg Config

	mu     sync.RWMutex
	models map[assets.Type]*Model

	bufMu   sync.Mutex
	buffers map[assets.Type]*buffer.Queue[[]float64]

	hook RetrainHook
}

var nowFn = time.Now

// NewDetector creates an untrained detector.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MinRetrain <= 0 {
		cfg.MinRetrain = def.MinRetrain
	}
	if cfg.MinTrain <= 0 {
		cfg.MinTrain = def.MinTrain
	}
	if cfg.KeepFraction <= 0 {
		cfg.KeepFraction = def.KeepFraction
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = def.Contamination
	}
	if cfg.Forest.Trees <= 0 {
		cfg.Forest = def.Forest
	}
	return &Detector{
		cfg:     cfg,
		models:  make(map[assets.Type]*Model),
		buffers: make(map[assets.Type]*buffer.Queue[[]float64]),
	}
}

// SetRetrainHook registers a callback run after every online retrain attempt.
func (d *Detector) SetRetrainHook(hook RetrainHook) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}

// Train fits a model for one asset type and installs it. samples are
// anomaly feature vectors in assets.AnomalyFeatureNames order.
func (d *Detector) Train(t assets.Type, samples [][]float64) (*Model, error) {
	if len(samples) < d.cfg.MinTrain {
		return nil, internalerrors.InsufficientData("anomaly train", string(t), len(samples), d.cfg.MinTrain)
	}
	m, err := d.fit(t, samples)
	if err != nil {
		return nil, err
	}
	d.install(m)
	return m, nil
}

// TrainAll trains every type in the map, skipping types below the floor.
// It returns the types that were trained.
func (d *Detector) TrainAll(samples map[assets.Type][][]float64) []assets.Type {
	var trained []assets.Type
	for t, rows := range samples {
		if _, err := d.Train(t, rows); err != nil {
			log.Warn().Err(err).Str("asset_type", string(t)).Int("samples", len(rows)).Msg("Skipping anomaly model training")
			continue
		}
		trained = append(trained, t)
	}
	sort.Slice(trained, func(i, j int) bool { return trained[i] < trained[j] })
	return trained
}

func (d *Detector) fit(t assets.Type, samples [][]float64) (*Model, error) {
	m := &Model{AssetType: t, SampleCount: len(samples), TrainedAt: nowFn()}
	if err := m.Scaler.Fit(samples); err != nil {
		return nil, fmt.Errorf("fit scaler for %s: %w", t, err)
	}
	scaled, err := m.Scaler.TransformAll(samples)
	if err != nil {
		return nil, fmt.Errorf("scale samples for %s: %w", t, err)
	}
	m.Forest, err = ml.FitIsolationForest(scaled, d.cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("fit isolation forest for %s: %w", t, err)
	}
	scores, err := m.Forest.ScoreAll(scaled)
	if err != nil {
		return nil, fmt.Errorf("score training set for %s: %w", t, err)
	}
	m.Threshold = ml.Percentile(scores, d.cfg.Contamination*100)
	return m, nil
}

func (d *Detector) install(m *Model) {
	d.mu.Lock()
	d.models[m.AssetType] = m
	d.mu.Unlock()
}

// Install replaces the model for its asset type with a previously trained one.
func (d *Detector) Install(m *Model) error {
	if !m.valid() {
		return internalerrors.Invalid("anomaly install", "incomplete model bundle")
	}
	d.install(m)
	return nil
}

// Model returns the current model for t.
func (d *Detector) Model(t assets.Type) (*Model, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[t]
	return m, ok
}

// Models returns the current models keyed by asset type.
func (d *Detector) Models() map[assets.Type]*Model {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[assets.Type]*Model, len(d.models))
	for t, m := range d.models {
		out[t] = m
	}
	return out
}

// Trained reports whether a model exists for t.
func (d *Detector) Trained(t assets.Type) bool {
	_, ok := d.Model(t)
	return ok
}

// Detect scores every reading whose type has a model and returns the
// flagged ones. Readings of untrained types are skipped.
func (d *Detector) Detect(readings []assets.Reading) []Anomaly {
	var out []Anomaly
	for _, r := range readings {
		m, ok := d.Model(r.AssetType)
		if !ok {
			continue
		}
		features := r.Features()
		score, err := m.Score(features.AnomalyVector())
		if err != nil {
			log.Error().Err(err).Str("asset_id", r.AssetID).Str("asset_type", string(r.AssetType)).Msg("Failed to score reading")
			continue
		}
		if score >= m.Threshold {
			continue
		}
		severity := SeverityMedium
		if score < m.Threshold*0.5 {
			severity = SeverityHigh
		}
		out = append(out, Anomaly{
			AssetID:    r.AssetID,
			AssetType:  r.AssetType,
			Score:      score,
			Threshold:  m.Threshold,
			Severity:   severity,
			Features:   namedFeatures(features.AnomalyVector()),
			DetectedAt: nowFn(),
		})
	}
	return out
}

func namedFeatures(values []float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for i, name := range assets.AnomalyFeatureNames {
		out[name] = values[i]
	}
	return out
}

// Observe buffers one feature set for t. When the buffer fills, the type's
// model retrains from its contents on the calling goroutine. It reports
// whether a retrain was attempted.
func (d *Detector) Observe(t assets.Type, features assets.Features) bool {
	return d.queue(t).Push(features.AnomalyVector())
}

// Buffered returns the number of buffered observations for t.
func (d *Detector) Buffered(t assets.Type) int {
	d.bufMu.Lock()
	q, ok := d.buffers[t]
	d.bufMu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

func (d *Detector) queue(t assets.Type) *buffer.Queue[[]float64] {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	q, ok := d.buffers[t]
	if !ok {
		q = buffer.New[[]float64](d.cfg.BufferSize,
			buffer.WithOnFull[[]float64](func(rows [][]float64) { d.retrain(t, rows) }),
			buffer.WithKeepFraction[[]float64](d.cfg.KeepFraction),
		)
		d.buffers[t] = q
	}
	return q
}

func (d *Detector) retrain(t assets.Type, rows [][]float64) {
	var (
		m   *Model
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stack().Str("asset_type", string(t)).Msg("Recovered from panic in anomaly retrain")
			m, err = nil, internalerrors.New(internalerrors.KindEngineFailure, "anomaly retrain", string(t), fmt.Errorf("panic: %v", r))
		}
		d.mu.RLock()
		hook := d.hook
		d.mu.RUnlock()
		if hook != nil {
			hook(t, m, err)
		}
	}()

	if len(rows) < d.cfg.MinRetrain {
		err = internalerrors.InsufficientData("anomaly retrain", string(t), len(rows), d.cfg.MinRetrain)
		log.Warn().Err(err).Str("asset_type", string(t)).Msg("Skipping anomaly retrain")
		return
	}
	m, err = d.fit(t, rows)
	if err != nil {
		log.Error().Err(err).Str("asset_type", string(t)).Msg("Anomaly retrain failed")
		return
	}
	d.install(m)
	log.Info().
		Str("asset_type", string(t)).
		Int("samples", len(rows)).
		Float64("threshold", m.Threshold).
		Msg("Anomaly model retrained")
}
