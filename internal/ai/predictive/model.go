// Package predictive forecasts asset health 30 days ahead with per-type
// random-forest regressors and turns the forecast into maintenance urgency.
package predictive

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/buffer"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
	"github.com/rcourtman/substation-twin/internal/ml"
)

// HorizonDays is how far ahead predictions look.
const HorizonDays = 30

// Config tunes training and online refresh.
type Config struct {
	BufferSize   int
	MinRetrain   int
	MinTrain     int
	KeepFraction float64
	Forest       ml.RandomForestConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:   200,
		MinRetrain:   100,
		MinTrain:     200,
		KeepFraction: buffer.DefaultKeepFraction,
		Forest:       ml.DefaultRandomForestConfig(),
	}
}

// Sample is one labeled observation: predictive features plus the health
// score observed with them.
type Sample struct {
	Features []float64 `json:"features"`
	Health   float64   `json:"health"`
}

// NewSample builds a Sample from resolved reading features.
func NewSample(f assets.Features) Sample {
	return Sample{Features: f.PredictiveVector(), Health: f.HealthScore}
}

// Model is a trained per-type regressor bundle, replaced whole on retrain.
type Model struct {
	AssetType   assets.Type        `json:"assetType"`
	Scaler      ml.StandardScaler  `json:"scaler"`
	Forest      *ml.RandomForest   `json:"forest"`
	Importances map[string]float64 `json:"importances"`
	TrainedAt   time.Time          `json:"trainedAt"`
	SampleCount int                `json:"sampleCount"`
}

// PredictHealth evaluates the model for a predictive feature vector.
func (m *Model) PredictHealth(features []float64) (float64, error) {
	scaled, err := m.Scaler.Transform(features)
	if err != nil {
		return 0, err
	}
	v, err := m.Forest.Predict(scaled)
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(100, v)), nil
}

// TopFeature returns the most important feature and its weight.
func (m *Model) TopFeature() (string, float64) {
	var name string
	best := -1.0
	for _, n := range assets.PredictiveFeatureNames {
		if w := m.Importances[n]; w > best {
			name, best = n, w
		}
	}
	return name, best
}

func (m *Model) valid() bool {
	return m != nil && m.Forest != nil && len(m.Forest.Trees) > 0 &&
		len(m.Scaler.Mean) == len(assets.PredictiveFeatureNames)
}

// Prediction is the forecast for one asset.
type Prediction struct {
	AssetID           string         `json:"assetId"`
	AssetType         assets.Type    `json:"assetType"`
	CurrentHealth     float64        `json:"currentHealth"`
	PredictedHealth   float64        `json:"predictedHealth"`
	DegradationRate   float64        `json:"degradationRate"`
	Urgency           assets.Urgency `json:"urgency"`
	MaintenanceWindow string         `json:"maintenanceWindow"`
	Timestamp         time.Time      `json:"timestamp"`
}

// NewPrediction derives rate, urgency and window from a current and a
// predicted health score.
func NewPrediction(id string, t assets.Type, current, predicted float64) Prediction {
	urgency := assets.UrgencyFor(predicted)
	return Prediction{
		AssetID:           id,
		AssetType:         t,
		CurrentHealth:     current,
		PredictedHealth:   predicted,
		DegradationRate:   (current - predicted) / HorizonDays,
		Urgency:           urgency,
		MaintenanceWindow: urgency.Window(),
		Timestamp:         nowFn(),
	}
}

// RetrainHook observes every online retrain attempt.
type RetrainHook func(t assets.Type, model *Model, err error)

// Predictor owns the per-type regressors and their online buffers.
type Predictor struct {
	cfg Config

	mu     sync.RWMutex
	models map[assets.Type]*Model
	hook   RetrainHook

	bufMu   sync.Mutex
	buffers map[assets.Type]*buffer.Queue[Sample]
}

var nowFn = time.Now

// NewPredictor creates an untrained predictor.
func NewPredictor(cfg Config) *Predictor {
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
	if cfg.Forest.Trees <= 0 {
		cfg.Forest = def.Forest
	}
	return &Predictor{
		cfg:     cfg,
		models:  make(map[assets.Type]*Model),
		buffers: make(map[assets.Type]*buffer.Queue[Sample]),
	}
}

// SetRetrainHook registers a callback run after every online retrain attempt.
func (p *Predictor) SetRetrainHook(hook RetrainHook) {
	p.mu.Lock()
	p.hook = hook
	p.mu.Unlock()
}

// Train fits and installs a model for one asset type.
func (p *Predictor) Train(t assets.Type, samples []Sample) (*Model, error) {
	if len(samples) < p.cfg.MinTrain {
		return nil, internalerrors.InsufficientData("predictive train", string(t), len(samples), p.cfg.MinTrain)
	}
	m, err := p.fit(t, samples)
	if err != nil {
		return nil, err
	}
	p.install(m)
	return m, nil
}

// TrainAll trains every type with enough samples and returns the trained types.
func (p *Predictor) TrainAll(samples map[assets.Type][]Sample) []assets.Type {
	var trained []assets.Type
	for t, rows := range samples {
		m, err := p.Train(t, rows)
		if err != nil {
			log.Warn().Err(err).Str("asset_type", string(t)).Int("samples", len(rows)).Msg("Skipping predictive model training")
			continue
		}
		name, weight := m.TopFeature()
		log.Debug().
			Str("asset_type", string(t)).
			Int("trees", len(m.Forest.Trees)).
			Str("top_feature", name).
			Float64("importance", weight).
			Msg("Predictive model trained")
		trained = append(trained, t)
	}
	sort.Slice(trained, func(i, j int) bool { return trained[i] < trained[j] })
	return trained
}

func (p *Predictor) fit(t assets.Type, samples []Sample) (*Model, error) {
	X := make([][]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		X[i] = s.Features
		y[i] = s.Health
	}

	m := &Model{AssetType: t, SampleCount: len(samples), TrainedAt: nowFn()}
	if err := m.Scaler.Fit(X); err != nil {
		return nil, fmt.Errorf("fit scaler for %s: %w", t, err)
	}
	if len(m.Scaler.Mean) != len(assets.PredictiveFeatureNames) {
		return nil, internalerrors.Invalid("predictive train", "got %d features, want %d", len(m.Scaler.Mean), len(assets.PredictiveFeatureNames))
	}
	scaled, err := m.Scaler.TransformAll(X)
	if err != nil {
		return nil, fmt.Errorf("scale samples for %s: %w", t, err)
	}
	m.Forest, err = ml.FitRandomForest(scaled, y, p.cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("fit random forest for %s: %w", t, err)
	}
	m.Importances = make(map[string]float64, len(assets.PredictiveFeatureNames))
	for i, name := range assets.PredictiveFeatureNames {
		m.Importances[name] = m.Forest.Importances[i]
	}
	return m, nil
}

func (p *Predictor) install(m *Model) {
	p.mu.Lock()
	p.models[m.AssetType] = m
	p.mu.Unlock()
}

// Install replaces the model for its asset type with a previously trained one.
func (p *Predictor) Install(m *Model) error {
	if !m.valid() {
		return internalerrors.Invalid("predictive install", "incomplete model bundle")
	}
	p.install(m)
	return nil
}

// Model returns the current model for t.
func (p *Predictor) Model(t assets.Type) (*Model, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.models[t]
	return m, ok
}

// Models returns the current models keyed by asset type.
func (p *Predictor) Models() map[assets.Type]*Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[assets.Type]*Model, len(p.models))
	for t, m := range p.models {
		out[t] = m
	}
	return out
}

// Trained reports whether a model exists for t.
func (p *Predictor) Trained(t assets.Type) bool {
	_, ok := p.Model(t)
	return ok
}

// Predict forecasts health HorizonDays ahead for every reading of a
// trained type. Untrained types are skipped.
func (p *Predictor) Predict(readings []assets.Reading) []Prediction {
	var out []Prediction
	for _, r := range readings {
		m, ok := p.Model(r.AssetType)
		if !ok {
			continue
		}
		f := r.Features()
		ahead := f
		ahead.AgeDays += HorizonDays
		predicted, err := m.PredictHealth(ahead.PredictiveVector())
		if err != nil {
			log.Error().Err(err).Str("asset_id", r.AssetID).Str("asset_type", string(r.AssetType)).Msg("Failed to predict health")
			continue
		}
		out = append(out, NewPrediction(r.AssetID, r.AssetType, f.HealthScore, predicted))
	}
	return out
}

// Observe buffers one labeled observation for t and retrains the type on the
// calling goroutine once the buffer fills. It reports whether a retrain was
// attempted.
func (p *Predictor) Observe(t assets.Type, f assets.Features) bool {
	return p.queue(t).Push(NewSample(f))
}

// Buffered returns the number of buffered observations for t.
func (p *Predictor) Buffered(t assets.Type) int {
	p.bufMu.Lock()
	q, ok := p.buffers[t]
	p.bufMu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

func (p *Predictor) queue(t assets.Type) *buffer.Queue[Sample] {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	q, ok := p.buffers[t]
	if !ok {
		q = buffer.New[Sample](p.cfg.BufferSize,
			buffer.WithOnFull[Sample](func(rows []Sample) { p.retrain(t, rows) }),
			buffer.WithKeepFraction[Sample](p.cfg.KeepFraction),
		)
		p.buffers[t] = q
	}
	return q
}

func (p *Predictor) retrain(t assets.Type, rows []Sample) {
	var (
		m   *Model
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stack().Str("asset_type", string(t)).Msg("Recovered from panic in predictive retrain")
			m, err = nil, internalerrors.New(internalerrors.KindEngineFailure, "predictive retrain", string(t), fmt.Errorf("panic: %v", r))
		}
		p.mu.RLock()
		hook := p.hook
		p.mu.RUnlock()
		if hook != nil {
			hook(t, m, err)
		}
	}()

	if len(rows) < p.cfg.MinRetrain {
		err = internalerrors.InsufficientData("predictive retrain", string(t), len(rows), p.cfg.MinRetrain)
		log.Warn().Err(err).Str("asset_type", string(t)).Msg("Skipping predictive retrain")
		return
	}
	m, err = p.fit(t, rows)
	if err != nil {
		log.Error().Err(err).Str("asset_type", string(t)).Msg("Predictive retrain failed")
		return
	}
	p.install(m)
	name, weight := m.TopFeature()
	log.Info().
		Str("asset_type", string(t)).
		Int("samples", len(rows)).
		Str("top_feature", name).
		Float64("importance", weight).
		Msg("Predictive model retrained")
}
