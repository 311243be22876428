// Package twin runs the substation twin: an ingestion loop that applies
// telemetry to the asset registry and feeds the online models, and an
// analysis loop that solves the circuit and runs the AI service over the
// fleet.
package twin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/substation-twin/internal/ai"
	"github.com/rcourtman/substation-twin/internal/ai/optimizer"
	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/metrics"
	"github.com/rcourtman/substation-twin/internal/telemetry"
)

// Analyzer is the AI surface the twin drives. *ai.Service satisfies it.
type Analyzer interface {
	Analyze(readings []assets.Reading, m optimizer.SystemMetrics) ai.AnalysisResult
	UpdateOnline(assetID string, r assets.Reading)
}

// pollRetimer is implemented by sources whose poll wait follows the ingest
// interval, such as *telemetry.KafkaSource.
type pollRetimer interface {
	SetPollTimeout(d time.Duration)
}

// Recorder keeps time series of readings and circuit state.
// *metrics.History satisfies it.
type Recorder interface {
	RecordReadings(readings []assets.Reading, ts time.Time)
	RecordSnapshot(s circuit.Snapshot)
}

// Options wires the twin's collaborators. History is optional.
type Options struct {
	Registry        *assets.Registry
	Source          telemetry.Source
	Analyzer        Analyzer
	Engine          circuit.Engine
	History         Recorder
	IngestInterval  time.Duration
	AnalyzeInterval time.Duration
}

// Report is the outcome of one analysis pass.
type Report struct {
	Analysis  ai.AnalysisResult       `json:"analysis"`
	Circuit   circuit.Summary         `json:"circuit"`
	Converged bool                    `json:"converged"`
	Metrics   optimizer.SystemMetrics `json:"metrics"`
	Status    assets.SystemStatus     `json:"status"`
}

// Twin owns the two loops.
type Twin struct {
	registry *assets.Registry
	source   telemetry.Source
	analyzer Analyzer
	engine   circuit.Engine
	history  Recorder

	ingestEvery  atomic.Int64
	analyzeEvery atomic.Int64

	engineMu sync.Mutex

	mu     sync.RWMutex
	latest *Report
}

// New validates opts and builds a twin.
func New(opts Options) (*Twin, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("twin: registry is required")
	case opts.Source == nil:
		return nil, errors.New("twin: telemetry source is required")
	case opts.Analyzer == nil:
		return nil, errors.New("twin: analyzer is required")
	case opts.Engine == nil:
		return nil, errors.New("twin: circuit engine is required")
	}
	t := &Twin{
		registry: opts.Registry,
		source:   opts.Source,
		analyzer: opts.Analyzer,
		engine:   opts.Engine,
		history:  opts.History,
	}
	t.SetIntervals(opts.IngestInterval, opts.AnalyzeInterval)
	return t, nil
}

// SetIntervals changes the loop periods. Non-positive values keep the
// current period; running loops pick the change up after their next tick.
// A source that supports it waits at most half the ingest interval per poll.
func (t *Twin) SetIntervals(ingest, analyze time.Duration) {
	if ingest > 0 {
		t.ingestEvery.Store(int64(ingest))
		if r, ok := t.source.(pollRetimer); ok {
			r.SetPollTimeout(ingest / 2)
		}
	} else if t.ingestEvery.Load() == 0 {
		t.ingestEvery.Store(int64(5 * time.Second))
	}
	if analyze > 0 {
		t.analyzeEvery.Store(int64(analyze))
	} else if t.analyzeEvery.Load() == 0 {
		t.analyzeEvery.Store(int64(30 * time.Second))
	}
}

// Run ingests and analyzes until ctx is cancelled. Both loops run once
// immediately.
func (t *Twin) Run(ctx context.Context) error {
	log.Info().
		Str("source", t.source.Name()).
		Dur("ingest_interval", time.Duration(t.ingestEvery.Load())).
		Dur("analyze_interval", time.Duration(t.analyzeEvery.Load())).
		Int("assets", t.registry.Len()).
		Msg("Starting substation twin")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.loop(ctx, &t.ingestEvery, func(ctx context.Context) {
			if _, err := t.IngestOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("source", t.source.Name()).Msg("Telemetry poll failed")
			}
		})
	})
	g.Go(func() error {
		return t.loop(ctx, &t.analyzeEvery, func(context.Context) { t.AnalyzeOnce() })
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("twin terminated with error: %w", err)
	}
	log.Info().Msg("Substation twin stopped")
	return nil
}

func (t *Twin) loop(ctx context.Context, every *atomic.Int64, tick func(context.Context)) error {
	tick(ctx)

	period := time.Duration(every.Load())
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick(ctx)
			if next := time.Duration(every.Load()); next != period {
				period = next
				ticker.Reset(period)
			}
		}
	}
}

// IngestOnce polls the telemetry source once, applies the batch to the
// registry and feeds each updated asset's reading into the online models.
// It returns the number of assets updated.
func (t *Twin) IngestOnce(ctx context.Context) (int, error) {
	source := t.source.Name()
	batch, err := t.source.Poll(ctx)
	if err != nil {
		metrics.RecordTelemetryError(source)
	}
	if len(batch) == 0 {
		return 0, err
	}
	metrics.RecordReadings(source, len(batch))

	scores := t.registry.Ingest(batch)
	readings := make([]assets.Reading, 0, len(scores))
	for id, score := range scores {
		a, ok := t.registry.Get(id)
		if !ok {
			continue
		}
		metrics.SetAssetHealth(id, a.Type, score)
		r := a.Reading()
		t.analyzer.UpdateOnline(id, r)
		readings = append(readings, r)
	}
	if t.history != nil {
		t.history.RecordReadings(readings, time.Now())
	}

	log.Debug().Str("source", source).Int("measurements", len(batch)).Int("updated", len(scores)).Msg("Ingested telemetry")
	return len(scores), err
}

// AnalyzeOnce solves the circuit and analyzes the fleet. An engine failure
// degrades to zero system metrics; the asset analysis still runs.
func (t *Twin) AnalyzeOnce() Report {
	t.engineMu.Lock()
	snap, err := circuit.SolveAndCapture(t.engine)
	t.engineMu.Unlock()

	report := Report{Converged: snap.Converged, Circuit: snap.Summary}
	if err != nil {
		log.Warn().Err(err).Msg("Circuit solve failed, analyzing without system metrics")
	} else {
		report.Metrics = optimizer.SystemMetrics{
			TotalPowerKW:     snap.Summary.TotalPowerKW,
			Efficiency:       snap.Summary.Efficiency(),
			VoltageStability: snap.VoltageStability(),
		}
		metrics.SetSystemState(report.Metrics.Efficiency, report.Metrics.VoltageStability, report.Metrics.TotalPowerKW)
		if t.history != nil {
			t.history.RecordSnapshot(snap)
		}
	}

	report.Analysis = t.analyzer.Analyze(t.registry.Readings(), report.Metrics)
	report.Status = t.registry.Status()

	t.mu.Lock()
	t.latest = &report
	t.mu.Unlock()

	log.Info().
		Int("anomalies", report.Analysis.Summary.AnomalyCount).
		Int("critical_assets", report.Analysis.Summary.CriticalAssets).
		Float64("optimization_score", report.Analysis.Summary.OptimizationScore).
		Float64("system_health", report.Status.SystemHealth).
		Bool("converged", report.Converged).
		Msg("Analysis complete")
	return report
}

// Latest returns the most recent report.
func (t *Twin) Latest() (Report, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return Report{}, false
	}
	return *t.latest, true
}

// Shutdown closes the telemetry source. Models are persisted by the owner of
// the analyzer when it closes.
func (t *Twin) Shutdown() error {
	if err := t.source.Close(); err != nil {
		return fmt.Errorf("close telemetry source: %w", err)
	}
	return nil
}
