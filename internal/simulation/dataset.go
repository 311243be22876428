package simulation

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

const (
	normalFraction = 0.7
	// Consecutive failed draws tolerated before generation gives up.
	maxConsecutiveFailures = 50
	ambientMaxKW           = 30000.0
	ambientReactiveRatio   = 0.33
	progressEvery          = 100
)

// Targets are the element pools random disturbances are drawn from.
type Targets struct {
	SagBuses      []string `json:"sagBuses"`
	FaultBuses    []string `json:"faultBuses"`
	SwellBuses    []string `json:"swellBuses"`
	HarmonicBuses []string `json:"harmonicBuses"`
	Transformers  []string `json:"transformers"`
	Capacitors    []string `json:"capacitors"`
	// AmbientBuses receive a small random load before every sample so
	// normal rows do not all describe the same operating point.
	AmbientBuses []string `json:"ambientBuses"`
}

// DefaultTargets returns the pools for the reference substation circuit.
func DefaultTargets() Targets {
	return Targets{
		SagBuses:      []string{"Bus220_1", "Bus220_2", "Bus400_1"},
		FaultBuses:    []string{"Bus220_1", "Bus220_2", "Bus400_1"},
		SwellBuses:    []string{"Bus220_1", "Bus220_2", "Bus220_3"},
		HarmonicBuses: []string{"Bus220_1", "Bus220_2"},
		Transformers:  []string{"TR1", "TR2"},
		Capacitors:    []string{"Cap220_1", "Cap220_2"},
		AmbientBuses:  []string{"Bus220_1", "Bus220_2", "Bus220_3", "Bus33_1"},
	}
}

// Sample is one labeled training row.
type Sample struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Label       int         `json:"label"`
	AnomalyType AnomalyType `json:"anomalyType"`
	Features    Features    `json:"features"`
}

func newSample(t AnomalyType, s circuit.Snapshot) Sample {
	label := 1
	if t == Normal {
		label = 0
	}
	return Sample{
		ID:          ulid.Make().String(),
		Timestamp:   s.Timestamp,
		Label:       label,
		AnomalyType: t,
		Features:    Extract(s),
	}
}

// GenerateDataset returns exactly n samples: about 70% undisturbed
// operation labeled 0 and "normal", the rest a random disturbance labeled 1
// with its type. Draws whose solve fails are redrawn. The context is checked
// between samples; on cancellation the samples produced so far are returned
// with the context error.
func (inj *Injector) GenerateDataset(ctx context.Context, n int) ([]Sample, error) {
	if n < 0 {
		return nil, internalerrors.Invalid("generate_dataset", "sample count %d is negative", n)
	}
	log.Info().Int("samples", n).Msg("Generating anomaly dataset")

	samples := make([]Sample, 0, n)
	failures := 0
	for len(samples) < n {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		s, err := inj.draw()
		if err != nil {
			failures++
			log.Debug().Err(err).Int("consecutive_failures", failures).Msg("Dataset draw failed, redrawing")
			if failures >= maxConsecutiveFailures {
				return samples, internalerrors.WrapEngineError("generate_dataset", "",
					fmt.Errorf("%d consecutive draws failed: %w", failures, err))
			}
			continue
		}
		failures = 0
		samples = append(samples, s)
		if len(samples)%progressEvery == 0 {
			log.Info().Int("generated", len(samples)).Int("total", n).Msg("Dataset progress")
		}
	}
	return samples, nil
}

func (inj *Injector) draw() (Sample, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	if clear := inj.ambientVariation(); clear != "" {
		defer func() {
			if err := inj.engine.Command(clear); err != nil {
				log.Warn().Err(err).Msg("Failed to remove ambient variation")
			}
		}()
	}

	if inj.rng.Float64() < normalFraction {
		snap, err := circuit.SolveAndCapture(inj.engine)
		if err != nil {
			return Sample{}, err
		}
		return newSample(Normal, snap), nil
	}

	t := Disturbances[inj.rng.Intn(len(Disturbances))]
	res, err := inj.randomDisturbance(t)
	if err != nil {
		return Sample{}, err
	}
	return newSample(t, res.Disturbed), nil
}

func (inj *Injector) ambientVariation() string {
	if len(inj.targets.AmbientBuses) == 0 {
		return ""
	}
	bus := inj.pick(inj.targets.AmbientBuses)
	kw := inj.rng.Float64() * ambientMaxKW
	cmd := fmt.Sprintf("new load.ambient_variation bus1=%s kw=%g kvar=%g", bus, kw, kw*ambientReactiveRatio)
	if err := inj.engine.Command(cmd); err != nil {
		log.Warn().Err(err).Str("bus", bus).Msg("Failed to apply ambient variation")
		return ""
	}
	return "disable load.ambient_variation"
}

func (inj *Injector) randomDisturbance(t AnomalyType) (Result, error) {
	tg := inj.targets
	switch t {
	case VoltageSag:
		return inj.voltageSag(inj.pick(tg.SagBuses), inj.uniform(0.5, 0.9), nil)
	case VoltageSwell:
		return inj.voltageSwell(inj.pick(tg.SwellBuses), inj.uniform(1.05, 1.2))
	case GroundFault:
		return inj.groundFault(inj.pick(tg.FaultBuses), inj.pick(allPhases), defaultGroundFaultOhms)
	case HarmonicDistortion:
		return inj.harmonicInjection(inj.pick(tg.HarmonicBuses), map[int]float64{
			3: inj.uniform(0.01, 0.05),
			5: inj.uniform(0.02, 0.08),
			7: inj.uniform(0.01, 0.04),
		})
	case TransformerOverload:
		return inj.transformerOverload(inj.pick(tg.Transformers), inj.uniform(1.1, 1.5))
	case CapacitorSwitching:
		return inj.capacitorSwitching(inj.pick(tg.Capacitors))
	case FrequencyDeviation:
		dev := inj.uniform(0.1, 1.0)
		if inj.rng.Intn(2) == 0 {
			dev = -dev
		}
		return inj.frequencyDeviation(dev)
	case CTSaturation:
		return inj.ctSaturation(inj.pick(tg.FaultBuses), inj.uniform(0.3, 0.9))
	default:
		return Result{}, internalerrors.Invalid("inject", "unknown anomaly type %q", t)
	}
}

func (inj *Injector) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[inj.rng.Intn(len(pool))]
}

func (inj *Injector) uniform(lo, hi float64) float64 {
	return lo + inj.rng.Float64()*(hi-lo)
}

// CountByType tallies samples per anomaly type.
func CountByType(samples []Sample) map[AnomalyType]int {
	out := make(map[AnomalyType]int)
	for _, s := range samples {
		out[s.AnomalyType]++
	}
	return out
}

// WriteCSV writes samples with a header row of id, timestamp, label,
// anomaly_type and the feature columns.
func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)

	header := append([]string{"id", "timestamp", "label", "anomaly_type"}, FeatureNames...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write dataset header: %w", err)
	}
	for _, s := range samples {
		row := make([]string, 0, len(header))
		row = append(row, s.ID, s.Timestamp.Format(time.RFC3339Nano), strconv.Itoa(s.Label), string(s.AnomalyType))
		for _, v := range s.Features.Vector() {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write dataset row %s: %w", s.ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush dataset: %w", err)
	}
	return nil
}
