package simulation

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Post-contingency limits.
const (
	MinVoltagePU      = 0.9
	MaxVoltagePU      = 1.1
	MaxLoadingPercent = 100.0

	// DefaultBreakerRatingKA is the interrupting rating fault levels are
	// compared with when none is given.
	DefaultBreakerRatingKA = 40.0
)

// OutageStatus classifies one N-1 case.
type OutageStatus string

const (
	OutageSecure   OutageStatus = "secure"
	OutageInsecure OutageStatus = "insecure"
	// OutageDiverged means the power flow did not solve with the element out.
	OutageDiverged OutageStatus = "diverged"
)

// Overload is one rated element loaded beyond MaxLoadingPercent.
type Overload struct {
	Element        string  `json:"element"`
	LoadingPercent float64 `json:"loadingPercent"`
}

// Outage is the solved state with one line or transformer out of service.
type Outage struct {
	Element            string       `json:"element"`
	Status             OutageStatus `json:"status"`
	MinVoltagePU       float64      `json:"minVoltagePu"`
	MaxVoltagePU       float64      `json:"maxVoltagePu"`
	WorstBus           string       `json:"worstBus,omitempty"`
	VoltageDeviationPU float64      `json:"voltageDeviationPu"`
	MaxLoadingPercent  float64      `json:"maxLoadingPercent"`
	Overloads          []Overload   `json:"overloads,omitempty"`
	DeEnergized        []string     `json:"deEnergizedBuses,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// ContingencyResult is an N-1 sweep over every in-service branch.
type ContingencyResult struct {
	StartedAt time.Time        `json:"startedAt"`
	Baseline  circuit.Snapshot `json:"baseline"`
	Outages   []Outage         `json:"outages"`
	Secure    bool             `json:"secure"`
}

// Insecure returns the outages that violate a limit or do not solve.
func (r ContingencyResult) Insecure() []Outage {
	var out []Outage
	for _, o := range r.Outages {
		if o.Status != OutageSecure {
			out = append(out, o)
		}
	}
	return out
}

func branch(name string) bool {
	class, _, ok := strings.Cut(name, ".")
	return ok && (class == "line" || class == "transformer")
}

// RunContingency takes each in-service line and transformer out in turn,
// solves and records bus voltages and element loading, then puts the
// element back. Elements already out of service are neither studied nor
// switched. A cancelled context ends the sweep early with the outages
// studied so far.
func (inj *Injector) RunContingency(ctx context.Context) (result ContingencyResult, err error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()

	result = ContingencyResult{StartedAt: nowFn()}
	result.Baseline, err = circuit.SolveAndCapture(inj.engine)
	if err != nil {
		return result, err
	}
	ratings := inj.ratings(result.Baseline)

	var branches []string
	for _, name := range inj.engine.ElementNames() {
		if branch(name) {
			branches = append(branches, name)
		}
	}
	log.Info().Int("branches", len(branches)).Msg("Running contingency analysis")

	defer func() {
		if _, serr := inj.engine.Solve(); serr != nil {
			log.Warn().Err(serr).Msg("Solve after contingency analysis failed")
		}
	}()

	for _, name := range branches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		o, err := inj.outage(name, result.Baseline, ratings)
		if err != nil {
			return result, err
		}
		result.Outages = append(result.Outages, o)
	}

	result.Secure = len(result.Insecure()) == 0
	log.Info().
		Int("outages", len(result.Outages)).
		Int("insecure", len(result.Insecure())).
		Msg("Contingency analysis complete")
	return result, nil
}

func (inj *Injector) ratings(s circuit.Snapshot) map[string]float64 {
	out := make(map[string]float64)
	for _, e := range s.Elements {
		info, err := inj.engine.Element(e.Name)
		if err != nil || info.RatingKVA <= 0 {
			continue
		}
		out[e.Name] = info.RatingKVA
	}
	return out
}

func (inj *Injector) outage(name string, baseline circuit.Snapshot, ratings map[string]float64) (o Outage, err error) {
	o = Outage{Element: name}
	if err := inj.engine.Command("disable " + name); err != nil {
		return o, internalerrors.WrapEngineError("contingency", name, err)
	}
	defer func() {
		if cerr := inj.engine.Command("enable " + name); cerr != nil && !errors.Is(cerr, internalerrors.ErrNotFound) {
			log.Warn().Err(cerr).Str("element", name).Msg("Failed to return element to service")
			if err == nil {
				err = internalerrors.WrapEngineError("contingency", name, cerr)
			}
		}
	}()

	snap, serr := circuit.SolveAndCapture(inj.engine)
	if serr != nil {
		o.Status = OutageDiverged
		o.Error = serr.Error()
		log.Warn().Err(serr).Str("element", name).Msg("Contingency case did not solve")
		return o, nil
	}

	o.MinVoltagePU = math.Inf(1)
	for _, b := range snap.Buses {
		if !b.Energized() {
			if was, ok := baseline.Bus(b.Name); ok && was.Energized() {
				o.DeEnergized = append(o.DeEnergized, b.Name)
			}
			continue
		}
		for _, pu := range b.PerUnit {
			if pu < o.MinVoltagePU {
				o.MinVoltagePU, o.WorstBus = pu, b.Name
			}
			o.MaxVoltagePU = math.Max(o.MaxVoltagePU, pu)
			o.VoltageDeviationPU = math.Max(o.VoltageDeviationPU, math.Abs(1-pu))
		}
	}
	if math.IsInf(o.MinVoltagePU, 1) {
		o.MinVoltagePU = 0
	}

	for _, e := range snap.Elements {
		kva, ok := ratings[e.Name]
		if !ok {
			continue
		}
		loading := terminalKVA(e) / kva * 100
		o.MaxLoadingPercent = math.Max(o.MaxLoadingPercent, loading)
		if loading > MaxLoadingPercent {
			o.Overloads = append(o.Overloads, Overload{Element: e.Name, LoadingPercent: loading})
		}
	}
	sort.Slice(o.Overloads, func(i, j int) bool { return o.Overloads[i].LoadingPercent > o.Overloads[j].LoadingPercent })

	o.Status = OutageSecure
	if len(o.DeEnergized) > 0 || len(o.Overloads) > 0 ||
		(o.MaxVoltagePU > 0 && (o.MinVoltagePU < MinVoltagePU || o.MaxVoltagePU > MaxVoltagePU)) {
		o.Status = OutageInsecure
	}
	return o, nil
}

// terminalKVA is the apparent power entering the first terminal.
func terminalKVA(e circuit.ElementState) float64 {
	var s complex128
	for _, p := range e.Powers[:min(3, len(e.Powers))] {
		s += complex(p.KW, p.KVar)
	}
	return circuit.PowerOf(s).Apparent()
}

// FaultLevel is the prospective fault current at one bus.
type FaultLevel struct {
	Bus           string  `json:"bus"`
	BaseKV        float64 `json:"baseKv"`
	ThreePhaseKA  float64 `json:"threePhaseKa"`
	SinglePhaseKA float64 `json:"singlePhaseKa"`
	FaultMVA      float64 `json:"faultMva"`
	MarginPercent float64 `json:"marginPercent"`
	Error         string  `json:"error,omitempty"`
}

// FaultStudy holds the fault levels of every energized bus.
type FaultStudy struct {
	BreakerRatingKA float64      `json:"breakerRatingKa"`
	Levels          []FaultLevel `json:"levels"`
	MaxFaultKA      float64      `json:"maxFaultKa"`
	MaxFaultBus     string       `json:"maxFaultBus,omitempty"`
}

// Exceeded returns the buses whose fault current exceeds the breaker rating.
func (s FaultStudy) Exceeded() []string {
	var out []string
	for _, l := range s.Levels {
		if l.Error == "" && l.MarginPercent < 0 {
			out = append(out, l.Bus)
		}
	}
	return out
}

// FaultLevels applies a bolted three phase fault and a bolted phase A to
// ground fault at every energized bus in turn and compares the currents
// with breakerKA (DefaultBreakerRatingKA when not positive). Each fault is
// cleared before the next.
func (inj *Injector) FaultLevels(ctx context.Context, breakerKA float64) (FaultStudy, error) {
	if breakerKA <= 0 {
		breakerKA = DefaultBreakerRatingKA
	}
	inj.mu.Lock()
	defer inj.mu.Unlock()

	study := FaultStudy{BreakerRatingKA: breakerKA}
	baseline, err := circuit.SolveAndCapture(inj.engine)
	if err != nil {
		return study, err
	}

	for _, b := range baseline.Buses {
		if err := ctx.Err(); err != nil {
			return study, err
		}
		if !b.Energized() {
			continue
		}
		level := FaultLevel{Bus: b.Name, BaseKV: b.BaseKV}

		three, err := inj.ctSaturation(b.Name, 1)
		if err != nil {
			level.Error = err.Error()
			log.Warn().Err(err).Str("bus", b.Name).Msg("Three phase fault study failed")
			study.Levels = append(study.Levels, level)
			continue
		}
		level.ThreePhaseKA = three.Measurements["actual_current_a"] / 1000

		single, err := inj.groundFault(b.Name, "A", 0)
		if err != nil {
			level.Error = err.Error()
			log.Warn().Err(err).Str("bus", b.Name).Msg("Ground fault study failed")
		} else {
			level.SinglePhaseKA = single.Measurements["fault_current_a"] / 1000
		}

		level.FaultMVA = math.Sqrt(3) * b.BaseKV * level.ThreePhaseKA
		peak := math.Max(level.ThreePhaseKA, level.SinglePhaseKA)
		level.MarginPercent = (breakerKA - peak) / breakerKA * 100
		if peak > study.MaxFaultKA {
			study.MaxFaultKA, study.MaxFaultBus = peak, b.Name
		}
		study.Levels = append(study.Levels, level)
	}

	log.Info().
		Int("buses", len(study.Levels)).
		Float64("max_fault_ka", study.MaxFaultKA).
		Str("max_fault_bus", study.MaxFaultBus).
		Msg("Fault level study complete")
	return study, nil
}
