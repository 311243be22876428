package circuit

import (
	"fmt"
	"math"
	"time"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

var nowFn = time.Now

// BusState is the solved voltage of one bus.
type BusState struct {
	Name     string    `json:"name"`
	BaseKV   float64   `json:"baseKv"`
	Voltages []Phasor  `json:"voltages"`
	PerUnit  []float64 `json:"voltagePu"`
}

// Energized reports whether any phase carries voltage.
func (b BusState) Energized() bool {
	for _, pu := range b.PerUnit {
		if pu > 0 {
			return true
		}
	}
	return false
}

// Imbalance returns the largest phase deviation from the phase mean as a
// fraction of that mean.
func (b BusState) Imbalance() float64 {
	if len(b.PerUnit) < 3 {
		return 0
	}
	phases := b.PerUnit[:3]
	var mean float64
	for _, v := range phases {
		mean += v
	}
	mean /= 3
	if mean <= 0 {
		return 0
	}
	var worst float64
	for _, v := range phases {
		worst = math.Max(worst, math.Abs(v-mean))
	}
	return worst / mean
}

// ElementState is the solved flow through one element.
type ElementState struct {
	Name     string   `json:"name"`
	Currents []Phasor `json:"currents"`
	Powers   []Power  `json:"powers"`
	Losses   Power    `json:"losses"`
}

// Summary holds the system totals of one solve.
type Summary struct {
	TotalPowerKW      float64 `json:"totalPowerKw"`
	TotalReactiveKVar float64 `json:"totalReactiveKvar"`
	LossesKW          float64 `json:"lossesKw"`
	LossesKVar        float64 `json:"lossesKvar"`
	PowerFactor       float64 `json:"powerFactor"`
}

// Efficiency returns delivered over supplied active power in percent.
func (s Summary) Efficiency() float64 {
	if s.TotalPowerKW <= 0 {
		return 0
	}
	return math.Max(0, (s.TotalPowerKW-s.LossesKW)/s.TotalPowerKW*100)
}

// Snapshot is the complete electrical state of one solve. A snapshot taken
// from a solve that did not converge carries no buses or elements.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Converged bool               `json:"converged"`
	Buses     []BusState         `json:"buses"`
	Elements  []ElementState     `json:"elements"`
	Summary   Summary            `json:"summary"`
	THD       map[string]float64 `json:"thd,omitempty"`
}

// Capture reads the current solution from the engine.
func Capture(e Engine) (Snapshot, error) {
	s := Snapshot{Timestamp: nowFn(), Converged: true}

	for _, name := range e.BusNames() {
		voltages, err := e.BusVoltages(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("bus %s voltages: %w", name, err)
		}
		kv, err := e.BusBaseKV(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("bus %s base: %w", name, err)
		}
		bus := BusState{Name: name, BaseKV: kv, Voltages: voltages, PerUnit: make([]float64, len(voltages))}
		if base := kv * 1000 / math.Sqrt(3); base > 0 {
			for i, v := range voltages {
				bus.PerUnit[i] = v.Magnitude / base
			}
		}
		s.Buses = append(s.Buses, bus)
	}

	for _, name := range e.ElementNames() {
		currents, err := e.ElementCurrents(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("element %s currents: %w", name, err)
		}
		powers, err := e.ElementPowers(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("element %s powers: %w", name, err)
		}
		losses, err := e.ElementLosses(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("element %s losses: %w", name, err)
		}
		s.Elements = append(s.Elements, ElementState{Name: name, Currents: currents, Powers: powers, Losses: losses})
	}

	kw, kvar := e.TotalPower()
	lkw, lkvar := e.Losses()
	s.Summary = Summary{
		TotalPowerKW:      kw,
		TotalReactiveKVar: kvar,
		LossesKW:          lkw,
		LossesKVar:        lkvar,
		PowerFactor:       PowerFactor(kw, kvar),
	}
	if thd := e.HarmonicTHD(); len(thd) > 0 {
		s.THD = thd
	}
	return s, nil
}

// SolveAndCapture solves and captures. A solve that fails or does not
// converge yields an empty snapshot with Converged=false and an engine
// failure error.
func SolveAndCapture(e Engine) (Snapshot, error) {
	converged, err := e.Solve()
	if err != nil {
		return Snapshot{Timestamp: nowFn()}, internalerrors.WrapEngineError("solve", "", err)
	}
	if !converged {
		return Snapshot{Timestamp: nowFn()}, internalerrors.WrapEngineError("solve", "", fmt.Errorf("power flow did not converge"))
	}
	s, err := Capture(e)
	if err != nil {
		return Snapshot{Timestamp: nowFn()}, internalerrors.WrapEngineError("capture", "", err)
	}
	return s, nil
}

// Bus returns the named bus state.
func (s Snapshot) Bus(name string) (BusState, bool) {
	for _, b := range s.Buses {
		if b.Name == name {
			return b, true
		}
	}
	return BusState{}, false
}

// Element returns the named element state.
func (s Snapshot) Element(name string) (ElementState, bool) {
	for _, e := range s.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return ElementState{}, false
}

// VoltagesPU returns every phase voltage of every bus in per unit.
func (s Snapshot) VoltagesPU() []float64 {
	var out []float64
	for _, b := range s.Buses {
		out = append(out, b.PerUnit...)
	}
	return out
}

// MeanVoltagePU returns the mean phase voltage across all buses.
func (s Snapshot) MeanVoltagePU() float64 {
	v := s.VoltagesPU()
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// VoltageStability scores how close energized buses sit to nominal: 100 at
// 1.0 pu everywhere, falling by one point per 0.01 pu of the worst
// deviation.
func (s Snapshot) VoltageStability() float64 {
	var worst float64
	var energized bool
	for _, b := range s.Buses {
		if !b.Energized() {
			continue
		}
		energized = true
		for _, pu := range b.PerUnit {
			worst = math.Max(worst, math.Abs(1-pu))
		}
	}
	if !energized {
		return 0
	}
	return math.Max(0, 100-worst*100)
}

// Impact is the difference between a baseline and a disturbed snapshot.
type Impact struct {
	DeltaPowerKW      float64 `json:"deltaPowerKw"`
	DeltaReactiveKVar float64 `json:"deltaReactiveKvar"`
	DeltaLossesKW     float64 `json:"deltaLossesKw"`
	MinVoltagePU      float64 `json:"minVoltagePu"`
	MaxDeviationPU    float64 `json:"maxDeviationPu"`
	WorstBus          string  `json:"worstBus,omitempty"`
}

// Diff compares a disturbed snapshot with its baseline. Buses are matched by
// name and phase.
func Diff(baseline, disturbed Snapshot) Impact {
	impact := Impact{
		DeltaPowerKW:      disturbed.Summary.TotalPowerKW - baseline.Summary.TotalPowerKW,
		DeltaReactiveKVar: disturbed.Summary.TotalReactiveKVar - baseline.Summary.TotalReactiveKVar,
		DeltaLossesKW:     disturbed.Summary.LossesKW - baseline.Summary.LossesKW,
		MinVoltagePU:      math.Inf(1),
	}
	for _, bus := range disturbed.Buses {
		base, ok := baseline.Bus(bus.Name)
		for i, pu := range bus.PerUnit {
			impact.MinVoltagePU = math.Min(impact.MinVoltagePU, pu)
			if !ok || i >= len(base.PerUnit) {
				continue
			}
			if dev := math.Abs(pu - base.PerUnit[i]); dev > impact.MaxDeviationPU {
				impact.MaxDeviationPU = dev
				impact.WorstBus = bus.Name
			}
		}
	}
	if math.IsInf(impact.MinVoltagePU, 1) {
		impact.MinVoltagePU = 0
	}
	return impact
}
