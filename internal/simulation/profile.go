// Package simulation injects reversible electrical disturbances into a
// circuit engine and turns the resulting states into labeled training data.
package simulation

import (
	"time"

	"github.com/rcourtman/substation-twin/internal/circuit"
)

// AnomalyType names one disturbance primitive.
type AnomalyType string

const (
	Normal              AnomalyType = "normal"
	VoltageSag          AnomalyType = "voltage_sag"
	VoltageSwell        AnomalyType = "voltage_swell"
	GroundFault         AnomalyType = "ground_fault"
	HarmonicDistortion  AnomalyType = "harmonic_distortion"
	TransformerOverload AnomalyType = "transformer_overload"
	CapacitorSwitching  AnomalyType = "capacitor_switching"
	FrequencyDeviation  AnomalyType = "frequency_deviation"
	CTSaturation        AnomalyType = "ct_saturation"
)

// Disturbances lists every injectable primitive.
var Disturbances = []AnomalyType{
	VoltageSag,
	VoltageSwell,
	GroundFault,
	HarmonicDistortion,
	TransformerOverload,
	CapacitorSwitching,
	FrequencyDeviation,
	CTSaturation,
}

// Class groups disturbances by the quantity they upset.
type Class string

const (
	ClassVoltage    Class = "voltage"
	ClassCurrent    Class = "current"
	ClassHarmonic   Class = "harmonic"
	ClassThermal    Class = "thermal"
	ClassSystem     Class = "system"
	ClassProtection Class = "protection"
)

// Class returns the disturbance class of t.
func (t AnomalyType) Class() Class {
	switch t {
	case VoltageSag, VoltageSwell:
		return ClassVoltage
	case GroundFault:
		return ClassCurrent
	case HarmonicDistortion:
		return ClassHarmonic
	case TransformerOverload:
		return ClassThermal
	case CapacitorSwitching, FrequencyDeviation:
		return ClassSystem
	case CTSaturation:
		return ClassProtection
	default:
		return ""
	}
}

// AnomalyProfile describes one injected disturbance. It lives only as long
// as the sample it produced.
type AnomalyProfile struct {
	Type           AnomalyType        `json:"anomalyType"`
	Class          Class              `json:"class"`
	Location       string             `json:"location"`
	Severity       float64            `json:"severity"`
	Phases         []string           `json:"phases,omitempty"`
	DurationCycles int                `json:"durationCycles"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
}

func newProfile(t AnomalyType, location string, severity float64, phases []string) AnomalyProfile {
	return AnomalyProfile{
		Type:           t,
		Class:          t.Class(),
		Location:       location,
		Severity:       clamp01(severity),
		Phases:         phases,
		DurationCycles: defaultDurationCycles,
		Parameters:     make(map[string]float64),
	}
}

const defaultDurationCycles = 30

// Result is the outcome of one primitive: the state before, during and
// after the disturbance. Restored is captured after the clear step and
// matches Baseline when the engine is deterministic.
type Result struct {
	Profile      AnomalyProfile     `json:"profile"`
	Baseline     circuit.Snapshot   `json:"baseline"`
	Disturbed    circuit.Snapshot   `json:"disturbed"`
	Restored     circuit.Snapshot   `json:"restored"`
	Impact       circuit.Impact     `json:"impact"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	InjectedAt   time.Time          `json:"injectedAt"`
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
