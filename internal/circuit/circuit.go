// Package circuit defines the contract between the twin and a power-flow
// engine, and the immutable state snapshots captured from it.
package circuit

import (
	"math"
	"math/cmplx"
)

// Solve modes understood by engines.
const (
	ModeSnapshot  = "snapshot"
	ModeHarmonics = "harmonics"
)

// NominalFrequency is the system frequency in Hz.
const NominalFrequency = 50.0

// Engine is a blocking, non-reentrant power-flow solver. Callers serialize
// access; a disturbance applied through Command stays active until it is
// disabled again.
type Engine interface {
	// Solve runs a power flow and reports whether it converged.
	Solve() (bool, error)
	// Command applies one text command: new/disable/enable of faults,
	// current sources, loads, capacitors, lines and transformers, plus
	// "set frequency=" and "set mode=".
	Command(text string) error

	BusNames() []string
	// BusVoltages returns per-phase line-to-neutral voltages in volts.
	BusVoltages(bus string) ([]Phasor, error)
	// BusBaseKV returns the nominal line-to-line voltage of the bus.
	BusBaseKV(bus string) (float64, error)

	// ElementNames lists enabled elements as "class.name".
	ElementNames() []string
	Element(name string) (ElementInfo, error)
	// ElementCurrents returns per-terminal, per-phase currents in amps.
	ElementCurrents(name string) ([]Phasor, error)
	// ElementPowers returns per-terminal, per-phase power flowing into the
	// element in kW and kvar.
	ElementPowers(name string) ([]Power, error)
	ElementLosses(name string) (Power, error)

	// TotalPower is the power delivered by the sources.
	TotalPower() (kw, kvar float64)
	// Losses is the sum of series element losses.
	Losses() (kw, kvar float64)
	// HarmonicTHD returns voltage THD percent per bus after a harmonics
	// solve, or an empty map.
	HarmonicTHD() map[string]float64
}

// ElementInfo describes one circuit element.
type ElementInfo struct {
	Name      string   `json:"name"`
	Class     string   `json:"class"`
	Buses     []string `json:"buses"`
	Enabled   bool     `json:"enabled"`
	RatingKVA float64  `json:"ratingKva,omitempty"`
}

// Phasor is a magnitude and an angle in degrees.
type Phasor struct {
	Magnitude float64 `json:"magnitude"`
	Angle     float64 `json:"angle"`
}

// PhasorOf converts a complex value to a phasor.
func PhasorOf(c complex128) Phasor {
	if c == 0 {
		return Phasor{}
	}
	return Phasor{Magnitude: cmplx.Abs(c), Angle: cmplx.Phase(c) * 180 / math.Pi}
}

// Complex converts the phasor back to rectangular form.
func (p Phasor) Complex() complex128 {
	return cmplx.Rect(p.Magnitude, p.Angle*math.Pi/180)
}

// Power is an active/reactive pair in kW and kvar.
type Power struct {
	KW   float64 `json:"kw"`
	KVar float64 `json:"kvar"`
}

// PowerOf converts a complex power in kVA to a Power.
func PowerOf(c complex128) Power {
	return Power{KW: real(c), KVar: imag(c)}
}

// Apparent returns the apparent power in kVA.
func (p Power) Apparent() float64 {
	return math.Hypot(p.KW, p.KVar)
}

// PowerFactor returns |kW| / kVA, or 0 without any flow.
func PowerFactor(kw, kvar float64) float64 {
	s := math.Hypot(kw, kvar)
	if kw == 0 || s == 0 {
		return 0
	}
	return math.Abs(kw) / s
}

// BaseCurrent returns the base current in amps of a bus at kv for the given
// three-phase base power.
func BaseCurrent(baseMVA, kv float64) float64 {
	if kv <= 0 {
		return 0
	}
	return baseMVA * 1000 / (math.Sqrt(3) * kv)
}
