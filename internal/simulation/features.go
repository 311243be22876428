package simulation

import (
	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/ml"
)

// Features is the fixed-width summary of one snapshot used for training.
// Voltages are in per unit and currents in amps.
type Features struct {
	VoltageMean         float64 `json:"voltageMagMean"`
	VoltageStd          float64 `json:"voltageMagStd"`
	VoltageMin          float64 `json:"voltageMagMin"`
	VoltageMax          float64 `json:"voltageMagMax"`
	VoltageImbalanceMax float64 `json:"voltageImbalanceMax"`
	CurrentMean         float64 `json:"currentMagMean"`
	CurrentStd          float64 `json:"currentMagStd"`
	CurrentMax          float64 `json:"currentMagMax"`
	TotalPowerKW        float64 `json:"totalPowerKw"`
	TotalReactiveKVar   float64 `json:"totalReactiveKvar"`
	LossesKW            float64 `json:"lossesKw"`
	LossesKVar          float64 `json:"lossesKvar"`
	PowerFactor         float64 `json:"powerFactor"`
	THDMean             float64 `json:"thdVoltageMean"`
	THDMax              float64 `json:"thdVoltageMax"`
	HasTHD              bool    `json:"hasThd"`
}

// FeatureNames lists the columns of Features.Vector in order.
var FeatureNames = []string{
	"voltage_mag_mean",
	"voltage_mag_std",
	"voltage_mag_min",
	"voltage_mag_max",
	"voltage_imbalance_max",
	"current_mag_mean",
	"current_mag_std",
	"current_mag_max",
	"total_power_kw",
	"total_reactive_kvar",
	"losses_kw",
	"losses_kvar",
	"power_factor",
	"thd_voltage_mean",
	"thd_voltage_max",
}

// Extract reduces a snapshot to Features. An empty snapshot yields zeros.
func Extract(s circuit.Snapshot) Features {
	var f Features

	var voltages []float64
	for _, b := range s.Buses {
		if len(b.PerUnit) < 3 {
			continue
		}
		voltages = append(voltages, b.PerUnit[:3]...)
		f.VoltageImbalanceMax = max(f.VoltageImbalanceMax, b.Imbalance())
	}
	if len(voltages) > 0 {
		f.VoltageMean = ml.Mean(voltages)
		f.VoltageStd = ml.StdDev(voltages)
		f.VoltageMin = minOf(voltages)
		f.VoltageMax = maxOf(voltages)
	}

	var currents []float64
	for _, e := range s.Elements {
		for _, c := range e.Currents {
			currents = append(currents, c.Magnitude)
		}
	}
	if len(currents) > 0 {
		f.CurrentMean = ml.Mean(currents)
		f.CurrentStd = ml.StdDev(currents)
		f.CurrentMax = maxOf(currents)
	}

	f.TotalPowerKW = s.Summary.TotalPowerKW
	f.TotalReactiveKVar = s.Summary.TotalReactiveKVar
	f.LossesKW = s.Summary.LossesKW
	f.LossesKVar = s.Summary.LossesKVar
	f.PowerFactor = circuit.PowerFactor(f.TotalPowerKW, f.TotalReactiveKVar)

	if len(s.THD) > 0 {
		thd := make([]float64, 0, len(s.THD))
		for _, v := range s.THD {
			thd = append(thd, v)
		}
		f.HasTHD = true
		f.THDMean = ml.Mean(thd)
		f.THDMax = maxOf(thd)
	}
	return f
}

// Vector returns the features in FeatureNames order. Missing THD reads as 0.
func (f Features) Vector() []float64 {
	return []float64{
		f.VoltageMean,
		f.VoltageStd,
		f.VoltageMin,
		f.VoltageMax,
		f.VoltageImbalanceMax,
		f.CurrentMean,
		f.CurrentStd,
		f.CurrentMax,
		f.TotalPowerKW,
		f.TotalReactiveKVar,
		f.LossesKW,
		f.LossesKVar,
		f.PowerFactor,
		f.THDMean,
		f.THDMax,
	}
}
