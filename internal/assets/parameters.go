package assets

import "math"

// ElectricalParameters holds rated and measured electrical quantities.
type ElectricalParameters struct {
	RatedVoltageKV  float64 `json:"ratedVoltageKv"`
	RatedCurrentA   float64 `json:"ratedCurrentA"`
	RatedPowerMVA   float64 `json:"ratedPowerMva,omitempty"`
	FrequencyHz     float64 `json:"frequencyHz"`
	PowerFactor     float64 `json:"powerFactor"`
	ResistanceOhms  float64 `json:"resistanceOhms,omitempty"`
	InsulationMOhms float64 `json:"insulationMohms"`

	VoltageKV float64 `json:"voltageKv"`
	CurrentA  float64 `json:"currentA"`
	PowerKW   float64 `json:"powerKw"`
}

// Stress is the loading stress in [0,100]. It starts once current passes
// 80% of rating and saturates at 120%.
func (e ElectricalParameters) Stress() float64 {
	if e.RatedCurrentA <= 0 {
		return 0
	}
	loading := e.CurrentA / e.RatedCurrentA
	if loading < 0.8 {
		return 0
	}
	return clip((loading-0.8)/0.4*100, 0, 100)
}

// Losses estimates copper and iron losses in kW for the given current.
func (e ElectricalParameters) Losses(currentA float64) (copperKW, ironKW float64) {
	switch {
	case e.ResistanceOhms > 0:
		copperKW = 3 * currentA * currentA * e.ResistanceOhms / 1000
	case e.RatedPowerMVA > 0:
		copperKW = 0.02 * e.RatedPowerMVA * 1000
	}
	if e.RatedPowerMVA > 0 {
		ironKW = 0.01 * e.RatedPowerMVA * 1000
	}
	return copperKW, ironKW
}

// ThermalParameters holds temperatures and the thermal limit.
type ThermalParameters struct {
	TemperatureC    float64 `json:"temperatureC"`
	MaxTemperatureC float64 `json:"maxTemperatureC"`
	HotspotC        float64 `json:"hotspotC"`
	AmbientC        float64 `json:"ambientC"`
	CoolingType     string  `json:"coolingType"`
}

// Stress is zero below 70% of the thermal limit, 50 at 85% and 100 at the
// limit.
func (t ThermalParameters) Stress() float64 {
	if t.MaxTemperatureC <= 0 {
		return 0
	}
	ratio := t.TemperatureC / t.MaxTemperatureC
	switch {
	case ratio < 0.7:
		return 0
	case ratio < 0.85:
		return (ratio - 0.7) / 0.15 * 50
	default:
		return math.Min(100, 50+(ratio-0.85)/0.15*50)
	}
}

// MechanicalParameters holds vibration, noise and operation counts.
type MechanicalParameters struct {
	VibrationMMS       float64 `json:"vibrationMms"`
	MaxVibrationMMS    float64 `json:"maxVibrationMms"`
	NoiseDB            float64 `json:"noiseDb"`
	MaxNoiseDB         float64 `json:"maxNoiseDb"`
	OperatingCycles    int     `json:"operatingCycles"`
	MaxOperatingCycles int     `json:"maxOperatingCycles"`
	SpringCharged      bool    `json:"springCharged"`
}

// Wear blends operating cycles (50%), vibration (30%) and noise above
// 60 dB (20%) into [0,100].
func (m MechanicalParameters) Wear() float64 {
	var cycle, vibration, noise float64
	if m.MaxOperatingCycles > 0 {
		cycle = float64(m.OperatingCycles) / float64(m.MaxOperatingCycles) * 50
	}
	if m.MaxVibrationMMS > 0 {
		vibration = m.VibrationMMS / m.MaxVibrationMMS * 30
	}
	if m.MaxNoiseDB > 60 {
		noise = math.Max(0, (m.NoiseDB-60)/(m.MaxNoiseDB-60)) * 20
	}
	return clip(cycle+vibration+noise, 0, 100)
}

func defaultElectrical(kv, ratedCurrent float64) ElectricalParameters {
	return ElectricalParameters{
		RatedVoltageKV:  kv,
		RatedCurrentA:   ratedCurrent,
		FrequencyHz:     50,
		PowerFactor:     0.95,
		InsulationMOhms: 1000,
	}
}

func defaultThermal(maxC float64) ThermalParameters {
	return ThermalParameters{
		TemperatureC:    25,
		MaxTemperatureC: maxC,
		HotspotC:        30,
		AmbientC:        25,
		CoolingType:     "ONAN",
	}
}

func defaultMechanical() MechanicalParameters {
	return MechanicalParameters{
		VibrationMMS:       0.5,
		MaxVibrationMMS:    5,
		NoiseDB:            60,
		MaxNoiseDB:         85,
		MaxOperatingCycles: 10000,
		SpringCharged:      true,
	}
}
