package assets

import (
	"math"
	"time"
)

// DefaultPowerFactor is applied when a reading carries voltage and current
// but no power.
const DefaultPowerFactor = 0.9

// Measurement is one telemetry sample for an asset. Every quantity is
// optional; nil, NaN and infinite values leave the last known value in place.
type Measurement struct {
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Voltage     *float64  `json:"voltage,omitempty"`     // kV
	Current     *float64  `json:"current,omitempty"`     // A
	Power       *float64  `json:"power,omitempty"`       // kW
	Temperature *float64  `json:"temperature,omitempty"` // °C
	Ambient     *float64  `json:"ambient,omitempty"`
	Vibration   *float64  `json:"vibration,omitempty"` // mm/s
	Noise       *float64  `json:"noise,omitempty"`     // dB

	// Transformer
	LoadMVA        *float64           `json:"loadMva,omitempty"`
	OilTemperature *float64           `json:"oilTemperature,omitempty"`
	OilLevel       *float64           `json:"oilLevel,omitempty"`
	OilMoisture    *float64           `json:"oilMoisture,omitempty"`
	DGA            map[string]float64 `json:"dga,omitempty"`

	// Breaker
	SF6Pressure   *float64 `json:"sf6Pressure,omitempty"`
	SpringCharged *bool    `json:"springCharged,omitempty"`

	// Instrument transformer
	SecondaryCurrent *float64 `json:"secondaryCurrent,omitempty"`
	SecondaryVoltage *float64 `json:"secondaryVoltage,omitempty"`
}

// F returns a pointer to v. It keeps measurement literals short.
func F(v float64) *float64 {
	return &v
}

// value returns the usable value behind p.
func value(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

// Reading is the feature view of an asset consumed by the anomaly detector and
// the predictive model. Fields are optional until resolved by Features.
type Reading struct {
	AssetID     string   `json:"assetId"`
	AssetType   Type     `json:"assetType"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	HealthScore *float64 `json:"healthScore,omitempty"`
	AgeDays     *float64 `json:"ageDays,omitempty"`
}

// Features is a Reading with every field resolved.
type Features struct {
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Power       float64 `json:"power"`
	Temperature float64 `json:"temperature"`
	HealthScore float64 `json:"healthScore"`
	AgeDays     float64 `json:"ageDays"`
}

// Features resolves missing fields: power defaults to voltage×current at
// DefaultPowerFactor, health to 100, everything else to zero.
func (r Reading) Features() Features {
	f := Features{HealthScore: 100}
	v, hasV := value(r.Voltage)
	i, hasI := value(r.Current)
	f.Voltage = v
	f.Current = i
	if p, ok := value(r.Power); ok {
		f.Power = p
	} else if hasV && hasI {
		f.Power = v * i * DefaultPowerFactor
	}
	if t, ok := value(r.Temperature); ok {
		f.Temperature = t
	}
	if h, ok := value(r.HealthScore); ok {
		f.HealthScore = clip(h, 0, 100)
	}
	if a, ok := value(r.AgeDays); ok && a > 0 {
		f.AgeDays = a
	}
	return f
}

// AnomalyVector is the detector input order.
func (f Features) AnomalyVector() []float64 {
	return []float64{f.Voltage, f.Current, f.Power, f.Temperature, f.HealthScore}
}

// PredictiveVector is the predictor input order.
func (f Features) PredictiveVector() []float64 {
	return []float64{f.Voltage, f.Current, f.Power, f.Temperature, f.AgeDays}
}

// Feature names in vector order.
var (
	AnomalyFeatureNames    = []string{"voltage", "current", "power", "temperature", "health_score"}
	PredictiveFeatureNames = []string{"voltage", "current", "power", "temperature", "age_days"}
)

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
