package assets

import (
	"math"
	"time"
)

const (
	hoursPerYear           = 8760.0
	expectedLifeYears      = 20.0
	reliabilityLifeYears   = 30.0
	baseDegradationRate    = 0.01 // health points per day
	maxDegradation         = 20.0
	maxStressPenalty       = 15.0
	defaultDaysSinceMaint  = 30.0
	maxRemainingLifeDays   = int(reliabilityLifeYears * 365)
	faultFactorPerYearRate = 25.0
)

// Health is derived condition state. It is recomputed on every update and is
// never written directly.
type Health struct {
	Overall            float64    `json:"overall"`
	DegradationRate    float64    `json:"degradationRate"`
	FailureProbability float64    `json:"failureProbability"`
	Urgency            Urgency    `json:"urgency"`
	RemainingLifeDays  int        `json:"remainingLifeDays"`
	LastMaintenance    *time.Time `json:"lastMaintenance,omitempty"`
	NextMaintenance    time.Time  `json:"nextMaintenance"`
}

// healthInputs collects what the health score depends on.
type healthInputs struct {
	operatingHours  float64
	faults          int
	lastMaintenance *time.Time
	thermalStress   float64
	mechanicalWear  float64
	electricalLoad  float64
	now             time.Time
}

// computeHealth blends an age factor, a fault-rate factor, degradation since
// the last maintenance and present stress into a [0,100] score.
func computeHealth(in healthInputs) Health {
	hours := math.Max(0, in.operatingHours)
	years := hours / hoursPerYear

	ageFactor := math.Max(0, 100*(1-years/expectedLifeYears))
	faultsPerYear := float64(in.faults) / math.Max(1, years)
	faultFactor := math.Max(0, 100-faultFactorPerYearRate*faultsPerYear)
	base := 0.7*ageFactor + 0.3*faultFactor

	stress := math.Min(maxStressPenalty, 0.1*in.thermalStress+0.05*in.mechanicalWear+0.05*in.electricalLoad)
	rate := baseDegradationRate * (1 + (in.thermalStress+in.electricalLoad)/100)

	days := defaultDaysSinceMaint
	if in.lastMaintenance != nil {
		days = math.Max(0, in.now.Sub(*in.lastMaintenance).Hours()/24)
	}
	degradation := math.Min(maxDegradation, days*rate)

	overall := clip(base-degradation-stress, 0, 100)
	if math.IsNaN(overall) {
		overall = 0
	}

	urgency := UrgencyFor(overall)
	remaining := maxRemainingLifeDays
	if rate > 0 {
		remaining = int(math.Max(0, overall-CriticalHealth) / rate)
		if remaining > maxRemainingLifeDays {
			remaining = maxRemainingLifeDays
		}
	}

	h := Health{
		Overall:            overall,
		DegradationRate:    rate,
		FailureProbability: math.Pow((100-overall)/100, 2),
		Urgency:            urgency,
		RemainingLifeDays:  remaining,
		NextMaintenance:    in.now.Add(maintenanceInterval(urgency)),
	}
	if in.lastMaintenance != nil {
		last := *in.lastMaintenance
		h.LastMaintenance = &last
		if next := last.Add(maintenanceInterval(UrgencyLow)); next.Before(h.NextMaintenance) {
			h.NextMaintenance = next
		}
	}
	return h
}

func maintenanceInterval(u Urgency) time.Duration {
	day := 24 * time.Hour
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 7 * day
	case UrgencyMedium:
		return 30 * day
	default:
		return 365 * day
	}
}

// reliability is a percentage that decays with age over a 30 year life and
// with fault rate, reaching zero at two faults per year.
func reliability(operatingHours float64, faults int) float64 {
	years := operatingHours / hoursPerYear
	faultRate := float64(faults) / math.Max(1, years)
	ageFactor := math.Max(0, 1-years/reliabilityLifeYears)
	faultFactor := math.Max(0, 1-faultRate/2)
	return 99.9 * ageFactor * faultFactor
}
