package assets

// Type is the asset type tag. It keys per-type model bundles, so values are
// stable identifiers and must not change once models have been persisted.
type Type string

const (
	TypePowerTransformer        Type = "PowerTransformer"
	TypeDistributionTransformer Type = "DistributionTransformer"
	TypeCircuitBreaker          Type = "CircuitBreaker"
	TypeIsolator                Type = "Isolator"
	TypeCurrentTransformer      Type = "CurrentTransformer"
	TypeVoltageTransformer      Type = "VoltageTransformer"
	TypeProtectionRelay         Type = "ProtectionRelay"
	TypeBusbar                  Type = "Busbar"
	TypeReactor                 Type = "Reactor"
	TypeCapacitorBank           Type = "CapacitorBank"
	TypeBatterySystem           Type = "BatterySystem"
	TypeSurgeArrester           Type = "SurgeArrester"
)

// AllTypes lists every known asset type in a stable order.
var AllTypes = []Type{
	TypePowerTransformer,
	TypeDistributionTransformer,
	TypeCircuitBreaker,
	TypeIsolator,
	TypeCurrentTransformer,
	TypeVoltageTransformer,
	TypeProtectionRelay,
	TypeBusbar,
	TypeReactor,
	TypeCapacitorBank,
	TypeBatterySystem,
	TypeSurgeArrester,
}

// Valid reports whether t is one of the known asset types.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the operational state of an asset.
type Status string

const (
	StatusOperational Status = "operational"
	StatusMaintenance Status = "maintenance"
	StatusFaulty      Status = "faulty"
	StatusStandby     Status = "standby"
	StatusTesting     Status = "testing"
	StatusOffline     Status = "offline"
)

// Urgency is the maintenance urgency band derived from a health score.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Health band boundaries. A score equal to a boundary belongs to the
// better band, so exactly 50 is "high", not "critical".
const (
	CriticalHealth = 50.0
	HighHealth     = 70.0
	MediumHealth   = 85.0
)

// Maintenance windows keyed by urgency.
const (
	WindowImmediate    = "immediate"
	WindowWithin7Days  = "within_7_days"
	WindowWithin30Days = "within_30_days"
	WindowWithin90Days = "within_90_days"
)

// UrgencyFor maps a health score onto its urgency band.
func UrgencyFor(health float64) Urgency {
	switch {
	case health < CriticalHealth:
		return UrgencyCritical
	case health < HighHealth:
		return UrgencyHigh
	case health < MediumHealth:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Window returns the maintenance window for the urgency band.
func (u Urgency) Window() string {
	switch u {
	case UrgencyCritical:
		return WindowImmediate
	case UrgencyHigh:
		return WindowWithin7Days
	case UrgencyMedium:
		return WindowWithin30Days
	default:
		return WindowWithin90Days
	}
}

// Profile describes the nominal operating point of an asset type. Telemetry
// simulation and the synthetic training corpus both draw from it so that
// bootstrapped models agree with simulated readings.
type Profile struct {
	Levels           []Level
	RatedCurrentA    float64
	BaseTemperatureC float64
	MaxTemperatureC  float64
}

// Level is one voltage level an asset type is installed at, with the
// current it normally carries there.
type Level struct {
	KV       float64
	CurrentA float64
}

// Profiles holds the nominal operating point for every asset type.
var Profiles = map[Type]Profile{
	TypePowerTransformer:        {Levels: []Level{{400, 2000}}, RatedCurrentA: 3000, BaseTemperatureC: 45, MaxTemperatureC: 85},
	TypeDistributionTransformer: {Levels: []Level{{220, 1000}}, RatedCurrentA: 1500, BaseTemperatureC: 40, MaxTemperatureC: 85},
	TypeCircuitBreaker:          {Levels: []Level{{400, 2000}, {220, 1200}}, RatedCurrentA: 4000, BaseTemperatureC: 40, MaxTemperatureC: 85},
	TypeIsolator:                {Levels: []Level{{400, 2000}, {220, 1200}}, RatedCurrentA: 3150, BaseTemperatureC: 35, MaxTemperatureC: 90},
	TypeCurrentTransformer:      {Levels: []Level{{400, 1200}, {220, 600}}, BaseTemperatureC: 35, MaxTemperatureC: 85},
	TypeVoltageTransformer:      {Levels: []Level{{400, 1}, {220, 1}}, RatedCurrentA: 5, BaseTemperatureC: 35, MaxTemperatureC: 85},
	TypeProtectionRelay:         {Levels: []Level{{0.11, 800}}, BaseTemperatureC: 25, MaxTemperatureC: 70},
	TypeBusbar:                  {Levels: []Level{{400, 3000}, {220, 2500}}, RatedCurrentA: 5000, BaseTemperatureC: 40, MaxTemperatureC: 90},
	TypeReactor:                 {Levels: []Level{{400, 180}}, RatedCurrentA: 250, BaseTemperatureC: 50, MaxTemperatureC: 95},
	TypeCapacitorBank:           {Levels: []Level{{220, 70}}, RatedCurrentA: 100, BaseTemperatureC: 35, MaxTemperatureC: 80},
	TypeBatterySystem:           {Levels: []Level{{0.22, 40}}, RatedCurrentA: 100, BaseTemperatureC: 20, MaxTemperatureC: 60},
	TypeSurgeArrester:           {Levels: []Level{{400, 0.5}, {220, 0.5}}, RatedCurrentA: 2, BaseTemperatureC: 30, MaxTemperatureC: 80},
}

// ProfileFor returns the profile for t and falls back to a generic one.
func ProfileFor(t Type) Profile {
	if p, ok := Profiles[t]; ok {
		return p
	}
	return Profile{Levels: []Level{{220, 1000}}, RatedCurrentA: 1000, BaseTemperatureC: 35, MaxTemperatureC: 85}
}

// LevelFor returns the profile level closest to kv.
func (p Profile) LevelFor(kv float64) Level {
	if len(p.Levels) == 0 {
		return Level{KV: kv}
	}
	best := p.Levels[0]
	for _, l := range p.Levels[1:] {
		if abs(l.KV-kv) < abs(best.KV-kv) {
			best = l
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
