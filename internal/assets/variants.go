package assets

import (
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Variant is the type-specific payload of an asset.
type Variant interface {
	init(a *Asset)
	merge(a *Asset, m Measurement, now time.Time)
	checks(a *Asset) []alarmCheck
	clone() Variant
}

// Action is an operator control command.
type Action string

const (
	ActionOpen    Action = "open"
	ActionClose   Action = "close"
	ActionTapUp   Action = "tap_up"
	ActionTapDown Action = "tap_down"
)

// Switch positions.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

func newVariant(t Type, kv float64) Variant {
	switch t {
	case TypePowerTransformer, TypeDistributionTransformer:
		return newTransformerData(t)
	case TypeCircuitBreaker:
		capacity := 50.0
		if kv < 300 {
			capacity = 40
		}
		return newBreakerData(capacity)
	case TypeCurrentTransformer:
		primary := 2000.0
		if kv < 300 {
			primary = 1000
		}
		return &CTData{PrimaryRatingA: primary, SecondaryRatingA: 1, AccuracyClass: "0.2S", BurdenVA: 30, TanDeltaPercent: 0.3}
	case TypeVoltageTransformer:
		return &VTData{PrimaryRatingKV: kv, SecondaryRatingV: 110, RatedBurdenVA: 100, C1PF: 4400, C2PF: 40000}
	case TypeIsolator:
		return &IsolatorData{Position: PositionClosed, EarthSwitchPosition: PositionOpen, MotorCurrentA: 5, OperationTimeSec: 10}
	case TypeProtectionRelay:
		return newRelayData(ProtectionOvercurrent)
	}
	return nil
}

// DGA holds dissolved gas concentrations in ppm.
type DGA struct {
	Hydrogen       float64 `json:"hydrogen"`
	Methane        float64 `json:"methane"`
	Ethane         float64 `json:"ethane"`
	Ethylene       float64 `json:"ethylene"`
	Acetylene      float64 `json:"acetylene"`
	CarbonMonoxide float64 `json:"carbonMonoxide"`
	CarbonDioxide  float64 `json:"carbonDioxide"`
}

// DGAResult is the outcome of a dissolved gas analysis.
type DGAResult struct {
	TotalCombustible float64 `json:"totalCombustible"`
	Condition        string  `json:"condition"`
	Severity         string  `json:"severity"`
}

// Analyze classifies the gas profile. Acetylene indicates arcing, ethylene
// oil overheating and hydrogen partial discharge, checked in that order.
func (d DGA) Analyze() DGAResult {
	total := d.Hydrogen + d.Methane + d.Ethane + d.Ethylene + d.Acetylene + d.CarbonMonoxide
	res := DGAResult{TotalCombustible: total, Condition: "normal"}
	switch {
	case d.Acetylene > 2:
		res.Condition = "arcing"
	case d.Ethylene > 50:
		res.Condition = "overheating_oil"
	case d.Hydrogen > 100:
		res.Condition = "partial_discharge"
	}
	switch {
	case total < 500:
		res.Severity = "normal"
	case total < 1000:
		res.Severity = "warning"
	default:
		res.Severity = "critical"
	}
	return res
}

func (d *DGA) set(gas string, ppm float64) {
	switch gas {
	case "hydrogen":
		d.Hydrogen = ppm
	case "methane":
		d.Methane = ppm
	case "ethane":
		d.Ethane = ppm
	case "ethylene":
		d.Ethylene = ppm
	case "acetylene":
		d.Acetylene = ppm
	case "carbon_monoxide", "carbonMonoxide":
		d.CarbonMonoxide = ppm
	case "carbon_dioxide", "carbonDioxide":
		d.CarbonDioxide = ppm
	}
}

// TransformerData is the payload of power and distribution transformers.
type TransformerData struct {
	PowerRatingMVA     float64 `json:"powerRatingMva"`
	VoltageRatio       string  `json:"voltageRatio"`
	VectorGroup        string  `json:"vectorGroup"`
	TapPositions       int     `json:"tapPositions"`
	CurrentTap         int     `json:"currentTap"`
	TapStepPercent     float64 `json:"tapStepPercent"`
	LoadMVA            float64 `json:"loadMva"`
	OilTemperatureC    float64 `json:"oilTemperatureC"`
	OilTemperatureMaxC float64 `json:"oilTemperatureMaxC"`
	OilLevelPercent    float64 `json:"oilLevelPercent"`
	OilMoisturePPM     float64 `json:"oilMoisturePpm"`
	BreakdownVoltageKV float64 `json:"breakdownVoltageKv"`
	DGA                DGA     `json:"dga"`
}

func newTransformerData(t Type) *TransformerData {
	td := &TransformerData{
		PowerRatingMVA:     315,
		VoltageRatio:       "400/220",
		VectorGroup:        "YNyn0",
		TapPositions:       17,
		CurrentTap:         9,
		TapStepPercent:     1.25,
		OilTemperatureC:    65,
		OilTemperatureMaxC: 95,
		OilLevelPercent:    95,
		OilMoisturePPM:     10,
		BreakdownVoltageKV: 60,
		DGA: DGA{
			Hydrogen: 50, Methane: 30, Ethane: 10, Ethylene: 5,
			CarbonMonoxide: 200, CarbonDioxide: 1500,
		},
	}
	if t == TypeDistributionTransformer {
		td.PowerRatingMVA = 100
		td.VoltageRatio = "220/33"
	}
	return td
}

func (t *TransformerData) init(a *Asset) {
	a.Electrical.RatedPowerMVA = t.PowerRatingMVA
	a.Thermal.CoolingType = "OFAF"
}

func (t *TransformerData) merge(a *Asset, m Measurement, _ time.Time) {
	if v, ok := value(m.LoadMVA); ok {
		t.LoadMVA = v
		a.Latest.LoadMVA = F(v)
	}
	if v, ok := value(m.OilTemperature); ok {
		t.OilTemperatureC = v
		a.Latest.OilTemperature = F(v)
	}
	if v, ok := value(m.OilLevel); ok {
		t.OilLevelPercent = v
		a.Latest.OilLevel = F(v)
	}
	if v, ok := value(m.OilMoisture); ok {
		t.OilMoisturePPM = v
		a.Latest.OilMoisture = F(v)
	}
	for gas, ppm := range m.DGA {
		if v, ok := value(&ppm); ok && v >= 0 {
			t.DGA.set(gas, v)
		}
	}
}

func (t *TransformerData) checks(_ *Asset) []alarmCheck {
	out := []alarmCheck{
		above(AlarmHighOilTemperature, AlarmLevelCritical, t.OilTemperatureC, 0.9*t.OilTemperatureMaxC, "°C"),
		below(AlarmLowOilLevel, AlarmLevelWarning, t.OilLevelPercent, 80, "%"),
	}
	if res := t.DGA.Analyze(); res.Condition != "normal" || res.Severity != "normal" {
		level := AlarmLevelWarning
		if res.Condition == "arcing" || res.Severity == "critical" {
			level = AlarmLevelCritical
		}
		out = append(out, alarmCheck{
			alarmType: AlarmDGAFault,
			level:     level,
			value:     res.TotalCombustible,
			threshold: 500,
			tripped:   true,
			message:   fmt.Sprintf("DGA indicates %s (total combustible %.0f ppm)", res.Condition, res.TotalCombustible),
		})
	}
	return out
}

func (t *TransformerData) clone() Variant {
	c := *t
	return &c
}

// LoadingPercent is the load as a share of rating.
func (t *TransformerData) LoadingPercent(loadMVA float64) float64 {
	if t.PowerRatingMVA <= 0 {
		return 0
	}
	return loadMVA / t.PowerRatingMVA * 100
}

func (t *TransformerData) operate(a *Asset, action Action) (string, error) {
	dir := 0
	switch action {
	case ActionTapUp:
		dir = 1
	case ActionTapDown:
		dir = -1
	default:
		return "", internalerrors.Invalid("control", "transformer does not support %q", action)
	}
	next := t.CurrentTap + dir
	if next < 1 || next > t.TapPositions {
		return "", internalerrors.Invalid("control", "tap %d outside 1..%d", next, t.TapPositions)
	}
	t.CurrentTap = next
	a.Mechanical.OperatingCycles++
	return fmt.Sprintf("tap moved to %d", next), nil
}

// BreakerData is the payload of SF6 circuit breakers.
type BreakerData struct {
	BreakingCapacityKA         float64 `json:"breakingCapacityKa"`
	SF6PressureBar             float64 `json:"sf6PressureBar"`
	SF6NominalBar              float64 `json:"sf6NominalBar"`
	SF6AlarmBar                float64 `json:"sf6AlarmBar"`
	SF6LockoutBar              float64 `json:"sf6LockoutBar"`
	ContactResistanceMicroOhm  float64 `json:"contactResistanceMicroOhm"`
	ContactWearPercent         float64 `json:"contactWearPercent"`
	ArcingTimeMS               float64 `json:"arcingTimeMs"`
	Position                   string  `json:"position"`
	CloseCoilHealthy           bool    `json:"closeCoilHealthy"`
	TripCoilsHealthy           bool    `json:"tripCoilsHealthy"`
	TotalOperations            int     `json:"totalOperations"`
	OperationsSinceMaintenance int     `json:"operationsSinceMaintenance"`
	InterruptedCurrentKA       float64 `json:"interruptedCurrentKa"`
}

func newBreakerData(capacityKA float64) *BreakerData {
	return &BreakerData{
		BreakingCapacityKA:         capacityKA,
		SF6PressureBar:             6.5,
		SF6NominalBar:              6.5,
		SF6AlarmBar:                6.0,
		SF6LockoutBar:              5.5,
		ContactResistanceMicroOhm:  50,
		ContactWearPercent:         10,
		ArcingTimeMS:               40,
		Position:                   PositionClosed,
		CloseCoilHealthy:           true,
		TripCoilsHealthy:           true,
		TotalOperations:            1250,
		OperationsSinceMaintenance: 250,
		InterruptedCurrentKA:       5000,
	}
}

func (b *BreakerData) init(a *Asset) {
	a.Electrical.RatedCurrentA = 4000
}

func (b *BreakerData) merge(a *Asset, m Measurement, _ time.Time) {
	if v, ok := value(m.SF6Pressure); ok && v >= 0 {
		b.SF6PressureBar = v
		a.Latest.SF6Pressure = F(v)
	}
}

func (b *BreakerData) checks(_ *Asset) []alarmCheck {
	if b.SF6PressureBar < b.SF6LockoutBar {
		return []alarmCheck{below(AlarmSF6Lockout, AlarmLevelCritical, b.SF6PressureBar, b.SF6LockoutBar, "bar")}
	}
	return []alarmCheck{below(AlarmLowSF6Pressure, AlarmLevelWarning, b.SF6PressureBar, b.SF6AlarmBar, "bar")}
}

func (b *BreakerData) clone() Variant {
	c := *b
	return &c
}

func (b *BreakerData) operate(a *Asset, action Action) (string, error) {
	if b.SF6PressureBar < b.SF6LockoutBar {
		return "", internalerrors.Invalid("control", "breaker %s locked out on SF6 pressure %.2f bar", a.ID, b.SF6PressureBar)
	}
	switch {
	case action == ActionOpen && b.Position == PositionClosed:
		if !a.Mechanical.SpringCharged {
			return "", internalerrors.Invalid("control", "breaker %s spring not charged", a.ID)
		}
		b.Position = PositionOpen
	case action == ActionClose && b.Position == PositionOpen:
		if !b.CloseCoilHealthy {
			return "", internalerrors.Invalid("control", "breaker %s close coil faulty", a.ID)
		}
		b.Position = PositionClosed
	default:
		return "", internalerrors.Invalid("control", "invalid operation %q from %s", action, b.Position)
	}
	a.Mechanical.OperatingCycles++
	b.TotalOperations++
	b.OperationsSinceMaintenance++
	return "circuit breaker " + b.Position, nil
}

// RemainingLife reports electrical, mechanical and contact life in percent.
// Overall is the minimum of the three.
type RemainingLife struct {
	Electrical float64 `json:"electrical"`
	Mechanical float64 `json:"mechanical"`
	Contact    float64 `json:"contact"`
	Overall    float64 `json:"overall"`
}

// RemainingLife estimates remaining breaker life from interrupted current,
// operation count and contact wear.
func (b *BreakerData) RemainingLife() RemainingLife {
	electrical := max(0, 100-b.InterruptedCurrentKA/100000*100)
	mechanical := max(0, 100-float64(b.TotalOperations)/10000*100)
	contact := max(0, 100-b.ContactWearPercent)
	return RemainingLife{
		Electrical: electrical,
		Mechanical: mechanical,
		Contact:    contact,
		Overall:    min(electrical, mechanical, contact),
	}
}

// CTData is the payload of current transformers.
type CTData struct {
	PrimaryRatingA   float64 `json:"primaryRatingA"`
	SecondaryRatingA float64 `json:"secondaryRatingA"`
	AccuracyClass    string  `json:"accuracyClass"`
	BurdenVA         float64 `json:"burdenVa"`
	PrimaryA         float64 `json:"primaryA"`
	SecondaryA       float64 `json:"secondaryA"`
	TanDeltaPercent  float64 `json:"tanDeltaPercent"`
}

func (c *CTData) init(a *Asset) {
	a.Electrical.RatedCurrentA = c.PrimaryRatingA
}

func (c *CTData) merge(a *Asset, m Measurement, _ time.Time) {
	if v, ok := value(m.Current); ok {
		c.PrimaryA = v
		c.SecondaryA = v / c.PrimaryRatingA * c.SecondaryRatingA
	}
	if v, ok := value(m.SecondaryCurrent); ok {
		c.SecondaryA = v
		a.Latest.SecondaryCurrent = F(v)
	}
}

func (c *CTData) checks(_ *Asset) []alarmCheck {
	return []alarmCheck{{
		alarmType: AlarmCTSaturation,
		level:     AlarmLevelCritical,
		value:     c.PrimaryA,
		threshold: 20 * c.PrimaryRatingA,
		tripped:   c.Saturates(c.PrimaryA),
		message:   fmt.Sprintf("primary current %.0f A would saturate CT %.0f/%.0f", c.PrimaryA, c.PrimaryRatingA, c.SecondaryRatingA),
	}}
}

func (c *CTData) clone() Variant {
	cc := *c
	return &cc
}

// Saturates reports whether faultCurrent drives the secondary beyond 20
// times its rating.
func (c *CTData) Saturates(faultCurrentA float64) bool {
	if c.PrimaryRatingA <= 0 {
		return false
	}
	secondary := faultCurrentA / c.PrimaryRatingA * c.SecondaryRatingA
	return secondary > 20*c.SecondaryRatingA
}

// Burden is the secondary burden in VA for a 0.1 Ω loop.
func (c *CTData) Burden(secondaryA float64) float64 {
	return secondaryA * secondaryA * 0.1
}

// VTData is the payload of capacitor voltage transformers.
type VTData struct {
	PrimaryRatingKV  float64 `json:"primaryRatingKv"`
	SecondaryRatingV float64 `json:"secondaryRatingV"`
	RatedBurdenVA    float64 `json:"ratedBurdenVa"`
	C1PF             float64 `json:"c1Pf"`
	C2PF             float64 `json:"c2Pf"`
	PrimaryKV        float64 `json:"primaryKv"`
	SecondaryV       float64 `json:"secondaryV"`
}

func (v *VTData) init(*Asset) {}

func (v *VTData) merge(a *Asset, m Measurement, _ time.Time) {
	if kv, ok := value(m.Voltage); ok {
		v.PrimaryKV = kv
		if v.PrimaryRatingKV > 0 {
			v.SecondaryV = kv / v.PrimaryRatingKV * v.SecondaryRatingV
		}
	}
	if sv, ok := value(m.SecondaryVoltage); ok {
		v.SecondaryV = sv
		a.Latest.SecondaryVoltage = F(sv)
	}
}

func (v *VTData) checks(*Asset) []alarmCheck { return nil }

func (v *VTData) clone() Variant {
	c := *v
	return &c
}

// IsolatorData is the payload of disconnectors. InterlockedWith names the
// breakers that must be open before the isolator may operate.
type IsolatorData struct {
	Position            string   `json:"position"`
	EarthSwitchPosition string   `json:"earthSwitchPosition"`
	InterlockedWith     []string `json:"interlockedWith,omitempty"`
	InterlockBypass     bool     `json:"interlockBypass"`
	MotorCurrentA       float64  `json:"motorCurrentA"`
	OperationTimeSec    float64  `json:"operationTimeSec"`
}

func (i *IsolatorData) init(*Asset)                         {}
func (i *IsolatorData) merge(*Asset, Measurement, time.Time) {}
func (i *IsolatorData) checks(*Asset) []alarmCheck          { return nil }

func (i *IsolatorData) clone() Variant {
	c := *i
	c.InterlockedWith = append([]string(nil), i.InterlockedWith...)
	return &c
}

func (i *IsolatorData) operate(a *Asset, action Action) (string, error) {
	switch action {
	case ActionOpen:
		i.Position = PositionOpen
	case ActionClose:
		i.Position = PositionClosed
	default:
		return "", internalerrors.Invalid("control", "isolator does not support %q", action)
	}
	a.Mechanical.OperatingCycles++
	return "isolator " + i.Position, nil
}

// ProtectionType is the relay protection function.
type ProtectionType string

const (
	ProtectionDifferential   ProtectionType = "differential"
	ProtectionDistance       ProtectionType = "distance"
	ProtectionOvercurrent    ProtectionType = "overcurrent"
	ProtectionEarthFault     ProtectionType = "earth_fault"
	ProtectionBusbar         ProtectionType = "busbar_protection"
	ProtectionBreakerFailure ProtectionType = "breaker_failure"
)

// RelaySettings are the relay protection settings.
type RelaySettings struct {
	PickupCurrentA float64 `json:"pickupCurrentA"`
	TimeDelaySec   float64 `json:"timeDelaySec"`
	Curve          string  `json:"curve"`
	Zone1Reach     float64 `json:"zone1Reach"`
	Zone2Reach     float64 `json:"zone2Reach"`
}

// RelayEvent is a recorded protection operation.
type RelayEvent struct {
	Time     time.Time     `json:"time"`
	Type     string        `json:"type"`
	CurrentA float64       `json:"currentA"`
	Settings RelaySettings `json:"settings"`
}

// RelayData is the payload of numerical protection relays.
type RelayData struct {
	Protection       ProtectionType `json:"protection"`
	Model            string         `json:"model"`
	Firmware         string         `json:"firmware"`
	Settings         RelaySettings  `json:"settings"`
	InService        bool           `json:"inService"`
	TestMode         bool           `json:"testMode"`
	OperationCounter int            `json:"operationCounter"`
	LastOperated     *time.Time     `json:"lastOperated,omitempty"`
	Events           []RelayEvent   `json:"events,omitempty"`
}

func newRelayData(p ProtectionType) *RelayData {
	return &RelayData{
		Protection: p,
		Model:      "SEL-421",
		Firmware:   "V3.2.1",
		Settings: RelaySettings{
			PickupCurrentA: 1000,
			TimeDelaySec:   0.5,
			Curve:          "IEC_normal_inverse",
			Zone1Reach:     80,
			Zone2Reach:     120,
		},
		InService: true,
	}
}

func (r *RelayData) init(*Asset) {}

func (r *RelayData) merge(a *Asset, m Measurement, now time.Time) {
	current, ok := value(m.Current)
	if !ok {
		return
	}
	if r.Process(current, now) {
		a.raiseAlarm(alarmCheck{
			alarmType: AlarmProtectionTrip,
			level:     AlarmLevelCritical,
			value:     current,
			threshold: r.Settings.PickupCurrentA,
			tripped:   true,
			message:   fmt.Sprintf("%s protection tripped at %.0f A", r.Protection, current),
		}, now)
	}
}

func (r *RelayData) checks(*Asset) []alarmCheck { return nil }

func (r *RelayData) clone() Variant {
	c := *r
	c.Events = append([]RelayEvent(nil), r.Events...)
	if r.LastOperated != nil {
		t := *r.LastOperated
		c.LastOperated = &t
	}
	return &c
}

// Process evaluates a current measurement and reports whether the relay
// trips. Only overcurrent and earth fault functions act on current alone.
func (r *RelayData) Process(currentA float64, now time.Time) bool {
	if !r.InService || r.TestMode {
		return false
	}
	if r.Protection != ProtectionOvercurrent && r.Protection != ProtectionEarthFault {
		return false
	}
	if currentA <= r.Settings.PickupCurrentA {
		return false
	}
	r.OperationCounter++
	r.LastOperated = &now
	r.Events = append(r.Events, RelayEvent{Time: now, Type: "TRIP", CurrentA: currentA, Settings: r.Settings})
	return true
}
