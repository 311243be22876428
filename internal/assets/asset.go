package assets

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

var nowFn = time.Now

// FaultRecord is an entry in an asset's fault history.
type FaultRecord struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
}

// MaintenanceRecord is an entry in an asset's maintenance history.
type MaintenanceRecord struct {
	ID    string    `json:"id"`
	Time  time.Time `json:"time"`
	Notes string    `json:"notes"`
}

// Asset is the common envelope shared by every substation asset. Type
// specific state lives in Variant.
type Asset struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           Type      `json:"type"`
	Location       string    `json:"location"`
	VoltageKV      float64   `json:"voltageKv"`
	Status         Status    `json:"status"`
	Commissioned   time.Time `json:"commissioned"`
	OperatingHours float64   `json:"operatingHours"`

	Health     Health               `json:"health"`
	Electrical ElectricalParameters `json:"electrical"`
	Thermal    ThermalParameters    `json:"thermal"`
	Mechanical MechanicalParameters `json:"mechanical"`
	Variant    Variant              `json:"variant,omitempty"`

	Faults      []FaultRecord       `json:"faults,omitempty"`
	Maintenance []MaintenanceRecord `json:"maintenance,omitempty"`
	Latest      Measurement         `json:"latest"`
	LastUpdate  time.Time           `json:"lastUpdate"`
	Alarms      []Alarm             `json:"alarms,omitempty"`
}

// New creates an asset of type t with defaults from its profile and the
// variant payload for that type.
func New(id, name string, t Type, location string, kv float64) *Asset {
	profile := ProfileFor(t)
	if id == "" {
		id = uuid.NewString()
	}
	now := nowFn()
	a := &Asset{
		ID:           id,
		Name:         name,
		Type:         t,
		Location:     location,
		VoltageKV:    kv,
		Status:       StatusOperational,
		Commissioned: now,
		Electrical:   defaultElectrical(kv, profile.RatedCurrentA),
		Thermal:      defaultThermal(profile.MaxTemperatureC),
		Mechanical:   defaultMechanical(),
		Variant:      newVariant(t, kv),
	}
	if a.Variant != nil {
		a.Variant.init(a)
	}
	a.recompute(now)
	return a
}

// Update merges a measurement into the asset, recomputes health and raises
// alarms. It returns the new health score and never panics.
func (a *Asset) Update(m Measurement) (score float64) {
	score = a.Health.Overall
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("asset_id", a.ID).Msg("Recovered from panic while updating asset")
			score = a.Health.Overall
		}
	}()

	now := m.Timestamp
	if now.IsZero() {
		now = nowFn()
	}
	if !a.LastUpdate.IsZero() && now.After(a.LastUpdate) && a.Status == StatusOperational {
		a.OperatingHours += now.Sub(a.LastUpdate).Hours()
	}

	a.merge(m)
	if a.Variant != nil {
		a.Variant.merge(a, m, now)
	}
	if now.After(a.LastUpdate) {
		a.LastUpdate = now
	}

	a.recompute(now)
	a.evaluateAlarms(now)
	return a.Health.Overall
}

func (a *Asset) merge(m Measurement) {
	if v, ok := value(m.Voltage); ok {
		a.Electrical.VoltageKV = v
		a.Latest.Voltage = F(v)
	}
	if v, ok := value(m.Current); ok {
		a.Electrical.CurrentA = v
		a.Latest.Current = F(v)
	}
	if v, ok := value(m.Power); ok {
		a.Electrical.PowerKW = v
		a.Latest.Power = F(v)
	}
	if v, ok := value(m.Temperature); ok {
		a.Thermal.TemperatureC = v
		a.Latest.Temperature = F(v)
	}
	if v, ok := value(m.Ambient); ok {
		a.Thermal.AmbientC = v
		a.Latest.Ambient = F(v)
	}
	if v, ok := value(m.Vibration); ok && v >= 0 {
		a.Mechanical.VibrationMMS = v
		a.Latest.Vibration = F(v)
	}
	if v, ok := value(m.Noise); ok {
		a.Mechanical.NoiseDB = v
		a.Latest.Noise = F(v)
	}
	if m.SpringCharged != nil {
		charged := *m.SpringCharged
		a.Mechanical.SpringCharged = charged
		a.Latest.SpringCharged = &charged
	}
}

func (a *Asset) recompute(now time.Time) {
	var last *time.Time
	if n := len(a.Maintenance); n > 0 {
		t := a.Maintenance[n-1].Time
		last = &t
	}
	a.Health = computeHealth(healthInputs{
		operatingHours:  a.OperatingHours,
		faults:          len(a.Faults),
		lastMaintenance: last,
		thermalStress:   a.Thermal.Stress(),
		mechanicalWear:  a.Mechanical.Wear(),
		electricalLoad:  a.Electrical.Stress(),
		now:             now,
	})
}

func (a *Asset) evaluateAlarms(now time.Time) {
	checks := a.genericChecks()
	if a.Variant != nil {
		checks = append(checks, a.Variant.checks(a)...)
	}
	for _, c := range checks {
		if c.tripped {
			a.raiseAlarm(c, now)
		}
	}
}

// Reading returns the feature view of the asset's latest state.
func (a *Asset) Reading() Reading {
	health := a.Health.Overall
	age := a.AgeDays(nowFn())
	return Reading{
		AssetID:     a.ID,
		AssetType:   a.Type,
		Voltage:     a.Latest.Voltage,
		Current:     a.Latest.Current,
		Power:       a.Latest.Power,
		Temperature: a.Latest.Temperature,
		HealthScore: &health,
		AgeDays:     &age,
	}
}

// AgeDays is the number of days since commissioning.
func (a *Asset) AgeDays(now time.Time) float64 {
	if a.Commissioned.IsZero() || now.Before(a.Commissioned) {
		return 0
	}
	return now.Sub(a.Commissioned).Hours() / 24
}

// Reliability is the asset reliability index in percent.
func (a *Asset) Reliability() float64 {
	return reliability(a.OperatingHours, len(a.Faults))
}

// RecordFault appends to the fault history and recomputes health.
func (a *Asset) RecordFault(description string) FaultRecord {
	now := nowFn()
	rec := FaultRecord{ID: uuid.NewString(), Time: now, Description: description}
	a.Faults = append(a.Faults, rec)
	a.recompute(now)
	return rec
}

// RecordMaintenance appends to the maintenance history, resets the
// degradation clock and returns the asset to service.
func (a *Asset) RecordMaintenance(notes string) MaintenanceRecord {
	now := nowFn()
	rec := MaintenanceRecord{ID: uuid.NewString(), Time: now, Notes: notes}
	a.Maintenance = append(a.Maintenance, rec)
	if b, ok := a.Variant.(*BreakerData); ok {
		b.OperationsSinceMaintenance = 0
	}
	if a.Status == StatusMaintenance || a.Status == StatusFaulty {
		a.Status = StatusOperational
	}
	a.recompute(now)
	return rec
}

// Control applies an operator action to the asset's variant.
func (a *Asset) Control(action Action) (string, error) {
	if a.Status == StatusOffline {
		return "", internalerrors.Invalid("control", "asset %s is offline", a.ID)
	}
	switch v := a.Variant.(type) {
	case *TransformerData:
		return v.operate(a, action)
	case *BreakerData:
		return v.operate(a, action)
	case *IsolatorData:
		return v.operate(a, action)
	default:
		return "", internalerrors.Invalid("control", "asset type %s does not support %q", a.Type, action)
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	c.Faults = append([]FaultRecord(nil), a.Faults...)
	c.Maintenance = append([]MaintenanceRecord(nil), a.Maintenance...)
	c.Alarms = append([]Alarm(nil), a.Alarms...)
	c.Latest = cloneMeasurement(a.Latest)
	if a.Health.LastMaintenance != nil {
		t := *a.Health.LastMaintenance
		c.Health.LastMaintenance = &t
	}
	if a.Variant != nil {
		c.Variant = a.Variant.clone()
	}
	return &c
}

func cloneMeasurement(m Measurement) Measurement {
	c := m
	copyPtr := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		return F(*p)
	}
	c.Voltage = copyPtr(m.Voltage)
	c.Current = copyPtr(m.Current)
	c.Power = copyPtr(m.Power)
	c.Temperature = copyPtr(m.Temperature)
	c.Ambient = copyPtr(m.Ambient)
	c.Vibration = copyPtr(m.Vibration)
	c.Noise = copyPtr(m.Noise)
	c.LoadMVA = copyPtr(m.LoadMVA)
	c.OilTemperature = copyPtr(m.OilTemperature)
	c.OilLevel = copyPtr(m.OilLevel)
	c.OilMoisture = copyPtr(m.OilMoisture)
	c.SF6Pressure = copyPtr(m.SF6Pressure)
	c.SecondaryCurrent = copyPtr(m.SecondaryCurrent)
	c.SecondaryVoltage = copyPtr(m.SecondaryVoltage)
	if m.SpringCharged != nil {
		b := *m.SpringCharged
		c.SpringCharged = &b
	}
	if m.DGA != nil {
		c.DGA = make(map[string]float64, len(m.DGA))
		for k, v := range m.DGA {
			c.DGA[k] = v
		}
	}
	return c
}
