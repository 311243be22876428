package assets

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := nowFn
	nowFn = func() time.Time { return now }
	t.Cleanup(func() { nowFn = prev })
}

func TestUpdateHealthAlwaysWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("health score stays in [0,100]", prop.ForAll(
		func(voltage, current, temperature, vibration, hours float64, faults int, typeIdx int) bool {
			a := New("A1", "asset", AllTypes[typeIdx], "Bay 1", 400)
			a.OperatingHours = hours
			for i := 0; i < faults; i++ {
				a.RecordFault("trip")
			}
			score := a.Update(Measurement{
				Voltage:     F(voltage),
				Current:     F(current),
				Temperature: F(temperature),
				Vibration:   F(vibration),
			})
			return score >= 0 && score <= 100 && a.Health.Overall == score
		},
		gen.Float64(),
		gen.Float64(),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64(),
		gen.Float64Range(0, 1e7),
		gen.IntRange(0, 50),
		gen.IntRange(0, len(AllTypes)-1),
	))

	properties.TestingRun(t)
}

func TestUpdateIgnoresMissingAndInvalidFields(t *testing.T) {
	a := New("TR1", "Transformer", TypePowerTransformer, "Bay 1", 400)
	a.Update(Measurement{Voltage: F(398), Temperature: F(66)})

	score := a.Update(Measurement{
		Voltage:     F(math.NaN()),
		Temperature: F(math.Inf(1)),
		Current:     nil,
	})

	assert.InDelta(t, 398, a.Electrical.VoltageKV, 1e-9)
	assert.InDelta(t, 66, a.Thermal.TemperatureC, 1e-9)
	require.NotNil(t, a.Latest.Voltage)
	assert.InDelta(t, 398, *a.Latest.Voltage, 1e-9)
	assert.Nil(t, a.Latest.Current)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestHealthDeclinesWithAgeAndFaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	young := New("A", "young", TypeCircuitBreaker, "Bay", 400)
	young.OperatingHours = hoursPerYear
	young.recompute(now)

	old := New("B", "old", TypeCircuitBreaker, "Bay", 400)
	old.OperatingHours = 15 * hoursPerYear
	old.recompute(now)

	assert.Greater(t, young.Health.Overall, old.Health.Overall)

	before := old.Health.Overall
	for i := 0; i < 10; i++ {
		old.RecordFault("flashover")
	}
	assert.Less(t, old.Health.Overall, before)
}

func TestComputeHealthMatchesBlend(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h := computeHealth(healthInputs{
		operatingHours: 5 * hoursPerYear,
		faults:         0,
		now:            now,
	})

	// age factor 75, fault factor 100, degradation 30 days at 0.01/day.
	want := 0.7*75 + 0.3*100 - 0.3
	assert.InDelta(t, want, h.Overall, 1e-9)
	assert.Equal(t, UrgencyMedium, h.Urgency)
	assert.Equal(t, now.Add(30*24*time.Hour), h.NextMaintenance)
}

func TestMaintenanceResetsDegradationClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	a := New("CB", "breaker", TypeCircuitBreaker, "Bay", 400)
	a.OperatingHours = 2 * hoursPerYear
	a.Maintenance = []MaintenanceRecord{{Time: now.Add(-1500 * 24 * time.Hour)}}
	a.recompute(now)
	stale := a.Health.Overall

	a.RecordMaintenance("overhaul")
	assert.Greater(t, a.Health.Overall, stale)
	require.NotNil(t, a.Health.LastMaintenance)
	assert.Equal(t, now, *a.Health.LastMaintenance)
	assert.Equal(t, 0, a.Variant.(*BreakerData).OperationsSinceMaintenance)
}

func TestTemperatureAlarmRaisedOnceAndRefreshed(t *testing.T) {
	a := New("TR1", "Transformer", TypePowerTransformer, "Bay 1", 400)

	a.Update(Measurement{Temperature: F(70)})
	assert.Empty(t, a.OpenAlarms())

	a.Update(Measurement{Temperature: F(80)})
	a.Update(Measurement{Temperature: F(82)})

	open := a.OpenAlarms()
	require.Len(t, open, 1)
	assert.Equal(t, AlarmHighTemperature, open[0].Type)
	assert.Equal(t, AlarmLevelCritical, open[0].Level)
	assert.Equal(t, 2, open[0].Count)
	assert.InDelta(t, 82, open[0].Value, 1e-9)
	assert.InDelta(t, 76.5, open[0].Threshold, 1e-9)
	assert.NotEmpty(t, open[0].ID)

	// Alarms do not clear when the temperature recovers.
	a.Update(Measurement{Temperature: F(60)})
	assert.Len(t, a.OpenAlarms(), 1)

	require.True(t, a.AcknowledgeAlarm(open[0].ID))
	assert.Empty(t, a.OpenAlarms())
	assert.Len(t, a.Alarms, 1)

	a.Update(Measurement{Temperature: F(84)})
	assert.Len(t, a.OpenAlarms(), 1)
	assert.Len(t, a.Alarms, 2)
}

func TestAlarmHookFiresForNewAlarms(t *testing.T) {
	var fired []string
	SetAlarmHook(func(_ Type, alarmType string, _ AlarmLevel) { fired = append(fired, alarmType) })
	t.Cleanup(func() { SetAlarmHook(nil) })

	a := New("CB", "breaker", TypeCircuitBreaker, "Bay", 400)
	a.Update(Measurement{Vibration: F(4.5)})
	a.Update(Measurement{Vibration: F(4.6)})

	assert.Equal(t, []string{AlarmHighVibration}, fired)
}

func TestReadingFeaturesDefaults(t *testing.T) {
	f := Reading{Voltage: F(398), Current: F(1950)}.Features()
	assert.InDelta(t, 398*1950*DefaultPowerFactor, f.Power, 1e-6)
	assert.Equal(t, 100.0, f.HealthScore)
	assert.Zero(t, f.Temperature)
	assert.Zero(t, f.AgeDays)

	f = Reading{Power: F(math.NaN()), HealthScore: F(140)}.Features()
	assert.Zero(t, f.Power)
	assert.Equal(t, 100.0, f.HealthScore)

	assert.Equal(t, []float64{1, 2, 3, 4, 5}, Features{1, 2, 3, 4, 5, 6}.AnomalyVector())
	assert.Equal(t, []float64{1, 2, 3, 4, 6}, Features{1, 2, 3, 4, 5, 6}.PredictiveVector())
}

func TestAssetReadingUsesLatestState(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	a := New("TR1", "Transformer", TypePowerTransformer, "Bay 1", 400)
	a.Commissioned = now.Add(-100 * 24 * time.Hour)
	a.Update(Measurement{Voltage: F(398), Current: F(1950), Temperature: F(68)})

	r := a.Reading()
	assert.Equal(t, "TR1", r.AssetID)
	assert.Equal(t, TypePowerTransformer, r.AssetType)
	require.NotNil(t, r.AgeDays)
	assert.InDelta(t, 100, *r.AgeDays, 1e-9)
	assert.Nil(t, r.Power)
	require.NotNil(t, r.HealthScore)
	assert.Equal(t, a.Health.Overall, *r.HealthScore)
}

func TestUrgencyBands(t *testing.T) {
	assert.Equal(t, UrgencyCritical, UrgencyFor(49.999))
	assert.Equal(t, UrgencyHigh, UrgencyFor(50))
	assert.Equal(t, UrgencyHigh, UrgencyFor(69.9))
	assert.Equal(t, UrgencyMedium, UrgencyFor(70))
	assert.Equal(t, UrgencyLow, UrgencyFor(85))

	assert.Equal(t, WindowImmediate, UrgencyCritical.Window())
	assert.Equal(t, WindowWithin7Days, UrgencyHigh.Window())
	assert.Equal(t, WindowWithin30Days, UrgencyMedium.Window())
	assert.Equal(t, WindowWithin90Days, UrgencyLow.Window())
}

func TestStressFractions(t *testing.T) {
	th := ThermalParameters{TemperatureC: 59.5, MaxTemperatureC: 85}
	assert.InDelta(t, 0, th.Stress(), 1e-9)
	th.TemperatureC = 85 * 0.85
	assert.InDelta(t, 50, th.Stress(), 1e-9)
	th.TemperatureC = 500
	assert.Equal(t, 100.0, th.Stress())

	mech := MechanicalParameters{OperatingCycles: 5000, MaxOperatingCycles: 10000, VibrationMMS: 2.5, MaxVibrationMMS: 5, NoiseDB: 72.5, MaxNoiseDB: 85}
	assert.InDelta(t, 25+15+10, mech.Wear(), 1e-9)

	el := ElectricalParameters{CurrentA: 1200, RatedCurrentA: 1000}
	assert.InDelta(t, 100, el.Stress(), 1e-9)
	el.CurrentA = 700
	assert.Zero(t, el.Stress())
}

func TestReliability(t *testing.T) {
	a := New("A", "a", TypeIsolator, "Bay", 220)
	a.OperatingHours = 15 * hoursPerYear
	assert.InDelta(t, 99.9*0.5, a.Reliability(), 1e-9)

	for i := 0; i < 15; i++ {
		a.RecordFault("x")
	}
	assert.InDelta(t, 99.9*0.5*0.5, a.Reliability(), 1e-9)
}

func TestCloneIsDeep(t *testing.T) {
	a := New("TR1", "Transformer", TypePowerTransformer, "Bay 1", 400)
	a.Update(Measurement{Voltage: F(398), DGA: map[string]float64{"hydrogen": 60}})

	c := a.Clone()
	*c.Latest.Voltage = 1
	c.Variant.(*TransformerData).CurrentTap = 1

	assert.InDelta(t, 398, *a.Latest.Voltage, 1e-9)
	assert.Equal(t, 9, a.Variant.(*TransformerData).CurrentTap)
}
