package simulation

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/circuit/network"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

func newTestInjector(t *testing.T, seed int64) (*Injector, *network.Network) {
	t.Helper()
	n, err := network.Default()
	require.NoError(t, err)
	return NewInjector(n, seed), n
}

func assertRestored(t *testing.T, res Result) {
	t.Helper()
	require.True(t, res.Restored.Converged)
	base := res.Baseline.Summary
	got := res.Restored.Summary
	assert.InDelta(t, base.TotalPowerKW, got.TotalPowerKW, 1e-6*base.TotalPowerKW)
	assert.InDelta(t, base.TotalReactiveKVar, got.TotalReactiveKVar, 1e-6*base.TotalPowerKW)
	assert.Nil(t, res.Restored.THD)
}

func TestPrimitivesRestoreTheCircuit(t *testing.T) {
	tests := []struct {
		name   string
		inject func(inj *Injector) (Result, error)
		check  func(t *testing.T, res Result)
	}{
		{
			name:   "voltage sag",
			inject: func(inj *Injector) (Result, error) { return inj.VoltageSag("Bus220_1", 0.7, nil) },
			check: func(t *testing.T, res Result) {
				before, _ := res.Baseline.Bus("Bus220_1")
				retained := res.Measurements["retained_voltage_pu"]
				assert.Less(t, retained, before.PerUnit[0])
				assert.Greater(t, retained, 0.0)
				assert.InDelta(t, 0.3, res.Profile.Severity, 1e-9)
				assert.Equal(t, ClassVoltage, res.Profile.Class)
			},
		},
		{
			name:   "single phase sag",
			inject: func(inj *Injector) (Result, error) { return inj.VoltageSag("Bus220_2", 0.6, []string{"b"}) },
			check: func(t *testing.T, res Result) {
				bus, _ := res.Disturbed.Bus("Bus220_2")
				assert.Less(t, bus.PerUnit[1], bus.PerUnit[0])
			},
		},
		{
			name:   "voltage swell",
			inject: func(inj *Injector) (Result, error) { return inj.VoltageSwell("Bus220_2", 1.1) },
			check: func(t *testing.T, res Result) {
				before, _ := res.Baseline.Bus("Bus220_2")
				assert.Greater(t, res.Measurements["peak_voltage_pu"], before.PerUnit[0])
			},
		},
		{
			name:   "ground fault",
			inject: func(inj *Injector) (Result, error) { return inj.GroundFault("Bus220_1", "A", 0.01) },
			check: func(t *testing.T, res Result) {
				assert.Greater(t, res.Measurements["fault_current_a"], 5000.0)
				assert.Equal(t, "Bus220_1", res.Impact.WorstBus)
				assert.Equal(t, []string{"A"}, res.Profile.Phases)
			},
		},
		{
			name: "harmonic injection",
			inject: func(inj *Injector) (Result, error) {
				return inj.HarmonicInjection("Bus220_1", map[int]float64{3: 0.03, 5: 0.05, 7: 0.02})
			},
			check: func(t *testing.T, res Result) {
				assert.Nil(t, res.Baseline.THD)
				require.NotEmpty(t, res.Disturbed.THD)
				assert.Greater(t, res.Measurements["thd_percent"], 0.0)
				assert.GreaterOrEqual(t, res.Measurements["thd_max_percent"], res.Measurements["thd_percent"])
			},
		},
		{
			name:   "transformer overload",
			inject: func(inj *Injector) (Result, error) { return inj.TransformerOverload("TR1", 1.5) },
			check: func(t *testing.T, res Result) {
				assert.Greater(t, res.Measurements["loading_percent"], 100.0)
				assert.Greater(t, res.Impact.DeltaPowerKW, 0.0)
				assert.Equal(t, ClassThermal, res.Profile.Class)
			},
		},
		{
			name:   "capacitor switching",
			inject: func(inj *Injector) (Result, error) { return inj.CapacitorSwitching("Cap220_1") },
			check: func(t *testing.T, res Result) {
				assert.Greater(t, res.Measurements["reactive_step_kvar"], 0.0)
			},
		},
		{
			name:   "frequency deviation",
			inject: func(inj *Injector) (Result, error) { return inj.FrequencyDeviation(0.5) },
			check: func(t *testing.T, res Result) {
				assert.Equal(t, 50.5, res.Measurements["frequency_hz"])
				assert.Equal(t, "system", res.Profile.Location)
			},
		},
		{
			name:   "ct saturation",
			inject: func(inj *Injector) (Result, error) { return inj.CTSaturation("Bus400_1", 0.8) },
			check: func(t *testing.T, res Result) {
				actual := res.Measurements["actual_current_a"]
				assert.Greater(t, actual, 0.0)
				assert.InDelta(t, 0.8*actual, res.Measurements["measured_current_a"], 1e-6)
				assert.InDelta(t, 0.8, res.Measurements["saturation_ratio"], 1e-9)
				assert.InDelta(t, 20, res.Measurements["error_percent"], 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj, n := newTestInjector(t, 1)
			res, err := tt.inject(inj)
			require.NoError(t, err)
			require.True(t, res.Disturbed.Converged)
			assertRestored(t, res)
			tt.check(t, res)

			assert.Equal(t, circuit.ModeSnapshot, n.Mode())
			assert.Equal(t, circuit.NominalFrequency, n.Frequency())
		})
	}
}

func TestSagRoundTripProperty(t *testing.T) {
	inj, _ := newTestInjector(t, 1)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("sag then clear restores system power", prop.ForAll(
		func(magnitude float64, busIdx int) bool {
			bus := DefaultTargets().SagBuses[busIdx]
			res, err := inj.VoltageSag(bus, magnitude, nil)
			if err != nil {
				return false
			}
			base, got := res.Baseline.Summary.TotalPowerKW, res.Restored.Summary.TotalPowerKW
			return res.Disturbed.Summary.TotalPowerKW != base && math.Abs(got-base) <= 1e-6*base
		},
		gen.Float64Range(0.5, 0.9),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func TestPrimitivesRejectBadInput(t *testing.T) {
	inj, _ := newTestInjector(t, 1)

	tests := []struct {
		name   string
		inject func() (Result, error)
		target error
	}{
		{"sag magnitude", func() (Result, error) { return inj.VoltageSag("Bus220_1", 1.2, nil) }, internalerrors.ErrInvalidInput},
		{"sag phase", func() (Result, error) { return inj.VoltageSag("Bus220_1", 0.7, []string{"D"}) }, internalerrors.ErrInvalidInput},
		{"sag bus", func() (Result, error) { return inj.VoltageSag("Nowhere", 0.7, nil) }, internalerrors.ErrNotFound},
		{"swell magnitude", func() (Result, error) { return inj.VoltageSwell("Bus220_1", 0.9) }, internalerrors.ErrInvalidInput},
		{"fault phase", func() (Result, error) { return inj.GroundFault("Bus220_1", "X", 0) }, internalerrors.ErrInvalidInput},
		{"no harmonics", func() (Result, error) { return inj.HarmonicInjection("Bus220_1", nil) }, internalerrors.ErrInvalidInput},
		{"fundamental order", func() (Result, error) { return inj.HarmonicInjection("Bus220_1", map[int]float64{1: 0.1}) }, internalerrors.ErrInvalidInput},
		{"transformer", func() (Result, error) { return inj.TransformerOverload("TR9", 1.2) }, internalerrors.ErrNotFound},
		{"capacitor", func() (Result, error) { return inj.CapacitorSwitching("Cap9") }, internalerrors.ErrNotFound},
		{"frequency", func() (Result, error) { return inj.FrequencyDeviation(12) }, internalerrors.ErrInvalidInput},
		{"ct level", func() (Result, error) { return inj.CTSaturation("Bus400_1", 0) }, internalerrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.inject()
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

// stallingEngine fails every solve while a fault is active.
type stallingEngine struct {
	*network.Network
	mu       sync.Mutex
	faulted  bool
	commands []string
}

func (e *stallingEngine) Command(text string) error {
	e.mu.Lock()
	e.commands = append(e.commands, text)
	switch {
	case strings.HasPrefix(text, "new fault."):
		e.faulted = true
	case strings.HasPrefix(text, "disable fault."):
		e.faulted = false
	}
	e.mu.Unlock()
	return e.Network.Command(text)
}

func (e *stallingEngine) Solve() (bool, error) {
	e.mu.Lock()
	faulted := e.faulted
	e.mu.Unlock()
	if faulted {
		return false, nil
	}
	return e.Network.Solve()
}

func TestEngineFailureStillClears(t *testing.T) {
	n, err := network.Default()
	require.NoError(t, err)
	engine := &stallingEngine{Network: n}
	inj := NewInjector(engine, 1)

	res, err := inj.GroundFault("Bus220_1", "B", 0.01)
	assert.ErrorIs(t, err, internalerrors.ErrEngineFailure)
	assert.False(t, res.Disturbed.Converged)
	assert.Empty(t, res.Disturbed.Buses)
	assert.Contains(t, engine.commands, "disable fault.gnd_fault")
	assertRestored(t, res)
}

func TestInjectionHookReportsOutcome(t *testing.T) {
	var mu sync.Mutex
	got := map[string]int{}
	SetMetricHooks(func(anomalyType, outcome string) {
		mu.Lock()
		defer mu.Unlock()
		got[anomalyType+"/"+outcome]++
	})
	t.Cleanup(func() { SetMetricHooks(nil) })

	inj, _ := newTestInjector(t, 1)
	_, err := inj.GroundFault("Bus220_1", "A", 0)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got["ground_fault/ok"])
}

func TestExtractFeatures(t *testing.T) {
	assert.Equal(t, Features{}, Extract(circuit.Snapshot{}))
	assert.Len(t, Features{}.Vector(), len(FeatureNames))

	_, n := newTestInjector(t, 1)
	s, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)

	f := Extract(s)
	assert.LessOrEqual(t, f.VoltageMin, f.VoltageMean)
	assert.LessOrEqual(t, f.VoltageMean, f.VoltageMax)
	assert.Greater(t, f.VoltageStd, 0.0)
	assert.InDelta(t, 0, f.VoltageImbalanceMax, 1e-9)
	assert.Greater(t, f.CurrentMax, f.CurrentMean)
	assert.Equal(t, s.Summary.TotalPowerKW, f.TotalPowerKW)
	assert.Greater(t, f.PowerFactor, 0.9)
	assert.False(t, f.HasTHD)
	assert.Zero(t, f.THDMax)

	s.THD = map[string]float64{"A": 1, "B": 3}
	f = Extract(s)
	assert.True(t, f.HasTHD)
	assert.Equal(t, 2.0, f.THDMean)
	assert.Equal(t, 3.0, f.THDMax)
}

func TestGenerateDataset(t *testing.T) {
	inj, n := newTestInjector(t, 42)
	before, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)

	const count = 200
	samples, err := inj.GenerateDataset(context.Background(), count)
	require.NoError(t, err)
	require.Len(t, samples, count)

	ids := make(map[string]bool, count)
	normal := 0
	for _, s := range samples {
		assert.False(t, ids[s.ID], "duplicate id %s", s.ID)
		ids[s.ID] = true
		if s.Label == 0 {
			normal++
			assert.Equal(t, Normal, s.AnomalyType)
			assert.Greater(t, s.Features.VoltageMean, 0.0)
		} else {
			assert.Equal(t, 1, s.Label)
			assert.Contains(t, Disturbances, s.AnomalyType)
		}
	}
	assert.InDelta(t, 0.7, float64(normal)/count, 0.15)
	assert.Equal(t, normal, CountByType(samples)[Normal])

	after, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)
	assert.InDelta(t, before.Summary.TotalPowerKW, after.Summary.TotalPowerKW, 1e-6*before.Summary.TotalPowerKW)
	assert.NotContains(t, n.ElementNames(), "load.ambient_variation")
}

func TestGenerateDatasetEdges(t *testing.T) {
	inj, _ := newTestInjector(t, 1)

	samples, err := inj.GenerateDataset(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, samples)

	_, err = inj.GenerateDataset(context.Background(), -1)
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	samples, err = inj.GenerateDataset(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, samples)
}

func TestWriteCSV(t *testing.T) {
	inj, _ := newTestInjector(t, 3)
	samples, err := inj.GenerateDataset(context.Background(), 5)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, samples))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"id", "timestamp", "label", "anomaly_type"}, rows[0][:4])
	assert.Len(t, rows[0], 4+len(FeatureNames))
	assert.Equal(t, samples[0].ID, rows[1][0])
	assert.Equal(t, string(samples[0].AnomalyType), rows[1][3])
}

func TestVoltageCollapseDeepens(t *testing.T) {
	inj, _ := newTestInjector(t, 1)

	res, err := inj.RunScenario(context.Background(), "voltage_collapse")
	require.NoError(t, err)
	require.Len(t, res.Stages, 3)
	assert.Equal(t, []string{"heavy_loading", "reactive_support_lost", "line_outage"},
		[]string{res.Stages[0].Name, res.Stages[1].Name, res.Stages[2].Name})

	bus, _ := res.Baseline.Bus("Bus220_1")
	prev := bus.PerUnit[0]
	for _, stage := range res.Stages {
		require.True(t, stage.Snapshot.Converged, stage.Name)
		b, ok := stage.Snapshot.Bus("Bus220_1")
		require.True(t, ok)
		assert.LessOrEqual(t, b.PerUnit[0], prev, stage.Name)
		prev = b.PerUnit[0]
		assert.Less(t, stage.Snapshot.MeanVoltagePU(), res.Baseline.MeanVoltagePU(), stage.Name)
	}
}

func TestScenariosRestoreTheCircuit(t *testing.T) {
	stages := map[string]int{
		"voltage_collapse":        3,
		"cascading_failure":       3,
		"transformer_failure":     2,
		"harmonic_resonance":      5,
		"protection_misoperation": 2,
	}
	assert.Len(t, Scenarios(), len(stages))

	for _, name := range Scenarios() {
		t.Run(name, func(t *testing.T) {
			inj, n := newTestInjector(t, 1)
			res, err := inj.RunScenario(context.Background(), name)
			require.NoError(t, err)
			assert.Equal(t, name, res.Scenario)
			require.Len(t, res.Stages, stages[name])
			for _, stage := range res.Stages {
				assert.Empty(t, stage.Error, stage.Name)
			}

			after, err := circuit.SolveAndCapture(n)
			require.NoError(t, err)
			base := res.Baseline.Summary.TotalPowerKW
			assert.InDelta(t, base, after.Summary.TotalPowerKW, 1e-6*base)
			assert.Nil(t, after.THD)
		})
	}
}

func TestClearKeepsElementsThatWereAlreadyOut(t *testing.T) {
	inj, n := newTestInjector(t, 1)
	require.NoError(t, n.Command("disable capacitor.Cap220_1"))

	res, err := inj.CapacitorSwitching("Cap220_1")
	require.NoError(t, err)
	assertRestored(t, res)
	info, err := n.Element("capacitor.Cap220_1")
	require.NoError(t, err)
	assert.False(t, info.Enabled, "capacitor was open before the switching event")

	require.NoError(t, n.Command("disable line.Line220_1"))
	res2, err := inj.RunScenario(context.Background(), "voltage_collapse")
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"line.Line220_1":     false,
		"capacitor.Cap220_1": false,
		"load.heavy_load":    false,
		"line.Line220_2":     true,
		"transformer.TR1":    true,
	} {
		info, err := n.Element(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, info.Enabled, name)
	}
	after, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)
	base := res2.Baseline.Summary.TotalPowerKW
	assert.InDelta(t, base, after.Summary.TotalPowerKW, 1e-6*base)
}

func TestRestoresFollowsPriorState(t *testing.T) {
	before := map[string]bool{"line.line220_1": true}
	assert.True(t, restores("enable line.Line220_1", before))
	assert.False(t, restores("disable line.Line220_1", before))
	assert.False(t, restores("enable capacitor.Cap220_1", before))
	assert.True(t, restores("disable fault.gnd_fault", before))
	assert.True(t, restores("set mode=snapshot", before))
}

func TestHarmonicResonanceScansOrders(t *testing.T) {
	inj, _ := newTestInjector(t, 1)
	res, err := inj.RunScenario(context.Background(), "harmonic_resonance")
	require.NoError(t, err)

	for i, h := range []int{3, 5, 7, 9, 11} {
		stage := res.Stages[i]
		assert.Equal(t, h, stage.HarmonicOrder)
		assert.Greater(t, stage.Snapshot.THD["Bus220_1"], 0.0)
	}
}

func TestUnknownScenario(t *testing.T) {
	inj, _ := newTestInjector(t, 1)
	_, err := inj.RunScenario(context.Background(), "meteor_strike")
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := inj.RunScenario(ctx, "voltage_collapse")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Stages)
}
