package circuit_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/circuit/network"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

func TestCaptureDefaultCircuit(t *testing.T) {
	n, err := network.Default()
	require.NoError(t, err)

	s, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)
	assert.True(t, s.Converged)
	require.Len(t, s.Buses, 7)
	assert.NotEmpty(t, s.Elements)

	src, ok := s.Bus("SourceBus")
	require.True(t, ok)
	assert.Equal(t, 400.0, src.BaseKV)
	assert.InDelta(t, 0.988, src.PerUnit[0], 0.01)
	assert.InDelta(t, 0, src.Imbalance(), 1e-9)

	assert.Greater(t, s.Summary.PowerFactor, 0.9)
	assert.LessOrEqual(t, s.Summary.PowerFactor, 1.0)
	assert.Greater(t, s.Summary.Efficiency(), 95.0)
	assert.InDelta(t, 90.9, s.VoltageStability(), 1)
	assert.Nil(t, s.THD)

	tr, ok := s.Element("transformer.TR1")
	require.True(t, ok)
	assert.Len(t, tr.Currents, 6)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"totalPowerKw"`)
}

func TestDiffLocatesTheDisturbance(t *testing.T) {
	n, err := network.Default()
	require.NoError(t, err)
	baseline, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)

	require.NoError(t, n.Command("new fault.f bus1=Bus220_1.1 bus2=Bus220_1.0 r=0.01"))
	disturbed, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)

	impact := circuit.Diff(baseline, disturbed)
	assert.Equal(t, "Bus220_1", impact.WorstBus)
	assert.Less(t, impact.MinVoltagePU, 0.01)
	assert.Greater(t, impact.MaxDeviationPU, 0.9)

	bus, _ := disturbed.Bus("Bus220_1")
	assert.Greater(t, bus.Imbalance(), 0.5)
}

func TestSolveFailureYieldsEmptySnapshot(t *testing.T) {
	s, err := circuit.SolveAndCapture(divergingEngine{})
	assert.ErrorIs(t, err, internalerrors.ErrEngineFailure)
	assert.False(t, s.Converged)
	assert.Empty(t, s.Buses)
	assert.False(t, s.Timestamp.IsZero())
}

func TestPhasorRoundTrip(t *testing.T) {
	p := circuit.PhasorOf(complex(0, 2))
	assert.InDelta(t, 2, p.Magnitude, 1e-12)
	assert.InDelta(t, 90, p.Angle, 1e-12)
	assert.InDelta(t, 2, imag(p.Complex()), 1e-12)

	assert.Equal(t, circuit.Phasor{}, circuit.PhasorOf(0))
	assert.Zero(t, circuit.PowerFactor(0, 100))
	assert.InDelta(t, 0.8, circuit.PowerFactor(80, 60), 1e-12)
	assert.InDelta(t, 262.43, circuit.BaseCurrent(100, 220), 0.01)
}

type divergingEngine struct{}

func (divergingEngine) Solve() (bool, error) { return false, nil }
func (divergingEngine) Command(string) error { return nil }
func (divergingEngine) BusNames() []string { return nil }
func (divergingEngine) BusVoltages(string) ([]circuit.Phasor, error) { return nil, nil }
func (divergingEngine) BusBaseKV(string) (float64, error) { return 0, nil }
func (divergingEngine) ElementNames() []string { return nil }
func (divergingEngine) Element(string) (circuit.ElementInfo, error) { return circuit.ElementInfo{}, nil }
func (divergingEngine) ElementCurrents(string) ([]circuit.Phasor, error) { return nil, nil }
func (divergingEngine) ElementPowers(string) ([]circuit.Power, error) { return nil, nil }
func (divergingEngine) ElementLosses(string) (circuit.Power, error) { return circuit.Power{}, nil }
func (divergingEngine) TotalPower() (float64, float64) { return 0, 0 }
func (divergingEngine) Losses() (float64, float64) { return 0, 0 }
func (divergingEngine) HarmonicTHD() map[string]float64 { return nil }
