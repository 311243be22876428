package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/circuit/network"
	"github.com/rcourtman/substation-twin/internal/simulation"
)

type hookRecorder struct {
	fn func(op string)
}

func (h *hookRecorder) SetFailureHook(fn func(op string)) { h.fn = fn }

func TestInstallHooksRoutesInjections(t *testing.T) {
	store := &hookRecorder{}
	InstallHooks(store)
	t.Cleanup(func() { UninstallHooks(store) })

	n, err := network.Default()
	require.NoError(t, err)
	inj := simulation.NewInjector(n, 1)

	before := testutil.ToFloat64(InjectionsTotal.WithLabelValues("ground_fault", "ok"))
	_, err = inj.GroundFault("Bus220_1", "A", 0.01)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(InjectionsTotal.WithLabelValues("ground_fault", "ok")))

	require.NotNil(t, store.fn)
	failures := testutil.ToFloat64(PersistenceFailuresTotal.WithLabelValues("save"))
	store.fn("save")
	assert.Equal(t, failures+1, testutil.ToFloat64(PersistenceFailuresTotal.WithLabelValues("save")))
}

func TestRecorders(t *testing.T) {
	alarms := testutil.ToFloat64(AlarmsRaisedTotal.WithLabelValues("PowerTransformer", "HIGH_TEMPERATURE", "critical"))
	RecordAlarm(assets.TypePowerTransformer, "HIGH_TEMPERATURE", assets.AlarmLevelCritical)
	assert.Equal(t, alarms+1, testutil.ToFloat64(AlarmsRaisedTotal.WithLabelValues("PowerTransformer", "HIGH_TEMPERATURE", "critical")))

	anomalies := testutil.ToFloat64(AnomaliesDetectedTotal.WithLabelValues("CircuitBreaker", "high"))
	RecordAnomaly(assets.TypeCircuitBreaker, "high")
	assert.Equal(t, anomalies+1, testutil.ToFloat64(AnomaliesDetectedTotal.WithLabelValues("CircuitBreaker", "high")))

	RecordRetrain("anomaly", assets.TypePowerTransformer, "ok")
	assert.GreaterOrEqual(t, testutil.ToFloat64(RetrainsTotal.WithLabelValues("anomaly", "PowerTransformer", "ok")), 1.0)

	SetAssetHealth("T1", assets.TypePowerTransformer, 87.5)
	assert.Equal(t, 87.5, testutil.ToFloat64(AssetHealthScore.WithLabelValues("T1", "PowerTransformer")))

	SetSystemState(98.2, 91.0, 378000)
	assert.Equal(t, 98.2, testutil.ToFloat64(SystemEfficiency))
	assert.Equal(t, 91.0, testutil.ToFloat64(VoltageStability))
	assert.Equal(t, 378000.0, testutil.ToFloat64(TotalPowerKW))

	readings := testutil.ToFloat64(ReadingsTotal.WithLabelValues("simulated"))
	RecordReadings("simulated", 12)
	assert.Equal(t, readings+12, testutil.ToFloat64(ReadingsTotal.WithLabelValues("simulated")))

	ObserveAnalysis(20 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(AnalysisDurationSeconds))
}

func openTestHistory(t *testing.T) *History {
	t.Helper()
	cfg := DefaultHistoryConfig(t.TempDir())
	cfg.FlushInterval = time.Hour
	h, err := OpenHistory(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRollupAndRetention(t *testing.T) {
	h := openTestHistory(t)
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	h.Record(SystemScope, "efficiency", 1, base)
	h.Record(SystemScope, "efficiency", 2, base.Add(10*time.Minute))
	h.Record(SystemScope, "efficiency", 3, base.Add(20*time.Minute))
	h.Record(SystemScope, "efficiency", 5, base.Add(70*time.Minute))
	h.Record("T1", "efficiency", 100, base)
	h.Flush()

	raw, err := h.Query(SystemScope, "efficiency", base.Add(-time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, raw, 4)
	assert.Equal(t, 1.0, raw[0].Value)
	assert.Equal(t, raw[0].Value, raw[0].Min)

	h.rollup(base.Add(3 * time.Hour))

	raw, err = h.Query(SystemScope, "efficiency", base.Add(-time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, raw)

	hourly, err := h.Query(SystemScope, "efficiency", base.Add(-48*time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.Equal(t, base.Unix(), hourly[0].Timestamp.Unix())
	assert.Equal(t, 2.0, hourly[0].Value)
	assert.Equal(t, 1.0, hourly[0].Min)
	assert.Equal(t, 3.0, hourly[0].Max)
	assert.Equal(t, 5.0, hourly[1].Value)

	h.prune(base.Add(400 * 24 * time.Hour))
	hourly, err = h.Query(SystemScope, "efficiency", base.Add(-48*time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, hourly)
}

func TestHistoryRecordsSnapshotsAndReadings(t *testing.T) {
	h := openTestHistory(t)

	n, err := network.Default()
	require.NoError(t, err)
	snap, err := circuit.SolveAndCapture(n)
	require.NoError(t, err)
	h.RecordSnapshot(snap)
	h.RecordSnapshot(circuit.Snapshot{Timestamp: snap.Timestamp})

	temp, health := 71.5, 88.0
	h.RecordReadings([]assets.Reading{{AssetID: "T1", AssetType: assets.TypePowerTransformer, Temperature: &temp, HealthScore: &health}}, snap.Timestamp)
	h.Flush()

	from, to := snap.Timestamp.Add(-time.Minute), snap.Timestamp.Add(time.Minute)
	eff, err := h.Query(SystemScope, "efficiency", from, to)
	require.NoError(t, err)
	require.Len(t, eff, 1)
	assert.InDelta(t, snap.Summary.Efficiency(), eff[0].Value, 1e-9)

	stability, err := h.Query(SystemScope, "voltage_stability", from, to)
	require.NoError(t, err)
	assert.Len(t, stability, 1)

	got, err := h.Query("T1", "temperature", from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 71.5, got[0].Value)

	missing, err := h.Query("T1", "voltage", from, to)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestHistoryCloseFlushes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultHistoryConfig(dir)
	cfg.FlushInterval = time.Hour
	h, err := OpenHistory(cfg)
	require.NoError(t, err)

	now := time.Now()
	h.Record(SystemScope, "losses_kw", 4200, now)
	require.NoError(t, h.Close())

	reopened, err := OpenHistory(cfg)
	require.NoError(t, err)
	defer reopened.Close()
	points, err := reopened.Query(SystemScope, "losses_kw", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 4200.0, points[0].Value)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.DBPath)
}
