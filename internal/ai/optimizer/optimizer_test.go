package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/ai/predictive"
	"github.com/rcourtman/substation-twin/internal/assets"
)

func TestOptimizePowerFlowRecommendations(t *testing.T) {
	o := New(0)
	res := o.OptimizePowerFlow(SystemMetrics{TotalPowerKW: 100000, Efficiency: 92.5, VoltageStability: 96.8})

	require.Len(t, res.Recommendations, 3)
	assert.Equal(t, ActionAdjustTaps, res.Recommendations[0].Action)
	assert.Equal(t, PriorityHigh, res.Recommendations[0].Priority)
	assert.Equal(t, "Current efficiency 92.5% is below target 95%", res.Recommendations[0].Description)
	assert.Equal(t, ActionAdjustCapacitors, res.Recommendations[1].Action)
	assert.Equal(t, PriorityMedium, res.Recommendations[1].Priority)
	assert.Equal(t, ActionRedistributeLoad, res.Recommendations[2].Action)

	want := (92.5/95*100 + 96.8/98*100) / 2
	assert.InDelta(t, want, res.Score, 1e-9)
}

func TestOptimizePowerFlowAtTarget(t *testing.T) {
	o := New(0)
	res := o.OptimizePowerFlow(SystemMetrics{Efficiency: 99, VoltageStability: 99.5})
	assert.Empty(t, res.Recommendations)
	assert.Equal(t, 100.0, res.Score)
}

func TestHistoryIsBounded(t *testing.T) {
	o := New(3)
	for i := 0; i < 5; i++ {
		o.OptimizePowerFlow(SystemMetrics{Efficiency: float64(90 + i)})
	}
	h := o.History()
	require.Len(t, h, 3)
	assert.Equal(t, 92.0, h[0].CurrentEfficiency)
	assert.Equal(t, 94.0, h[2].CurrentEfficiency)
}

func TestOptimizeMaintenanceSchedule(t *testing.T) {
	o := New(0)
	preds := []predictive.Prediction{
		predictive.NewPrediction("A", assets.TypeBusbar, 60, 40),
		predictive.NewPrediction("B", assets.TypeBusbar, 80, 50),
		predictive.NewPrediction("C", assets.TypeBusbar, 90, 80),
		predictive.NewPrediction("D", assets.TypeBusbar, 90, 90),
		predictive.NewPrediction("E", assets.TypeBusbar, 40, 10),
	}
	s := o.OptimizeMaintenanceSchedule(preds)

	assert.Equal(t, 5, s.TotalAssets)
	assert.Equal(t, 2, s.CriticalCount)
	assert.Equal(t, 1, s.HighPriorityCount)
	assert.Equal(t, 1, s.MediumPriorityCount)
	assert.Equal(t, "E", s.Immediate[1].AssetID)
	assert.Equal(t, "B", s.Within7Days[0].AssetID)
	assert.Equal(t, "C", s.Within30Days[0].AssetID)

	empty := o.OptimizeMaintenanceSchedule(nil)
	assert.Zero(t, empty.TotalAssets)
	assert.Empty(t, empty.Immediate)
}
