// Package optimizer turns system metrics and health predictions into
// advisory actions and a maintenance schedule.
package optimizer

import (
	"fmt"
	"math"
	"time"

	"github.com/rcourtman/substation-twin/internal/ai/predictive"
	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/buffer"
)

// Targets the power-flow check compares against, in percent.
const (
	TargetEfficiency       = 95.0
	TargetVoltageStability = 98.0
)

// DefaultHistorySize bounds the audit history.
const DefaultHistorySize = 100

// Priority of a recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Actions a recommendation can advise.
const (
	ActionAdjustTaps       = "adjust_transformer_taps"
	ActionAdjustCapacitors = "adjust_capacitor_banks"
	ActionRedistributeLoad = "redistribute_load"
)

// SystemMetrics summarizes the network state the optimizer inspects.
type SystemMetrics struct {
	TotalPowerKW     float64 `json:"totalPower"`
	Efficiency       float64 `json:"efficiency"`
	VoltageStability float64 `json:"voltageStability"`
}

// Recommendation is one advisory action.
type Recommendation struct {
	Type        string   `json:"type"`
	Action      string   `json:"action"`
	Priority    Priority `json:"priority"`
	Description string   `json:"description"`
}

// PowerFlowResult is the outcome of OptimizePowerFlow.
type PowerFlowResult struct {
	Timestamp               time.Time        `json:"timestamp"`
	CurrentEfficiency       float64          `json:"currentEfficiency"`
	TargetEfficiency        float64          `json:"targetEfficiency"`
	CurrentVoltageStability float64          `json:"currentVoltageStability"`
	TargetVoltageStability  float64          `json:"targetVoltageStability"`
	Recommendations         []Recommendation `json:"recommendations"`
	Score                   float64          `json:"optimizationScore"`
}

// Schedule buckets predictions into maintenance windows.
type Schedule struct {
	Immediate           []predictive.Prediction `json:"immediate"`
	Within7Days         []predictive.Prediction `json:"within7Days"`
	Within30Days        []predictive.Prediction `json:"within30Days"`
	TotalAssets         int                     `json:"totalAssets"`
	CriticalCount       int                     `json:"criticalCount"`
	HighPriorityCount   int                     `json:"highPriorityCount"`
	MediumPriorityCount int                     `json:"mediumPriorityCount"`
}

// Optimizer is safe for concurrent use. Its only state is the audit history.
type Optimizer struct {
	history *buffer.Queue[PowerFlowResult]
}

var nowFn = time.Now

// New creates an optimizer keeping the last historySize power-flow results.
func New(historySize int) *Optimizer {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Optimizer{history: buffer.New[PowerFlowResult](historySize)}
}

// OptimizePowerFlow compares metrics to the targets and recommends actions.
func (o *Optimizer) OptimizePowerFlow(m SystemMetrics) PowerFlowResult {
	var recs []Recommendation
	if m.Efficiency < TargetEfficiency {
		recs = append(recs, Recommendation{
			Type:        "efficiency",
			Action:      ActionAdjustTaps,
			Priority:    PriorityHigh,
			Description: fmt.Sprintf("Current efficiency %.1f%% is below target %.0f%%", m.Efficiency, TargetEfficiency),
		})
	}
	if m.VoltageStability < TargetVoltageStability {
		recs = append(recs, Recommendation{
			Type:        "voltage_stability",
			Action:      ActionAdjustCapacitors,
			Priority:    PriorityMedium,
			Description: fmt.Sprintf("Voltage stability %.1f%% is below target %.0f%%", m.VoltageStability, TargetVoltageStability),
		})
	}
	if m.TotalPowerKW > 0 {
		recs = append(recs, Recommendation{
			Type:        "load_balancing",
			Action:      ActionRedistributeLoad,
			Priority:    PriorityLow,
			Description: "Consider load redistribution for optimal efficiency",
		})
	}

	result := PowerFlowResult{
		Timestamp:               nowFn(),
		CurrentEfficiency:       m.Efficiency,
		TargetEfficiency:        TargetEfficiency,
		CurrentVoltageStability: m.VoltageStability,
		TargetVoltageStability:  TargetVoltageStability,
		Recommendations:         recs,
		Score:                   Score(m.Efficiency, m.VoltageStability),
	}
	o.history.Push(result)
	return result
}

// Score is the mean of efficiency and stability as a percentage of their
// targets, each capped at 100.
func Score(efficiency, voltageStability float64) float64 {
	e := math.Min(100, efficiency/TargetEfficiency*100)
	s := math.Min(100, voltageStability/TargetVoltageStability*100)
	return (e + s) / 2
}

// OptimizeMaintenanceSchedule groups predictions by urgency. Low-urgency
// assets count toward the total only.
func (o *Optimizer) OptimizeMaintenanceSchedule(predictions []predictive.Prediction) Schedule {
	s := Schedule{TotalAssets: len(predictions)}
	for _, p := range predictions {
		switch p.Urgency {
		case assets.UrgencyCritical:
			s.Immediate = append(s.Immediate, p)
		case assets.UrgencyHigh:
			s.Within7Days = append(s.Within7Days, p)
		case assets.UrgencyMedium:
			s.Within30Days = append(s.Within30Days, p)
		}
	}
	s.CriticalCount = len(s.Immediate)
	s.HighPriorityCount = len(s.Within7Days)
	s.MediumPriorityCount = len(s.Within30Days)
	return s
}

// History returns the retained power-flow results, oldest first.
func (o *Optimizer) History() []PowerFlowResult {
	return o.history.Snapshot()
}
