package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcourtman/substation-twin/internal/ai"
	"github.com/rcourtman/substation-twin/internal/assets"
	"github.com/rcourtman/substation-twin/internal/simulation"
)

var (
	// Asset condition
	AlarmsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_alarms_raised_total",
			Help: "Total number of asset alarms raised by asset type, alarm type and level",
		},
		[]string{"asset_type", "alarm_type", "level"},
	)

	AssetHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twin_asset_health_score",
			Help: "Latest health score (0-100) per asset",
		},
		[]string{"asset_id", "asset_type"},
	)

	// Models
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_anomalies_detected_total",
			Help: "Total number of anomalies detected by asset type and severity",
		},
		[]string{"asset_type", "severity"},
	)

	RetrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_model_retrains_total",
			Help: "Total number of model retrains by model kind, asset type and outcome",
		},
		[]string{"kind", "asset_type", "outcome"},
	)

	AnalysisDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "twin_analysis_duration_seconds",
			Help:    "Duration of one analysis pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	PersistenceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_persistence_failures_total",
			Help: "Total number of failed or dropped model store writes by operation",
		},
		[]string{"op"},
	)

	// Circuit
	InjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_injections_total",
			Help: "Total number of disturbance injections by anomaly type and outcome",
		},
		[]string{"anomaly_type", "outcome"},
	)

	SystemEfficiency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twin_system_efficiency_percent",
			Help: "Delivered over supplied active power from the latest circuit solve",
		},
	)

	VoltageStability = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twin_voltage_stability_score",
			Help: "Voltage stability score (0-100) from the latest circuit solve",
		},
	)

	TotalPowerKW = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twin_total_power_kw",
			Help: "Active power delivered by the source in the latest circuit solve",
		},
	)

	// Telemetry
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_telemetry_readings_total",
			Help: "Total number of asset measurements ingested by source",
		},
		[]string{"source"},
	)

	TelemetryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_telemetry_errors_total",
			Help: "Total number of failed telemetry polls by source",
		},
		[]string{"source"},
	)
)

// RecordAlarm records a newly raised asset alarm
func RecordAlarm(assetType assets.Type, alarmType string, level assets.AlarmLevel) {
	AlarmsRaisedTotal.WithLabelValues(string(assetType), alarmType, string(level)).Inc()
}

// RecordAnomaly records one detected anomaly
func RecordAnomaly(assetType assets.Type, severity string) {
	AnomaliesDetectedTotal.WithLabelValues(string(assetType), severity).Inc()
}

// RecordRetrain records a retrain attempt
func RecordRetrain(kind string, assetType assets.Type, outcome string) {
	RetrainsTotal.WithLabelValues(kind, string(assetType), outcome).Inc()
}

// ObserveAnalysis records the duration of an analysis pass
func ObserveAnalysis(d time.Duration) {
	AnalysisDurationSeconds.Observe(d.Seconds())
}

// RecordPersistenceFailure records a failed or dropped store write
func RecordPersistenceFailure(op string) {
	PersistenceFailuresTotal.WithLabelValues(op).Inc()
}

// RecordInjection records a disturbance injection outcome
func RecordInjection(anomalyType, outcome string) {
	InjectionsTotal.WithLabelValues(anomalyType, outcome).Inc()
}

// SetAssetHealth publishes the latest health score of an asset
func SetAssetHealth(id string, assetType assets.Type, score float64) {
	AssetHealthScore.WithLabelValues(id, string(assetType)).Set(score)
}

// SetSystemState publishes the circuit indicators of the latest solve
func SetSystemState(efficiency, stability, powerKW float64) {
	SystemEfficiency.Set(efficiency)
	VoltageStability.Set(stability)
	TotalPowerKW.Set(powerKW)
}

// RecordReadings records n ingested measurements from source
func RecordReadings(source string, n int) {
	ReadingsTotal.WithLabelValues(source).Add(float64(n))
}

// RecordTelemetryError records a failed telemetry poll
func RecordTelemetryError(source string) {
	TelemetryErrorsTotal.WithLabelValues(source).Inc()
}

// FailureHookSetter is satisfied by *modelstore.Store.
type FailureHookSetter interface {
	SetFailureHook(fn func(op string))
}

// InstallHooks routes the domain packages' hooks into the collectors.
// store may be nil.
func InstallHooks(store FailureHookSetter) {
	assets.SetAlarmHook(RecordAlarm)
	ai.SetMetricHooks(RecordAnomaly, RecordRetrain, ObserveAnalysis)
	simulation.SetMetricHooks(RecordInjection)
	if store != nil {
		store.SetFailureHook(RecordPersistenceFailure)
	}
}

// UninstallHooks detaches every hook installed by InstallHooks.
func UninstallHooks(store FailureHookSetter) {
	assets.SetAlarmHook(nil)
	ai.SetMetricHooks(nil, nil, nil)
	simulation.SetMetricHooks(nil)
	if store != nil {
		store.SetFailureHook(nil)
	}
}
