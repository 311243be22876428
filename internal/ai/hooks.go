package ai

import (
	"sync"
	"time"

	"github.com/rcourtman/substation-twin/internal/assets"
)

type metricHooks struct {
	mu        sync.RWMutex
	onAnomaly func(assetType assets.Type, severity string)
	onRetrain func(kind string, assetType assets.Type, outcome string)
	onAnalyze func(d time.Duration)
}

var hooks metricHooks

// SetMetricHooks registers callbacks for anomalies detected, retrain
// attempts and analysis durations. Any of them may be nil.
func SetMetricHooks(
	anomaly func(assetType assets.Type, severity string),
	retrain func(kind string, assetType assets.Type, outcome string),
	analysis func(d time.Duration),
) {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.onAnomaly = anomaly
	hooks.onRetrain = retrain
	hooks.onAnalyze = analysis
}

func (h *metricHooks) anomaly(t assets.Type, severity string) {
	h.mu.RLock()
	fn := h.onAnomaly
	h.mu.RUnlock()
	if fn != nil {
		fn(t, severity)
	}
}

func (h *metricHooks) retrain(kind string, t assets.Type, outcome string) {
	h.mu.RLock()
	fn := h.onRetrain
	h.mu.RUnlock()
	if fn != nil {
		fn(kind, t, outcome)
	}
}

func (h *metricHooks) analysis(d time.Duration) {
	h.mu.RLock()
	fn := h.onAnalyze
	h.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}
