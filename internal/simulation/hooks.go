package simulation

import "sync"

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

type metricHooks struct {
	mu          sync.RWMutex
	onInjection func(anomalyType, outcome string)
}

var hooks metricHooks

// SetMetricHooks registers a callback invoked after every injection with
// the anomaly type and "ok" or "failed". fn may be nil.
func SetMetricHooks(fn func(anomalyType, outcome string)) {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.onInjection = fn
}

func (h *metricHooks) injection(t AnomalyType, outcome string) {
	h.mu.RLock()
	fn := h.onInjection
	h.mu.RUnlock()
	if fn != nil {
		fn(string(t), outcome)
	}
}
