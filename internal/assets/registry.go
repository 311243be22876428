package assets

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// DefaultCriticalThreshold is the health below which an asset counts as
// critical in the system status.
const DefaultCriticalThreshold = 70.0

// Registry owns every asset of the substation. Assets are never removed,
// only marked offline. All access goes through the registry lock; callers
// receive clones.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	order  []string
	groups map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[string]*Asset),
		groups: make(map[string][]string),
	}
}

// Add registers an asset under a group. Re-adding an ID replaces the asset
// but keeps its position.
func (r *Registry) Add(a *Asset, group string) {
	if a == nil {
		return
	}
	if group == "" {
		group = "general"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[a.ID]; !exists {
		r.order = append(r.order, a.ID)
	}
	r.assets[a.ID] = a
	for _, id := range r.groups[group] {
		if id == a.ID {
			return
		}
	}
	r.groups[group] = append(r.groups[group], a.ID)
}

// Len returns the number of registered assets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

// Get returns a copy of the asset.
func (r *Registry) Get(id string) (*Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// All returns copies of every asset in registration order.
func (r *Registry) All() []*Asset {
	return r.filter(func(*Asset) bool { return true })
}

// ByType returns assets of type t.
func (r *Registry) ByType(t Type) []*Asset {
	return r.filter(func(a *Asset) bool { return a.Type == t })
}

// ByLocation returns assets whose location contains location.
func (r *Registry) ByLocation(location string) []*Asset {
	return r.filter(func(a *Asset) bool { return strings.Contains(a.Location, location) })
}

// Critical returns assets whose health is below threshold.
func (r *Registry) Critical(threshold float64) []*Asset {
	return r.filter(func(a *Asset) bool { return a.Health.Overall < threshold })
}

// ByGroup returns the assets of a group.
func (r *Registry) ByGroup(group string) []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.groups[group]
	out := make([]*Asset, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.assets[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Groups returns the group names in sorted order.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) filter(keep func(*Asset) bool) []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Asset
	for _, id := range r.order {
		if a := r.assets[id]; keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Update applies one measurement to an asset and returns its new health.
// Offline assets are frozen and reject measurements with ErrInvalidInput.
func (r *Registry) Update(id string, m Measurement) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return 0, internalerrors.NotFound("update", id)
	}
	if a.Status == StatusOffline {
		return a.Health.Overall, internalerrors.Invalid("update", "asset %s is offline", id)
	}
	return a.Update(m), nil
}

// Ingest applies a batch of measurements keyed by asset ID. Unknown and
// offline assets are logged and skipped. It returns the updated health scores.
func (r *Registry) Ingest(batch map[string]Measurement) map[string]float64 {
	scores := make(map[string]float64, len(batch))
	for id, m := range batch {
		score, err := r.Update(id, m)
		if err != nil {
			log.Debug().Err(err).Str("asset_id", id).Msg("Skipping measurement")
			continue
		}
		scores[id] = score
	}
	return scores
}

// Control applies an operator action. Isolators refuse to operate while an
// interlocked breaker is closed, unless the interlock is bypassed.
func (r *Registry) Control(id string, action Action) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return "", internalerrors.NotFound("control", id)
	}
	if iso, ok := a.Variant.(*IsolatorData); ok && !iso.InterlockBypass {
		for _, breakerID := range iso.InterlockedWith {
			breaker, ok := r.assets[breakerID]
			if !ok {
				continue
			}
			if b, ok := breaker.Variant.(*BreakerData); ok && b.Position == PositionClosed {
				return "", internalerrors.Invalid("control", "isolator %s interlocked with closed breaker %s", id, breakerID)
			}
		}
	}
	msg, err := a.Control(action)
	if err != nil {
		return "", err
	}
	log.Info().Str("asset_id", id).Str("action", string(action)).Msg(msg)
	return msg, nil
}

// RecordFault adds a fault to the asset history.
func (r *Registry) RecordFault(id, description string) error {
	return r.mutate(id, "record_fault", func(a *Asset) { a.RecordFault(description) })
}

// RecordMaintenance adds a maintenance record to the asset history.
func (r *Registry) RecordMaintenance(id, notes string) error {
	return r.mutate(id, "record_maintenance", func(a *Asset) { a.RecordMaintenance(notes) })
}

// SetStatus changes the operational status of an asset.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.mutate(id, "set_status", func(a *Asset) { a.Status = status })
}

// MarkOffline takes an asset out of service permanently.
func (r *Registry) MarkOffline(id string) error {
	return r.SetStatus(id, StatusOffline)
}

// AcknowledgeAlarm acknowledges an alarm on an asset.
func (r *Registry) AcknowledgeAlarm(assetID, alarmID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[assetID]
	if !ok {
		return internalerrors.NotFound("acknowledge_alarm", assetID)
	}
	if !a.AcknowledgeAlarm(alarmID) {
		return internalerrors.NotFound("acknowledge_alarm", alarmID)
	}
	return nil
}

func (r *Registry) mutate(id, op string, fn func(*Asset)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return internalerrors.NotFound(op, id)
	}
	fn(a)
	return nil
}

// Readings returns the feature view of every asset that is not offline.
func (r *Registry) Readings() []Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Reading, 0, len(r.order))
	for _, id := range r.order {
		a := r.assets[id]
		if a.Status == StatusOffline {
			continue
		}
		out = append(out, a.Reading())
	}
	return out
}

// SystemStatus summarizes the substation.
type SystemStatus struct {
	TotalAssets       int       `json:"totalAssets"`
	OperationalAssets int       `json:"operationalAssets"`
	CriticalAssets    int       `json:"criticalAssets"`
	SystemHealth      float64   `json:"systemHealth"`
	OpenAlarms        int       `json:"openAlarms"`
	TotalAlarms       int       `json:"totalAlarms"`
	Availability      float64   `json:"availability"`
	Timestamp         time.Time `json:"timestamp"`
}

// Status computes the system status.
func (r *Registry) Status() SystemStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := SystemStatus{TotalAssets: len(r.assets), Timestamp: nowFn()}
	if len(r.assets) == 0 {
		return status
	}
	var healthSum float64
	for _, a := range r.assets {
		if a.Status == StatusOperational {
			status.OperationalAssets++
		}
		if a.Health.Overall < DefaultCriticalThreshold {
			status.CriticalAssets++
		}
		healthSum += a.Health.Overall
		status.TotalAlarms += len(a.Alarms)
		for _, alarm := range a.Alarms {
			if !alarm.Acknowledged {
				status.OpenAlarms++
			}
		}
	}
	status.SystemHealth = healthSum / float64(len(r.assets))
	status.Availability = float64(status.OperationalAssets) / float64(len(r.assets)) * 100
	return status
}
