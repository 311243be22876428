package assets

import (
	"math/rand"
	"sync"
	"time"
)

// Simulator produces plausible measurements around each asset type's
// nominal operating point.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator seeded for reproducible telemetry.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

// Measurements returns one measurement per non-offline asset.
func (s *Simulator) Measurements(fleet []*Asset, now time.Time) map[string]Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Measurement, len(fleet))
	for _, a := range fleet {
		if a.Status == StatusOffline {
			continue
		}
		out[a.ID] = s.measure(a, now)
	}
	return out
}

// LoadTemperature is the temperature an asset of the given profile settles
// at for a load ratio (power over nominal apparent power).
func LoadTemperature(p Profile, loadRatio float64) float64 {
	return p.BaseTemperatureC + clip(loadRatio, 0, 1.5)*20
}

func (s *Simulator) measure(a *Asset, now time.Time) Measurement {
	profile := ProfileFor(a.Type)
	level := profile.LevelFor(a.VoltageKV)

	voltage := level.KV * (0.995 + s.rng.NormFloat64()*0.005)
	current := level.CurrentA * (1 + s.rng.NormFloat64()*0.05)
	if b, ok := a.Variant.(*BreakerData); ok && b.Position == PositionOpen {
		current = 0
	}
	if iso, ok := a.Variant.(*IsolatorData); ok && iso.Position == PositionOpen {
		current = 0
	}
	power := voltage * current * (0.8 + 0.2*s.rng.Float64())
	var ratio float64
	if nominal := level.KV * level.CurrentA; nominal > 0 {
		ratio = power / nominal
	}
	temperature := LoadTemperature(profile, ratio) + s.rng.NormFloat64()*3

	m := Measurement{
		Timestamp:   now,
		Voltage:     F(voltage),
		Current:     F(current),
		Power:       F(power),
		Temperature: F(temperature),
		Ambient:     F(25 + s.rng.NormFloat64()),
		Vibration:   F(0.5 + 0.2*s.rng.Float64()),
		Noise:       F(60 + 5*s.rng.Float64()),
	}

	switch v := a.Variant.(type) {
	case *TransformerData:
		m.LoadMVA = F(v.PowerRatingMVA*0.8 + s.rng.NormFloat64()*20)
		m.OilTemperature = F(temperature - 5 + s.rng.NormFloat64())
		m.OilLevel = F(95 + s.rng.NormFloat64()*0.5)
	case *BreakerData:
		m.SF6Pressure = F(v.SF6NominalBar + s.rng.NormFloat64()*0.02)
		charged := true
		m.SpringCharged = &charged
	case *CTData:
		m.SecondaryCurrent = F(current / v.PrimaryRatingA * v.SecondaryRatingA)
	}
	return m
}
