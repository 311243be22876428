// Package corpus produces and loads tabular asset records used to train the
// per-type models: a synthetic bootstrap corpus and historical CSV/JSON files.
package corpus

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rcourtman/substation-twin/internal/ai/predictive"
	"github.com/rcourtman/substation-twin/internal/assets"
)

// Record is one historical or synthetic observation of an asset.
type Record struct {
	AssetID     string      `json:"asset_id"`
	AssetType   assets.Type `json:"asset_type"`
	Voltage     float64     `json:"voltage"`
	Current     float64     `json:"current"`
	Power       float64     `json:"power"`
	Temperature float64     `json:"temperature"`
	AgeDays     float64     `json:"age_days"`
	HealthScore float64     `json:"health_score"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Features converts the record into resolved model features.
func (r Record) Features() assets.Features {
	return assets.Features{
		Voltage:     r.Voltage,
		Current:     r.Current,
		Power:       r.Power,
		Temperature: r.Temperature,
		HealthScore: r.HealthScore,
		AgeDays:     r.AgeDays,
	}
}

// Options controls Generate.
type Options struct {
	SamplesPerType int
	Types          []assets.Type
	Seed           int64
	Now            time.Time
}

// DefaultOptions returns 500 samples for every asset type.
func DefaultOptions() Options {
	return Options{SamplesPerType: 500, Types: assets.AllTypes, Seed: 42}
}

const maxAgeDays = 3650

// Generate draws a synthetic corpus around each type's nominal profile.
// Temperature rises with load, and health falls with age and with
// temperature above 60 °C.
func Generate(opts Options) []Record {
	if opts.SamplesPerType <= 0 {
		opts.SamplesPerType = DefaultOptions().SamplesPerType
	}
	if len(opts.Types) == 0 {
		opts.Types = assets.AllTypes
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	out := make([]Record, 0, opts.SamplesPerType*len(opts.Types))
	for _, t := range opts.Types {
		profile := assets.ProfileFor(t)
		for i := 0; i < opts.SamplesPerType; i++ {
			level := profile.Levels[rng.Intn(len(profile.Levels))]
			voltage := level.KV + rng.NormFloat64()*level.KV*0.05
			current := level.CurrentA + rng.NormFloat64()*level.CurrentA*0.1
			power := voltage * current * (0.8 + 0.2*rng.Float64())

			var ratio float64
			if nominal := level.KV * level.CurrentA; nominal > 0 {
				ratio = power / nominal
			}
			temperature := assets.LoadTemperature(profile, ratio) + rng.NormFloat64()*5
			age := rng.Float64() * maxAgeDays

			agePenalty := age / maxAgeDays * 20
			tempPenalty := math.Max(0, (temperature-60)/20) * 10
			health := math.Max(0, math.Min(100, 100-agePenalty-tempPenalty+rng.NormFloat64()*3))

			out = append(out, Record{
				AssetID:     fmt.Sprintf("%s_%d", t, i),
				AssetType:   t,
				Voltage:     voltage,
				Current:     current,
				Power:       power,
				Temperature: temperature,
				AgeDays:     age,
				HealthScore: health,
				Timestamp:   opts.Now.Add(-time.Duration(rng.Float64()*365*24) * time.Hour),
			})
		}
	}
	return out
}

// Split groups records by asset type into anomaly feature rows and
// predictive samples.
func Split(records []Record) (map[assets.Type][][]float64, map[assets.Type][]predictive.Sample) {
	anomaly := make(map[assets.Type][][]float64)
	samples := make(map[assets.Type][]predictive.Sample)
	for _, r := range records {
		f := r.Features()
		anomaly[r.AssetType] = append(anomaly[r.AssetType], f.AnomalyVector())
		samples[r.AssetType] = append(samples[r.AssetType], predictive.NewSample(f))
	}
	return anomaly, samples
}
