package predictive

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/assets"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// agingSamples builds breaker observations whose health falls with age.
func agingSamples(seed int64, n int) []Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Sample, n)
	for i := range out {
		v := 400 + rng.NormFloat64()*8
		c := 2000 + rng.NormFloat64()*100
		age := rng.Float64() * 3650
		out[i] = NewSample(assets.Features{
			Voltage:     v,
			Current:     c,
			Power:       v * c * 0.9,
			Temperature: 60 + rng.NormFloat64()*3,
			AgeDays:     age,
			HealthScore: 100 - age/3650*40 + rng.NormFloat64(),
		})
	}
	return out
}

func TestUrgencyBoundaryAtFifty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("critical iff predicted health below 50", prop.ForAll(
		func(current, predicted float64) bool {
			p := NewPrediction("A", assets.TypeCircuitBreaker, current, predicted)
			return (p.Urgency == assets.UrgencyCritical) == (predicted < 50)
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
	))
	properties.TestingRun(t)

	p := NewPrediction("A", assets.TypeCircuitBreaker, 80, 50)
	assert.Equal(t, assets.UrgencyHigh, p.Urgency)
	assert.Equal(t, assets.WindowWithin7Days, p.MaintenanceWindow)
	assert.InDelta(t, 1, p.DegradationRate, 1e-12)

	p = NewPrediction("A", assets.TypeCircuitBreaker, 80, 49.99)
	assert.Equal(t, assets.UrgencyCritical, p.Urgency)
	assert.Equal(t, assets.WindowImmediate, p.MaintenanceWindow)
}

func TestPredictLooksAhead(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	_, err := p.Train(assets.TypeCircuitBreaker, agingSamples(1, 400))
	require.NoError(t, err)

	young := assets.Reading{AssetID: "CB_young", AssetType: assets.TypeCircuitBreaker,
		Voltage: assets.F(400), Current: assets.F(2000), Temperature: assets.F(60), HealthScore: assets.F(95), AgeDays: assets.F(200)}
	old := young
	old.AssetID = "CB_old"
	old.HealthScore = assets.F(65)
	old.AgeDays = assets.F(3300)
	skipped := young
	skipped.AssetType = assets.TypeBusbar

	preds := p.Predict([]assets.Reading{young, old, skipped})
	require.Len(t, preds, 2)
	assert.Equal(t, "CB_young", preds[0].AssetID)
	assert.Greater(t, preds[0].PredictedHealth, preds[1].PredictedHealth)
	assert.InDelta(t, 97, preds[0].PredictedHealth, 5)
	assert.InDelta(t, 63, preds[1].PredictedHealth, 5)
	assert.Equal(t, 95.0, preds[0].CurrentHealth)

	m, _ := p.Model(assets.TypeCircuitBreaker)
	name, weight := m.TopFeature()
	assert.Equal(t, "age_days", name)
	assert.Greater(t, weight, 0.5)
}

func TestTrainSkipsTypesBelowFloor(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	_, err := p.Train(assets.TypeReactor, agingSamples(2, 199))
	assert.ErrorIs(t, err, internalerrors.ErrInsufficientData)

	trained := p.TrainAll(map[assets.Type][]Sample{
		assets.TypeReactor: agingSamples(3, 200),
		assets.TypeBusbar:  agingSamples(4, 20),
	})
	assert.Equal(t, []assets.Type{assets.TypeReactor}, trained)
	assert.False(t, p.Trained(assets.TypeBusbar))
}

func TestOnlineBufferRetrains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forest.Trees = 10
	p := NewPredictor(cfg)

	var retrains int
	p.SetRetrainHook(func(_ assets.Type, m *Model, err error) {
		require.NoError(t, err)
		require.NotNil(t, m)
		retrains++
	})

	samples := agingSamples(5, 200)
	for _, s := range samples[:199] {
		assert.False(t, p.Observe(assets.TypeIsolator, featuresOf(s)))
	}
	assert.False(t, p.Trained(assets.TypeIsolator))

	assert.True(t, p.Observe(assets.TypeIsolator, featuresOf(samples[199])))
	assert.Equal(t, 1, retrains)
	assert.Equal(t, 40, p.Buffered(assets.TypeIsolator))
	assert.True(t, p.Trained(assets.TypeIsolator))
}

func TestFailedRetrainKeepsModelAndSparesOtherTypes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forest.Trees = 10
	p := NewPredictor(cfg)
	trained := p.TrainAll(map[assets.Type][]Sample{
		assets.TypeIsolator: agingSamples(1, 200),
		assets.TypeReactor:  agingSamples(2, 200),
	})
	require.Len(t, trained, 2)
	oldIsolator, _ := p.Model(assets.TypeIsolator)
	oldReactor, _ := p.Model(assets.TypeReactor)

	errs := map[assets.Type]error{}
	p.SetRetrainHook(func(typ assets.Type, m *Model, err error) {
		errs[typ] = err
		if err != nil {
			assert.Nil(t, m)
		}
	})

	q := p.queue(assets.TypeIsolator)
	for _, s := range agingSamples(3, 199) {
		require.False(t, q.Push(s))
	}
	require.True(t, q.Push(Sample{Features: []float64{400, 2000}, Health: 90}))

	require.Error(t, errs[assets.TypeIsolator])
	assert.NotEqual(t, internalerrors.KindInsufficientData, internalerrors.KindOf(errs[assets.TypeIsolator]))
	current, _ := p.Model(assets.TypeIsolator)
	assert.Same(t, oldIsolator, current)
	assert.Equal(t, 40, p.Buffered(assets.TypeIsolator))

	for _, s := range agingSamples(4, 200) {
		p.Observe(assets.TypeReactor, featuresOf(s))
	}
	require.Contains(t, errs, assets.TypeReactor)
	assert.NoError(t, errs[assets.TypeReactor])
	reactor, _ := p.Model(assets.TypeReactor)
	assert.NotSame(t, oldReactor, reactor)

	preds := p.Predict([]assets.Reading{{AssetID: "DS1", AssetType: assets.TypeIsolator}})
	assert.Len(t, preds, 1)
}

func TestInstallRejectsIncompleteModel(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	assert.ErrorIs(t, p.Install(&Model{AssetType: assets.TypeBusbar}), internalerrors.ErrInvalidInput)
	assert.Empty(t, p.Models())
}

func featuresOf(s Sample) assets.Features {
	return assets.Features{
		Voltage:     s.Features[0],
		Current:     s.Features[1],
		Power:       s.Features[2],
		Temperature: s.Features[3],
		AgeDays:     s.Features[4],
		HealthScore: s.Health,
	}
}
