// Package telemetry supplies asset measurements to the twin. A Source is
// polled once per ingestion tick and returns the latest measurement per
// asset ID; the simulated source synthesizes them and the Kafka source reads
// them from a topic that field gateways publish to.
package telemetry

import (
	"context"
	"time"

	"github.com/rcourtman/substation-twin/internal/assets"
)

var nowFn = time.Now

// Source yields measurements keyed by asset ID.
type Source interface {
	Name() string
	// Poll returns the measurements that arrived since the previous poll.
	// An empty batch is not an error.
	Poll(ctx context.Context) (map[string]assets.Measurement, error)
	Close() error
}

// Fleet lists the assets a simulated source reports on. *assets.Registry
// satisfies it.
type Fleet interface {
	All() []*assets.Asset
}

// SimulatedSource synthesizes measurements around each asset's nominal
// operating point.
type SimulatedSource struct {
	fleet Fleet
	sim   *assets.Simulator
}

// NewSimulatedSource returns a seeded simulated source over fleet.
func NewSimulatedSource(fleet Fleet, seed int64) *SimulatedSource {
	return &SimulatedSource{fleet: fleet, sim: assets.NewSimulator(seed)}
}

func (s *SimulatedSource) Name() string { return "simulated" }

func (s *SimulatedSource) Poll(ctx context.Context) (map[string]assets.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.sim.Measurements(s.fleet.All(), nowFn()), nil
}

func (s *SimulatedSource) Close() error { return nil }
