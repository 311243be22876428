package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Stage is one captured step of a scenario.
type Stage struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	HarmonicOrder int              `json:"harmonicOrder,omitempty"`
	Snapshot      circuit.Snapshot `json:"snapshot"`
	Error         string           `json:"error,omitempty"`
}

// ScenarioResult holds the baseline and the ordered stages of one run.
type ScenarioResult struct {
	Scenario    string           `json:"scenario"`
	Description string           `json:"description"`
	StartedAt   time.Time        `json:"startedAt"`
	Baseline    circuit.Snapshot `json:"baseline"`
	Stages      []Stage          `json:"stages"`
}

type scenarioStep struct {
	name        string
	description string
	order       int
	apply       []string
}

type scenario struct {
	description string
	steps       []scenarioStep
	restore     []string
}

type scenarioBuilder func(inj *Injector) (scenario, error)

var scenarios = map[string]scenarioBuilder{
	"voltage_collapse":        voltageCollapse,
	"cascading_failure":       cascadingFailure,
	"transformer_failure":     transformerFailure,
	"harmonic_resonance":      harmonicResonance,
	"protection_misoperation": protectionMisoperation,
}

// Scenarios lists the names RunScenario accepts.
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunScenario drives the engine through a named multi-stage scenario and
// restores every switched element to its state before the run. A stage
// whose solve fails is recorded with an empty snapshot and its error; the
// run continues. A rejected command or a cancelled context ends the run
// early.
func (inj *Injector) RunScenario(ctx context.Context, name string) (result ScenarioResult, err error) {
	build, ok := scenarios[name]
	if !ok {
		return ScenarioResult{}, internalerrors.Invalid("run_scenario", "unknown scenario %q", name)
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()

	sc, err := build(inj)
	if err != nil {
		return ScenarioResult{}, err
	}
	result = ScenarioResult{Scenario: name, Description: sc.description, StartedAt: nowFn()}
	log.Info().Str("scenario", name).Int("stages", len(sc.steps)).Msg("Running scenario")

	result.Baseline, err = circuit.SolveAndCapture(inj.engine)
	if err != nil {
		return result, err
	}
	before := enabledElements(inj.engine)

	defer func() {
		for _, cmd := range sc.restore {
			if !restores(cmd, before) {
				continue
			}
			if cerr := inj.engine.Command(cmd); cerr != nil && !errors.Is(cerr, internalerrors.ErrNotFound) {
				log.Warn().Err(cerr).Str("scenario", name).Str("command", cmd).Msg("Failed to restore circuit")
			}
		}
		if _, serr := inj.engine.Solve(); serr != nil {
			log.Warn().Err(serr).Str("scenario", name).Msg("Solve after restore failed")
		}
	}()

	for _, step := range sc.steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for _, cmd := range step.apply {
			if cerr := inj.engine.Command(cmd); cerr != nil {
				return result, internalerrors.WrapEngineError("run_scenario", name,
					fmt.Errorf("stage %s: %w", step.name, cerr))
			}
		}
		stage := Stage{Name: step.name, Description: step.description, HarmonicOrder: step.order}
		stage.Snapshot, err = circuit.SolveAndCapture(inj.engine)
		if err != nil {
			stage.Error = err.Error()
			log.Warn().Err(err).Str("scenario", name).Str("stage", step.name).Msg("Scenario stage did not solve")
		}
		result.Stages = append(result.Stages, stage)
	}
	return result, nil
}

func voltageCollapse(*Injector) (scenario, error) {
	return scenario{
		description: "Progressive loss of voltage support at Bus220_1",
		steps: []scenarioStep{
			{
				name:        "heavy_loading",
				description: "200 MW / 100 Mvar added at Bus220_1",
				apply:       []string{"new load.heavy_load bus1=Bus220_1 phases=3 kv=220 kw=200000 kvar=100000"},
			},
			{
				name:        "reactive_support_lost",
				description: "Capacitor Cap220_1 trips",
				apply:       []string{"disable capacitor.Cap220_1"},
			},
			{
				name:        "line_outage",
				description: "Line220_1 trips",
				apply:       []string{"disable line.Line220_1"},
			},
		},
		restore: []string{"disable load.heavy_load", "enable capacitor.Cap220_1", "enable line.Line220_1"},
	}, nil
}

func cascadingFailure(*Injector) (scenario, error) {
	return scenario{
		description: "Bolted fault at Bus400_1 followed by line and transformer trips",
		steps: []scenarioStep{
			{
				name:        "initial_fault",
				description: "Three phase fault at Bus400_1",
				apply:       []string{"new fault.initial bus1=Bus400_1.1.2.3 bus2=Bus400_1.0 r=0.001"},
			},
			{
				name:        "line_trip",
				description: "Fault cleared by tripping Line400_1",
				apply:       []string{"disable fault.initial", "disable line.Line400_1"},
			},
			{
				name:        "transformer_trip",
				description: "TR1 trips on the remaining path",
				apply:       []string{"disable transformer.TR1"},
			},
		},
		restore: []string{"disable fault.initial", "enable line.Line400_1", "enable transformer.TR1"},
	}, nil
}

func transformerFailure(inj *Injector) (scenario, error) {
	kv, err := inj.checkBus("transformer_failure", "Bus400_1")
	if err != nil {
		return scenario{}, err
	}
	base := circuit.BaseCurrent(harmonicBaseMVA, kv)
	saturation := []string{"disable fault.winding"}
	var restore []string
	for _, h := range []struct {
		order int
		mag   float64
	}{{3, 0.15}, {5, 0.10}, {7, 0.05}} {
		saturation = append(saturation, fmt.Sprintf("new isource.core_h%d bus1=Bus400_1 amps=%g angle=0 frequency=%g",
			h.order, h.mag*base, inj.nominal*float64(h.order)))
		restore = append(restore, fmt.Sprintf("disable isource.core_h%d", h.order))
	}
	saturation = append(saturation, "set mode=harmonics")

	return scenario{
		description: "Internal winding short then core saturation on TR1",
		steps: []scenarioStep{
			{
				name:        "winding_short",
				description: "Winding fault between Bus400_1 and Bus220_1 phase A",
				apply:       []string{"new fault.winding bus1=Bus400_1.1 bus2=Bus220_1.1 r=0.1"},
			},
			{
				name:        "core_saturation",
				description: "Magnetizing harmonics 3, 5 and 7 injected at Bus400_1",
				apply:       saturation,
			},
		},
		restore: append(append([]string{"disable fault.winding"}, restore...), "set mode=snapshot"),
	}, nil
}

// harmonicResonance scans odd harmonic orders with a fixed current source at
// Bus220_1 and records the voltage distortion at each order.
func harmonicResonance(inj *Injector) (scenario, error) {
	kv, err := inj.checkBus("harmonic_resonance", "Bus220_1")
	if err != nil {
		return scenario{}, err
	}
	amps := 0.1 * circuit.BaseCurrent(harmonicBaseMVA, kv)

	sc := scenario{
		description: "Frequency scan for resonance at Bus220_1",
		restore:     []string{"disable isource.resonance_scan", "set mode=snapshot"},
	}
	for _, h := range []int{3, 5, 7, 9, 11} {
		sc.steps = append(sc.steps, scenarioStep{
			name:        fmt.Sprintf("h%d", h),
			description: fmt.Sprintf("%.0f Hz current injection", inj.nominal*float64(h)),
			order:       h,
			apply: []string{
				fmt.Sprintf("new isource.resonance_scan bus1=Bus220_1 amps=%g angle=0 frequency=%g", amps, inj.nominal*float64(h)),
				"set mode=harmonics",
			},
		})
	}
	return sc, nil
}

func protectionMisoperation(*Injector) (scenario, error) {
	return scenario{
		description: "Sympathetic trip of a healthy line during a Bus220_1 fault",
		steps: []scenarioStep{
			{
				name:        "fault_applied",
				description: "Three phase fault at Bus220_1",
				apply:       []string{"new fault.test bus1=Bus220_1.1.2.3 bus2=Bus220_1.0 r=0.01"},
			},
			{
				name:        "protection_misoperation",
				description: "Line220_1 trips correctly and healthy Line220_2 trips with it",
				apply:       []string{"disable fault.test", "disable line.Line220_1", "disable line.Line220_2"},
			},
		},
		restore: []string{"disable fault.test", "enable line.Line220_1", "enable line.Line220_2"},
	}, nil
}
