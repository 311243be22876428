package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/substation-twin/internal/circuit"
	"github.com/rcourtman/substation-twin/internal/simulation"
)

var (
	datasetSamples int
	datasetOutput  string
	datasetSeed    int64

	scenarioList bool
	scenarioFull bool

	contingencyFaults    bool
	contingencyBreakerKA float64

	injectBus        string
	injectPhases     []string
	injectMagnitude  float64
	injectResistance float64
	injectElement    string
	injectFactor     float64
	injectDeviation  float64
	injectLevel      float64
	injectHarmonics  string
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Generate a labeled anomaly dataset from the reference circuit as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		seed := cfg.Seed
		if cmd.Flags().Changed("seed") {
			seed = datasetSeed
		}

		start := time.Now()
		samples, err := simulation.NewInjector(engine, seed).GenerateDataset(cmd.Context(), datasetSamples)
		if err != nil {
			return err
		}

		out, closeOut, err := openOutput(datasetOutput, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := simulation.WriteCSV(out, samples); err != nil {
			closeOut()
			return err
		}
		if err := closeOut(); err != nil {
			return err
		}

		counts := simulation.CountByType(samples)
		event := log.Info().Int("samples", len(samples)).Dur("elapsed", time.Since(start))
		for t, n := range counts {
			event = event.Int(string(t), n)
		}
		event.Msg("Dataset generated")
		return nil
	},
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario [name]",
	Short: "Run a multi-stage disturbance scenario and print its stages as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if scenarioList || len(args) == 0 {
			for _, name := range simulation.Scenarios() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		result, err := simulation.NewInjector(engine, cfg.Seed).RunScenario(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if scenarioFull {
			return writeJSON(cmd.OutOrStdout(), result)
		}
		return writeJSON(cmd.OutOrStdout(), summarizeScenario(result))
	},
}

type stageView struct {
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	HarmonicOrder int                `json:"harmonicOrder,omitempty"`
	Converged     bool               `json:"converged"`
	MeanVoltagePU float64            `json:"meanVoltagePu"`
	Summary       circuit.Summary    `json:"summary"`
	THD           map[string]float64 `json:"thd,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type scenarioView struct {
	Scenario    string      `json:"scenario"`
	Description string      `json:"description"`
	StartedAt   time.Time   `json:"startedAt"`
	Baseline    stageView   `json:"baseline"`
	Stages      []stageView `json:"stages"`
}

func viewOf(name, description string, s circuit.Snapshot) stageView {
	return stageView{
		Name:          name,
		Description:   description,
		Converged:     s.Converged,
		MeanVoltagePU: s.MeanVoltagePU(),
		Summary:       s.Summary,
		THD:           s.THD,
	}
}

func summarizeScenario(r simulation.ScenarioResult) scenarioView {
	view := scenarioView{
		Scenario:    r.Scenario,
		Description: r.Description,
		StartedAt:   r.StartedAt,
		Baseline:    viewOf("baseline", "Undisturbed circuit", r.Baseline),
	}
	for _, stage := range r.Stages {
		v := viewOf(stage.Name, stage.Description, stage.Snapshot)
		v.HarmonicOrder = stage.HarmonicOrder
		v.Error = stage.Error
		view.Stages = append(view.Stages, v)
	}
	return view
}

var contingencyCmd = &cobra.Command{
	Use:   "contingency",
	Short: "Run an N-1 outage sweep and a bus fault level study and print them as JSON",
	Long: `Take every in-service line and transformer out in turn and report bus voltages,
de-energized buses and overloaded transformers for each outage. Then apply a
bolted three phase and a phase A to ground fault at every energized bus and
compare the fault currents with the breaker rating.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		inj := simulation.NewInjector(engine, cfg.Seed)

		n1, err := inj.RunContingency(cmd.Context())
		if err != nil {
			return err
		}
		report := contingencyReport{
			StartedAt: n1.StartedAt,
			Baseline:  viewOf("baseline", "Undisturbed circuit", n1.Baseline),
			Secure:    n1.Secure,
			Outages:   n1.Outages,
		}
		if contingencyFaults {
			study, err := inj.FaultLevels(cmd.Context(), contingencyBreakerKA)
			if err != nil {
				return err
			}
			report.Faults = &study
		}
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

type contingencyReport struct {
	StartedAt time.Time              `json:"startedAt"`
	Baseline  stageView              `json:"baseline"`
	Secure    bool                   `json:"secure"`
	Outages   []simulation.Outage    `json:"outages"`
	Faults    *simulation.FaultStudy `json:"faults,omitempty"`
}

var injectCmd = &cobra.Command{
	Use:   "inject <type>",
	Short: "Inject one disturbance into the reference circuit and print its impact",
	Long: `Inject one disturbance and print the profile, the impact against the baseline
and the measured quantities. Types: ` + strings.Join(anomalyTypeNames(), ", ") + `.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		inj := simulation.NewInjector(engine, cfg.Seed)

		res, err := inject(inj, simulation.AnomalyType(args[0]))
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), struct {
			Profile      simulation.AnomalyProfile `json:"profile"`
			Impact       circuit.Impact            `json:"impact"`
			Measurements map[string]float64        `json:"measurements,omitempty"`
			InjectedAt   time.Time                 `json:"injectedAt"`
		}{res.Profile, res.Impact, res.Measurements, res.InjectedAt})
	},
}

func anomalyTypeNames() []string {
	names := make([]string, 0, len(simulation.Disturbances))
	for _, t := range simulation.Disturbances {
		names = append(names, string(t))
	}
	return names
}

func inject(inj *simulation.Injector, t simulation.AnomalyType) (simulation.Result, error) {
	switch t {
	case simulation.VoltageSag:
		return inj.VoltageSag(injectBus, injectMagnitude, injectPhases)
	case simulation.VoltageSwell:
		return inj.VoltageSwell(injectBus, injectMagnitude)
	case simulation.GroundFault:
		phase := "A"
		if len(injectPhases) > 0 {
			phase = injectPhases[0]
		}
		return inj.GroundFault(injectBus, phase, injectResistance)
	case simulation.HarmonicDistortion:
		harmonics, err := parseHarmonics(injectHarmonics)
		if err != nil {
			return simulation.Result{}, err
		}
		return inj.HarmonicInjection(injectBus, harmonics)
	case simulation.TransformerOverload:
		return inj.TransformerOverload(elementOr("TR1"), injectFactor)
	case simulation.CapacitorSwitching:
		return inj.CapacitorSwitching(elementOr("Cap220_1"))
	case simulation.FrequencyDeviation:
		return inj.FrequencyDeviation(injectDeviation)
	case simulation.CTSaturation:
		return inj.CTSaturation(injectBus, injectLevel)
	default:
		return simulation.Result{}, fmt.Errorf("unknown disturbance %q (want one of %s)", t, strings.Join(anomalyTypeNames(), ", "))
	}
}

func elementOr(def string) string {
	if injectElement == "" {
		return def
	}
	return injectElement
}

// parseHarmonics reads "3=0.05,5=0.08" into order → magnitude.
func parseHarmonics(list string) (map[int]float64, error) {
	out := make(map[int]float64)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		order, mag, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("harmonic %q: want order=magnitude", part)
		}
		h, err := strconv.Atoi(strings.TrimSpace(order))
		if err != nil {
			return nil, fmt.Errorf("harmonic order %q: %w", order, err)
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(mag), 64)
		if err != nil {
			return nil, fmt.Errorf("harmonic magnitude %q: %w", mag, err)
		}
		out[h] = m
	}
	return out, nil
}

func init() {
	datasetCmd.Flags().IntVarP(&datasetSamples, "samples", "n", 1000, "number of samples to generate")
	datasetCmd.Flags().StringVarP(&datasetOutput, "output", "o", "-", "CSV output file (- for stdout)")
	datasetCmd.Flags().Int64Var(&datasetSeed, "seed", 0, "random seed (defaults to TWIN_SEED)")

	scenarioCmd.Flags().BoolVar(&scenarioList, "list", false, "list scenario names")
	scenarioCmd.Flags().BoolVar(&scenarioFull, "full", false, "print complete snapshots instead of stage summaries")

	contingencyCmd.Flags().BoolVar(&contingencyFaults, "faults", true, "include the bus fault level study")
	contingencyCmd.Flags().Float64Var(&contingencyBreakerKA, "breaker-ka", simulation.DefaultBreakerRatingKA, "breaker interrupting rating in kA")

	f := injectCmd.Flags()
	f.StringVar(&injectBus, "bus", "Bus220_1", "target bus")
	f.StringSliceVar(&injectPhases, "phases", nil, "affected phases (A,B,C)")
	f.Float64Var(&injectMagnitude, "magnitude", 0.7, "retained (sag) or peak (swell) voltage in pu")
	f.Float64Var(&injectResistance, "resistance", 0.01, "ground fault resistance in ohms")
	f.StringVar(&injectElement, "element", "", "transformer (default TR1) or capacitor (default Cap220_1)")
	f.Float64Var(&injectFactor, "factor", 1.2, "transformer overload factor")
	f.Float64Var(&injectDeviation, "deviation", 0.5, "frequency deviation in Hz")
	f.Float64Var(&injectLevel, "level", 0.6, "CT saturation level (0-1]")
	f.StringVar(&injectHarmonics, "harmonics", "3=0.03,5=0.05,7=0.02", "harmonic order=magnitude list in pu of bus base current")
}
