package simulation

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

var nowFn = time.Now

// Injector applies disturbances to an engine one at a time. Every primitive
// captures a baseline, applies its disturbance, solves and captures, then
// removes the disturbance and solves again. The removal always runs, also
// when the disturbed solve fails.
type Injector struct {
	mu      sync.Mutex
	engine  circuit.Engine
	rng     *rand.Rand
	targets Targets
	nominal float64
}

// NewInjector returns an injector over engine. seed drives dataset and
// ambient draws; equal seeds on equal circuits yield equal datasets.
func NewInjector(engine circuit.Engine, seed int64) *Injector {
	return &Injector{
		engine:  engine,
		rng:     rand.New(rand.NewSource(seed)),
		targets: DefaultTargets(),
		nominal: circuit.NominalFrequency,
	}
}

// SetTargets replaces the element pools random draws pick from.
func (inj *Injector) SetTargets(t Targets) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.targets = t
}

// disturbance is one reversible change: apply runs before the disturbed
// solve and clear undoes it.
type disturbance struct {
	profile AnomalyProfile
	apply   []string
	clear   []string
	// observe runs while the disturbance is active and the solution is
	// still current.
	observe func(r *Result) error
}

// enabledElements returns the lower-cased names of the elements enabled now.
func enabledElements(e circuit.Engine) map[string]bool {
	names := e.ElementNames()
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[strings.ToLower(name)] = true
	}
	return out
}

// restores reports whether a clear command moves its element back to the
// state recorded in before. Elements that were disabled stay disabled and
// elements that were enabled stay enabled; other commands always run.
func restores(cmd string, before map[string]bool) bool {
	verb, target, ok := strings.Cut(strings.TrimSpace(cmd), " ")
	if !ok {
		return true
	}
	was := before[strings.ToLower(strings.TrimSpace(target))]
	switch strings.ToLower(verb) {
	case "enable":
		return was
	case "disable":
		return !was
	}
	return true
}

func (inj *Injector) run(d disturbance) (res Result, err error) {
	res = Result{Profile: d.profile, InjectedAt: nowFn(), Measurements: make(map[string]float64)}
	log.Debug().
		Str("anomaly_type", string(d.profile.Type)).
		Str("location", d.profile.Location).
		Float64("severity", d.profile.Severity).
		Msg("Injecting disturbance")

	res.Baseline, err = circuit.SolveAndCapture(inj.engine)
	if err != nil {
		hooks.injection(d.profile.Type, outcomeFailed)
		return res, err
	}
	before := enabledElements(inj.engine)

	defer func() {
		for _, cmd := range d.clear {
			if !restores(cmd, before) {
				continue
			}
			if cerr := inj.engine.Command(cmd); cerr != nil && !errors.Is(cerr, internalerrors.ErrNotFound) {
				log.Warn().Err(cerr).Str("command", cmd).Msg("Failed to clear disturbance")
			}
		}
		restored, rerr := circuit.SolveAndCapture(inj.engine)
		res.Restored = restored
		if rerr != nil && err == nil {
			err = rerr
		}
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeFailed
			log.Warn().Err(err).Str("anomaly_type", string(d.profile.Type)).Msg("Disturbance injection failed")
		}
		hooks.injection(d.profile.Type, outcome)
	}()

	for _, cmd := range d.apply {
		if cerr := inj.engine.Command(cmd); cerr != nil {
			return res, internalerrors.WrapEngineError("inject", string(d.profile.Type), cerr)
		}
	}
	res.Disturbed, err = circuit.SolveAndCapture(inj.engine)
	if err != nil {
		return res, err
	}
	if d.observe != nil {
		if err = d.observe(&res); err != nil {
			return res, internalerrors.WrapEngineError("observe", string(d.profile.Type), err)
		}
	}
	res.Impact = circuit.Diff(res.Baseline, res.Disturbed)
	return res, nil
}

func (inj *Injector) checkBus(op, bus string) (float64, error) {
	kv, err := inj.engine.BusBaseKV(bus)
	if err != nil {
		return 0, fmt.Errorf("%s at %s: %w", op, bus, err)
	}
	return kv, nil
}

func (inj *Injector) maxCurrent(element string) (float64, error) {
	currents, err := inj.engine.ElementCurrents(element)
	if err != nil {
		return 0, err
	}
	var peak float64
	for _, c := range currents {
		peak = max(peak, c.Magnitude)
	}
	return peak, nil
}
