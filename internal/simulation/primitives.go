package simulation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

const (
	// Power base for harmonic magnitudes and sag sizing.
	harmonicBaseMVA = 100.0
	// Approximate Thevenin impedance of a transmission bus in per unit.
	theveninPU = 0.05

	defaultGroundFaultOhms = 0.01
	ctFaultOhms            = 0.001
	overloadPF             = 0.9
	overloadReactiveRatio  = 0.436
)

var allPhases = []string{"A", "B", "C"}

func phaseNode(phase string) (int, error) {
	switch strings.ToUpper(phase) {
	case "A":
		return 1, nil
	case "B":
		return 2, nil
	case "C":
		return 3, nil
	default:
		return 0, internalerrors.Invalid("phase", "unknown phase %q", phase)
	}
}

// VoltageSag depresses bus to roughly magnitude pu on the given phases
// (all three when empty) with a resistive fault to ground.
func (inj *Injector) VoltageSag(bus string, magnitude float64, phases []string) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.voltageSag(bus, magnitude, phases)
}

func (inj *Injector) voltageSag(bus string, magnitude float64, phases []string) (Result, error) {
	if magnitude <= 0 || magnitude >= 1 {
		return Result{}, internalerrors.Invalid("voltage_sag", "magnitude %.3f must lie in (0, 1)", magnitude)
	}
	if len(phases) == 0 {
		phases = allPhases
	}
	kv, err := inj.checkBus("voltage_sag", bus)
	if err != nil {
		return Result{}, err
	}

	// A resistance R behind a mostly reactive source X retains
	// R/sqrt(R²+X²) of the prefault voltage.
	m := math.Min(math.Max(magnitude, 0.01), 0.99)
	zth := theveninPU * kv * kv / harmonicBaseMVA
	r := m / math.Sqrt(1-m*m) * zth

	d := disturbance{profile: newProfile(VoltageSag, bus, 1-magnitude, phases)}
	d.profile.Parameters["magnitude_pu"] = magnitude
	d.profile.Parameters["fault_resistance_ohm"] = r
	for _, p := range phases {
		n, err := phaseNode(p)
		if err != nil {
			return Result{}, err
		}
		name := "fault.sag_" + strings.ToUpper(p)
		d.apply = append(d.apply, fmt.Sprintf("new fault.sag_%s bus1=%s.%d bus2=%s.0 r=%g", strings.ToUpper(p), bus, n, bus, r))
		d.clear = append(d.clear, "disable "+name)
	}
	d.observe = func(res *Result) error {
		if b, ok := res.Disturbed.Bus(bus); ok && len(b.PerUnit) > 0 {
			res.Measurements["retained_voltage_pu"] = minOf(b.PerUnit)
		}
		return nil
	}
	return inj.run(d)
}

// VoltageSwell raises bus to roughly magnitude pu by switching in a
// temporary shunt capacitor.
func (inj *Injector) VoltageSwell(bus string, magnitude float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.voltageSwell(bus, magnitude)
}

func (inj *Injector) voltageSwell(bus string, magnitude float64) (Result, error) {
	if magnitude <= 1 || magnitude > 1.5 {
		return Result{}, internalerrors.Invalid("voltage_swell", "magnitude %.3f must lie in (1, 1.5]", magnitude)
	}
	if _, err := inj.checkBus("voltage_swell", bus); err != nil {
		return Result{}, err
	}

	kvar := (magnitude - 1) / theveninPU * harmonicBaseMVA * 1000
	d := disturbance{
		profile: newProfile(VoltageSwell, bus, (magnitude-1)*2, nil),
		apply:   []string{fmt.Sprintf("new capacitor.swell bus1=%s kvar=%g", bus, kvar)},
		clear:   []string{"disable capacitor.swell"},
	}
	d.profile.Parameters["magnitude_pu"] = magnitude
	d.profile.Parameters["capacitor_kvar"] = kvar
	d.observe = func(res *Result) error {
		if b, ok := res.Disturbed.Bus(bus); ok && len(b.PerUnit) > 0 {
			res.Measurements["peak_voltage_pu"] = maxOf(b.PerUnit)
		}
		return nil
	}
	return inj.run(d)
}

// GroundFault applies a single line to ground fault on one phase of bus.
// A non-positive resistance selects 0.01 Ω.
func (inj *Injector) GroundFault(bus, phase string, resistance float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.groundFault(bus, phase, resistance)
}

func (inj *Injector) groundFault(bus, phase string, resistance float64) (Result, error) {
	if resistance <= 0 {
		resistance = defaultGroundFaultOhms
	}
	n, err := phaseNode(phase)
	if err != nil {
		return Result{}, err
	}
	if _, err := inj.checkBus("ground_fault", bus); err != nil {
		return Result{}, err
	}

	d := disturbance{
		profile: newProfile(GroundFault, bus, 1/(1+resistance), []string{strings.ToUpper(phase)}),
		apply: []string{fmt.Sprintf(`new fault.gnd_fault bus1=%s.%d bus2=%s.0
			~ r=%g
			~ ontime=0.0
			~ temporary=yes`, bus, n, bus, resistance)},
		clear: []string{"disable fault.gnd_fault"},
	}
	d.profile.Parameters["fault_resistance_ohm"] = resistance
	d.observe = func(res *Result) error {
		amps, err := inj.maxCurrent("fault.gnd_fault")
		if err != nil {
			return err
		}
		res.Measurements["fault_current_a"] = amps
		return nil
	}
	return inj.run(d)
}

// HarmonicInjection injects one current source per harmonic order at bus
// and solves in harmonics mode. Magnitudes are fractions of the bus base
// current on a 100 MVA base.
func (inj *Injector) HarmonicInjection(bus string, harmonics map[int]float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.harmonicInjection(bus, harmonics)
}

func (inj *Injector) harmonicInjection(bus string, harmonics map[int]float64) (Result, error) {
	if len(harmonics) == 0 {
		return Result{}, internalerrors.Invalid("harmonic_distortion", "no harmonic orders given")
	}
	kv, err := inj.checkBus("harmonic_distortion", bus)
	if err != nil {
		return Result{}, err
	}

	orders := make([]int, 0, len(harmonics))
	var total float64
	for h, m := range harmonics {
		if h < 2 || m < 0 {
			return Result{}, internalerrors.Invalid("harmonic_distortion", "order %d magnitude %.3f out of range", h, m)
		}
		orders = append(orders, h)
		total += m
	}
	sort.Ints(orders)

	base := circuit.BaseCurrent(harmonicBaseMVA, kv)
	d := disturbance{profile: newProfile(HarmonicDistortion, bus, total*5, nil)}
	for _, h := range orders {
		d.profile.Parameters[fmt.Sprintf("h%d", h)] = harmonics[h]
		d.apply = append(d.apply, fmt.Sprintf(`new isource.harm_%d bus1=%s
			~ amps=%g
			~ angle=0
			~ frequency=%g`, h, bus, harmonics[h]*base, inj.nominal*float64(h)))
		d.clear = append(d.clear, fmt.Sprintf("disable isource.harm_%d", h))
	}
	d.apply = append(d.apply, "set mode=harmonics")
	d.clear = append(d.clear, "set mode=snapshot")
	d.observe = func(res *Result) error {
		res.Measurements["thd_percent"] = res.Disturbed.THD[bus]
		var peak float64
		for _, v := range res.Disturbed.THD {
			peak = max(peak, v)
		}
		res.Measurements["thd_max_percent"] = peak
		return nil
	}
	return inj.run(d)
}

// TransformerOverload connects extra load on the secondary of transformer
// sized to factor times its rating at 0.9 power factor.
func (inj *Injector) TransformerOverload(transformer string, factor float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.transformerOverload(transformer, factor)
}

func (inj *Injector) transformerOverload(transformer string, factor float64) (Result, error) {
	if factor <= 0 {
		return Result{}, internalerrors.Invalid("transformer_overload", "factor %.3f must be positive", factor)
	}
	name := strings.TrimPrefix(transformer, "transformer.")
	element := "transformer." + name
	info, err := inj.engine.Element(element)
	if err != nil {
		return Result{}, fmt.Errorf("transformer_overload: %w", err)
	}
	if len(info.Buses) < 2 || info.RatingKVA <= 0 {
		return Result{}, internalerrors.Invalid("transformer_overload", "%s has no secondary bus or rating", element)
	}

	kva := info.RatingKVA
	load := "overload_" + name
	d := disturbance{
		profile: newProfile(TransformerOverload, name, factor-1, nil),
		apply: []string{fmt.Sprintf(`new load.%s bus1=%s
			~ phases=3
			~ kw=%g kvar=%g
			~ model=1`, load, info.Buses[1], kva*factor*overloadPF, kva*factor*overloadReactiveRatio)},
		clear: []string{"disable load." + load},
	}
	d.profile.Parameters["overload_factor"] = factor
	d.profile.Parameters["rating_kva"] = kva
	d.observe = func(res *Result) error {
		powers, err := inj.engine.ElementPowers(element)
		if err != nil {
			return err
		}
		var s complex128
		for _, p := range powers[:min(3, len(powers))] {
			s += complex(p.KW, p.KVar)
		}
		res.Measurements["loading_percent"] = circuit.PowerOf(s).Apparent() / kva * 100
		return nil
	}
	return inj.run(d)
}

// CapacitorSwitching opens a capacitor bank and closes it again. Disturbed
// holds the open state and Restored the state after closing.
func (inj *Injector) CapacitorSwitching(capacitor string) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.capacitorSwitching(capacitor)
}

func (inj *Injector) capacitorSwitching(capacitor string) (Result, error) {
	name := strings.TrimPrefix(capacitor, "capacitor.")
	element := "capacitor." + name
	if _, err := inj.engine.Element(element); err != nil {
		return Result{}, fmt.Errorf("capacitor_switching: %w", err)
	}
	d := disturbance{
		profile: newProfile(CapacitorSwitching, name, 0.5, nil),
		apply:   []string{"disable " + element},
		clear:   []string{"enable " + element},
	}
	d.observe = func(res *Result) error {
		res.Measurements["reactive_step_kvar"] = res.Disturbed.Summary.TotalReactiveKVar - res.Baseline.Summary.TotalReactiveKVar
		return nil
	}
	return inj.run(d)
}

// FrequencyDeviation solves at nominal plus deviation Hz and restores the
// nominal frequency afterwards.
func (inj *Injector) FrequencyDeviation(deviation float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.frequencyDeviation(deviation)
}

func (inj *Injector) frequencyDeviation(deviation float64) (Result, error) {
	if math.Abs(deviation) > 5 {
		return Result{}, internalerrors.Invalid("frequency_deviation", "deviation %.3f Hz is outside ±5 Hz", deviation)
	}
	freq := inj.nominal + deviation
	d := disturbance{
		profile: newProfile(FrequencyDeviation, "system", math.Abs(deviation), nil),
		apply:   []string{fmt.Sprintf("set frequency=%g", freq)},
		clear:   []string{fmt.Sprintf("set frequency=%g", inj.nominal)},
	}
	d.profile.Parameters["deviation_hz"] = deviation
	d.observe = func(res *Result) error {
		res.Measurements["frequency_hz"] = freq
		res.Measurements["deviation_hz"] = deviation
		return nil
	}
	return inj.run(d)
}

// CTSaturation applies a bolted three phase fault at bus and models a
// saturated current transformer reporting level times the true current.
func (inj *Injector) CTSaturation(bus string, level float64) (Result, error) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.ctSaturation(bus, level)
}

func (inj *Injector) ctSaturation(bus string, level float64) (Result, error) {
	if level <= 0 || level > 1 {
		return Result{}, internalerrors.Invalid("ct_saturation", "level %.3f must lie in (0, 1]", level)
	}
	if _, err := inj.checkBus("ct_saturation", bus); err != nil {
		return Result{}, err
	}
	d := disturbance{
		profile: newProfile(CTSaturation, bus, 1-level, allPhases),
		apply: []string{fmt.Sprintf(`new fault.ct_sat_fault bus1=%s.1.2.3
			~ bus2=%s.0
			~ r=%g`, bus, bus, ctFaultOhms)},
		clear: []string{"disable fault.ct_sat_fault"},
	}
	d.profile.Parameters["saturation_level"] = level
	d.observe = func(res *Result) error {
		actual, err := inj.maxCurrent("fault.ct_sat_fault")
		if err != nil {
			return err
		}
		measured := actual * level
		res.Measurements["actual_current_a"] = actual
		res.Measurements["measured_current_a"] = measured
		if actual > 0 {
			res.Measurements["saturation_ratio"] = measured / actual
			res.Measurements["error_percent"] = (actual - measured) / actual * 100
		}
		return nil
	}
	return inj.run(d)
}

func minOf(values []float64) float64 {
	out := math.Inf(1)
	for _, v := range values {
		out = math.Min(out, v)
	}
	return out
}

func maxOf(values []float64) float64 {
	out := math.Inf(-1)
	for _, v := range values {
		out = math.Max(out, v)
	}
	return out
}
