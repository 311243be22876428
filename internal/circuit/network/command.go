package network

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Properties accepted for compatibility but without effect on this model.
var inertProperties = map[string]bool{
	"phases": true, "kv": true, "model": true, "ontime": true, "temporary": true,
	"units": true, "r0": true, "x0": true, "c0": true, "%loadloss": true,
	"windings": true, "controlmode": true,
}

// Command applies one text command. Supported verbs:
//
//	new <class>.<name> key=value ...   (fault, isource, load, capacitor, line, transformer)
//	disable|enable <class>.<name>
//	set frequency=<hz> | set mode=snapshot|harmonics
//	solve
//
// Lines starting with "~" continue the previous line. Defining an element
// that already exists replaces it.
func (n *Network) Command(text string) error {
	fields := tokenize(text)
	if len(fields) == 0 {
		return internalerrors.Invalid("command", "empty command")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	verb := strings.ToLower(fields[0])
	switch verb {
	case "new":
		if len(fields) < 2 {
			return internalerrors.Invalid("command", "new needs an element name")
		}
		return n.define(fields[1], fields[2:])
	case "disable", "enable":
		if len(fields) != 2 {
			return internalerrors.Invalid("command", "%s needs exactly one element", verb)
		}
		e, err := n.lookupElement(fields[1])
		if err != nil {
			return err
		}
		if e.class == classSource {
			return internalerrors.Invalid("command", "the source cannot be switched")
		}
		e.enabled = verb == "enable"
		return nil
	case "set":
		return n.set(fields[1:])
	case "solve":
		converged, err := n.solveLocked()
		if err != nil {
			return err
		}
		if !converged {
			return internalerrors.WrapEngineError("solve", n.name, fmt.Errorf("power flow did not converge"))
		}
		return nil
	default:
		return internalerrors.Invalid("command", "unknown verb %q", fields[0])
	}
}

func tokenize(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "~")
		out = append(out, strings.Fields(line)...)
	}
	return out
}

type properties map[string]string

func parseProperties(fields []string) (properties, []string, error) {
	props := make(properties, len(fields))
	var order []string
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, nil, internalerrors.Invalid("command", "expected key=value, got %q", f)
		}
		key = strings.ToLower(key)
		value = strings.Trim(value, "()[]\"'")
		props[key] = value
		order = append(order, key)
	}
	return props, order, nil
}

func (p properties) float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, internalerrors.Invalid("command", "%s=%q is not a number", key, raw)
	}
	return v, nil
}

// busRef splits "Bus220_1.1.2.3" into the bus and zero-based phases. Node 0
// is ground and yields no phases.
func (n *Network) busRef(ref string) (int, []int, bool, error) {
	parts := strings.Split(ref, ".")
	bus, err := n.lookupBus(parts[0])
	if err != nil {
		return 0, nil, false, err
	}
	if len(parts) == 1 {
		return bus, allPhases, false, nil
	}
	var phases []int
	ground := false
	for _, p := range parts[1:] {
		switch p {
		case "0":
			ground = true
		case "1", "2", "3":
			phases = append(phases, int(p[0]-'1'))
		default:
			return 0, nil, false, internalerrors.Invalid("command", "bad node %q in %s", p, ref)
		}
	}
	return bus, phases, ground, nil
}

func (n *Network) define(name string, fields []string) error {
	class, elem, ok := strings.Cut(name, ".")
	if !ok || elem == "" {
		return internalerrors.Invalid("command", "element %q must be written as class.name", name)
	}
	class = strings.ToLower(class)

	if class == classTransformer {
		return n.defineTransformer(elem, fields)
	}

	props, order, err := parseProperties(fields)
	if err != nil {
		return err
	}
	known := map[string][]string{
		classFault:     {"bus1", "bus2", "r"},
		classISource:   {"bus1", "amps", "angle", "frequency"},
		classLoad:      {"bus1", "kw", "kvar"},
		classCapacitor: {"bus1", "kvar"},
		classLine:      {"bus1", "bus2", "length", "r1", "x1", "c1"},
	}
	allowed, ok := known[class]
	if !ok {
		return internalerrors.Invalid("command", "cannot create elements of class %q", class)
	}
	for _, key := range order {
		if !slices.Contains(allowed, key) && !inertProperties[key] {
			return internalerrors.Invalid("command", "%s does not accept %q", class, key)
		}
	}
	if props["bus1"] == "" {
		return internalerrors.Invalid("command", "%s.%s needs bus1", class, elem)
	}
	bus1, phases, _, err := n.busRef(props["bus1"])
	if err != nil {
		return err
	}

	var e *element
	switch class {
	case classFault:
		e, err = n.defineFault(elem, bus1, phases, props)
	case classISource:
		e, err = n.defineISource(elem, bus1, phases, props)
	case classLoad:
		kw, err1 := props.float("kw", 0)
		kvar, err2 := props.float("kvar", 0)
		if err = firstErr(err1, err2); err == nil {
			e = n.load(elem, bus1, kw, kvar)
		}
	case classCapacitor:
		kvar, ferr := props.float("kvar", 0)
		if err = ferr; err == nil {
			e = n.capacitor(elem, bus1, kvar)
		}
	case classLine:
		e, err = n.defineLine(elem, bus1, props)
	}
	if err != nil {
		return err
	}

	n.add(e)
	log.Debug().Str("element", class+"."+elem).Msg("Element defined")
	return nil
}

func (n *Network) defineFault(name string, bus1 int, phases []int, props properties) (*element, error) {
	r, err := props.float("r", 0.0001)
	if err != nil {
		return nil, err
	}
	if r <= 0 {
		return nil, internalerrors.Invalid("command", "fault %s: r must be positive", name)
	}
	if len(phases) == 0 {
		return nil, internalerrors.Invalid("command", "fault %s: no phases on bus1", name)
	}
	e := &element{class: classFault, name: name, enabled: true, bus1: bus1, bus2: -1, phases: phases,
		y: complex(n.zbase(bus1)/r, 0)}

	if ref, ok := props["bus2"]; ok {
		bus2, phases2, ground, err := n.busRef(ref)
		if err != nil {
			return nil, err
		}
		if !ground {
			if bus2 == bus1 || len(phases2) != len(phases) {
				return nil, internalerrors.Invalid("command", "fault %s: bus2 must be ground or match the bus1 phases on another bus", name)
			}
			e.bus2 = bus2
		}
	}
	return e, nil
}

func (n *Network) defineISource(name string, bus1 int, phases []int, props properties) (*element, error) {
	amps, err1 := props.float("amps", 0)
	angle, err2 := props.float("angle", 0)
	freq, err3 := props.float("frequency", n.frequency)
	if err := firstErr(err1, err2, err3); err != nil {
		return nil, err
	}
	if amps < 0 || freq <= 0 {
		return nil, internalerrors.Invalid("command", "isource %s: amps and frequency must be positive", name)
	}
	return &element{class: classISource, name: name, enabled: true, bus1: bus1, bus2: -1, phases: phases,
		amps: amps, angle: angle, freq: freq}, nil
}

func (n *Network) defineLine(name string, bus1 int, props properties) (*element, error) {
	bus2, _, _, err := n.busRef(props["bus2"])
	if err != nil {
		return nil, err
	}
	length, err1 := props.float("length", 1)
	r1, err2 := props.float("r1", 0)
	x1, err3 := props.float("x1", 0)
	c1, err4 := props.float("c1", 0)
	if err := firstErr(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	if length <= 0 || (r1 == 0 && x1 == 0) {
		return nil, internalerrors.Invalid("command", "line %s needs a length and an impedance", name)
	}
	return n.line(name, bus1, bus2, length, r1, x1, c1), nil
}

// defineTransformer accepts either bus1=/bus2= or per-winding
// "wdg=N bus=... kva=... %r=..." groups.
func (n *Network) defineTransformer(name string, fields []string) error {
	buses := [2]string{}
	var kva, percentR, xhl, noLoad float64
	wdg := 0

	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return internalerrors.Invalid("command", "expected key=value, got %q", f)
		}
		key = strings.ToLower(key)
		value = strings.Trim(value, "()[]\"'")
		num := func() (float64, error) {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return 0, internalerrors.Invalid("command", "%s=%q is not a number", key, value)
			}
			return v, nil
		}

		var err error
		var v float64
		switch key {
		case "wdg":
			v, err = num()
			if err == nil && v != 1 && v != 2 {
				err = internalerrors.Invalid("command", "transformer %s: only two windings are supported", name)
			}
			wdg = int(v) - 1
		case "bus":
			buses[wdg] = value
		case "bus1":
			buses[0] = value
		case "bus2":
			buses[1] = value
		case "kva":
			kva, err = num()
		case "%r":
			v, err = num()
			if fieldsHaveWinding(fields) {
				percentR += v
			} else {
				percentR = 2 * v
			}
		case "xhl":
			xhl, err = num()
		case "%noloadloss":
			noLoad, err = num()
		default:
			if !inertProperties[key] {
				err = internalerrors.Invalid("command", "transformer does not accept %q", key)
			}
		}
		if err != nil {
			return err
		}
	}

	if buses[0] == "" || buses[1] == "" || kva <= 0 || xhl <= 0 {
		return internalerrors.Invalid("command", "transformer %s needs two buses, kva and xhl", name)
	}
	b1, err := n.lookupBus(strings.Split(buses[0], ".")[0])
	if err != nil {
		return err
	}
	b2, err := n.lookupBus(strings.Split(buses[1], ".")[0])
	if err != nil {
		return err
	}
	n.add(n.transformer(name, b1, b2, kva, percentR, xhl, noLoad))
	return nil
}

func (n *Network) set(fields []string) error {
	props, order, err := parseProperties(fields)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return internalerrors.Invalid("command", "set needs an option")
	}
	for _, key := range order {
		switch key {
		case "frequency":
			f, err := props.float(key, 0)
			if err != nil {
				return err
			}
			if f <= 0 {
				return internalerrors.Invalid("command", "frequency must be positive")
			}
			n.frequency = f
		case "mode":
			mode := strings.ToLower(props[key])
			switch mode {
			case circuit.ModeSnapshot, circuit.ModeHarmonics:
				n.mode = mode
			case "harmonic":
				n.mode = circuit.ModeHarmonics
			default:
				return internalerrors.Invalid("command", "unknown mode %q", props[key])
			}
		default:
			if !inertProperties[key] {
				return internalerrors.Invalid("command", "unknown option %q", key)
			}
		}
	}
	return nil
}

func fieldsHaveWinding(fields []string) bool {
	for _, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "wdg=") {
			return true
		}
	}
	return false
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
