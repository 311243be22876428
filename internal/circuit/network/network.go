// Package network is a small in-process power-flow engine. Each phase is
// solved as an independent network in per unit on a common base, so single
// phase faults unbalance the bus voltages without modelling mutual coupling.
// Loads draw constant power between 0.95 and 1.05 pu and become constant
// impedances outside that band.
package network

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// Element classes.
const (
	classSource      = "vsource"
	classLine        = "line"
	classTransformer = "transformer"
	classLoad        = "load"
	classCapacitor   = "capacitor"
	classFault       = "fault"
	classISource     = "isource"
)

var allPhases = []int{0, 1, 2}

type busDef struct {
	name string
	kv   float64
}

// element holds per-unit parameters at nominal frequency. Which fields are
// meaningful depends on class.
type element struct {
	class   string
	name    string
	enabled bool

	bus1   int
	bus2   int // -1 for shunt elements
	phases []int

	z   complex128 // series impedance
	y   complex128 // shunt admittance at each terminal (lines split it)
	s   complex128 // load power
	kva float64

	amps  float64
	angle float64
	freq  float64
}

func (e *element) key() string {
	return e.class + "." + strings.ToLower(e.name)
}

func (e *element) series() bool {
	return e.bus2 >= 0
}

// Network implements circuit.Engine. All methods are safe for concurrent
// use; callers that apply a disturbance and solve must still serialize that
// sequence themselves.
type Network struct {
	mu sync.Mutex

	name      string
	baseMVA   float64
	nominal   float64
	frequency float64
	mode      string

	buses    []busDef
	busIndex map[string]int

	elements []*element
	byKey    map[string]*element
	source   *element
	sourceE  float64

	sol *solution
}

var _ circuit.Engine = (*Network)(nil)

// New builds a network from a validated topology. The network is unsolved.
func New(topo *Topology) (*Network, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	n := &Network{
		name:      topo.Name,
		baseMVA:   topo.BaseMVA,
		nominal:   topo.Frequency,
		frequency: topo.Frequency,
		mode:      circuit.ModeSnapshot,
		busIndex:  make(map[string]int, len(topo.Buses)),
		byKey:     make(map[string]*element),
		sourceE:   topo.Source.PU,
	}
	for i, b := range topo.Buses {
		n.buses = append(n.buses, busDef{name: b.Name, kv: b.KV})
		n.busIndex[strings.ToLower(b.Name)] = i
	}

	zs := n.baseMVA / topo.Source.MVASC
	rs := zs / math.Sqrt(1+topo.Source.XR*topo.Source.XR)
	n.source = &element{class: classSource, name: "source", enabled: true, bus1: n.busIndex[strings.ToLower(topo.Source.Bus)], bus2: -1,
		phases: allPhases, z: complex(rs, rs*topo.Source.XR)}
	n.add(n.source)

	for _, l := range topo.Lines {
		n.add(n.line(l.Name, n.busIndex[strings.ToLower(l.Bus1)], n.busIndex[strings.ToLower(l.Bus2)], l.LengthKM, l.R1, l.X1, l.C1))
	}
	for _, t := range topo.Transformers {
		n.add(n.transformer(t.Name, n.busIndex[strings.ToLower(t.Bus1)], n.busIndex[strings.ToLower(t.Bus2)], t.KVA, 2*t.PercentR, t.XHL, t.PercentNoLoadLoss))
	}
	for _, l := range topo.Loads {
		n.add(n.load(l.Name, n.busIndex[strings.ToLower(l.Bus)], l.KW, l.KVar))
	}
	for _, c := range topo.Capacitors {
		n.add(n.capacitor(c.Name, n.busIndex[strings.ToLower(c.Bus)], c.KVar))
	}

	log.Debug().
		Str("circuit", n.name).
		Int("buses", len(n.buses)).
		Int("elements", len(n.elements)).
		Msg("Circuit built")
	return n, nil
}

// Default builds the reference substation circuit.
func Default() (*Network, error) {
	return New(DefaultTopology())
}

func (n *Network) zbase(bus int) float64 {
	kv := n.buses[bus].kv
	return kv * kv / n.baseMVA
}

func (n *Network) line(name string, b1, b2 int, length, r1, x1, c1 float64) *element {
	zb := n.zbase(b1)
	b := 2 * math.Pi * n.nominal * c1 * 1e-9 * length * zb
	return &element{class: classLine, name: name, enabled: true, bus1: b1, bus2: b2, phases: allPhases,
		z: complex(r1*length/zb, x1*length/zb), y: complex(0, b/2)}
}

func (n *Network) transformer(name string, b1, b2 int, kva, percentR, xhl, noLoad float64) *element {
	scale := n.baseMVA / (kva / 1000)
	return &element{class: classTransformer, name: name, enabled: true, bus1: b1, bus2: b2, phases: allPhases, kva: kva,
		z: complex(percentR/100*scale, xhl/100*scale), y: complex(noLoad/100/scale, 0)}
}

func (n *Network) load(name string, bus int, kw, kvar float64) *element {
	return &element{class: classLoad, name: name, enabled: true, bus1: bus, bus2: -1, phases: allPhases,
		s: complex(kw, kvar) / complex(n.baseMVA*1000, 0)}
}

func (n *Network) capacitor(name string, bus int, kvar float64) *element {
	return &element{class: classCapacitor, name: name, enabled: true, bus1: bus, bus2: -1, phases: allPhases,
		y: complex(0, kvar/(n.baseMVA*1000)), kva: kvar}
}

// add inserts e or replaces an element of the same class and name in place.
func (n *Network) add(e *element) {
	if old, ok := n.byKey[e.key()]; ok {
		*old = *e
		return
	}
	n.elements = append(n.elements, e)
	n.byKey[e.key()] = e
}

func (n *Network) lookupBus(name string) (int, error) {
	i, ok := n.busIndex[strings.ToLower(name)]
	if !ok {
		return 0, internalerrors.NotFound("bus", name)
	}
	return i, nil
}

func (n *Network) lookupElement(name string) (*element, error) {
	class, elem, ok := strings.Cut(name, ".")
	if !ok {
		return nil, internalerrors.Invalid("element", "element %q must be written as class.name", name)
	}
	e, ok := n.byKey[strings.ToLower(class)+"."+strings.ToLower(elem)]
	if !ok {
		return nil, internalerrors.NotFound("element", name)
	}
	return e, nil
}

func (n *Network) solved() (*solution, error) {
	if n.sol == nil || !n.sol.converged {
		return nil, internalerrors.WrapEngineError("query", n.name, fmt.Errorf("no converged solution"))
	}
	return n.sol, nil
}

// BusNames returns every bus in topology order.
func (n *Network) BusNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	names := make([]string, len(n.buses))
	for i, b := range n.buses {
		names[i] = b.name
	}
	return names
}

func (n *Network) BusBaseKV(bus string) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i, err := n.lookupBus(bus)
	if err != nil {
		return 0, err
	}
	return n.buses[i].kv, nil
}

func (n *Network) BusVoltages(bus string) ([]circuit.Phasor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i, err := n.lookupBus(bus)
	if err != nil {
		return nil, err
	}
	sol, err := n.solved()
	if err != nil {
		return nil, err
	}
	base := n.buses[i].kv * 1000 / math.Sqrt(3)
	out := make([]circuit.Phasor, 3)
	for p := 0; p < 3; p++ {
		out[p] = circuit.PhasorOf(sol.v[node(i, p)] * complex(base, 0))
	}
	return out, nil
}

// ElementNames lists enabled elements in insertion order.
func (n *Network) ElementNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var names []string
	for _, e := range n.elements {
		if e.enabled {
			names = append(names, e.class+"."+e.name)
		}
	}
	return names
}

func (n *Network) Element(name string) (circuit.ElementInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, err := n.lookupElement(name)
	if err != nil {
		return circuit.ElementInfo{}, err
	}
	info := circuit.ElementInfo{
		Name:      e.class + "." + e.name,
		Class:     e.class,
		Buses:     []string{n.buses[e.bus1].name},
		Enabled:   e.enabled,
		RatingKVA: e.kva,
	}
	if e.series() {
		info.Buses = append(info.Buses, n.buses[e.bus2].name)
	}
	return info, nil
}

func (n *Network) ElementCurrents(name string) ([]circuit.Phasor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, sol, err := n.solvedElement(name)
	if err != nil {
		return nil, err
	}
	var out []circuit.Phasor
	for _, t := range n.terminals(e, sol) {
		ibase := circuit.BaseCurrent(n.baseMVA, n.buses[t.bus].kv)
		for _, i := range t.current {
			out = append(out, circuit.PhasorOf(i*complex(ibase, 0)))
		}
	}
	return out, nil
}

func (n *Network) ElementPowers(name string) ([]circuit.Power, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, sol, err := n.solvedElement(name)
	if err != nil {
		return nil, err
	}
	var out []circuit.Power
	for _, t := range n.terminals(e, sol) {
		for _, s := range t.powers(n.phaseKVA()) {
			out = append(out, circuit.PowerOf(s))
		}
	}
	return out, nil
}

// ElementLosses is the net power absorbed by a line, transformer or fault.
// Loads, capacitors and sources report zero.
func (n *Network) ElementLosses(name string) (circuit.Power, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, sol, err := n.solvedElement(name)
	if err != nil {
		return circuit.Power{}, err
	}
	return circuit.PowerOf(n.losses(e, sol)), nil
}

// TotalPower is the power delivered into the circuit at the source bus.
func (n *Network) TotalPower() (kw, kvar float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sol, err := n.solved()
	if err != nil {
		return 0, 0
	}
	var total complex128
	for _, t := range n.terminals(n.source, sol) {
		for _, s := range t.powers(n.phaseKVA()) {
			total -= s
		}
	}
	return real(total), imag(total)
}

// Losses sums line and transformer losses.
func (n *Network) Losses() (kw, kvar float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sol, err := n.solved()
	if err != nil {
		return 0, 0
	}
	var total complex128
	for _, e := range n.elements {
		if e.enabled && (e.class == classLine || e.class == classTransformer) {
			total += n.losses(e, sol)
		}
	}
	return real(total), imag(total)
}

func (n *Network) HarmonicTHD() map[string]float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]float64)
	if n.sol == nil || !n.sol.converged {
		return out
	}
	for bus, thd := range n.sol.thd {
		out[bus] = thd
	}
	return out
}

// Frequency returns the current solve frequency in Hz.
func (n *Network) Frequency() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frequency
}

// Mode returns the current solve mode.
func (n *Network) Mode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

func (n *Network) solvedElement(name string) (*element, *solution, error) {
	e, err := n.lookupElement(name)
	if err != nil {
		return nil, nil, err
	}
	sol, err := n.solved()
	if err != nil {
		return nil, nil, err
	}
	return e, sol, nil
}

// phaseKVA converts per-phase per-unit power to kVA.
func (n *Network) phaseKVA() float64 {
	return n.baseMVA * 1000 / 3
}

type terminal struct {
	bus     int
	voltage []complex128
	current []complex128
}

func (t terminal) powers(scale float64) []complex128 {
	out := make([]complex128, len(t.current))
	for i := range t.current {
		out[i] = t.voltage[i] * conj(t.current[i]) * complex(scale, 0)
	}
	return out
}

// terminals returns per-unit currents flowing from the buses into e at the
// solve frequency. Disabled elements and current sources, which only inject
// at their own harmonic, carry none.
func (n *Network) terminals(e *element, sol *solution) []terminal {
	k := sol.frequency / n.nominal
	t1 := terminal{bus: e.bus1}
	var t2 terminal
	if e.series() {
		t2 = terminal{bus: e.bus2}
	}

	for _, p := range e.phases {
		v1 := sol.v[node(e.bus1, p)]
		var i1, i2, v2 complex128
		if e.enabled {
			switch e.class {
			case classSource:
				i1 = (v1 - sol.sourceEMF(p)) / scaleZ(e.z, k)
			case classLine:
				v2 = sol.v[node(e.bus2, p)]
				ys := 1 / scaleZ(e.z, k)
				i1 = (v1-v2)*ys + v1*scaleY(e.y, k)
				i2 = (v2-v1)*ys + v2*scaleY(e.y, k)
			case classTransformer:
				v2 = sol.v[node(e.bus2, p)]
				ys := 1 / scaleZ(e.z, k)
				i1 = (v1-v2)*ys + v1*e.y
				i2 = (v2 - v1) * ys
			case classFault:
				if e.series() {
					v2 = sol.v[node(e.bus2, p)]
					i1 = (v1 - v2) * e.y
					i2 = -i1
				} else {
					i1 = v1 * e.y
				}
			case classLoad:
				i1 = loadCurrent(e.s, v1)
			case classCapacitor:
				i1 = v1 * scaleY(e.y, k)
			}
		} else if e.series() {
			v2 = sol.v[node(e.bus2, p)]
		}
		t1.voltage = append(t1.voltage, v1)
		t1.current = append(t1.current, i1)
		if e.series() {
			t2.voltage = append(t2.voltage, v2)
			t2.current = append(t2.current, i2)
		}
	}

	if e.series() {
		return []terminal{t1, t2}
	}
	return []terminal{t1}
}

func (n *Network) losses(e *element, sol *solution) complex128 {
	switch e.class {
	case classLine, classTransformer, classFault:
	default:
		return 0
	}
	var total complex128
	for _, t := range n.terminals(e, sol) {
		for _, s := range t.powers(n.phaseKVA()) {
			total += s
		}
	}
	return total
}
