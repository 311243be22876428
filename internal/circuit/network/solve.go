package network

import (
	"math"
	"math/cmplx"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/substation-twin/internal/circuit"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

const (
	maxIterations = 100
	tolerance     = 1e-9
	divergedPU    = 10.0

	loadVMin = 0.95
	loadVMax = 1.05
)

type solution struct {
	converged  bool
	iterations int
	frequency  float64
	emf        float64
	v          []complex128
	thd        map[string]float64
}

// sourceEMF is the source voltage behind its impedance on phase p.
func (s *solution) sourceEMF(p int) complex128 {
	return rect(s.emf, -120*float64(p))
}

func node(bus, phase int) int {
	return bus*3 + phase
}

func conj(c complex128) complex128 {
	return cmplx.Conj(c)
}

func rect(mag, deg float64) complex128 {
	return cmplx.Rect(mag, deg*math.Pi/180)
}

// scaleZ returns z with its reactance scaled to k times nominal frequency.
func scaleZ(z complex128, k float64) complex128 {
	return complex(real(z), imag(z)*k)
}

// scaleY returns a capacitive admittance scaled to k times nominal frequency.
func scaleY(y complex128, k float64) complex128 {
	return complex(real(y), imag(y)*k)
}

// loadCurrent is the per-unit current drawn by a constant power load.
func loadCurrent(s, v complex128) complex128 {
	mag := cmplx.Abs(v)
	switch {
	case mag == 0:
		return 0
	case mag < loadVMin:
		return conj(s) / complex(loadVMin*loadVMin, 0) * v
	case mag > loadVMax:
		return conj(s) / complex(loadVMax*loadVMax, 0) * v
	default:
		return conj(s / v)
	}
}

// Solve runs a power flow at the current frequency. In harmonics mode the
// fundamental solution is followed by one linear solve per current-source
// frequency, from which bus voltage THD is computed.
func (n *Network) Solve() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.solveLocked()
}

func (n *Network) solveLocked() (bool, error) {
	sol, err := n.fundamental()
	n.sol = sol
	if err != nil {
		return false, internalerrors.WrapEngineError("solve", n.name, err)
	}
	if !sol.converged {
		log.Warn().
			Str("circuit", n.name).
			Float64("frequency", n.frequency).
			Int("iterations", sol.iterations).
			Msg("Power flow did not converge")
		return false, nil
	}
	if n.mode == circuit.ModeHarmonics {
		thd, err := n.harmonics(sol)
		if err != nil {
			sol.converged = false
			return false, internalerrors.WrapEngineError("solve_harmonics", n.name, err)
		}
		sol.thd = thd
	}
	return true, nil
}

// energized returns the nodes reachable from the source through enabled
// series elements, phase by phase.
func (n *Network) energized() []bool {
	adj := make([][]int, len(n.buses)*3)
	for _, e := range n.elements {
		if !e.enabled || !e.series() {
			continue
		}
		for _, p := range e.phases {
			a, b := node(e.bus1, p), node(e.bus2, p)
			adj[a] = append(adj[a], b)
			adj[b] = append(adj[b], a)
		}
	}

	live := make([]bool, len(adj))
	var stack []int
	for p := 0; p < 3; p++ {
		stack = append(stack, node(n.source.bus1, p))
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[cur] {
			continue
		}
		live[cur] = true
		stack = append(stack, adj[cur]...)
	}
	return live
}

// system is the nodal admittance matrix over energized nodes at one
// frequency.
type system struct {
	index []int // node -> row, -1 when dead
	y     [][]complex128
}

func newSystem(live []bool) *system {
	s := &system{index: make([]int, len(live))}
	rows := 0
	for i, ok := range live {
		s.index[i] = -1
		if ok {
			s.index[i] = rows
			rows++
		}
	}
	s.y = make([][]complex128, rows)
	for i := range s.y {
		s.y[i] = make([]complex128, rows)
	}
	return s
}

func (s *system) shunt(a int, y complex128) {
	if i := s.index[a]; i >= 0 {
		s.y[i][i] += y
	}
}

func (s *system) series(a, b int, y complex128) {
	i, j := s.index[a], s.index[b]
	if i < 0 || j < 0 {
		return
	}
	s.y[i][i] += y
	s.y[j][j] += y
	s.y[i][j] -= y
	s.y[j][i] -= y
}

// stamp adds the linear part of every enabled element at frequency ratio k.
// Loads are handled by the caller.
func (n *Network) stamp(s *system, k float64) {
	for _, e := range n.elements {
		if !e.enabled {
			continue
		}
		for _, p := range e.phases {
			a := node(e.bus1, p)
			switch e.class {
			case classSource:
				s.shunt(a, 1/scaleZ(e.z, k))
			case classLine:
				b := node(e.bus2, p)
				s.series(a, b, 1/scaleZ(e.z, k))
				s.shunt(a, scaleY(e.y, k))
				s.shunt(b, scaleY(e.y, k))
			case classTransformer:
				s.series(a, node(e.bus2, p), 1/scaleZ(e.z, k))
				s.shunt(a, e.y)
			case classCapacitor:
				s.shunt(a, scaleY(e.y, k))
			case classFault:
				if e.series() {
					s.series(a, node(e.bus2, p), e.y)
				} else {
					s.shunt(a, e.y)
				}
			}
		}
	}
}

func (n *Network) fundamental() (*solution, error) {
	k := n.frequency / n.nominal
	live := n.energized()
	sys := newSystem(live)
	n.stamp(sys, k)

	sol := &solution{frequency: n.frequency, emf: n.sourceE, v: make([]complex128, len(live))}
	if len(sys.y) == 0 {
		sol.converged = true
		return sol, nil
	}
	f, err := factorize(sys.y)
	if err != nil {
		return sol, err
	}

	inject := make([]complex128, len(sys.y))
	zs := scaleZ(n.source.z, k)
	for p := 0; p < 3; p++ {
		if i := sys.index[node(n.source.bus1, p)]; i >= 0 {
			inject[i] += sol.sourceEMF(p) / zs
		}
	}

	type pq struct {
		row int
		s   complex128
	}
	var loads []pq
	for _, e := range n.elements {
		if !e.enabled || e.class != classLoad {
			continue
		}
		for _, p := range e.phases {
			if i := sys.index[node(e.bus1, p)]; i >= 0 {
				loads = append(loads, pq{row: i, s: e.s})
			}
		}
	}

	v := f.solve(inject)
	rhs := make([]complex128, len(inject))
	for sol.iterations = 1; sol.iterations <= maxIterations; sol.iterations++ {
		copy(rhs, inject)
		for _, l := range loads {
			rhs[l.row] -= loadCurrent(l.s, v[l.row])
		}
		next := f.solve(rhs)

		var delta, peak float64
		for i := range next {
			delta = math.Max(delta, cmplx.Abs(next[i]-v[i]))
			peak = math.Max(peak, cmplx.Abs(next[i]))
		}
		v = next
		if math.IsNaN(delta) || peak > divergedPU {
			break
		}
		if delta < tolerance {
			sol.converged = true
			break
		}
	}

	for nd, row := range sys.index {
		if row >= 0 {
			sol.v[nd] = v[row]
		}
	}
	return sol, nil
}

// harmonics solves the network once per distinct current-source frequency
// with loads frozen as impedances at their fundamental operating point and
// the source shorted behind its impedance.
func (n *Network) harmonics(fund *solution) (map[string]float64, error) {
	byFreq := make(map[float64][]*element)
	for _, e := range n.elements {
		if e.enabled && e.class == classISource && e.freq != fund.frequency {
			byFreq[e.freq] = append(byFreq[e.freq], e)
		}
	}
	thd := make(map[string]float64)
	if len(byFreq) == 0 {
		return thd, nil
	}

	freqs := make([]float64, 0, len(byFreq))
	for f := range byFreq {
		freqs = append(freqs, f)
	}
	sort.Float64s(freqs)

	live := make([]bool, len(fund.v))
	for i, v := range fund.v {
		live[i] = v != 0
	}
	sumSq := make([]float64, len(fund.v))

	for _, freq := range freqs {
		k := freq / n.nominal
		h := freq / fund.frequency
		sys := newSystem(live)
		n.stamp(sys, k)
		for _, e := range n.elements {
			if !e.enabled || e.class != classLoad {
				continue
			}
			for _, p := range e.phases {
				a := node(e.bus1, p)
				mag2 := cmplx.Abs(fund.v[a])
				if mag2 == 0 {
					continue
				}
				mag2 *= mag2
				sys.shunt(a, complex(real(e.s)/mag2, -imag(e.s)/(mag2*h)))
			}
		}

		inject := make([]complex128, len(sys.y))
		for _, e := range byFreq[freq] {
			ibase := circuit.BaseCurrent(n.baseMVA, n.buses[e.bus1].kv)
			for _, p := range e.phases {
				if i := sys.index[node(e.bus1, p)]; i >= 0 {
					inject[i] += rect(e.amps/ibase, e.angle-120*h*float64(p))
				}
			}
		}

		f, err := factorize(sys.y)
		if err != nil {
			return nil, err
		}
		vh := f.solve(inject)
		for nd, row := range sys.index {
			if row >= 0 {
				m := cmplx.Abs(vh[row])
				sumSq[nd] += m * m
			}
		}
	}

	for b, bus := range n.buses {
		var worst float64
		for p := 0; p < 3; p++ {
			nd := node(b, p)
			if v1 := cmplx.Abs(fund.v[nd]); v1 > 0 {
				worst = math.Max(worst, math.Sqrt(sumSq[nd])/v1*100)
			}
		}
		thd[bus.name] = worst
	}
	return thd, nil
}
