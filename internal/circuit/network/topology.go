package network

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

//go:embed default.yaml
var defaultTopology []byte

// Topology is the static description of a circuit: one slack source and the
// buses, branches and shunts around it.
type Topology struct {
	Name         string            `yaml:"name"`
	Frequency    float64           `yaml:"frequency"`
	BaseMVA      float64           `yaml:"baseMVA"`
	Source       SourceSpec        `yaml:"source"`
	Buses        []BusSpec         `yaml:"buses"`
	Lines        []LineSpec        `yaml:"lines"`
	Transformers []TransformerSpec `yaml:"transformers"`
	Loads        []LoadSpec        `yaml:"loads"`
	Capacitors   []CapacitorSpec   `yaml:"capacitors"`
}

// SourceSpec is the Thevenin equivalent of the upstream grid.
type SourceSpec struct {
	Bus   string  `yaml:"bus"`
	KV    float64 `yaml:"kv"`
	PU    float64 `yaml:"pu"`
	MVASC float64 `yaml:"mvaSC"`
	XR    float64 `yaml:"xr"`
}

type BusSpec struct {
	Name string  `yaml:"name"`
	KV   float64 `yaml:"kv"`
}

// LineSpec impedances are per km: r1 and x1 in ohms, c1 in nF.
type LineSpec struct {
	Name     string  `yaml:"name"`
	Bus1     string  `yaml:"bus1"`
	Bus2     string  `yaml:"bus2"`
	LengthKM float64 `yaml:"lengthKm"`
	R1       float64 `yaml:"r1"`
	X1       float64 `yaml:"x1"`
	C1       float64 `yaml:"c1"`
}

// TransformerSpec is a two-winding transformer. PercentR applies to each
// winding; XHL is the high-low leakage reactance in percent.
type TransformerSpec struct {
	Name              string  `yaml:"name"`
	Bus1              string  `yaml:"bus1"`
	Bus2              string  `yaml:"bus2"`
	KVA               float64 `yaml:"kva"`
	PercentR          float64 `yaml:"percentR"`
	XHL               float64 `yaml:"xhl"`
	PercentNoLoadLoss float64 `yaml:"percentNoLoadLoss"`
}

type LoadSpec struct {
	Name string  `yaml:"name"`
	Bus  string  `yaml:"bus"`
	KW   float64 `yaml:"kw"`
	KVar float64 `yaml:"kvar"`
}

type CapacitorSpec struct {
	Name string  `yaml:"name"`
	Bus  string  `yaml:"bus"`
	KVar float64 `yaml:"kvar"`
}

// DefaultTopology returns the reference 400/220/33 kV substation circuit.
func DefaultTopology() *Topology {
	topo, err := ParseTopology(defaultTopology)
	if err != nil {
		panic(fmt.Sprintf("embedded topology: %v", err))
	}
	return topo
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load topology %q: %w", path, err)
	}
	topo, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("topology %q: %w", path, err)
	}
	return topo, nil
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, internalerrors.Invalid("parse_topology", "decode: %v", err)
	}
	if topo.Frequency == 0 {
		topo.Frequency = 50
	}
	if topo.BaseMVA == 0 {
		topo.BaseMVA = 100
	}
	if topo.Source.PU == 0 {
		topo.Source.PU = 1
	}
	if topo.Source.XR == 0 {
		topo.Source.XR = 10
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks references and ratings.
func (t *Topology) Validate() error {
	invalid := func(format string, args ...any) error {
		return internalerrors.Invalid("validate_topology", format, args...)
	}

	if t.Frequency <= 0 || t.BaseMVA <= 0 {
		return invalid("frequency and baseMVA must be positive")
	}
	if len(t.Buses) == 0 {
		return invalid("no buses defined")
	}

	buses := make(map[string]bool, len(t.Buses))
	for _, b := range t.Buses {
		key := strings.ToLower(b.Name)
		if b.Name == "" || buses[key] {
			return invalid("bus name %q is empty or duplicated", b.Name)
		}
		if b.KV <= 0 {
			return invalid("bus %s: kv must be positive", b.Name)
		}
		buses[key] = true
	}
	known := func(bus string) bool { return buses[strings.ToLower(bus)] }

	if !known(t.Source.Bus) {
		return invalid("source bus %q is not defined", t.Source.Bus)
	}
	if t.Source.MVASC <= 0 {
		return invalid("source mvaSC must be positive")
	}

	names := make(map[string]bool)
	unique := func(class, name string) error {
		key := class + "." + strings.ToLower(name)
		if name == "" || names[key] {
			return invalid("%s name %q is empty or duplicated", class, name)
		}
		names[key] = true
		return nil
	}

	for _, l := range t.Lines {
		if err := unique(classLine, l.Name); err != nil {
			return err
		}
		if !known(l.Bus1) || !known(l.Bus2) {
			return invalid("line %s references an unknown bus", l.Name)
		}
		if l.LengthKM <= 0 || (l.R1 == 0 && l.X1 == 0) {
			return invalid("line %s needs a length and an impedance", l.Name)
		}
	}
	for _, tr := range t.Transformers {
		if err := unique(classTransformer, tr.Name); err != nil {
			return err
		}
		if !known(tr.Bus1) || !known(tr.Bus2) {
			return invalid("transformer %s references an unknown bus", tr.Name)
		}
		if tr.KVA <= 0 || tr.XHL <= 0 {
			return invalid("transformer %s needs kva and xhl", tr.Name)
		}
	}
	for _, l := range t.Loads {
		if err := unique(classLoad, l.Name); err != nil {
			return err
		}
		if !known(l.Bus) {
			return invalid("load %s references an unknown bus", l.Name)
		}
	}
	for _, c := range t.Capacitors {
		if err := unique(classCapacitor, c.Name); err != nil {
			return err
		}
		if !known(c.Bus) {
			return invalid("capacitor %s references an unknown bus", c.Name)
		}
	}
	return nil
}
