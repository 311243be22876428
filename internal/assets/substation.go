package assets

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Asset groups of the standard substation.
const (
	GroupTransformers     = "transformers"
	GroupBreakers400      = "breakers_400kv"
	GroupBreakers220      = "breakers_220kv"
	GroupProtectionRelays = "protection_relays"
	GroupBusbars          = "busbars"
	GroupCompensation     = "compensation"
	GroupAuxiliary        = "auxiliary"
)

// NewStandardSubstation builds the reference 400/220 kV substation: two
// 315 MVA transformers, 6 + 10 breakers, per-phase CTs, CVTs, line and bus
// isolators interlocked with their bay breaker, relays, busbars, reactive
// compensation and the station battery. Ages and running hours are drawn
// from seed so the fleet is reproducible.
func NewStandardSubstation(seed int64) *Registry {
	rng := rand.New(rand.NewSource(seed))
	now := nowFn()
	r := NewRegistry()

	add := func(a *Asset, group string) {
		a.Commissioned = now.Add(-time.Duration(365+rng.Intn(3285)) * 24 * time.Hour)
		a.OperatingHours = float64(1000 + rng.Intn(49000))
		a.recompute(now)
		r.Add(a, group)
	}

	for i := 1; i <= 2; i++ {
		add(New(fmt.Sprintf("TR%d", i), fmt.Sprintf("400/220kV Transformer %d", i), TypePowerTransformer, fmt.Sprintf("Bay %d", i), 400), GroupTransformers)
	}
	for i := 1; i <= 6; i++ {
		add(New(fmt.Sprintf("CB_400_%d", i), fmt.Sprintf("400kV Breaker %d", i), TypeCircuitBreaker, fmt.Sprintf("400kV Bay %d", i), 400), GroupBreakers400)
	}
	for i := 1; i <= 10; i++ {
		add(New(fmt.Sprintf("CB_220_%d", i), fmt.Sprintf("220kV Breaker %d", i), TypeCircuitBreaker, fmt.Sprintf("220kV Bay %d", i), 220), GroupBreakers220)
	}

	for _, kv := range []int{400, 220} {
		for _, phase := range []string{"R", "Y", "B"} {
			for bay := 1; bay <= 3; bay++ {
				add(New(fmt.Sprintf("CT_%d_%d_%s", kv, bay, phase), fmt.Sprintf("%dkV CT Bay%d Phase%s", kv, bay, phase),
					TypeCurrentTransformer, fmt.Sprintf("%dkV Bay %d", kv, bay), float64(kv)), fmt.Sprintf("cts_%dkv", kv))
			}
		}
		for bay := 1; bay <= 3; bay++ {
			add(New(fmt.Sprintf("CVT_%d_%d", kv, bay), fmt.Sprintf("%dkV CVT Bay%d", kv, bay),
				TypeVoltageTransformer, fmt.Sprintf("%dkV Bay %d", kv, bay), float64(kv)), fmt.Sprintf("cvts_%dkv", kv))
		}
		for bay := 1; bay <= 5; bay++ {
			for _, position := range []string{"line", "bus"} {
				iso := New(fmt.Sprintf("ISO_%d_%d_%s", kv, bay, position), fmt.Sprintf("%dkV Isolator Bay%d %s", kv, bay, position),
					TypeIsolator, fmt.Sprintf("%dkV Bay %d", kv, bay), float64(kv))
				iso.Variant.(*IsolatorData).InterlockedWith = []string{fmt.Sprintf("CB_%d_%d", kv, bay)}
				add(iso, fmt.Sprintf("isolators_%dkv", kv))
			}
		}
	}

	relays := []struct {
		name       string
		protection ProtectionType
		count      int
	}{
		{"transformer_differential", ProtectionDifferential, 2},
		{"line_distance", ProtectionDistance, 6},
		{"busbar_protection", ProtectionBusbar, 2},
		{"breaker_failure", ProtectionBreakerFailure, 4},
		{"backup_overcurrent", ProtectionOvercurrent, 2},
	}
	for _, cfg := range relays {
		for i := 1; i <= cfg.count; i++ {
			relay := New(fmt.Sprintf("RELAY_%s_%d", cfg.name, i), fmt.Sprintf("%s %d", titleCase(cfg.name), i),
				TypeProtectionRelay, fmt.Sprintf("Control Room Panel %d", i), 0.11)
			relay.Variant.(*RelayData).Protection = cfg.protection
			add(relay, GroupProtectionRelays)
		}
	}

	for _, kv := range []int{400, 220} {
		for i := 1; i <= 2; i++ {
			add(New(fmt.Sprintf("BUS_%d_%d", kv, i), fmt.Sprintf("%dkV Main Bus %d", kv, i), TypeBusbar, fmt.Sprintf("%dkV Switchyard", kv), float64(kv)), GroupBusbars)
		}
	}
	for i := 1; i <= 2; i++ {
		add(New(fmt.Sprintf("CAP_220_%d", i), fmt.Sprintf("220kV Capacitor Bank %d", i), TypeCapacitorBank, "220kV Switchyard", 220), GroupCompensation)
	}
	add(New("REACTOR_400_1", "400kV Shunt Reactor 1", TypeReactor, "400kV Switchyard", 400), GroupCompensation)
	for _, kv := range []int{400, 220} {
		add(New(fmt.Sprintf("LA_%d_1", kv), fmt.Sprintf("%dkV Surge Arrester 1", kv), TypeSurgeArrester, fmt.Sprintf("%dkV Switchyard", kv), float64(kv)), GroupAuxiliary)
	}
	add(New("BATT_1", "220V DC Station Battery", TypeBatterySystem, "Control Room", 0.22), GroupAuxiliary)

	return r
}

func titleCase(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
