// Package units converts heterogeneous source units into the IR's fixed
// canonical unit system. Every mapper funnels quantities through Normalize,
// so the conversion tables here are the single source of truth and formats
// cannot silently diverge.
package units

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedUnit is returned for unit/kind pairs missing from the tables.
var ErrUnsupportedUnit = errors.New("unsupported unit")

// Kind is the physical quantity being converted.
type Kind string

const (
	Length               Kind = "length"
	Voltage              Kind = "voltage"
	ActivePower          Kind = "active_power"
	ReactivePower        Kind = "reactive_power"
	ApparentPower        Kind = "apparent_power"
	Energy               Kind = "energy"
	Current              Kind = "current"
	Resistance           Kind = "resistance"
	ResistancePerLength  Kind = "resistance_per_length"
	CapacitancePerLength Kind = "capacitance_per_length"
)

// canonical names the canonical unit per kind: SI base units, with per-length
// impedance in ohm/km and per-length capacitance in nF/km.
var canonical = map[Kind]string{
	Length:               "m",
	Voltage:              "V",
	ActivePower:          "W",
	ReactivePower:        "var",
	ApparentPower:        "VA",
	Energy:               "Wh",
	Current:              "A",
	Resistance:           "ohm",
	ResistancePerLength:  "ohm/km",
	CapacitancePerLength: "nF/km",
}

const (
	footM = 0.3048
	mileM = 1609.344
)

// factors maps lowercase unit spellings to the multiplier into the canonical
// unit of each kind.
var factors = map[Kind]map[string]float64{
	Length: {
		"m": 1, "meter": 1, "km": 1000, "cm": 0.01, "mm": 0.001,
		"ft": footM, "feet": footM, "kft": 1000 * footM,
		"mi": mileM, "mile": mileM, "in": 0.0254, "inch": 0.0254,
	},
	Voltage: {
		"v": 1, "volt": 1, "kv": 1e3, "mv": 1e6,
	},
	ActivePower: {
		"w": 1, "watt": 1, "kw": 1e3, "mw": 1e6,
	},
	ReactivePower: {
		"var": 1, "kvar": 1e3, "mvar": 1e6,
	},
	ApparentPower: {
		"va": 1, "kva": 1e3, "mva": 1e6,
	},
	Energy: {
		"wh": 1, "kwh": 1e3, "mwh": 1e6,
	},
	Current: {
		"a": 1, "amp": 1, "ka": 1e3,
	},
	Resistance: {
		"ohm": 1, "kohm": 1e3, "mohm": 0.001,
	},
	ResistancePerLength: {
		"ohm/km":  1,
		"ohm/m":   1000,
		"ohm/ft":  1000 / footM,
		"ohm/kft": 1000 / (1000 * footM),
		"ohm/mi":  1000 / mileM, "ohm/mile": 1000 / mileM,
	},
	CapacitancePerLength: {
		"nf/km":  1,
		"nf/m":   1000,
		"uf/km":  1e3,
		"nf/ft":  1000 / footM,
		"nf/kft": 1000 / (1000 * footM),
		"nf/mi":  1000 / mileM, "nf/mile": 1000 / mileM,
	},
}

// Canonical returns the canonical unit symbol for a kind.
func Canonical(k Kind) string { return canonical[k] }

// Normalize converts value from sourceUnit into the canonical unit of kind.
// Pure function, no state.
func Normalize(value float64, sourceUnit string, kind Kind) (float64, error) {
	table, ok := factors[kind]
	if !ok {
		return 0, fmt.Errorf("%w: unknown quantity kind %q", ErrUnsupportedUnit, kind)
	}
	f, ok := table[strings.ToLower(strings.TrimSpace(sourceUnit))]
	if !ok {
		return 0, fmt.Errorf("%w: %q for %s", ErrUnsupportedUnit, sourceUnit, kind)
	}
	return value * f, nil
}

// Convert converts value between two units of the same kind.
func Convert(value float64, from, to string, kind Kind) (float64, error) {
	inCanonical, err := Normalize(value, from, kind)
	if err != nil {
		return 0, err
	}
	table := factors[kind]
	f, ok := table[strings.ToLower(strings.TrimSpace(to))]
	if !ok {
		return 0, fmt.Errorf("%w: %q for %s", ErrUnsupportedUnit, to, kind)
	}
	return inCanonical / f, nil
}
