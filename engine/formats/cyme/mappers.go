package cyme

import (
	"math"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/units"
)

// NewRegistry builds the CYME mapper registry. Records arrive pre-joined by
// the reader: section endpoints and equipment ratings are already flattened
// into the record fields, so every mapper is a pure record-to-component
// translation.
func NewRegistry() *mapper.Registry {
	r := mapper.NewRegistry(FormatName)
	r.Register(&sourceMapper{})
	r.Register(&lineEquipmentMapper{})
	r.Register(&lineSettingMapper{})
	r.Register(&switchSettingMapper{})
	r.Register(&fuseSettingMapper{})
	r.Register(&transformerSettingMapper{})
	r.Register(&capacitorSettingMapper{})
	r.Register(&spotLoadMapper{})
	return r
}

const sqrt3 = 1.7320508075688772

// lineToNeutralV converts a CYME line-to-line kV rating to line-to-neutral
// volts for polyphase attachments.
func lineToNeutralV(kvll float64, numPhases int) float64 {
	v := kvll * 1000
	if numPhases > 1 {
		v /= sqrt3
	}
	return v
}

// Default per-unit-length impedances and ampacity for branches whose
// equipment carries no ratings, matching common CYME export conventions.
const (
	defaultR1OhmKm   = 1e-6
	defaultX1OhmKm   = 1e-4
	defaultAmpacityA = 600
)

// parsePhaseLetters reads the CYME phase spelling "ABC", "AN", "C" into a
// phase set. Unknown letters are skipped; empty input yields an empty set.
func parsePhaseLetters(s string) model.PhaseSet {
	var out model.PhaseSet
	for _, r := range s {
		switch r {
		case 'A', 'a':
			out = append(out, model.PhaseA)
		case 'B', 'b':
			out = append(out, model.PhaseB)
		case 'C', 'c':
			out = append(out, model.PhaseC)
		case 'N', 'n':
			out = append(out, model.PhaseN)
		}
	}
	return out.Normalize()
}

// recordPhases reads a record's phase spelling, defaulting to all three
// phases when the source leaves it blank.
func recordPhases(rec mapper.Record) model.PhaseSet {
	if ps := parsePhaseLetters(rec.Get("phases")); len(ps) > 0 {
		return ps
	}
	return model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
}

func cannotEmit(c model.Component) ([]mapper.Record, error) {
	return nil, model.NewViolation(c.Identity(), "",
		"cyme has no writer", model.ErrUnknownReference)
}

// --- source ---

type sourceMapper struct{}

func (m *sourceMapper) Construct() string   { return "source" }
func (m *sourceMapper) Kinds() []model.Kind { return []model.Kind{model.KindVoltageSource} }
func (m *sourceMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "source",
		Fields:    []string{"name", "bus", "kvll", "angle", "phases", "substation"},
		Dropped:   []string{"operatingvoltage", "impedances"},
	}
}

func (m *sourceMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus")
	if err != nil {
		return nil, err
	}
	kvll, err := mapper.RequiredFloat(rec, "kvll")
	if err != nil {
		return nil, err
	}
	angle, err := mapper.OptionalFloat(rec, "angle", 0)
	if err != nil {
		return nil, err
	}
	phases := recordPhases(rec)
	return []model.Component{&model.VoltageSource{
		Name:       name,
		Bus:        bus,
		Phases:     phases,
		VoltageV:   lineToNeutralV(kvll, len(phases)),
		AngleDeg:   angle,
		Substation: rec.Get("substation"),
	}}, nil
}

func (m *sourceMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// --- line equipment ---

// lineEquipmentMapper turns an equipment line entry carrying sequence
// impedances into a phase-domain LineCode. For a transposed line the phase
// matrix has (2*Z1+Z0)/3 on the diagonal and (Z0-Z1)/3 off it.
type lineEquipmentMapper struct{}

func (m *lineEquipmentMapper) Construct() string   { return "line_equipment" }
func (m *lineEquipmentMapper) Kinds() []model.Kind { return []model.Kind{model.KindLineCode} }
func (m *lineEquipmentMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "line_equipment",
		Fields:    []string{"name", "r1", "x1", "r0", "x0", "amps"},
		Dropped:   []string{"b1", "b0", "conductor ids"},
	}
}

func (m *lineEquipmentMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	r1, err := mapper.OptionalFloat(rec, "r1", defaultR1OhmKm)
	if err != nil {
		return nil, err
	}
	x1, err := mapper.OptionalFloat(rec, "x1", defaultX1OhmKm)
	if err != nil {
		return nil, err
	}
	r0, err := mapper.OptionalFloat(rec, "r0", r1)
	if err != nil {
		return nil, err
	}
	x0, err := mapper.OptionalFloat(rec, "x0", x1)
	if err != nil {
		return nil, err
	}
	amps, err := mapper.OptionalFloat(rec, "amps", defaultAmpacityA)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.LineCode{
		Name:      name,
		NumPhases: 3,
		RPerKm:    sequenceMatrix(r1, r0),
		XPerKm:    sequenceMatrix(x1, x0),
		AmpacityA: amps,
	}}, nil
}

func (m *lineEquipmentMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// sequenceMatrix builds the 3x3 phase matrix of a transposed line from its
// positive- and zero-sequence values.
func sequenceMatrix(z1, z0 float64) [][]float64 {
	diag := (2*z1 + z0) / 3
	off := (z0 - z1) / 3
	out := make([][]float64, 3)
	for i := range out {
		out[i] = make([]float64, 3)
		for j := range out[i] {
			if i == j {
				out[i][j] = diag
			} else {
				out[i][j] = off
			}
		}
	}
	return out
}

// --- line section ---

type lineSettingMapper struct{}

func (m *lineSettingMapper) Construct() string   { return "line" }
func (m *lineSettingMapper) Kinds() []model.Kind { return []model.Kind{model.KindLine} }
func (m *lineSettingMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "line",
		Fields:    []string{"name", "frombus", "tobus", "phases", "linecode", "length"},
		Dropped:   []string{"harmonic model", "coordinates along the section"},
	}
}

func (m *lineSettingMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	base, err := branchBase(rec, ctx)
	if err != nil {
		return nil, err
	}
	return []model.Component{&base}, nil
}

func (m *lineSettingMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// branchBase reads the shared branch fields of a pre-joined section record.
// Length defaults to one meter, the CYME stand-in for a zero-length section.
func branchBase(rec mapper.Record, ctx *mapper.Context) (model.Line, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return model.Line{}, err
	}
	from, err := mapper.RequiredField(rec, "frombus")
	if err != nil {
		return model.Line{}, err
	}
	to, err := mapper.RequiredField(rec, "tobus")
	if err != nil {
		return model.Line{}, err
	}
	unit := ctx.Option("length-units", "m")
	length, err := mapper.OptionalQuantity(rec, "length", unit, units.Length, 1)
	if err != nil {
		return model.Line{}, err
	}
	return model.Line{
		Name:     name,
		FromBus:  from,
		ToBus:    to,
		Phases:   recordPhases(rec),
		LengthM:  length,
		LineCode: rec.Get("linecode"),
	}, nil
}

// --- switch section ---

type switchSettingMapper struct{}

func (m *switchSettingMapper) Construct() string   { return "switch" }
func (m *switchSettingMapper) Kinds() []model.Kind { return []model.Kind{model.KindSwitch} }
func (m *switchSettingMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "switch",
		Fields:    []string{"name", "frombus", "tobus", "phases", "closedphase"},
	}
}

func (m *switchSettingMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	base, err := branchBase(rec, ctx)
	if err != nil {
		return nil, err
	}
	closed := !strings.EqualFold(rec.Get("closedphase"), "none")
	return []model.Component{&model.Switch{Line: base, IsClosed: closed}}, nil
}

func (m *switchSettingMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// --- fuse section ---

type fuseSettingMapper struct{}

func (m *fuseSettingMapper) Construct() string   { return "fuse" }
func (m *fuseSettingMapper) Kinds() []model.Kind { return []model.Kind{model.KindFuse} }
func (m *fuseSettingMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "fuse",
		Fields:    []string{"name", "frombus", "tobus", "phases", "amps"},
		Dropped:   []string{"tcc curve"},
	}
}

func (m *fuseSettingMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	base, err := branchBase(rec, ctx)
	if err != nil {
		return nil, err
	}
	amps, err := mapper.OptionalFloat(rec, "amps", defaultAmpacityA)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Fuse{Line: base, RatingA: amps, IsClosed: true}}, nil
}

func (m *fuseSettingMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// --- transformer section ---

// transformerSettingMapper builds a two-winding transformer from a section
// record pre-joined with its equipment ratings. The equipment carries the
// total impedance in percent plus an X/R ratio; the resistive part splits
// evenly across the windings.
type transformerSettingMapper struct{}

func (m *transformerSettingMapper) Construct() string   { return "transformer" }
func (m *transformerSettingMapper) Kinds() []model.Kind { return []model.Kind{model.KindTransformer} }
func (m *transformerSettingMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "transformer",
		Fields:    []string{"name", "frombus", "tobus", "phases", "kva", "kvllprim", "kvllsec", "z1", "xr"},
		Dropped:   []string{"z0", "noloadlosses", "tap settings"},
	}
}

func (m *transformerSettingMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	from, err := mapper.RequiredField(rec, "frombus")
	if err != nil {
		return nil, err
	}
	to, err := mapper.RequiredField(rec, "tobus")
	if err != nil {
		return nil, err
	}
	kva, err := mapper.RequiredFloat(rec, "kva")
	if err != nil {
		return nil, err
	}
	kvPrim, err := mapper.RequiredFloat(rec, "kvllprim")
	if err != nil {
		return nil, err
	}
	kvSec, err := mapper.RequiredFloat(rec, "kvllsec")
	if err != nil {
		return nil, err
	}
	z1, err := mapper.OptionalFloat(rec, "z1", 0)
	if err != nil {
		return nil, err
	}
	xr, err := mapper.OptionalFloat(rec, "xr", 0)
	if err != nil {
		return nil, err
	}
	var rPct, xPct float64
	if z1 > 0 && xr > 0 {
		rPct = z1 / math.Sqrt(1+xr*xr)
		xPct = rPct * xr
	} else if z1 > 0 {
		xPct = z1
	}
	phases := recordPhases(rec)
	winding := func(bus string, kvll float64) model.Winding {
		return model.Winding{
			Bus:             bus,
			Phases:          phases,
			NominalVoltageV: lineToNeutralV(kvll, len(phases)),
			RatedPowerVA:    kva * 1000,
			ConnKind:        "wye",
			ResistancePct:   rPct / 2,
		}
	}
	return []model.Component{&model.Transformer{
		Name:         name,
		Windings:     []model.Winding{winding(from, kvPrim), winding(to, kvSec)},
		ReactancePct: xPct,
	}}, nil
}

func (m *transformerSettingMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// --- shunt capacitor section ---

type capacitorSettingMapper struct{}

func (m *capacitorSettingMapper) Construct() string   { return "capacitor" }
func (m *capacitorSettingMapper) Kinds() []model.Kind { return []model.Kind{model.KindCapacitor} }
func (m *capacitorSettingMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "capacitor",
		Fields:    []string{"name", "bus", "phases", "kvar", "kv"},
		Dropped:   []string{"control mode", "switching setpoints"},
	}
}

func (m *capacitorSettingMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus")
	if err != nil {
		return nil, err
	}
	kvar, err := mapper.RequiredQuantity(rec, "kvar", "kvar", units.ReactivePower)
	if err != nil {
		return nil, err
	}
	kv, err := mapper.OptionalFloat(rec, "kv", 0)
	if err != nil {
		return nil, err
	}
	phases := recordPhases(rec)
	return []model.Component{&model.Capacitor{
		Name:             name,
		Bus:              bus,
		Phases:           phases,
		ReactivePowerVar: kvar,
		NominalVoltageV:  lineToNeutralV(kv, len(phases)),
	}}, nil
}

func (m *capacitorSettingMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}

// --- spot load ---

type spotLoadMapper struct{}

func (m *spotLoadMapper) Construct() string   { return "load" }
func (m *spotLoadMapper) Kinds() []model.Kind { return []model.Kind{model.KindLoad} }
func (m *spotLoadMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "load",
		Fields:    []string{"name", "bus", "phases", "kw", "kvar"},
		Dropped:   []string{"consumer class", "load model curves"},
	}
}

func (m *spotLoadMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus")
	if err != nil {
		return nil, err
	}
	kw, err := mapper.OptionalQuantity(rec, "kw", "kW", units.ActivePower, 0)
	if err != nil {
		return nil, err
	}
	kvar, err := mapper.OptionalQuantity(rec, "kvar", "kvar", units.ReactivePower, 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Load{
		Name:             name,
		Bus:              bus,
		Phases:           recordPhases(rec),
		ActivePowerW:     kw,
		ReactivePowerVar: kvar,
		ConnKind:         "wye",
	}}, nil
}

func (m *spotLoadMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	return cannotEmit(c)
}
