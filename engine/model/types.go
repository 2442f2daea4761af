// Package model defines the canonical in-memory representation (IR) of an
// electrical distribution network. Readers populate a DistributionSystem from
// source records, the topology engine derives connectivity and partition
// metadata from it, and writers emit target formats from it. The IR is
// format-independent; cross-references between components are identity
// lookups, never embedded values.
package model

import (
	"sort"
	"strings"
)

// Phase identifies a single conductor phase.
type Phase string

const (
	PhaseA  Phase = "A"
	PhaseB  Phase = "B"
	PhaseC  Phase = "C"
	PhaseN  Phase = "N"
	PhaseS1 Phase = "S1"
	PhaseS2 Phase = "S2"
)

// phaseOrder fixes the canonical ordering of phases within a PhaseSet.
var phaseOrder = map[Phase]int{
	PhaseA: 0, PhaseB: 1, PhaseC: 2, PhaseN: 3, PhaseS1: 4, PhaseS2: 5,
}

// PhaseSet is an ordered set of phases. Use Normalize to obtain canonical
// ordering before comparisons.
type PhaseSet []Phase

// Normalize returns the set deduplicated and in canonical phase order.
func (ps PhaseSet) Normalize() PhaseSet {
	seen := make(map[Phase]bool, len(ps))
	var out PhaseSet
	for _, p := range ps {
		if _, known := phaseOrder[p]; !known {
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return phaseOrder[out[i]] < phaseOrder[out[j]] })
	return out
}

// Contains reports whether p is in the set.
func (ps PhaseSet) Contains(p Phase) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every phase in ps is also in other.
// The neutral phase is ignored: buses commonly omit an explicit neutral.
func (ps PhaseSet) SubsetOf(other PhaseSet) bool {
	for _, p := range ps {
		if p == PhaseN {
			continue
		}
		if !other.Contains(p) {
			return false
		}
	}
	return true
}

func (ps PhaseSet) String() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

// ParsePhases parses a comma-separated phase list such as "A,B,C".
func ParsePhases(s string) PhaseSet {
	var out PhaseSet
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		out = append(out, Phase(tok))
	}
	return out.Normalize()
}

// Kind is the closed enumeration of IR component types. Dispatch on Kind is
// exhaustive; adding a kind requires touching every switch that consumes it.
type Kind string

const (
	KindBus           Kind = "bus"
	KindVoltageSource Kind = "voltage_source"
	KindLoad          Kind = "load"
	KindCapacitor     Kind = "capacitor"
	KindSolar         Kind = "solar"
	KindBattery       Kind = "battery"
	KindTransformer   Kind = "transformer"
	KindLineCode      Kind = "line_code"
	KindLine          Kind = "line"
	KindSwitch        Kind = "switch"
	KindFuse          Kind = "fuse"
	KindRegulator     Kind = "regulator"
)

// Kinds lists every component kind in declaration order.
var Kinds = []Kind{
	KindBus, KindVoltageSource, KindLoad, KindCapacitor, KindSolar,
	KindBattery, KindTransformer, KindLineCode, KindLine, KindSwitch,
	KindFuse, KindRegulator,
}

// IsBranch reports whether components of this kind form edges in the
// connectivity graph.
func (k Kind) IsBranch() bool {
	switch k {
	case KindLine, KindSwitch, KindFuse, KindRegulator:
		return true
	}
	return false
}

// Component is the common contract of every IR record.
type Component interface {
	Identity() string
	Kind() Kind
}

// Connection is a single attachment of equipment to a bus, with the phases
// used at that attachment point.
type Connection struct {
	Bus    string   `json:"bus"`
	Phases PhaseSet `json:"phases"`
}

// Connectable is implemented by components that attach to one or more buses.
type Connectable interface {
	Component
	Connections() []Connection
}

// Rated is implemented by components carrying rated electrical quantities.
// Keys are quantity names ("active_power_w", "rated_voltage_v", ...), values
// are in canonical SI units.
type Rated interface {
	Component
	RatedQuantities() map[string]float64
}

// Branch is an edge record with exactly two bus endpoints.
type Branch interface {
	Component
	Endpoints() (from, to string)
	BranchPhases() PhaseSet
}

// Position is an optional geographic location.
type Position struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	CRS string  `json:"crs,omitempty"`
}

// Bus is a connectivity node. Identity is immutable once created; every
// other component references buses by name only.
type Bus struct {
	Name            string    `json:"name"`
	NominalVoltageV float64   `json:"nominal_voltage_v"`
	Phases          PhaseSet  `json:"phases"`
	Position        *Position `json:"position,omitempty"`
}

func (b *Bus) Identity() string { return b.Name }
func (b *Bus) Kind() Kind       { return KindBus }

// VoltageSource is a declared injection point. Feeder partitioning starts
// traversal from source buses; Substation groups feeders one level above.
type VoltageSource struct {
	Name       string   `json:"name"`
	Bus        string   `json:"bus"`
	Phases     PhaseSet `json:"phases"`
	VoltageV   float64  `json:"voltage_v"`
	AngleDeg   float64  `json:"angle_deg"`
	R1Ohm      float64  `json:"r1_ohm"`
	X1Ohm      float64  `json:"x1_ohm"`
	R0Ohm      float64  `json:"r0_ohm"`
	X0Ohm      float64  `json:"x0_ohm"`
	Substation string   `json:"substation,omitempty"`
}

func (v *VoltageSource) Identity() string { return v.Name }
func (v *VoltageSource) Kind() Kind       { return KindVoltageSource }
func (v *VoltageSource) Connections() []Connection {
	return []Connection{{Bus: v.Bus, Phases: v.Phases}}
}
func (v *VoltageSource) RatedQuantities() map[string]float64 {
	return map[string]float64{"voltage_v": v.VoltageV}
}

// Load is a power consumer attached to one bus.
type Load struct {
	Name             string   `json:"name"`
	Bus              string   `json:"bus"`
	Phases           PhaseSet `json:"phases"`
	ActivePowerW     float64  `json:"active_power_w"`
	ReactivePowerVar float64  `json:"reactive_power_var"`
	ConnKind         string   `json:"conn_kind,omitempty"` // "wye" or "delta"
}

func (l *Load) Identity() string { return l.Name }
func (l *Load) Kind() Kind       { return KindLoad }
func (l *Load) Connections() []Connection {
	return []Connection{{Bus: l.Bus, Phases: l.Phases}}
}
func (l *Load) RatedQuantities() map[string]float64 {
	return map[string]float64{
		"active_power_w":     l.ActivePowerW,
		"reactive_power_var": l.ReactivePowerVar,
	}
}

// Capacitor is a shunt compensator attached to one bus.
type Capacitor struct {
	Name             string   `json:"name"`
	Bus              string   `json:"bus"`
	Phases           PhaseSet `json:"phases"`
	ReactivePowerVar float64  `json:"reactive_power_var"`
	NominalVoltageV  float64  `json:"nominal_voltage_v"`
	NumBanks         int      `json:"num_banks,omitempty"`
}

func (c *Capacitor) Identity() string { return c.Name }
func (c *Capacitor) Kind() Kind       { return KindCapacitor }
func (c *Capacitor) Connections() []Connection {
	return []Connection{{Bus: c.Bus, Phases: c.Phases}}
}
func (c *Capacitor) RatedQuantities() map[string]float64 {
	return map[string]float64{"reactive_power_var": c.ReactivePowerVar}
}

// Solar is a photovoltaic source attached to one bus.
type Solar struct {
	Name                 string   `json:"name"`
	Bus                  string   `json:"bus"`
	Phases               PhaseSet `json:"phases"`
	ActivePowerW         float64  `json:"active_power_w"`
	RatedApparentPowerVA float64  `json:"rated_apparent_power_va"`
}

func (s *Solar) Identity() string { return s.Name }
func (s *Solar) Kind() Kind       { return KindSolar }
func (s *Solar) Connections() []Connection {
	return []Connection{{Bus: s.Bus, Phases: s.Phases}}
}
func (s *Solar) RatedQuantities() map[string]float64 {
	return map[string]float64{
		"active_power_w":          s.ActivePowerW,
		"rated_apparent_power_va": s.RatedApparentPowerVA,
	}
}

// Battery is a storage unit attached to one bus.
type Battery struct {
	Name             string   `json:"name"`
	Bus              string   `json:"bus"`
	Phases           PhaseSet `json:"phases"`
	RatedPowerW      float64  `json:"rated_power_w"`
	RatedEnergyWh    float64  `json:"rated_energy_wh"`
	ReactivePowerVar float64  `json:"reactive_power_var"`
}

func (b *Battery) Identity() string { return b.Name }
func (b *Battery) Kind() Kind       { return KindBattery }
func (b *Battery) Connections() []Connection {
	return []Connection{{Bus: b.Bus, Phases: b.Phases}}
}
func (b *Battery) RatedQuantities() map[string]float64 {
	return map[string]float64{
		"rated_power_w":   b.RatedPowerW,
		"rated_energy_wh": b.RatedEnergyWh,
	}
}

// Winding is one winding of a transformer.
type Winding struct {
	Bus             string   `json:"bus"`
	Phases          PhaseSet `json:"phases"`
	NominalVoltageV float64  `json:"nominal_voltage_v"`
	RatedPowerVA    float64  `json:"rated_power_va"`
	ConnKind        string   `json:"conn_kind,omitempty"` // "wye" or "delta"
	ResistancePct   float64  `json:"resistance_pct"`
}

// Transformer is a multi-winding power transformer. It attaches to one bus
// per winding; it is equipment, not a branch, in the connectivity graph.
type Transformer struct {
	Name         string    `json:"name"`
	Windings     []Winding `json:"windings"`
	ReactancePct float64   `json:"reactance_pct"`
}

func (t *Transformer) Identity() string { return t.Name }
func (t *Transformer) Kind() Kind       { return KindTransformer }
func (t *Transformer) Connections() []Connection {
	out := make([]Connection, len(t.Windings))
	for i, w := range t.Windings {
		out[i] = Connection{Bus: w.Bus, Phases: w.Phases}
	}
	return out
}
func (t *Transformer) RatedQuantities() map[string]float64 {
	q := map[string]float64{}
	if len(t.Windings) > 0 {
		q["rated_power_va"] = t.Windings[0].RatedPowerVA
	}
	return q
}

// LineCode is a per-unit-length impedance matrix referenced by branches.
// Matrix units are canonical: ohm/km for R and X, nF/km for C.
type LineCode struct {
	Name      string      `json:"name"`
	NumPhases int         `json:"num_phases"`
	RPerKm    [][]float64 `json:"r_per_km_ohm"`
	XPerKm    [][]float64 `json:"x_per_km_ohm"`
	CPerKm    [][]float64 `json:"c_per_km_nf,omitempty"`
	AmpacityA float64     `json:"ampacity_a,omitempty"`
}

func (lc *LineCode) Identity() string { return lc.Name }
func (lc *LineCode) Kind() Kind       { return KindLineCode }

// Line is a conductor segment between two buses. Impedance comes from the
// referenced LineCode scaled by LengthM.
type Line struct {
	Name     string   `json:"name"`
	FromBus  string   `json:"from_bus"`
	ToBus    string   `json:"to_bus"`
	Phases   PhaseSet `json:"phases"`
	LengthM  float64  `json:"length_m"`
	LineCode string   `json:"line_code"`
}

func (l *Line) Identity() string            { return l.Name }
func (l *Line) Kind() Kind                  { return KindLine }
func (l *Line) Endpoints() (string, string) { return l.FromBus, l.ToBus }
func (l *Line) BranchPhases() PhaseSet      { return l.Phases }

// Switch is a switchable branch.
type Switch struct {
	Line
	IsClosed bool `json:"is_closed"`
}

func (s *Switch) Kind() Kind { return KindSwitch }

// Fuse is a protective branch with a current rating.
type Fuse struct {
	Line
	RatingA  float64 `json:"rating_a"`
	IsClosed bool    `json:"is_closed"`
}

func (f *Fuse) Kind() Kind { return KindFuse }

// Regulator is a voltage-regulating branch (a regulating transformer plus
// its tap controller collapsed into one edge record).
type Regulator struct {
	Name            string   `json:"name"`
	FromBus         string   `json:"from_bus"`
	ToBus           string   `json:"to_bus"`
	Phases          PhaseSet `json:"phases"`
	NominalVoltageV float64  `json:"nominal_voltage_v"`
	RatedPowerVA    float64  `json:"rated_power_va"`
	SetpointV       float64  `json:"setpoint_v"`
	BandwidthV      float64  `json:"bandwidth_v"`
	TapPosition     int      `json:"tap_position"`
}

func (r *Regulator) Identity() string            { return r.Name }
func (r *Regulator) Kind() Kind                  { return KindRegulator }
func (r *Regulator) Endpoints() (string, string) { return r.FromBus, r.ToBus }
func (r *Regulator) BranchPhases() PhaseSet      { return r.Phases }
func (r *Regulator) RatedQuantities() map[string]float64 {
	return map[string]float64{"rated_power_va": r.RatedPowerVA}
}
