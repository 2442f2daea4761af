package opendss

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/units"
)

// NewRegistry builds the OpenDSS mapper registry.
func NewRegistry() *mapper.Registry {
	r := mapper.NewRegistry(FormatName)
	r.Register(&circuitMapper{})
	r.Register(&lineCodeMapper{})
	r.Register(&lineMapper{})
	r.Register(&fuseMapper{})
	r.Register(&loadMapper{})
	r.Register(&capacitorMapper{})
	r.Register(&pvSystemMapper{})
	r.Register(&storageMapper{})
	r.Register(&transformerMapper{})
	r.Register(&regControlMapper{})
	return r
}

const sqrt3 = 1.7320508075688772

// lineToNeutralV converts an OpenDSS kV rating to line-to-neutral volts.
// OpenDSS uses line-to-line kV for polyphase devices, line-to-neutral for
// single-phase.
func lineToNeutralV(kv float64, numPhases int) float64 {
	v := kv * 1000
	if numPhases > 1 {
		v /= sqrt3
	}
	return v
}

// kvFor is the inverse of lineToNeutralV.
func kvFor(voltsLN float64, numPhases int) float64 {
	kv := voltsLN / 1000
	if numPhases > 1 {
		kv *= sqrt3
	}
	return kv
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func wrongKind(c model.Component, construct string) error {
	return model.NewViolation(c.Identity(), "",
		fmt.Sprintf("%s mapper cannot emit %s", construct, c.Kind()), model.ErrUnknownReference)
}

// --- circuit / vsource ---

type circuitMapper struct{}

func (m *circuitMapper) Construct() string   { return "circuit" }
func (m *circuitMapper) Kinds() []model.Kind { return []model.Kind{model.KindVoltageSource} }
func (m *circuitMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "circuit",
		Fields:    []string{"name", "bus1", "basekv", "pu", "ang", "r1", "x1", "r0", "x0"},
		// The IR's substation declaration has no OpenDSS spelling.
		Dropped: []string{"substation"},
	}
}

func (m *circuitMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	ref := parseBusRef(mapper.OptionalField(rec, "bus1", "sourcebus"))
	baseKV, err := mapper.RequiredFloat(rec, "basekv")
	if err != nil {
		return nil, err
	}
	pu, err := mapper.OptionalFloat(rec, "pu", 1.0)
	if err != nil {
		return nil, err
	}
	ang, err := mapper.OptionalFloat(rec, "ang", 0)
	if err != nil {
		return nil, err
	}
	r1, err := mapper.OptionalFloat(rec, "r1", 0)
	if err != nil {
		return nil, err
	}
	x1, err := mapper.OptionalFloat(rec, "x1", 0)
	if err != nil {
		return nil, err
	}
	r0, err := mapper.OptionalFloat(rec, "r0", 0)
	if err != nil {
		return nil, err
	}
	x0, err := mapper.OptionalFloat(rec, "x0", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.VoltageSource{
		Name:     name,
		Bus:      ref.Bus,
		Phases:   ref.Phases,
		VoltageV: pu * lineToNeutralV(baseKV, len(ref.Phases)),
		AngleDeg: ang,
		R1Ohm:    r1, X1Ohm: x1, R0Ohm: r0, X0Ohm: x0,
	}}, nil
}

func (m *circuitMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	vs, ok := c.(*model.VoltageSource)
	if !ok {
		return nil, wrongKind(c, "circuit")
	}
	return []mapper.Record{{Construct: "circuit", Fields: map[string]string{
		"name":   vs.Name,
		"bus1":   formatBusRef(vs.Bus, vs.Phases),
		"basekv": fmtFloat(kvFor(vs.VoltageV, len(vs.Phases))),
		"pu":     "1.0",
		"ang":    fmtFloat(vs.AngleDeg),
		"r1":     fmtFloat(vs.R1Ohm),
		"x1":     fmtFloat(vs.X1Ohm),
		"r0":     fmtFloat(vs.R0Ohm),
		"x0":     fmtFloat(vs.X0Ohm),
	}}}, nil
}

// --- linecode ---

type lineCodeMapper struct{}

func (m *lineCodeMapper) Construct() string   { return "linecode" }
func (m *lineCodeMapper) Kinds() []model.Kind { return []model.Kind{model.KindLineCode} }
func (m *lineCodeMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "linecode",
		Fields:    []string{"name", "nphases", "rmatrix", "xmatrix", "cmatrix", "units", "normamps"},
	}
}

func (m *lineCodeMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	nphases, err := mapper.OptionalFloat(rec, "nphases", 3)
	if err != nil {
		return nil, err
	}
	unit := "ohm/" + strings.ToLower(mapper.OptionalField(rec, "units", "km"))
	rraw, err := mapper.RequiredField(rec, "rmatrix")
	if err != nil {
		return nil, err
	}
	xraw, err := mapper.RequiredField(rec, "xmatrix")
	if err != nil {
		return nil, err
	}
	r, err := parseMatrix(rec, "rmatrix", rraw, int(nphases), unit, units.ResistancePerLength)
	if err != nil {
		return nil, err
	}
	x, err := parseMatrix(rec, "xmatrix", xraw, int(nphases), unit, units.ResistancePerLength)
	if err != nil {
		return nil, err
	}
	var cm [][]float64
	if craw := rec.Get("cmatrix"); craw != "" {
		cUnit := "nf/" + strings.ToLower(mapper.OptionalField(rec, "units", "km"))
		cm, err = parseMatrix(rec, "cmatrix", craw, int(nphases), cUnit, units.CapacitancePerLength)
		if err != nil {
			return nil, err
		}
	}
	amps, err := mapper.OptionalFloat(rec, "normamps", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.LineCode{
		Name:      name,
		NumPhases: int(nphases),
		RPerKm:    r,
		XPerKm:    x,
		CPerKm:    cm,
		AmpacityA: amps,
	}}, nil
}

func (m *lineCodeMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	lc, ok := c.(*model.LineCode)
	if !ok {
		return nil, wrongKind(c, "linecode")
	}
	fields := map[string]string{
		"name":    lc.Name,
		"nphases": strconv.Itoa(lc.NumPhases),
		"units":   "km",
		"rmatrix": formatMatrix(lc.RPerKm),
		"xmatrix": formatMatrix(lc.XPerKm),
	}
	if len(lc.CPerKm) > 0 {
		fields["cmatrix"] = formatMatrix(lc.CPerKm)
	}
	if lc.AmpacityA > 0 {
		fields["normamps"] = fmtFloat(lc.AmpacityA)
	}
	return []mapper.Record{{Construct: "linecode", Fields: fields}}, nil
}

// parseMatrix parses the OpenDSS lower-triangular matrix syntax
// "0.09 | 0.04 0.09" into a full symmetric matrix in canonical units.
func parseMatrix(rec mapper.Record, field, raw string, n int, unit string, kind units.Kind) ([][]float64, error) {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	rows := strings.Split(raw, "|")
	if len(rows) > n {
		return nil, model.NewViolation(rec.Get("name"), field,
			fmt.Sprintf("%d rows for %d phases", len(rows), n), model.ErrMissingRequiredField)
	}
	for i, row := range rows {
		vals := strings.Fields(strings.ReplaceAll(row, ",", " "))
		for j, tok := range vals {
			if j > i || i >= n {
				return nil, model.NewViolation(rec.Get("name"), field,
					"not lower triangular", model.ErrMissingRequiredField)
			}
			f, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, model.NewViolation(rec.Get("name"), field,
					fmt.Sprintf("not a number: %q", tok), model.ErrMissingRequiredField)
			}
			v, err := units.Normalize(f, unit, kind)
			if err != nil {
				return nil, model.NewViolation(rec.Get("name"), field, err.Error(), units.ErrUnsupportedUnit)
			}
			out[i][j] = v
			out[j][i] = v
		}
	}
	return out, nil
}

// formatMatrix renders the lower triangle in canonical units.
func formatMatrix(m [][]float64) string {
	var rows []string
	for i := range m {
		var vals []string
		for j := 0; j <= i; j++ {
			vals = append(vals, fmtFloat(m[i][j]))
		}
		rows = append(rows, strings.Join(vals, " "))
	}
	return strings.Join(rows, " | ")
}

// --- line / switch ---

type lineMapper struct{}

func (m *lineMapper) Construct() string   { return "line" }
func (m *lineMapper) Kinds() []model.Kind { return []model.Kind{model.KindLine, model.KindSwitch} }
func (m *lineMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "line",
		Fields:    []string{"name", "bus1", "bus2", "linecode", "length", "units", "switch", "enabled"},
		// Scalar sequence impedances are not representable; lines carry a
		// line code reference in the IR.
		Dropped: []string{"r1", "x1", "r0", "x0", "c1", "c0"},
	}
}

func (m *lineMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1raw, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	b2raw, err := mapper.RequiredField(rec, "bus2")
	if err != nil {
		return nil, err
	}
	b1, b2 := parseBusRef(b1raw), parseBusRef(b2raw)
	lengthUnit := mapper.OptionalField(rec, "units", "km")
	length, err := mapper.OptionalQuantity(rec, "length", lengthUnit, units.Length, 1)
	if err != nil {
		return nil, err
	}
	line := model.Line{
		Name:     name,
		FromBus:  b1.Bus,
		ToBus:    b2.Bus,
		Phases:   b1.Phases,
		LengthM:  length,
		LineCode: rec.Get("linecode"),
	}
	if isTrue(rec.Get("switch")) {
		return []model.Component{&model.Switch{
			Line:     line,
			IsClosed: !isFalse(mapper.OptionalField(rec, "enabled", "yes")),
		}}, nil
	}
	return []model.Component{&line}, nil
}

func (m *lineMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	switch v := c.(type) {
	case *model.Line:
		return []mapper.Record{{Construct: "line", Fields: lineFields(v)}}, nil
	case *model.Switch:
		fields := lineFields(&v.Line)
		fields["switch"] = "yes"
		if !v.IsClosed {
			fields["enabled"] = "no"
		}
		return []mapper.Record{{Construct: "line", Fields: fields}}, nil
	}
	return nil, wrongKind(c, "line")
}

func lineFields(l *model.Line) map[string]string {
	fields := map[string]string{
		"name":   l.Name,
		"bus1":   formatBusRef(l.FromBus, l.Phases),
		"bus2":   formatBusRef(l.ToBus, l.Phases),
		"length": fmtFloat(l.LengthM / 1000),
		"units":  "km",
	}
	if l.LineCode != "" {
		fields["linecode"] = l.LineCode
	}
	return fields
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "y", "true", "t", "1":
		return true
	}
	return false
}

func isFalse(s string) bool {
	switch strings.ToLower(s) {
	case "no", "n", "false", "f", "0":
		return true
	}
	return false
}

// --- fuse ---

// fuseMapper joins a Fuse element onto the line it monitors: the IR carries
// one Fuse branch where OpenDSS carries a Line plus a Fuse.
type fuseMapper struct{}

func (m *fuseMapper) Construct() string   { return "fuse" }
func (m *fuseMapper) Kinds() []model.Kind { return []model.Kind{model.KindFuse} }
func (m *fuseMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "fuse",
		Fields:    []string{"name", "monitoredobj", "ratedcurrent"},
		Dropped:   []string{"fusecurve", "delay"},
	}
}

func (m *fuseMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	monitored, err := mapper.RequiredField(rec, "monitoredobj")
	if err != nil {
		return nil, err
	}
	lineName := monitored
	if _, after, ok := strings.Cut(monitored, "."); ok {
		lineName = after
	}
	comp, err := ctx.System.Resolve(lineName)
	if err != nil {
		return nil, model.NewViolation(fmt.Sprintf("fuse %q", name), "monitoredobj",
			fmt.Sprintf("monitored line %q not mapped", lineName), model.ErrIncompleteMultiPartRecord)
	}
	var base model.Line
	switch v := comp.(type) {
	case *model.Line:
		base = *v
	case *model.Switch:
		base = v.Line
	default:
		return nil, model.NewViolation(fmt.Sprintf("fuse %q", name), "monitoredobj",
			fmt.Sprintf("monitored object %q is a %s, not a line", lineName, comp.Kind()),
			model.ErrUnknownReference)
	}
	rating, err := mapper.OptionalFloat(rec, "ratedcurrent", 0)
	if err != nil {
		return nil, err
	}
	base.Name = name
	return []model.Component{&model.Fuse{Line: base, RatingA: rating, IsClosed: true}}, nil
}

func (m *fuseMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	f, ok := c.(*model.Fuse)
	if !ok {
		return nil, wrongKind(c, "fuse")
	}
	lineRec := mapper.Record{Construct: "line", Fields: lineFields(&f.Line)}
	fuseFields := map[string]string{
		"name":         f.Name,
		"monitoredobj": "Line." + f.Name,
	}
	if f.RatingA > 0 {
		fuseFields["ratedcurrent"] = fmtFloat(f.RatingA)
	}
	return []mapper.Record{lineRec, {Construct: "fuse", Fields: fuseFields}}, nil
}

// --- load ---

type loadMapper struct{}

func (m *loadMapper) Construct() string   { return "load" }
func (m *loadMapper) Kinds() []model.Kind { return []model.Kind{model.KindLoad} }
func (m *loadMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "load",
		Fields:    []string{"name", "bus1", "kv", "kw", "kvar", "conn"},
		Dropped:   []string{"model", "vminpu", "vmaxpu", "yearly", "daily"},
	}
}

func (m *loadMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1raw, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	ref := parseBusRef(b1raw)
	kw, err := mapper.RequiredQuantity(rec, "kw", "kW", units.ActivePower)
	if err != nil {
		return nil, err
	}
	kvar, err := mapper.OptionalQuantity(rec, "kvar", "kvar", units.ReactivePower, 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Load{
		Name:             name,
		Bus:              ref.Bus,
		Phases:           ref.Phases,
		ActivePowerW:     kw,
		ReactivePowerVar: kvar,
		ConnKind:         strings.ToLower(mapper.OptionalField(rec, "conn", "wye")),
	}}, nil
}

func (m *loadMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	l, ok := c.(*model.Load)
	if !ok {
		return nil, wrongKind(c, "load")
	}
	busV := busVoltage(ctx, l.Bus)
	fields := map[string]string{
		"name": l.Name,
		"bus1": formatBusRef(l.Bus, l.Phases),
		"kw":   fmtFloat(l.ActivePowerW / 1000),
		"kvar": fmtFloat(l.ReactivePowerVar / 1000),
		"conn": l.ConnKind,
	}
	if l.ConnKind == "" {
		fields["conn"] = "wye"
	}
	if busV > 0 {
		fields["kv"] = fmtFloat(kvFor(busV, len(l.Phases)))
	}
	return []mapper.Record{{Construct: "load", Fields: fields}}, nil
}

// busVoltage looks up a bus's nominal voltage for emission, 0 if unknown.
func busVoltage(ctx *mapper.Context, bus string) float64 {
	b, err := ctx.System.Bus(bus)
	if err != nil {
		return 0
	}
	return b.NominalVoltageV
}

// --- capacitor ---

type capacitorMapper struct{}

func (m *capacitorMapper) Construct() string   { return "capacitor" }
func (m *capacitorMapper) Kinds() []model.Kind { return []model.Kind{model.KindCapacitor} }
func (m *capacitorMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "capacitor",
		Fields:    []string{"name", "bus1", "kv", "kvar", "numsteps"},
	}
}

func (m *capacitorMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1raw, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	ref := parseBusRef(b1raw)
	kvar, err := mapper.RequiredQuantity(rec, "kvar", "kvar", units.ReactivePower)
	if err != nil {
		return nil, err
	}
	kv, err := mapper.OptionalFloat(rec, "kv", 0)
	if err != nil {
		return nil, err
	}
	steps, err := mapper.OptionalFloat(rec, "numsteps", 1)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Capacitor{
		Name:             name,
		Bus:              ref.Bus,
		Phases:           ref.Phases,
		ReactivePowerVar: kvar,
		NominalVoltageV:  lineToNeutralV(kv, len(ref.Phases)),
		NumBanks:         int(steps),
	}}, nil
}

func (m *capacitorMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	sh, ok := c.(*model.Capacitor)
	if !ok {
		return nil, wrongKind(c, "capacitor")
	}
	fields := map[string]string{
		"name": sh.Name,
		"bus1": formatBusRef(sh.Bus, sh.Phases),
		"kvar": fmtFloat(sh.ReactivePowerVar / 1000),
	}
	if sh.NominalVoltageV > 0 {
		fields["kv"] = fmtFloat(kvFor(sh.NominalVoltageV, len(sh.Phases)))
	}
	if sh.NumBanks > 1 {
		fields["numsteps"] = strconv.Itoa(sh.NumBanks)
	}
	return []mapper.Record{{Construct: "capacitor", Fields: fields}}, nil
}

// --- pvsystem ---

type pvSystemMapper struct{}

func (m *pvSystemMapper) Construct() string   { return "pvsystem" }
func (m *pvSystemMapper) Kinds() []model.Kind { return []model.Kind{model.KindSolar} }
func (m *pvSystemMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "pvsystem",
		Fields:    []string{"name", "bus1", "pmpp", "kva"},
		Dropped:   []string{"irradiance", "temperature", "pf"},
	}
}

func (m *pvSystemMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1raw, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	ref := parseBusRef(b1raw)
	pmpp, err := mapper.RequiredQuantity(rec, "pmpp", "kW", units.ActivePower)
	if err != nil {
		return nil, err
	}
	kva, err := mapper.OptionalQuantity(rec, "kva", "kVA", units.ApparentPower, pmpp)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Solar{
		Name:                 name,
		Bus:                  ref.Bus,
		Phases:               ref.Phases,
		ActivePowerW:         pmpp,
		RatedApparentPowerVA: kva,
	}}, nil
}

func (m *pvSystemMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	s, ok := c.(*model.Solar)
	if !ok {
		return nil, wrongKind(c, "pvsystem")
	}
	return []mapper.Record{{Construct: "pvsystem", Fields: map[string]string{
		"name": s.Name,
		"bus1": formatBusRef(s.Bus, s.Phases),
		"pmpp": fmtFloat(s.ActivePowerW / 1000),
		"kva":  fmtFloat(s.RatedApparentPowerVA / 1000),
	}}}, nil
}

// --- storage ---

type storageMapper struct{}

func (m *storageMapper) Construct() string   { return "storage" }
func (m *storageMapper) Kinds() []model.Kind { return []model.Kind{model.KindBattery} }
func (m *storageMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "storage",
		Fields:    []string{"name", "bus1", "kwrated", "kwhrated", "kvar"},
		Dropped:   []string{"pcteffcharge", "pcteffdischarge", "pctstored"},
	}
}

func (m *storageMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1raw, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	ref := parseBusRef(b1raw)
	kw, err := mapper.RequiredQuantity(rec, "kwrated", "kW", units.ActivePower)
	if err != nil {
		return nil, err
	}
	kwh, err := mapper.RequiredQuantity(rec, "kwhrated", "kWh", units.Energy)
	if err != nil {
		return nil, err
	}
	kvar, err := mapper.OptionalQuantity(rec, "kvar", "kvar", units.ReactivePower, 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Battery{
		Name:             name,
		Bus:              ref.Bus,
		Phases:           ref.Phases,
		RatedPowerW:      kw,
		RatedEnergyWh:    kwh,
		ReactivePowerVar: kvar,
	}}, nil
}

func (m *storageMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	b, ok := c.(*model.Battery)
	if !ok {
		return nil, wrongKind(c, "storage")
	}
	return []mapper.Record{{Construct: "storage", Fields: map[string]string{
		"name":     b.Name,
		"bus1":     formatBusRef(b.Bus, b.Phases),
		"kwrated":  fmtFloat(b.RatedPowerW / 1000),
		"kwhrated": fmtFloat(b.RatedEnergyWh / 1000),
		"kvar":     fmtFloat(b.ReactivePowerVar / 1000),
	}}}, nil
}

// --- transformer ---

type transformerMapper struct{}

func (m *transformerMapper) Construct() string   { return "transformer" }
func (m *transformerMapper) Kinds() []model.Kind { return []model.Kind{model.KindTransformer} }
func (m *transformerMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "transformer",
		Fields:    []string{"name", "phases", "windings", "buses", "kvs", "kvas", "conns", "%rs", "xhl"},
		Dropped:   []string{"%noloadloss", "%imag", "taps"},
	}
}

func (m *transformerMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	busesRaw, err := mapper.RequiredField(rec, "buses")
	if err != nil {
		return nil, err
	}
	kvsRaw, err := mapper.RequiredField(rec, "kvs")
	if err != nil {
		return nil, err
	}
	kvasRaw, err := mapper.RequiredField(rec, "kvas")
	if err != nil {
		return nil, err
	}
	buses := splitList(busesRaw)
	kvs, err := parseFloatList(rec, "kvs", kvsRaw)
	if err != nil {
		return nil, err
	}
	kvas, err := parseFloatList(rec, "kvas", kvasRaw)
	if err != nil {
		return nil, err
	}
	if len(buses) != len(kvs) || len(buses) != len(kvas) {
		return nil, model.NewViolation(fmt.Sprintf("transformer %q", name), "buses",
			"buses, kvs and kvas must have the same length", model.ErrMissingRequiredField)
	}
	conns := splitList(mapper.OptionalField(rec, "conns", ""))
	rsList, err := parseFloatList(rec, "%rs", mapper.OptionalField(rec, "%rs", ""))
	if err != nil {
		return nil, err
	}
	xhl, err := mapper.OptionalFloat(rec, "xhl", 0)
	if err != nil {
		return nil, err
	}

	windings := make([]model.Winding, len(buses))
	for i, b := range buses {
		ref := parseBusRef(b)
		w := model.Winding{
			Bus:             ref.Bus,
			Phases:          ref.Phases,
			NominalVoltageV: lineToNeutralV(kvs[i], len(ref.Phases)),
			RatedPowerVA:    kvas[i] * 1000,
		}
		if i < len(conns) {
			w.ConnKind = strings.ToLower(conns[i])
		}
		if i < len(rsList) {
			w.ResistancePct = rsList[i]
		}
		windings[i] = w
	}
	return []model.Component{&model.Transformer{
		Name:         name,
		Windings:     windings,
		ReactancePct: xhl,
	}}, nil
}

func (m *transformerMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	t, ok := c.(*model.Transformer)
	if !ok {
		return nil, wrongKind(c, "transformer")
	}
	return []mapper.Record{{Construct: "transformer", Fields: transformerFields(t)}}, nil
}

func transformerFields(t *model.Transformer) map[string]string {
	var buses, kvs, kvas, conns, rs []string
	maxPhases := 1
	for _, w := range t.Windings {
		buses = append(buses, formatBusRef(w.Bus, w.Phases))
		kvs = append(kvs, fmtFloat(kvFor(w.NominalVoltageV, len(w.Phases))))
		kvas = append(kvas, fmtFloat(w.RatedPowerVA/1000))
		conn := w.ConnKind
		if conn == "" {
			conn = "wye"
		}
		conns = append(conns, conn)
		rs = append(rs, fmtFloat(w.ResistancePct))
		if len(w.Phases) > maxPhases {
			maxPhases = len(w.Phases)
		}
	}
	return map[string]string{
		"name":     t.Name,
		"phases":   strconv.Itoa(maxPhases),
		"windings": strconv.Itoa(len(t.Windings)),
		"buses":    "[" + strings.Join(buses, ", ") + "]",
		"kvs":      "[" + strings.Join(kvs, ", ") + "]",
		"kvas":     "[" + strings.Join(kvas, ", ") + "]",
		"conns":    "[" + strings.Join(conns, ", ") + "]",
		"%rs":      "[" + strings.Join(rs, ", ") + "]",
		"xhl":      fmtFloat(t.ReactancePct),
	}
}

func splitList(s string) []string {
	s = strings.Trim(s, "[]")
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloatList(rec mapper.Record, field, raw string) ([]float64, error) {
	var out []float64
	for _, tok := range splitList(raw) {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, model.NewViolation(rec.Get("name"), field,
				fmt.Sprintf("not a number: %q", tok), model.ErrMissingRequiredField)
		}
		out = append(out, f)
	}
	return out, nil
}

// --- regcontrol ---

// regControlMapper joins a RegControl onto its transformer: the IR carries
// one Regulator branch where OpenDSS carries a Transformer plus a RegControl.
type regControlMapper struct{}

func (m *regControlMapper) Construct() string   { return "regcontrol" }
func (m *regControlMapper) Kinds() []model.Kind { return []model.Kind{model.KindRegulator} }
func (m *regControlMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "regcontrol",
		Fields:    []string{"name", "transformer", "winding", "vreg", "band", "ptratio"},
		Dropped:   []string{"delay", "maxtapchange"},
	}
}

func (m *regControlMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	txName, err := mapper.RequiredField(rec, "transformer")
	if err != nil {
		return nil, err
	}
	comp, err := ctx.System.Resolve(txName)
	if err != nil {
		return nil, model.NewViolation(fmt.Sprintf("regcontrol %q", name), "transformer",
			fmt.Sprintf("transformer %q not mapped", txName), model.ErrIncompleteMultiPartRecord)
	}
	tx, ok := comp.(*model.Transformer)
	if !ok {
		return nil, model.NewViolation(fmt.Sprintf("regcontrol %q", name), "transformer",
			fmt.Sprintf("%q is a %s, not a transformer", txName, comp.Kind()), model.ErrUnknownReference)
	}
	if len(tx.Windings) < 2 {
		return nil, model.NewViolation(fmt.Sprintf("regcontrol %q", name), "transformer",
			"regulated transformer needs 2 windings", model.ErrIncompleteMultiPartRecord)
	}
	vreg, err := mapper.RequiredFloat(rec, "vreg")
	if err != nil {
		return nil, err
	}
	band, err := mapper.OptionalFloat(rec, "band", 0)
	if err != nil {
		return nil, err
	}
	ptratio, err := mapper.OptionalFloat(rec, "ptratio", 1)
	if err != nil {
		return nil, err
	}
	winding, err := mapper.OptionalFloat(rec, "winding", 2)
	if err != nil {
		return nil, err
	}
	wIdx := int(winding) - 1
	if wIdx < 0 || wIdx >= len(tx.Windings) {
		wIdx = len(tx.Windings) - 1
	}
	w1, w2 := tx.Windings[0], tx.Windings[1]
	return []model.Component{&model.Regulator{
		Name:            tx.Name,
		FromBus:         w1.Bus,
		ToBus:           w2.Bus,
		Phases:          w1.Phases,
		NominalVoltageV: tx.Windings[wIdx].NominalVoltageV,
		RatedPowerVA:    w1.RatedPowerVA,
		SetpointV:       vreg * ptratio,
		BandwidthV:      band * ptratio,
	}}, nil
}

func (m *regControlMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	r, ok := c.(*model.Regulator)
	if !ok {
		return nil, wrongKind(c, "regcontrol")
	}
	ptratio := 20.0
	if r.NominalVoltageV > 0 {
		// Choose a PT ratio that puts the setpoint near a 120 V base.
		ptratio = math.Max(1, math.Round(r.NominalVoltageV/120))
	}
	tx := &model.Transformer{
		Name: r.Name,
		Windings: []model.Winding{
			{Bus: r.FromBus, Phases: r.Phases, NominalVoltageV: r.NominalVoltageV, RatedPowerVA: r.RatedPowerVA, ConnKind: "wye"},
			{Bus: r.ToBus, Phases: r.Phases, NominalVoltageV: r.NominalVoltageV, RatedPowerVA: r.RatedPowerVA, ConnKind: "wye"},
		},
	}
	txRec := mapper.Record{Construct: "transformer", Fields: transformerFields(tx)}
	regFields := map[string]string{
		"name":        r.Name,
		"transformer": r.Name,
		"winding":     "2",
		"vreg":        fmtFloat(r.SetpointV / ptratio),
		"band":        fmtFloat(r.BandwidthV / ptratio),
		"ptratio":     fmtFloat(ptratio),
	}
	return []mapper.Record{txRec, {Construct: "regcontrol", Fields: regFields}}, nil
}
