package cimxml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
)

// NewRegistry builds the CIM mapper registry. Mapper records are flat: the
// reader has already folded Terminals, transformer ends and impedance rows
// into the record before dispatch, and the writer explodes them back out.
func NewRegistry() *mapper.Registry {
	r := mapper.NewRegistry(FormatName)
	r.Register(&nodeMapper{})
	r.Register(&impedanceMapper{})
	r.Register(&sourceMapper{})
	r.Register(&transformerMapper{})
	r.Register(&segmentMapper{})
	r.Register(&switchMapper{})
	r.Register(&fuseMapper{})
	r.Register(&consumerMapper{})
	r.Register(&shuntMapper{})
	r.Register(&pvMapper{})
	r.Register(&batteryMapper{})
	return r
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func wrongKind(c model.Component, construct string) error {
	return model.NewViolation(c.Identity(), "",
		fmt.Sprintf("%s mapper cannot emit %s", construct, c.Kind()), model.ErrUnknownReference)
}

func phasesOf(rec mapper.Record) model.PhaseSet {
	raw := rec.Get("phases")
	if raw == "" {
		return model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
	}
	return model.ParsePhases(raw)
}

// --- ConnectivityNode ---

type nodeMapper struct{}

func (m *nodeMapper) Construct() string   { return "connectivitynode" }
func (m *nodeMapper) Kinds() []model.Kind { return []model.Kind{model.KindBus} }
func (m *nodeMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "connectivitynode",
		Fields:    []string{"name", "nominalvoltage", "phases", "x", "y"},
	}
}

func (m *nodeMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	v, err := mapper.OptionalFloat(rec, "nominalvoltage", 0)
	if err != nil {
		return nil, err
	}
	bus := &model.Bus{Name: name, NominalVoltageV: v, Phases: phasesOf(rec)}
	if rec.Get("x") != "" && rec.Get("y") != "" {
		x, errX := mapper.OptionalFloat(rec, "x", 0)
		y, errY := mapper.OptionalFloat(rec, "y", 0)
		if errX != nil {
			return nil, errX
		}
		if errY != nil {
			return nil, errY
		}
		bus.Position = &model.Position{X: x, Y: y}
	}
	return []model.Component{bus}, nil
}

func (m *nodeMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	b, ok := c.(*model.Bus)
	if !ok {
		return nil, wrongKind(c, "connectivitynode")
	}
	fields := map[string]string{
		"name":           b.Name,
		"nominalvoltage": fmtFloat(b.NominalVoltageV),
		"phases":         b.Phases.String(),
	}
	if b.Position != nil {
		fields["x"] = fmtFloat(b.Position.X)
		fields["y"] = fmtFloat(b.Position.Y)
	}
	return []mapper.Record{{Construct: "connectivitynode", Fields: fields}}, nil
}

// --- PerLengthPhaseImpedance ---

type impedanceMapper struct{}

func (m *impedanceMapper) Construct() string   { return "perlengthphaseimpedance" }
func (m *impedanceMapper) Kinds() []model.Kind { return []model.Kind{model.KindLineCode} }
func (m *impedanceMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "perlengthphaseimpedance",
		Fields:    []string{"name", "conductorcount", "rmatrix", "xmatrix", "cmatrix", "ratedcurrent"},
	}
}

func (m *impedanceMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	n, err := mapper.OptionalFloat(rec, "conductorcount", 3)
	if err != nil {
		return nil, err
	}
	rraw, err := mapper.RequiredField(rec, "rmatrix")
	if err != nil {
		return nil, err
	}
	xraw, err := mapper.RequiredField(rec, "xmatrix")
	if err != nil {
		return nil, err
	}
	r, err := parsePipeMatrix(rec, "rmatrix", rraw, int(n))
	if err != nil {
		return nil, err
	}
	x, err := parsePipeMatrix(rec, "xmatrix", xraw, int(n))
	if err != nil {
		return nil, err
	}
	var cm [][]float64
	if craw := rec.Get("cmatrix"); craw != "" {
		cm, err = parsePipeMatrix(rec, "cmatrix", craw, int(n))
		if err != nil {
			return nil, err
		}
	}
	amps, err := mapper.OptionalFloat(rec, "ratedcurrent", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.LineCode{
		Name:      name,
		NumPhases: int(n),
		RPerKm:    r,
		XPerKm:    x,
		CPerKm:    cm,
		AmpacityA: amps,
	}}, nil
}

func (m *impedanceMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	lc, ok := c.(*model.LineCode)
	if !ok {
		return nil, wrongKind(c, "perlengthphaseimpedance")
	}
	fields := map[string]string{
		"name":           lc.Name,
		"conductorcount": strconv.Itoa(lc.NumPhases),
		"rmatrix":        formatPipeMatrix(lc.RPerKm),
		"xmatrix":        formatPipeMatrix(lc.XPerKm),
	}
	if len(lc.CPerKm) > 0 {
		fields["cmatrix"] = formatPipeMatrix(lc.CPerKm)
	}
	if lc.AmpacityA > 0 {
		fields["ratedcurrent"] = fmtFloat(lc.AmpacityA)
	}
	return []mapper.Record{{Construct: "perlengthphaseimpedance", Fields: fields}}, nil
}

// parsePipeMatrix parses the lower-triangular "a | b c" form into a full
// symmetric matrix. Values are already canonical.
func parsePipeMatrix(rec mapper.Record, field, raw string, n int) ([][]float64, error) {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i, row := range strings.Split(raw, "|") {
		for j, tok := range strings.Fields(row) {
			if i >= n || j > i {
				return nil, model.NewViolation(rec.Get("name"), field,
					"not lower triangular", model.ErrMissingRequiredField)
			}
			f, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, model.NewViolation(rec.Get("name"), field,
					fmt.Sprintf("not a number: %q", tok), model.ErrMissingRequiredField)
			}
			out[i][j] = f
			out[j][i] = f
		}
	}
	return out, nil
}

func formatPipeMatrix(m [][]float64) string {
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

// --- EnergySource ---

type sourceMapper struct{}

func (m *sourceMapper) Construct() string   { return "energysource" }
func (m *sourceMapper) Kinds() []model.Kind { return []model.Kind{model.KindVoltageSource} }
func (m *sourceMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "energysource",
		Fields:    []string{"name", "bus1", "phases", "voltage", "angle", "r", "x", "r0", "x0", "substation"},
	}
}

func (m *sourceMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	voltage, err := mapper.RequiredFloat(rec, "voltage")
	if err != nil {
		return nil, err
	}
	angle, err := mapper.OptionalFloat(rec, "angle", 0)
	if err != nil {
		return nil, err
	}
	r1, err := mapper.OptionalFloat(rec, "r", 0)
	if err != nil {
		return nil, err
	}
	x1, err := mapper.OptionalFloat(rec, "x", 0)
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
		Bus:      bus,
		Phases:   phasesOf(rec),
		VoltageV: voltage,
		AngleDeg: angle,
		R1Ohm:    r1, X1Ohm: x1, R0Ohm: r0, X0Ohm: x0,
		Substation: rec.Get("substation"),
	}}, nil
}

func (m *sourceMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	vs, ok := c.(*model.VoltageSource)
	if !ok {
		return nil, wrongKind(c, "energysource")
	}
	fields := map[string]string{
		"name":    vs.Name,
		"bus1":    vs.Bus,
		"phases":  vs.Phases.String(),
		"voltage": fmtFloat(vs.VoltageV),
		"angle":   fmtFloat(vs.AngleDeg),
		"r":       fmtFloat(vs.R1Ohm),
		"x":       fmtFloat(vs.X1Ohm),
		"r0":      fmtFloat(vs.R0Ohm),
		"x0":      fmtFloat(vs.X0Ohm),
	}
	if vs.Substation != "" {
		fields["substation"] = vs.Substation
	}
	return []mapper.Record{{Construct: "energysource", Fields: fields}}, nil
}

// --- ACLineSegment ---

type segmentMapper struct{}

func (m *segmentMapper) Construct() string   { return "aclinesegment" }
func (m *segmentMapper) Kinds() []model.Kind { return []model.Kind{model.KindLine} }
func (m *segmentMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "aclinesegment",
		Fields:    []string{"name", "bus1", "bus2", "phases", "length", "impedance"},
	}
}

func (m *segmentMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	line, err := lineFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return []model.Component{line}, nil
}

func (m *segmentMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	l, ok := c.(*model.Line)
	if !ok {
		return nil, wrongKind(c, "aclinesegment")
	}
	return []mapper.Record{{Construct: "aclinesegment", Fields: lineRecordFields(l)}}, nil
}

func lineFromRecord(rec mapper.Record) (*model.Line, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	b1, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	b2, err := mapper.RequiredField(rec, "bus2")
	if err != nil {
		return nil, err
	}
	length, err := mapper.OptionalFloat(rec, "length", 0)
	if err != nil {
		return nil, err
	}
	return &model.Line{
		Name:     name,
		FromBus:  b1,
		ToBus:    b2,
		Phases:   phasesOf(rec),
		LengthM:  length,
		LineCode: rec.Get("impedance"),
	}, nil
}

func lineRecordFields(l *model.Line) map[string]string {
	fields := map[string]string{
		"name":   l.Name,
		"bus1":   l.FromBus,
		"bus2":   l.ToBus,
		"phases": l.Phases.String(),
		"length": fmtFloat(l.LengthM),
	}
	if l.LineCode != "" {
		fields["impedance"] = l.LineCode
	}
	return fields
}

// --- LoadBreakSwitch ---

type switchMapper struct{}

func (m *switchMapper) Construct() string   { return "loadbreakswitch" }
func (m *switchMapper) Kinds() []model.Kind { return []model.Kind{model.KindSwitch} }
func (m *switchMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "loadbreakswitch",
		Fields:    []string{"name", "bus1", "bus2", "phases", "open", "length", "impedance"},
	}
}

func (m *switchMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	line, err := lineFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Switch{
		Line:     *line,
		IsClosed: rec.Get("open") != "true",
	}}, nil
}

func (m *switchMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	sw, ok := c.(*model.Switch)
	if !ok {
		return nil, wrongKind(c, "loadbreakswitch")
	}
	fields := lineRecordFields(&sw.Line)
	fields["open"] = strconv.FormatBool(!sw.IsClosed)
	return []mapper.Record{{Construct: "loadbreakswitch", Fields: fields}}, nil
}

// --- Fuse ---

type fuseMapper struct{}

func (m *fuseMapper) Construct() string   { return "fuse" }
func (m *fuseMapper) Kinds() []model.Kind { return []model.Kind{model.KindFuse} }
func (m *fuseMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "fuse",
		Fields:    []string{"name", "bus1", "bus2", "phases", "ratedcurrent", "length", "impedance"},
	}
}

func (m *fuseMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	line, err := lineFromRecord(rec)
	if err != nil {
		return nil, err
	}
	rating, err := mapper.OptionalFloat(rec, "ratedcurrent", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Fuse{
		Line:     *line,
		RatingA:  rating,
		IsClosed: rec.Get("open") != "true",
	}}, nil
}

func (m *fuseMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	f, ok := c.(*model.Fuse)
	if !ok {
		return nil, wrongKind(c, "fuse")
	}
	fields := lineRecordFields(&f.Line)
	if f.RatingA > 0 {
		fields["ratedcurrent"] = fmtFloat(f.RatingA)
	}
	if !f.IsClosed {
		fields["open"] = "true"
	}
	return []mapper.Record{{Construct: "fuse", Fields: fields}}, nil
}

// --- EnergyConsumer ---

type consumerMapper struct{}

func (m *consumerMapper) Construct() string   { return "energyconsumer" }
func (m *consumerMapper) Kinds() []model.Kind { return []model.Kind{model.KindLoad} }
func (m *consumerMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "energyconsumer",
		Fields:    []string{"name", "bus1", "phases", "p", "q", "conn"},
	}
}

func (m *consumerMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	p, err := mapper.RequiredFloat(rec, "p")
	if err != nil {
		return nil, err
	}
	q, err := mapper.OptionalFloat(rec, "q", 0)
	if err != nil {
		return nil, err
	}
	conn := "wye"
	if rec.Get("conn") == "D" {
		conn = "delta"
	}
	return []model.Component{&model.Load{
		Name:             name,
		Bus:              bus,
		Phases:           phasesOf(rec),
		ActivePowerW:     p,
		ReactivePowerVar: q,
		ConnKind:         conn,
	}}, nil
}

func (m *consumerMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	l, ok := c.(*model.Load)
	if !ok {
		return nil, wrongKind(c, "energyconsumer")
	}
	conn := "Y"
	if l.ConnKind == "delta" {
		conn = "D"
	}
	return []mapper.Record{{Construct: "energyconsumer", Fields: map[string]string{
		"name":   l.Name,
		"bus1":   l.Bus,
		"phases": l.Phases.String(),
		"p":      fmtFloat(l.ActivePowerW),
		"q":      fmtFloat(l.ReactivePowerVar),
		"conn":   conn,
	}}}, nil
}

// --- LinearShuntCompensator ---

type shuntMapper struct{}

func (m *shuntMapper) Construct() string   { return "linearshuntcompensator" }
func (m *shuntMapper) Kinds() []model.Kind { return []model.Kind{model.KindCapacitor} }
func (m *shuntMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "linearshuntcompensator",
		Fields:    []string{"name", "bus1", "phases", "q", "nomu", "sections"},
	}
}

func (m *shuntMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	q, err := mapper.RequiredFloat(rec, "q")
	if err != nil {
		return nil, err
	}
	nomU, err := mapper.OptionalFloat(rec, "nomu", 0)
	if err != nil {
		return nil, err
	}
	sections, err := mapper.OptionalFloat(rec, "sections", 1)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Capacitor{
		Name:             name,
		Bus:              bus,
		Phases:           phasesOf(rec),
		ReactivePowerVar: q,
		NominalVoltageV:  nomU,
		NumBanks:         int(sections),
	}}, nil
}

func (m *shuntMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	sh, ok := c.(*model.Capacitor)
	if !ok {
		return nil, wrongKind(c, "linearshuntcompensator")
	}
	fields := map[string]string{
		"name":   sh.Name,
		"bus1":   sh.Bus,
		"phases": sh.Phases.String(),
		"q":      fmtFloat(sh.ReactivePowerVar),
	}
	if sh.NominalVoltageV > 0 {
		fields["nomu"] = fmtFloat(sh.NominalVoltageV)
	}
	if sh.NumBanks > 0 {
		fields["sections"] = strconv.Itoa(sh.NumBanks)
	}
	return []mapper.Record{{Construct: "linearshuntcompensator", Fields: fields}}, nil
}

// --- PhotovoltaicUnit ---

type pvMapper struct{}

func (m *pvMapper) Construct() string   { return "photovoltaicunit" }
func (m *pvMapper) Kinds() []model.Kind { return []model.Kind{model.KindSolar} }
func (m *pvMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "photovoltaicunit",
		Fields:    []string{"name", "bus1", "phases", "p", "rateds"},
	}
}

func (m *pvMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	p, err := mapper.RequiredFloat(rec, "p")
	if err != nil {
		return nil, err
	}
	ratedS, err := mapper.OptionalFloat(rec, "rateds", p)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Solar{
		Name:                 name,
		Bus:                  bus,
		Phases:               phasesOf(rec),
		ActivePowerW:         p,
		RatedApparentPowerVA: ratedS,
	}}, nil
}

func (m *pvMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	s, ok := c.(*model.Solar)
	if !ok {
		return nil, wrongKind(c, "photovoltaicunit")
	}
	return []mapper.Record{{Construct: "photovoltaicunit", Fields: map[string]string{
		"name":   s.Name,
		"bus1":   s.Bus,
		"phases": s.Phases.String(),
		"p":      fmtFloat(s.ActivePowerW),
		"rateds": fmtFloat(s.RatedApparentPowerVA),
	}}}, nil
}

// --- BatteryUnit ---

type batteryMapper struct{}

func (m *batteryMapper) Construct() string   { return "batteryunit" }
func (m *batteryMapper) Kinds() []model.Kind { return []model.Kind{model.KindBattery} }
func (m *batteryMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "batteryunit",
		Fields:    []string{"name", "bus1", "phases", "ratedp", "ratede", "q"},
	}
}

func (m *batteryMapper) ToIR(rec mapper.Record, ctx *mapper.Context) ([]model.Component, error) {
	name, err := mapper.RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	bus, err := mapper.RequiredField(rec, "bus1")
	if err != nil {
		return nil, err
	}
	ratedP, err := mapper.RequiredFloat(rec, "ratedp")
	if err != nil {
		return nil, err
	}
	ratedE, err := mapper.RequiredFloat(rec, "ratede")
	if err != nil {
		return nil, err
	}
	q, err := mapper.OptionalFloat(rec, "q", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Battery{
		Name:             name,
		Bus:              bus,
		Phases:           phasesOf(rec),
		RatedPowerW:      ratedP,
		RatedEnergyWh:    ratedE,
		ReactivePowerVar: q,
	}}, nil
}

func (m *batteryMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	b, ok := c.(*model.Battery)
	if !ok {
		return nil, wrongKind(c, "batteryunit")
	}
	return []mapper.Record{{Construct: "batteryunit", Fields: map[string]string{
		"name":   b.Name,
		"bus1":   b.Bus,
		"phases": b.Phases.String(),
		"ratedp": fmtFloat(b.RatedPowerW),
		"ratede": fmtFloat(b.RatedEnergyWh),
		"q":      fmtFloat(b.ReactivePowerVar),
	}}}, nil
}

// --- PowerTransformer ---

// transformerMapper handles both Transformer and Regulator kinds: a
// PowerTransformer whose record carries RatioTapChanger fields maps to a
// Regulator branch; without them it maps to equipment.
type transformerMapper struct{}

func (m *transformerMapper) Construct() string { return "powertransformer" }
func (m *transformerMapper) Kinds() []model.Kind {
	return []model.Kind{model.KindTransformer, model.KindRegulator}
}
func (m *transformerMapper) Capability() mapper.Capability {
	return mapper.Capability{
		Construct: "powertransformer",
		Fields: []string{"name", "buses", "us", "ratedvas", "conns", "rs", "phases",
			"reactancepct", "tapstep", "targetvalue", "targetdeadband"},
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
	usRaw, err := mapper.RequiredField(rec, "us")
	if err != nil {
		return nil, err
	}
	buses := strings.Split(busesRaw, ",")
	us, err := floatList(rec, "us", usRaw)
	if err != nil {
		return nil, err
	}
	vas, err := floatList(rec, "ratedvas", rec.Get("ratedvas"))
	if err != nil {
		return nil, err
	}
	rs, err := floatList(rec, "rs", rec.Get("rs"))
	if err != nil {
		return nil, err
	}
	conns := strings.Split(rec.Get("conns"), ",")
	if len(buses) < 2 || len(us) != len(buses) {
		return nil, model.NewViolation(fmt.Sprintf("powertransformer %q", name), "buses",
			"need matching buses and voltages for at least two ends", model.ErrIncompleteMultiPartRecord)
	}
	phases := phasesOf(rec)

	if rec.Get("tapstep") != "" || rec.Get("targetvalue") != "" {
		target, err := mapper.OptionalFloat(rec, "targetvalue", 0)
		if err != nil {
			return nil, err
		}
		deadband, err := mapper.OptionalFloat(rec, "targetdeadband", 0)
		if err != nil {
			return nil, err
		}
		step, err := mapper.OptionalFloat(rec, "tapstep", 0)
		if err != nil {
			return nil, err
		}
		va := 0.0
		if len(vas) > 0 {
			va = vas[0]
		}
		return []model.Component{&model.Regulator{
			Name:            name,
			FromBus:         strings.TrimSpace(buses[0]),
			ToBus:           strings.TrimSpace(buses[1]),
			Phases:          phases,
			NominalVoltageV: us[1],
			RatedPowerVA:    va,
			SetpointV:       target,
			BandwidthV:      deadband,
			TapPosition:     int(step),
		}}, nil
	}

	windings := make([]model.Winding, len(buses))
	for i := range buses {
		w := model.Winding{
			Bus:             strings.TrimSpace(buses[i]),
			Phases:          phases,
			NominalVoltageV: us[i],
		}
		if i < len(vas) {
			w.RatedPowerVA = vas[i]
		}
		if i < len(rs) {
			w.ResistancePct = rs[i]
		}
		if i < len(conns) {
			w.ConnKind = connKind(strings.TrimSpace(conns[i]))
		}
		windings[i] = w
	}
	reactance, err := mapper.OptionalFloat(rec, "reactancepct", 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Transformer{
		Name:         name,
		Windings:     windings,
		ReactancePct: reactance,
	}}, nil
}

func (m *transformerMapper) FromIR(c model.Component, ctx *mapper.Context) ([]mapper.Record, error) {
	switch v := c.(type) {
	case *model.Transformer:
		var buses, us, vas, conns, rs []string
		phases := model.PhaseSet{}
		for _, w := range v.Windings {
			buses = append(buses, w.Bus)
			us = append(us, fmtFloat(w.NominalVoltageV))
			vas = append(vas, fmtFloat(w.RatedPowerVA))
			conns = append(conns, connCode(w.ConnKind))
			rs = append(rs, fmtFloat(w.ResistancePct))
			phases = append(phases, w.Phases...)
		}
		return []mapper.Record{{Construct: "powertransformer", Fields: map[string]string{
			"name":         v.Name,
			"buses":        strings.Join(buses, ","),
			"us":           strings.Join(us, ","),
			"ratedvas":     strings.Join(vas, ","),
			"conns":        strings.Join(conns, ","),
			"rs":           strings.Join(rs, ","),
			"phases":       phases.Normalize().String(),
			"reactancepct": fmtFloat(v.ReactancePct),
		}}}, nil
	case *model.Regulator:
		return []mapper.Record{{Construct: "powertransformer", Fields: map[string]string{
			"name":           v.Name,
			"buses":          v.FromBus + "," + v.ToBus,
			"us":             fmtFloat(v.NominalVoltageV) + "," + fmtFloat(v.NominalVoltageV),
			"ratedvas":       fmtFloat(v.RatedPowerVA) + "," + fmtFloat(v.RatedPowerVA),
			"conns":          "Y,Y",
			"rs":             "0,0",
			"phases":         v.Phases.String(),
			"tapstep":        strconv.Itoa(v.TapPosition),
			"targetvalue":    fmtFloat(v.SetpointV),
			"targetdeadband": fmtFloat(v.BandwidthV),
		}}}, nil
	}
	return nil, wrongKind(c, "powertransformer")
}

func floatList(rec mapper.Record, field, raw string) ([]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []float64
	for _, tok := range strings.Split(raw, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, model.NewViolation(rec.Get("name"), field,
				fmt.Sprintf("not a number: %q", tok), model.ErrMissingRequiredField)
		}
		out = append(out, f)
	}
	return out, nil
}

func connKind(code string) string {
	if strings.EqualFold(code, "D") {
		return "delta"
	}
	return "wye"
}

func connCode(kind string) string {
	if kind == "delta" {
		return "D"
	}
	return "Y"
}
