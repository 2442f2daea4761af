package cimxml

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/partition"
)

// Writer emits a DistributionSystem as CIM RDF/XML: one document, or one per
// partition group when splitting is requested. Each document is
// self-contained: it carries the base voltages, nodes and impedance
// definitions its equipment references.
type Writer struct {
	log *slog.Logger
}

// NewWriter creates a CIM writer.
func NewWriter(log *slog.Logger) *Writer {
	return &Writer{log: log.With("format", FormatName)}
}

// Format returns the registry name of this writer.
func (w *Writer) Format() string { return FormatName }

// Write renders the system and writes the document set under dir.
func (w *Writer) Write(ctx context.Context, sys *model.DistributionSystem, dir string, opts map[string]string) error {
	files, err := w.Render(ctx, sys, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	w.log.Info("wrote system", "dir", dir, "files", len(files))
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// Render produces the document set in memory. Rendering the same system
// twice yields byte-identical documents.
func (w *Writer) Render(ctx context.Context, sys *model.DistributionSystem, opts map[string]string) (map[string][]byte, error) {
	files := map[string][]byte{}

	axesOpt := strings.TrimSpace(opts["partition"])
	if axesOpt == "" {
		stem := unsafeFileChars.ReplaceAllString(strings.ToLower(sys.Name), "-")
		if stem == "" {
			stem = "model"
		}
		doc, err := renderDoc(ctx, sys, sys.Components())
		if err != nil {
			return nil, err
		}
		files[stem+".xml"] = doc
		return files, nil
	}

	var axes []partition.Axis
	for _, tok := range strings.Split(axesOpt, ",") {
		if tok = strings.TrimSpace(strings.ToLower(tok)); tok != "" {
			axes = append(axes, partition.Axis(tok))
		}
	}
	groups, err := partition.Group(sys, axes...)
	if err != nil {
		return nil, err
	}
	for _, key := range partition.SortedKeys(groups) {
		members := map[string]bool{}
		for _, id := range groups[key] {
			members[id] = true
		}
		comps := closure(sys, members)
		doc, err := renderDoc(ctx, sys, comps)
		if err != nil {
			return nil, err
		}
		files[key.FileName()+".xml"] = doc
	}
	return files, nil
}

// closure returns the group's members plus the buses and line codes they
// reference, in system insertion order, so each document stands alone.
func closure(sys *model.DistributionSystem, members map[string]bool) []model.Component {
	need := map[string]bool{}
	for id := range members {
		need[id] = true
	}
	for _, c := range sys.Components() {
		id := model.NormalizeIdentity(c.Identity())
		if !members[id] {
			continue
		}
		if conn, ok := c.(model.Connectable); ok {
			for _, cn := range conn.Connections() {
				need[model.NormalizeIdentity(cn.Bus)] = true
			}
		}
		if br, ok := c.(model.Branch); ok {
			from, to := br.Endpoints()
			need[model.NormalizeIdentity(from)] = true
			need[model.NormalizeIdentity(to)] = true
		}
		switch v := c.(type) {
		case *model.Line:
			if v.LineCode != "" {
				need[model.NormalizeIdentity(v.LineCode)] = true
			}
		case *model.Switch:
			if v.LineCode != "" {
				need[model.NormalizeIdentity(v.LineCode)] = true
			}
		case *model.Fuse:
			if v.LineCode != "" {
				need[model.NormalizeIdentity(v.LineCode)] = true
			}
		}
	}
	var out []model.Component
	for _, c := range sys.Components() {
		if need[model.NormalizeIdentity(c.Identity())] {
			out = append(out, c)
		}
	}
	return out
}

// xmlWriter builds the RDF document with stable element and property order.
type xmlWriter struct {
	b strings.Builder
}

func (x *xmlWriter) header() {
	x.b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&x.b, "<rdf:RDF xmlns:cim=%q xmlns:rdf=%q>\n", cimNS, rdfNS)
}

func (x *xmlWriter) footer() { x.b.WriteString("</rdf:RDF>\n") }

func (x *xmlWriter) open(class, mrid string) {
	fmt.Fprintf(&x.b, "  <cim:%s rdf:ID=%q>\n", class, mrid)
}

func (x *xmlWriter) close(class string) {
	fmt.Fprintf(&x.b, "  </cim:%s>\n", class)
}

func (x *xmlWriter) prop(qualified, value string) {
	fmt.Fprintf(&x.b, "    <cim:%s>", qualified)
	xml.EscapeText(&x.b, []byte(value))
	fmt.Fprintf(&x.b, "</cim:%s>\n", qualified)
}

func (x *xmlWriter) ref(qualified, mrid string) {
	fmt.Fprintf(&x.b, "    <cim:%s rdf:resource=%q/>\n", qualified, refFor(mrid))
}

func renderDoc(ctx context.Context, sys *model.DistributionSystem, comps []model.Component) ([]byte, error) {
	reg := NewRegistry()
	mctx := &mapper.Context{System: sys}
	col := &mapper.Collector{}
	x := &xmlWriter{}
	x.header()

	writeBaseVoltages(x, comps)
	writeSubstations(x, comps)

	for _, c := range comps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		m, ok := reg.ForKind(c.Kind())
		if !ok {
			col.Add(model.NewViolation(c.Identity(), "",
				fmt.Sprintf("no cim mapping for kind %s", c.Kind()), model.ErrUnknownReference))
			continue
		}
		recs, err := m.FromIR(c, mctx)
		if err != nil {
			col.Add(err)
			continue
		}
		for _, rec := range recs {
			if err := writeRecord(x, rec); err != nil {
				col.Add(err)
			}
		}
	}
	if err := col.Err(); err != nil {
		return nil, err
	}
	x.footer()
	return []byte(x.b.String()), nil
}

// writeBaseVoltages emits one BaseVoltage per distinct bus voltage, ascending.
func writeBaseVoltages(x *xmlWriter, comps []model.Component) {
	seen := map[float64]bool{}
	var volts []float64
	for _, c := range comps {
		if b, ok := c.(*model.Bus); ok && b.NominalVoltageV > 0 && !seen[b.NominalVoltageV] {
			seen[b.NominalVoltageV] = true
			volts = append(volts, b.NominalVoltageV)
		}
	}
	sort.Float64s(volts)
	for _, v := range volts {
		x.open(classBaseVoltage, baseVoltageMRID(v))
		x.prop("IdentifiedObject.name", fmtFloat(v)+"V")
		x.prop("BaseVoltage.nominalVoltage", fmtFloat(v))
		x.close(classBaseVoltage)
	}
}

func baseVoltageMRID(v float64) string {
	return mridFor(classBaseVoltage, fmtFloat(v))
}

// writeSubstations emits one Substation per distinct declaration, ascending.
func writeSubstations(x *xmlWriter, comps []model.Component) {
	seen := map[string]bool{}
	var names []string
	for _, c := range comps {
		if vs, ok := c.(*model.VoltageSource); ok && vs.Substation != "" && !seen[vs.Substation] {
			seen[vs.Substation] = true
			names = append(names, vs.Substation)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		x.open(classSubstation, mridFor(classSubstation, n))
		x.prop("IdentifiedObject.name", n)
		x.close(classSubstation)
	}
}

// writeRecord serializes one mapper record as its CIM element plus satellite
// elements (terminals, impedance rows, transformer ends, tap changer).
func writeRecord(x *xmlWriter, rec mapper.Record) error {
	name := rec.Get("name")
	switch rec.Construct {
	case "connectivitynode":
		// Terminals reference nodes through the normalized identity, so the
		// node's own mRID must derive from the same form.
		mrid := mridFor(classConnectivityNode, model.NormalizeIdentity(name))
		x.open(classConnectivityNode, mrid)
		x.prop("IdentifiedObject.name", name)
		if v, _ := strconv.ParseFloat(rec.Get("nominalvoltage"), 64); v > 0 {
			x.ref("ConnectivityNode.BaseVoltage", baseVoltageMRID(v))
		}
		if p := rec.Get("phases"); p != "" {
			x.prop("ConnectivityNode.phases", p)
		}
		hasPos := rec.Get("x") != "" && rec.Get("y") != ""
		locMRID := mridFor(classLocation, name)
		if hasPos {
			x.ref("PowerSystemResource.Location", locMRID)
		}
		x.close(classConnectivityNode)
		if hasPos {
			x.open(classLocation, locMRID)
			x.prop("IdentifiedObject.name", name)
			x.close(classLocation)
			x.open(classPositionPoint, mridFor(classPositionPoint, name))
			x.ref("PositionPoint.Location", locMRID)
			x.prop("PositionPoint.xPosition", rec.Get("x"))
			x.prop("PositionPoint.yPosition", rec.Get("y"))
			x.close(classPositionPoint)
		}
		return nil

	case "perlengthphaseimpedance":
		mrid := mridFor(classPerLengthImp, name)
		x.open(classPerLengthImp, mrid)
		x.prop("IdentifiedObject.name", name)
		x.prop("PerLengthPhaseImpedance.conductorCount", rec.Get("conductorcount"))
		if rc := rec.Get("ratedcurrent"); rc != "" {
			x.prop("PerLengthPhaseImpedance.ratedCurrent", rc)
		}
		x.close(classPerLengthImp)
		return writeImpedanceRows(x, mrid, name, rec)

	case "energysource":
		mrid := mridFor(classEnergySource, name)
		x.open(classEnergySource, mrid)
		x.prop("IdentifiedObject.name", name)
		x.prop("EnergySource.voltage", rec.Get("voltage"))
		x.prop("EnergySource.angle", rec.Get("angle"))
		x.prop("EnergySource.r", rec.Get("r"))
		x.prop("EnergySource.x", rec.Get("x"))
		x.prop("EnergySource.r0", rec.Get("r0"))
		x.prop("EnergySource.x0", rec.Get("x0"))
		if sub := rec.Get("substation"); sub != "" {
			x.ref("Equipment.EquipmentContainer", mridFor(classSubstation, sub))
		}
		x.close(classEnergySource)
		writeTerminal(x, mrid, name, 1, rec.Get("bus1"), rec.Get("phases"))
		return nil

	case "energyconsumer":
		return writeShuntLike(x, classEnergyConsumer, rec, [][2]string{
			{"EnergyConsumer.p", "p"},
			{"EnergyConsumer.q", "q"},
			{"EnergyConsumer.conn", "conn"},
		})

	case "linearshuntcompensator":
		return writeShuntLike(x, classShuntComp, rec, [][2]string{
			{"LinearShuntCompensator.q", "q"},
			{"ShuntCompensator.nomU", "nomu"},
			{"ShuntCompensator.sections", "sections"},
		})

	case "photovoltaicunit":
		return writeShuntLike(x, classPhotovoltaic, rec, [][2]string{
			{"PhotovoltaicUnit.p", "p"},
			{"PhotovoltaicUnit.ratedS", "rateds"},
		})

	case "batteryunit":
		return writeShuntLike(x, classBattery, rec, [][2]string{
			{"BatteryUnit.ratedP", "ratedp"},
			{"BatteryUnit.ratedE", "ratede"},
			{"BatteryUnit.q", "q"},
		})

	case "aclinesegment":
		return writeBranch(x, classACLineSegment, rec, [][2]string{
			{"Conductor.length", "length"},
		})

	case "loadbreakswitch":
		return writeBranch(x, classLoadBreakSwitch, rec, [][2]string{
			{"Switch.open", "open"},
			{"Conductor.length", "length"},
		})

	case "fuse":
		return writeBranch(x, classFuse, rec, [][2]string{
			{"Switch.ratedCurrent", "ratedcurrent"},
			{"Switch.open", "open"},
			{"Conductor.length", "length"},
		})

	case "powertransformer":
		return writeTransformer(x, rec)
	}
	return fmt.Errorf("no cim serialization for construct %q", rec.Construct)
}

// writeShuntLike emits a single-terminal equipment element.
func writeShuntLike(x *xmlWriter, class string, rec mapper.Record, props [][2]string) error {
	name := rec.Get("name")
	mrid := mridFor(class, name)
	x.open(class, mrid)
	x.prop("IdentifiedObject.name", name)
	for _, p := range props {
		if v := rec.Get(p[1]); v != "" {
			x.prop(p[0], v)
		}
	}
	x.close(class)
	writeTerminal(x, mrid, name, 1, rec.Get("bus1"), rec.Get("phases"))
	return nil
}

// writeBranch emits a two-terminal conducting equipment element.
func writeBranch(x *xmlWriter, class string, rec mapper.Record, props [][2]string) error {
	name := rec.Get("name")
	mrid := mridFor(class, name)
	x.open(class, mrid)
	x.prop("IdentifiedObject.name", name)
	for _, p := range props {
		if v := rec.Get(p[1]); v != "" {
			x.prop(p[0], v)
		}
	}
	if imp := rec.Get("impedance"); imp != "" {
		x.ref("ACLineSegment.PerLengthImpedance", mridFor(classPerLengthImp, imp))
	}
	x.close(class)
	writeTerminal(x, mrid, name, 1, rec.Get("bus1"), rec.Get("phases"))
	writeTerminal(x, mrid, name, 2, rec.Get("bus2"), rec.Get("phases"))
	return nil
}

func writeTerminal(x *xmlWriter, equipMRID, equipName string, seq int, bus, phases string) {
	if bus == "" {
		return
	}
	x.open(classTerminal, mridFor(classTerminal, fmt.Sprintf("%s:%d", equipName, seq)))
	x.ref("Terminal.ConductingEquipment", equipMRID)
	x.ref("Terminal.ConnectivityNode", mridFor(classConnectivityNode, model.NormalizeIdentity(bus)))
	x.prop("ACDCTerminal.sequenceNumber", strconv.Itoa(seq))
	if phases != "" {
		x.prop("Terminal.phases", phases)
	}
	x.close(classTerminal)
}

// writeImpedanceRows explodes the pipe matrices into PhaseImpedanceData rows.
func writeImpedanceRows(x *xmlWriter, parentMRID, name string, rec mapper.Record) error {
	n, _ := strconv.Atoi(rec.Get("conductorcount"))
	rm, err := parsePipeMatrix(rec, "rmatrix", rec.Get("rmatrix"), n)
	if err != nil {
		return err
	}
	xm, err := parsePipeMatrix(rec, "xmatrix", rec.Get("xmatrix"), n)
	if err != nil {
		return err
	}
	var cm [][]float64
	if rec.Get("cmatrix") != "" {
		cm, err = parsePipeMatrix(rec, "cmatrix", rec.Get("cmatrix"), n)
		if err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			x.open(classImpedanceData, mridFor(classImpedanceData, fmt.Sprintf("%s:%d:%d", name, i+1, j+1)))
			x.ref("PhaseImpedanceData.PhaseImpedance", parentMRID)
			x.prop("PhaseImpedanceData.row", strconv.Itoa(i+1))
			x.prop("PhaseImpedanceData.column", strconv.Itoa(j+1))
			x.prop("PhaseImpedanceData.r", fmtFloat(rm[i][j]))
			x.prop("PhaseImpedanceData.x", fmtFloat(xm[i][j]))
			if cm != nil {
				x.prop("PhaseImpedanceData.b", fmtFloat(cm[i][j]))
			}
			x.close(classImpedanceData)
		}
	}
	return nil
}

// writeTransformer emits the PowerTransformer, its ends, per-end terminals
// and, for regulators, the tap changer.
func writeTransformer(x *xmlWriter, rec mapper.Record) error {
	name := rec.Get("name")
	mrid := mridFor(classPowerTransformer, name)
	x.open(classPowerTransformer, mrid)
	x.prop("IdentifiedObject.name", name)
	x.close(classPowerTransformer)

	buses := strings.Split(rec.Get("buses"), ",")
	us := strings.Split(rec.Get("us"), ",")
	vas := strings.Split(rec.Get("ratedvas"), ",")
	conns := strings.Split(rec.Get("conns"), ",")
	rs := strings.Split(rec.Get("rs"), ",")
	at := func(list []string, i int) string {
		if i < len(list) {
			return strings.TrimSpace(list[i])
		}
		return ""
	}
	for i := range buses {
		endName := fmt.Sprintf("%s:end%d", name, i+1)
		x.open(classTransformerEnd, mridFor(classTransformerEnd, endName))
		x.ref("PowerTransformerEnd.PowerTransformer", mrid)
		x.prop("TransformerEnd.endNumber", strconv.Itoa(i+1))
		x.ref("TransformerEnd.ConnectivityNode",
			mridFor(classConnectivityNode, model.NormalizeIdentity(at(buses, i))))
		x.prop("PowerTransformerEnd.ratedU", at(us, i))
		if v := at(vas, i); v != "" {
			x.prop("PowerTransformerEnd.ratedS", v)
		}
		if v := at(conns, i); v != "" {
			x.prop("PowerTransformerEnd.connectionKind", v)
		}
		if v := at(rs, i); v != "" {
			x.prop("PowerTransformerEnd.r", v)
		}
		if i == 0 {
			if v := rec.Get("reactancepct"); v != "" && v != "0" {
				x.prop("PowerTransformerEnd.x", v)
			}
			if p := rec.Get("phases"); p != "" {
				x.prop("TransformerEnd.phases", p)
			}
		}
		x.close(classTransformerEnd)
	}

	if rec.Get("targetvalue") != "" || rec.Get("tapstep") != "" {
		x.open(classRatioTapChanger, mridFor(classRatioTapChanger, name))
		x.prop("IdentifiedObject.name", name)
		x.ref("RatioTapChanger.TransformerEnd", mrid)
		x.prop("TapChanger.step", rec.Get("tapstep"))
		x.prop("TapChanger.targetValue", rec.Get("targetvalue"))
		x.prop("TapChanger.targetDeadband", rec.Get("targetdeadband"))
		x.close(classRatioTapChanger)
	}
	return nil
}
