package cimxml

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
)

// Reader builds a DistributionSystem from one CIM RDF/XML document.
type Reader struct {
	log     *slog.Logger
	workers int
}

// NewReader creates a CIM reader. workers bounds mapper concurrency.
func NewReader(log *slog.Logger, workers int) *Reader {
	if workers < 1 {
		workers = 1
	}
	return &Reader{log: log.With("format", FormatName), workers: workers}
}

// Format returns the registry name of this reader.
func (r *Reader) Format() string { return FormatName }

// classOrder is the mapping order: nodes and impedances before the equipment
// that references them.
var classOrder = []string{
	"connectivitynode", "perlengthphaseimpedance", "energysource",
	"powertransformer", "aclinesegment", "loadbreakswitch", "fuse",
	"energyconsumer", "linearshuntcompensator", "photovoltaicunit",
	"batteryunit",
}

// Read parses one RDF/XML document and maps it into a fresh system. Terminals,
// transformer ends, tap changers and impedance rows are reassembled onto
// their parent elements before mapping; ends whose transformer never appears
// are reported as incomplete multi-part records.
func (r *Reader) Read(ctx context.Context, fsys fs.FS, entry string, opts map[string]string) (*model.DistributionSystem, error) {
	src, err := fs.ReadFile(fsys, entry)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", entry, err)
	}
	elems, err := parseRDF(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}

	name := opts["name"]
	if name == "" {
		name = strings.TrimSuffix(path.Base(entry), path.Ext(entry))
	}
	sys := model.NewSystem(name)
	mctx := &mapper.Context{System: sys, Options: opts}
	reg := NewRegistry()
	col := &mapper.Collector{}

	doc := indexElements(elems)
	records := map[string][]mapper.Record{}
	for _, e := range elems {
		construct := strings.ToLower(e.Class)
		rec, ok, err := doc.synthesize(construct, e)
		if err != nil {
			col.Add(err)
			continue
		}
		if ok {
			records[construct] = append(records[construct], rec)
		}
	}

	for _, construct := range classOrder {
		recs := records[construct]
		if len(recs) == 0 {
			continue
		}
		m, ok := reg.ForConstruct(construct)
		if !ok {
			return nil, fmt.Errorf("no mapper for construct %q", construct)
		}
		if err := mapper.MapAll(ctx, mctx, m, recs, r.workers); err != nil {
			col.Add(err)
		}
		r.log.Debug("mapped class", "class", construct, "records", len(recs))
	}

	// Ends whose PowerTransformer never appeared in the document.
	if err := doc.ends.Err(); err != nil {
		col.Add(err)
	}

	r.log.Info("read system",
		"entry", entry, "components", sys.Len(), "violations", col.Len())
	return sys, col.Err()
}

// parseRDF walks the token stream into flat elements. Properties keep the
// part of their name after the class prefix; rdf:resource references are
// stored without the leading "#".
func parseRDF(src []byte) ([]element, error) {
	dec := xml.NewDecoder(strings.NewReader(string(src)))
	var out []element
	var cur *element
	var prop string
	var text strings.Builder
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if t.Name.Local != "RDF" {
					return nil, fmt.Errorf("not an RDF document: root element %q", t.Name.Local)
				}
			case 2:
				cur = &element{Class: t.Name.Local, Props: map[string]string{}}
				for _, a := range t.Attr {
					if a.Name.Local == "ID" || a.Name.Local == "about" {
						cur.MRID = strings.TrimPrefix(a.Value, "#")
					}
				}
			case 3:
				prop = propKey(t.Name.Local)
				text.Reset()
				for _, a := range t.Attr {
					if a.Name.Local == "resource" {
						cur.Props[prop] = strings.TrimPrefix(a.Value, "#")
						prop = ""
					}
				}
			}
		case xml.CharData:
			if depth == 3 && prop != "" {
				text.Write(t)
			}
		case xml.EndElement:
			switch depth {
			case 3:
				if prop != "" {
					cur.Props[prop] = strings.TrimSpace(text.String())
					prop = ""
				}
			case 2:
				if cur != nil {
					out = append(out, *cur)
					cur = nil
				}
			}
			depth--
		}
	}
	return out, nil
}

// propKey lowercases the property name after its class qualifier:
// "IdentifiedObject.name" becomes "name".
func propKey(local string) string {
	if i := strings.LastIndexByte(local, '.'); i >= 0 {
		local = local[i+1:]
	}
	return strings.ToLower(local)
}

// terminal is one reassembled Terminal element.
type terminal struct {
	node   string // ConnectivityNode mRID
	phases string
	seq    int
}

// document holds the cross-element indexes needed to synthesize flat records.
type document struct {
	byMRID    map[string]element
	terminals map[string][]terminal // by conducting equipment mRID
	rows      map[string][]element  // PhaseImpedanceData by parent mRID
	taps      map[string]element    // RatioTapChanger by transformer mRID
	points    map[string]element    // PositionPoint by location mRID
	ends      *mapper.Accumulator   // PowerTransformerEnd by transformer mRID
}

func indexElements(elems []element) *document {
	doc := &document{
		byMRID:    map[string]element{},
		terminals: map[string][]terminal{},
		rows:      map[string][]element{},
		taps:      map[string]element{},
		points:    map[string]element{},
		ends:      mapper.NewAccumulator(classTransformerEnd),
	}
	for _, e := range elems {
		if e.MRID != "" {
			doc.byMRID[e.MRID] = e
		}
		switch e.Class {
		case classTerminal:
			seq, _ := strconv.Atoi(e.prop("sequencenumber"))
			doc.terminals[e.prop("conductingequipment")] = append(
				doc.terminals[e.prop("conductingequipment")],
				terminal{node: e.prop("connectivitynode"), phases: e.prop("phases"), seq: seq})
		case classImpedanceData:
			parent := e.prop("phaseimpedance")
			doc.rows[parent] = append(doc.rows[parent], e)
		case classRatioTapChanger:
			doc.taps[e.prop("transformerend")] = e
		case classPositionPoint:
			doc.points[e.prop("location")] = e
		case classTransformerEnd:
			doc.ends.Put(e.prop("powertransformer"), mapper.Record{
				Construct: classTransformerEnd, Fields: e.Props,
			})
		}
	}
	for _, ts := range doc.terminals {
		sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
	}
	return doc
}

// nameOf resolves an mRID to the referenced element's name, falling back to
// the raw mRID so a dangling reference surfaces in validation rather than
// disappearing.
func (d *document) nameOf(mrid string) string {
	if e, ok := d.byMRID[mrid]; ok {
		if n := e.prop("name"); n != "" {
			return n
		}
	}
	return mrid
}

// synthesize folds an element and its satellite elements into one flat
// record. Classes that only exist as satellites (terminals, ends, rows,
// base voltages) return ok=false.
func (d *document) synthesize(construct string, e element) (mapper.Record, bool, error) {
	rec := mapper.Record{Construct: construct, Fields: map[string]string{}}
	for k, v := range e.Props {
		rec.Fields[k] = v
	}

	switch e.Class {
	case classConnectivityNode:
		if bv, ok := d.byMRID[e.prop("basevoltage")]; ok {
			rec.Fields["nominalvoltage"] = bv.prop("nominalvoltage")
		}
		if pt, ok := d.points[e.prop("location")]; ok {
			rec.Fields["x"] = pt.prop("xposition")
			rec.Fields["y"] = pt.prop("yposition")
		}
		return rec, true, nil

	case classPerLengthImp:
		if err := d.foldImpedanceRows(&rec, e); err != nil {
			return rec, false, err
		}
		return rec, true, nil

	case classEnergySource, classEnergyConsumer, classShuntComp,
		classPhotovoltaic, classBattery:
		d.foldTerminals(&rec, e, 1)
		if sub, ok := d.byMRID[e.prop("equipmentcontainer")]; ok && sub.Class == classSubstation {
			rec.Fields["substation"] = sub.prop("name")
		}
		return rec, true, nil

	case classACLineSegment, classLoadBreakSwitch, classFuse:
		d.foldTerminals(&rec, e, 2)
		if imp, ok := d.byMRID[e.prop("perlengthimpedance")]; ok {
			rec.Fields["impedance"] = imp.prop("name")
		}
		return rec, true, nil

	case classPowerTransformer:
		if err := d.foldTransformerEnds(&rec, e); err != nil {
			return rec, false, err
		}
		return rec, true, nil
	}
	return rec, false, nil
}

// foldTerminals attaches busN/phases fields from the equipment's terminals.
func (d *document) foldTerminals(rec *mapper.Record, e element, want int) {
	for i, t := range d.terminals[e.MRID] {
		if i >= want {
			break
		}
		rec.Fields[fmt.Sprintf("bus%d", i+1)] = d.nameOf(t.node)
		if t.phases != "" && rec.Fields["phases"] == "" {
			rec.Fields["phases"] = t.phases
		}
	}
}

// foldImpedanceRows rebuilds the lower-triangular matrices from
// PhaseImpedanceData satellites.
func (d *document) foldImpedanceRows(rec *mapper.Record, e element) error {
	rows := d.rows[e.MRID]
	if len(rows) == 0 {
		return model.NewViolation(e.prop("name"), "rmatrix",
			"no PhaseImpedanceData rows", model.ErrIncompleteMultiPartRecord)
	}
	n, _ := strconv.Atoi(e.prop("conductorcount"))
	if n == 0 {
		n = 3
	}
	rm := zeroMatrix(n)
	xm := zeroMatrix(n)
	cm := zeroMatrix(n)
	hasC := false
	for _, row := range rows {
		i, errI := strconv.Atoi(row.prop("row"))
		j, errJ := strconv.Atoi(row.prop("column"))
		if errI != nil || errJ != nil || i < 1 || j < 1 || i > n || j > n {
			return model.NewViolation(e.prop("name"), "rmatrix",
				"impedance row out of range", model.ErrIncompleteMultiPartRecord)
		}
		rv, _ := strconv.ParseFloat(row.prop("r"), 64)
		xv, _ := strconv.ParseFloat(row.prop("x"), 64)
		rm[i-1][j-1] = rv
		xm[i-1][j-1] = xv
		if b := row.prop("b"); b != "" {
			cv, _ := strconv.ParseFloat(b, 64)
			cm[i-1][j-1] = cv
			hasC = true
		}
	}
	rec.Fields["rmatrix"] = lowerTriangle(rm)
	rec.Fields["xmatrix"] = lowerTriangle(xm)
	if hasC {
		rec.Fields["cmatrix"] = lowerTriangle(cm)
	}
	return nil
}

// foldTransformerEnds takes this transformer's accumulated ends and flattens
// them into comma lists, plus the tap changer fields when one regulates it.
func (d *document) foldTransformerEnds(rec *mapper.Record, e element) error {
	ends, ok := d.ends.Take(e.MRID)
	if !ok || len(ends) < 2 {
		return model.NewViolation(e.prop("name"), "ends",
			fmt.Sprintf("%d PowerTransformerEnd parts, need at least 2", len(ends)),
			model.ErrIncompleteMultiPartRecord)
	}
	sort.Slice(ends, func(i, j int) bool {
		return ends[i].Get("endnumber") < ends[j].Get("endnumber")
	})

	orZero := func(v string) string {
		if v == "" {
			return "0"
		}
		return v
	}
	var buses, us, vas, conns, rs []string
	for i, end := range ends {
		buses = append(buses, d.nameOf(end.Get("connectivitynode")))
		us = append(us, orZero(end.Get("ratedu")))
		vas = append(vas, orZero(end.Get("rateds")))
		conns = append(conns, end.Get("connectionkind"))
		rs = append(rs, orZero(end.Get("r")))
		if i == 0 && end.Get("x") != "" {
			rec.Fields["reactancepct"] = end.Get("x")
		}
		if p := end.Get("phases"); p != "" && rec.Fields["phases"] == "" {
			rec.Fields["phases"] = p
		}
	}
	rec.Fields["buses"] = strings.Join(buses, ",")
	rec.Fields["us"] = strings.Join(us, ",")
	rec.Fields["ratedvas"] = strings.Join(vas, ",")
	rec.Fields["conns"] = strings.Join(conns, ",")
	rec.Fields["rs"] = strings.Join(rs, ",")

	if tap, ok := d.taps[e.MRID]; ok {
		rec.Fields["tapstep"] = tap.prop("step")
		rec.Fields["targetvalue"] = tap.prop("targetvalue")
		rec.Fields["targetdeadband"] = tap.prop("targetdeadband")
	}
	return nil
}

func zeroMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	return m
}

func lowerTriangle(m [][]float64) string {
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
