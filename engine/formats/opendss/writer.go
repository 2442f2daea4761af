package opendss

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/partition"
)

// Writer emits a DistributionSystem as an OpenDSS file set: Master.dss plus
// one redirected file per construct, or per partition group when splitting is
// requested.
type Writer struct {
	log *slog.Logger
}

// NewWriter creates an OpenDSS writer.
func NewWriter(log *slog.Logger) *Writer {
	return &Writer{log: log.With("format", FormatName)}
}

// Format returns the registry name of this writer.
func (w *Writer) Format() string { return FormatName }

// className maps construct tags to the spelling OpenDSS files use.
var className = map[string]string{
	"circuit": "Circuit", "vsource": "Vsource", "linecode": "LineCode",
	"line": "Line", "load": "Load", "capacitor": "Capacitor",
	"pvsystem": "PVSystem", "storage": "Storage",
	"transformer": "Transformer", "regcontrol": "RegControl", "fuse": "Fuse",
}

// fieldOrder fixes emission order per construct so output is byte-stable.
var fieldOrder = map[string][]string{
	"circuit":     {"bus1", "basekv", "pu", "ang", "r1", "x1", "r0", "x0"},
	"vsource":     {"bus1", "basekv", "pu", "ang", "r1", "x1", "r0", "x0"},
	"linecode":    {"nphases", "units", "rmatrix", "xmatrix", "cmatrix", "normamps"},
	"line":        {"bus1", "bus2", "linecode", "length", "units", "switch", "enabled"},
	"load":        {"bus1", "kv", "kw", "kvar", "conn"},
	"capacitor":   {"bus1", "kv", "kvar", "numsteps"},
	"pvsystem":    {"bus1", "pmpp", "kva"},
	"storage":     {"bus1", "kwrated", "kwhrated", "kvar"},
	"transformer": {"phases", "windings", "buses", "kvs", "kvas", "conns", "%rs", "xhl"},
	"regcontrol":  {"transformer", "winding", "vreg", "band", "ptratio"},
	"fuse":        {"monitoredobj", "ratedcurrent"},
}

// constructFile routes constructs to their output file stems in the
// unpartitioned layout.
var constructFile = map[string]string{
	"vsource":     "Vsources",
	"linecode":    "LineCodes",
	"transformer": "Transformers",
	"line":        "Lines",
	"load":        "Loads",
	"capacitor":   "Capacitors",
	"pvsystem":    "PVSystems",
	"storage":     "Storage",
	"regcontrol":  "Regulators",
	"fuse":        "Fuses",
}

// fileEmitOrder fixes redirect order: definitions before references.
var fileEmitOrder = []string{
	"Vsources", "LineCodes", "Transformers", "Lines", "Loads",
	"Capacitors", "PVSystems", "Storage", "Regulators", "Fuses",
}

// Write renders the system and writes the file set under dir.
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

// Render produces the complete file set in memory. Rendering the same system
// twice yields byte-identical files.
func (w *Writer) Render(ctx context.Context, sys *model.DistributionSystem, opts map[string]string) (map[string][]byte, error) {
	reg := NewRegistry()
	mctx := &mapper.Context{System: sys, Options: opts}
	col := &mapper.Collector{}

	axes, err := splitAxes(opts["partition"])
	if err != nil {
		return nil, err
	}

	// Map every non-bus component to records, preserving insertion order and
	// remembering which component produced each record so partition routing
	// can follow membership.
	type emitted struct {
		owner string // normalized identity of the source component
		rec   mapper.Record
	}
	var circuit *mapper.Record
	var body []emitted
	for _, c := range sys.Components() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if c.Kind() == model.KindBus {
			continue
		}
		m, ok := reg.ForKind(c.Kind())
		if !ok {
			col.Add(model.NewViolation(c.Identity(), "",
				fmt.Sprintf("no opendss mapping for kind %s", c.Kind()), model.ErrUnknownReference))
			continue
		}
		recs, err := m.FromIR(c, mctx)
		if err != nil {
			col.Add(err)
			continue
		}
		for _, rec := range recs {
			// The first source defines the circuit; later sources become
			// Vsource records, which the reader folds back into sources.
			if rec.Construct == "circuit" {
				if circuit == nil {
					r := rec
					circuit = &r
					continue
				}
				rec.Construct = "vsource"
			}
			body = append(body, emitted{owner: model.NormalizeIdentity(c.Identity()), rec: rec})
		}
	}
	if err := col.Err(); err != nil {
		return nil, err
	}

	// Route records into files.
	buckets := map[string][]mapper.Record{}
	var stems []string
	route := func(stem string, rec mapper.Record) {
		if _, ok := buckets[stem]; !ok {
			stems = append(stems, stem)
		}
		buckets[stem] = append(buckets[stem], rec)
	}
	if len(axes) == 0 {
		for _, e := range body {
			stem, ok := constructFile[e.rec.Construct]
			if !ok {
				return nil, fmt.Errorf("no output file for construct %q", e.rec.Construct)
			}
			route(stem, e.rec)
		}
		stems = orderedStems(stems)
	} else {
		groups, err := partition.Group(sys, axes...)
		if err != nil {
			return nil, err
		}
		membership := map[string]partition.Key{}
		for key, members := range groups {
			for _, id := range members {
				membership[id] = key
			}
		}
		keyed := map[partition.Key][]mapper.Record{}
		for _, e := range body {
			keyed[membership[e.owner]] = append(keyed[membership[e.owner]], e.rec)
		}
		for _, key := range partition.SortedKeys(keyed) {
			stem := key.FileName()
			for _, rec := range keyed[key] {
				route(stem, rec)
			}
		}
	}

	files := map[string][]byte{}
	for stem, recs := range buckets {
		files[stem+".dss"] = renderFile(recs)
	}
	if coords := renderCoords(sys); coords != nil {
		files["BusCoords.dss"] = coords
		stems = append(stems, "BusCoords")
	}
	files["Master.dss"] = renderMaster(sys.Name, circuit, stems)
	return files, nil
}

// splitAxes parses the comma-separated partition option.
func splitAxes(s string) ([]partition.Axis, error) {
	if s == "" {
		return nil, nil
	}
	var out []partition.Axis
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if tok == "" {
			continue
		}
		out = append(out, partition.Axis(tok))
	}
	return out, nil
}

// orderedStems sorts construct file stems into fileEmitOrder.
func orderedStems(stems []string) []string {
	rank := map[string]int{}
	for i, s := range fileEmitOrder {
		rank[s] = i
	}
	sort.SliceStable(stems, func(i, j int) bool { return rank[stems[i]] < rank[stems[j]] })
	return stems
}

// renderFile emits one New command per record.
func renderFile(recs []mapper.Record) []byte {
	var b strings.Builder
	for _, rec := range recs {
		writeCommand(&b, rec)
	}
	return []byte(b.String())
}

func writeCommand(b *strings.Builder, rec mapper.Record) {
	b.WriteString("New ")
	b.WriteString(className[rec.Construct])
	b.WriteByte('.')
	b.WriteString(rec.Get("name"))
	for _, key := range fieldOrder[rec.Construct] {
		v, ok := rec.Fields[key]
		if !ok || v == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		if strings.ContainsAny(v, " |") && !strings.HasPrefix(v, "[") {
			b.WriteByte('[')
			b.WriteString(v)
			b.WriteByte(']')
		} else {
			b.WriteString(v)
		}
	}
	b.WriteByte('\n')
}

// renderCoords emits SetBusXY commands for every positioned bus, ascending by
// bus name. Nil when no bus carries a position.
func renderCoords(sys *model.DistributionSystem) []byte {
	var buses []*model.Bus
	for _, c := range sys.OfKind(model.KindBus) {
		b := c.(*model.Bus)
		if b.Position != nil {
			buses = append(buses, b)
		}
	}
	if len(buses) == 0 {
		return nil
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].Name < buses[j].Name })
	var b strings.Builder
	for _, bus := range buses {
		fmt.Fprintf(&b, "SetBusXY %s %s %s\n",
			bus.Name, fmtFloat(bus.Position.X), fmtFloat(bus.Position.Y))
	}
	return []byte(b.String())
}

// renderMaster emits the master file: clear, circuit definition, redirects.
func renderMaster(name string, circuit *mapper.Record, stems []string) []byte {
	var b strings.Builder
	b.WriteString("Clear\n")
	if circuit != nil {
		writeCommand(&b, *circuit)
	} else {
		fmt.Fprintf(&b, "! circuit %q has no voltage source\n", name)
	}
	for _, stem := range stems {
		fmt.Fprintf(&b, "Redirect %s.dss\n", stem)
	}
	b.WriteString("Solve\n")
	return []byte(b.String())
}
