package opendss

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
)

// Reader builds a DistributionSystem from an OpenDSS master file and its
// redirects.
type Reader struct {
	log     *slog.Logger
	workers int
}

// NewReader creates an OpenDSS reader. workers bounds mapper concurrency.
func NewReader(log *slog.Logger, workers int) *Reader {
	if workers < 1 {
		workers = 1
	}
	return &Reader{log: log.With("format", FormatName), workers: workers}
}

// Format returns the registry name of this reader.
func (r *Reader) Format() string { return FormatName }

// constructOrder is the mapping order: referenced constructs before the
// constructs that reference them, joins last.
var constructOrder = []string{
	"circuit", "linecode", "transformer", "line",
	"load", "capacitor", "pvsystem", "storage",
}

// joinConstructs collapse onto an already-mapped component instead of adding
// a fresh one.
var joinConstructs = []string{"regcontrol", "fuse"}

// Read parses entry (and everything it redirects to) within fsys and maps it
// into a fresh system. Buses are inferred from references in a pre-pass, so
// every element maps against an existing bus. Per-record failures are
// aggregated; Read maps everything it can before reporting them.
func (r *Reader) Read(ctx context.Context, fsys fs.FS, entry string, opts map[string]string) (*model.DistributionSystem, error) {
	scanned, err := r.load(fsys, entry, map[string]bool{})
	if err != nil {
		return nil, err
	}

	name := opts["name"]
	if name == "" {
		name = systemName(scanned.records, entry)
	}
	sys := model.NewSystem(name)
	mctx := &mapper.Context{System: sys, Options: opts}
	reg := NewRegistry()
	col := &mapper.Collector{}

	byConstruct := map[string][]mapper.Record{}
	for _, rec := range scanned.records {
		c := rec.Construct
		if c == "vsource" { // vsource is the circuit construct under another name
			c = "circuit"
			rec.Construct = c
		}
		byConstruct[c] = append(byConstruct[c], rec)
	}

	r.seedBuses(sys, scanned.records, col)

	for _, construct := range constructOrder {
		recs := byConstruct[construct]
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
		r.log.Debug("mapped construct", "construct", construct, "records", len(recs))
	}

	// Joins run serially after their targets exist: the join result replaces
	// the component it collapsed.
	for _, construct := range joinConstructs {
		for _, rec := range byConstruct[construct] {
			r.join(reg, mctx, rec, col)
		}
	}

	r.applyCoordinates(fsys, path.Dir(entry), scanned.directives, sys, col)

	r.log.Info("read system",
		"entry", entry, "components", sys.Len(), "violations", col.Len())
	return sys, col.Err()
}

// load parses one file and, depth-first, everything it redirects to.
func (r *Reader) load(fsys fs.FS, name string, seen map[string]bool) (parsed, error) {
	clean := path.Clean(name)
	if seen[clean] {
		return parsed{}, fmt.Errorf("redirect cycle through %q", clean)
	}
	seen[clean] = true

	src, err := fs.ReadFile(fsys, clean)
	if err != nil {
		return parsed{}, fmt.Errorf("read %q: %w", clean, err)
	}
	out, err := parseScript(string(src))
	if err != nil {
		return parsed{}, fmt.Errorf("%s: %w", clean, err)
	}

	// Append redirected content after this file's own records, in directive
	// order, so declaration order follows the master file.
	var merged parsed
	merged.records = append(merged.records, out.records...)
	for _, d := range out.directives {
		if d.name != "redirect" {
			merged.directives = append(merged.directives, d)
			continue
		}
		if len(d.args) == 0 {
			return parsed{}, fmt.Errorf("%s: redirect without a target", clean)
		}
		sub, err := r.load(fsys, path.Join(path.Dir(clean), d.args[0]), seen)
		if err != nil {
			return parsed{}, err
		}
		merged.records = append(merged.records, sub.records...)
		merged.directives = append(merged.directives, sub.directives...)
	}
	return merged, nil
}

// systemName picks the circuit name, falling back to the entry file stem.
func systemName(recs []mapper.Record, entry string) string {
	for _, rec := range recs {
		if rec.Construct == "circuit" {
			if n := rec.Get("name"); n != "" {
				return n
			}
		}
	}
	return strings.TrimSuffix(path.Base(entry), path.Ext(entry))
}

// seedBuses creates a Bus for every bus referenced anywhere, before any
// element maps. Phases accumulate across references; nominal voltage comes
// from the first reference that carries a kV rating.
func (r *Reader) seedBuses(sys *model.DistributionSystem, recs []mapper.Record, col *mapper.Collector) {
	type seed struct {
		phases   model.PhaseSet
		voltageV float64
	}
	seeds := map[string]*seed{}
	var order []string

	note := func(raw string, kv float64) {
		if raw == "" {
			return
		}
		ref := parseBusRef(raw)
		key := model.NormalizeIdentity(ref.Bus)
		s, ok := seeds[key]
		if !ok {
			s = &seed{}
			seeds[key] = s
			order = append(order, key)
		}
		s.phases = append(s.phases, ref.Phases...).Normalize()
		if s.voltageV == 0 && kv > 0 {
			s.voltageV = lineToNeutralV(kv, len(ref.Phases))
		}
	}
	kvOf := func(rec mapper.Record, field string) float64 {
		f, _ := strconv.ParseFloat(rec.Get(field), 64)
		return f
	}

	for _, rec := range recs {
		switch rec.Construct {
		case "circuit", "vsource":
			note(mapper.OptionalField(rec, "bus1", "sourcebus"), kvOf(rec, "basekv"))
		case "line":
			note(rec.Get("bus1"), 0)
			note(rec.Get("bus2"), 0)
		case "load", "capacitor":
			note(rec.Get("bus1"), kvOf(rec, "kv"))
		case "pvsystem", "storage":
			note(rec.Get("bus1"), kvOf(rec, "kv"))
		case "transformer":
			buses := splitList(rec.Get("buses"))
			kvs := splitList(rec.Get("kvs"))
			for i, b := range buses {
				kv := 0.0
				if i < len(kvs) {
					kv, _ = strconv.ParseFloat(kvs[i], 64)
				}
				note(b, kv)
			}
		}
	}

	for _, key := range order {
		s := seeds[key]
		if err := sys.Add(&model.Bus{
			Name:            key,
			NominalVoltageV: s.voltageV,
			Phases:          s.phases,
		}); err != nil {
			col.Add(err)
		}
	}
	r.log.Debug("inferred buses", "count", len(order))
}

// join maps a collapsing construct (regcontrol, fuse) and replaces the
// component it monitors with the join result.
func (r *Reader) join(reg *mapper.Registry, mctx *mapper.Context, rec mapper.Record, col *mapper.Collector) {
	m, ok := reg.ForConstruct(rec.Construct)
	if !ok {
		col.Add(fmt.Errorf("no mapper for construct %q", rec.Construct))
		return
	}
	comps, err := m.ToIR(rec, mctx)
	if err != nil {
		col.Add(err)
		return
	}

	var target string
	switch rec.Construct {
	case "fuse":
		target = rec.Get("monitoredobj")
		if _, after, ok := strings.Cut(target, "."); ok {
			target = after
		}
	case "regcontrol":
		target = rec.Get("transformer")
	}
	if target != "" {
		if err := mctx.System.Remove(target); err != nil {
			col.Add(err)
			return
		}
	}
	for _, c := range comps {
		if err := mctx.System.Add(c); err != nil {
			col.Add(err)
		}
	}
}

// applyCoordinates processes BusCoords/SetBusXY directives, attaching
// positions to already-seeded buses. Coordinates for unknown buses are
// reported, not dropped silently.
func (r *Reader) applyCoordinates(fsys fs.FS, dir string, dirs []directive, sys *model.DistributionSystem, col *mapper.Collector) {
	setXY := func(bus string, x, y float64) {
		b, err := sys.Bus(bus)
		if err != nil {
			col.Add(model.NewViolation(bus, "buscoords", "coordinates for unknown bus", model.ErrUnknownReference))
			return
		}
		b.Position = &model.Position{X: x, Y: y}
	}

	for _, d := range dirs {
		switch d.name {
		case "setbusxy":
			if len(d.args) != 3 {
				col.Add(fmt.Errorf("setbusxy wants bus x y, got %d args", len(d.args)))
				continue
			}
			x, errX := strconv.ParseFloat(d.args[1], 64)
			y, errY := strconv.ParseFloat(d.args[2], 64)
			if errX != nil || errY != nil {
				col.Add(fmt.Errorf("setbusxy %s: bad coordinates", d.args[0]))
				continue
			}
			setXY(d.args[0], x, y)

		case "buscoords":
			if len(d.args) == 0 {
				col.Add(fmt.Errorf("buscoords without a file"))
				continue
			}
			src, err := fs.ReadFile(fsys, path.Join(dir, d.args[0]))
			if err != nil {
				col.Add(fmt.Errorf("buscoords: %w", err))
				continue
			}
			for _, line := range strings.Split(string(src), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				fields := strings.FieldsFunc(line, func(c rune) bool { return c == ',' || c == ' ' || c == '\t' })
				if len(fields) < 3 {
					col.Add(fmt.Errorf("buscoords %s: malformed line %q", d.args[0], line))
					continue
				}
				x, errX := strconv.ParseFloat(fields[1], 64)
				y, errY := strconv.ParseFloat(fields[2], 64)
				if errX != nil || errY != nil {
					col.Add(fmt.Errorf("buscoords %s: bad coordinates for %q", d.args[0], fields[0]))
					continue
				}
				setXY(fields[0], x, y)
			}
		}
	}
}
