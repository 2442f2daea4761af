package cyme

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
)

// Reader builds a DistributionSystem from a CYME network file plus its
// companion equipment and load files.
type Reader struct {
	log     *slog.Logger
	workers int
}

// NewReader creates a CYME reader. workers bounds mapper concurrency.
func NewReader(log *slog.Logger, workers int) *Reader {
	if workers < 1 {
		workers = 1
	}
	return &Reader{log: log.With("format", FormatName), workers: workers}
}

// Format returns the registry name of this reader.
func (r *Reader) Format() string { return FormatName }

// section is one row of the network [SECTION] table: the connectivity record
// every device setting hangs off.
type section struct {
	id         string
	from, to   string
	phases     string
	feeder     string
	substation string
}

// constructOrder is the mapping order: referenced constructs before the
// constructs that reference them.
var constructOrder = []string{
	"source", "line_equipment", "transformer",
	"line", "switch", "fuse", "capacitor", "load",
}

// Read parses the network file named by entry plus the equipment and load
// files named by the "equipment" and "loads" options (paths relative to the
// entry's directory; each optional). Buses are seeded from the [NODE] table
// before any device maps, devices are joined onto their [SECTION] endpoints,
// and bus voltages propagate outward from the sources once everything is
// mapped. Per-record failures are aggregated; Read maps everything it can
// before reporting them.
func (r *Reader) Read(ctx context.Context, fsys fs.FS, entry string, opts map[string]string) (*model.DistributionSystem, error) {
	network, err := r.loadFile(fsys, entry)
	if err != nil {
		return nil, err
	}
	dir := path.Dir(entry)
	equipment, err := r.companion(fsys, dir, opts["equipment"])
	if err != nil {
		return nil, err
	}
	loads, err := r.companion(fsys, dir, opts["loads"])
	if err != nil {
		return nil, err
	}

	name := opts["name"]
	if name == "" {
		name = strings.TrimSuffix(path.Base(entry), path.Ext(entry))
	}
	sys := model.NewSystem(name)
	mctx := &mapper.Context{System: sys, Options: opts}
	reg := NewRegistry()
	col := &mapper.Collector{}

	sections := indexSections(network)
	r.seedBuses(sys, network, sections, col)

	byConstruct := map[string][]mapper.Record{}
	add := func(construct string, fields map[string]string) {
		byConstruct[construct] = append(byConstruct[construct], mapper.Record{
			Construct: construct, Fields: fields,
		})
	}

	r.collectSources(network, add)
	r.collectLineEquipment(equipment, add)
	r.collectSectionDevices(network, equipment, sections, add, col)
	if err := r.collectLoads(loads, sections, opts["load-model"], add, col); err != nil {
		return nil, err
	}

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

	assignVoltages(sys)

	r.log.Info("read system",
		"entry", entry, "components", sys.Len(), "violations", col.Len())
	return sys, col.Err()
}

// loadFile reads and parses one CYME file.
func (r *Reader) loadFile(fsys fs.FS, name string) (map[string]*table, error) {
	src, err := fs.ReadFile(fsys, path.Clean(name))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	tables, err := parseTables(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return tables, nil
}

// companion loads an optional companion file. An empty name yields an empty
// table set; a named file that cannot be read is an error, never a silent
// skip.
func (r *Reader) companion(fsys fs.FS, dir, name string) (map[string]*table, error) {
	if name == "" {
		return map[string]*table{}, nil
	}
	return r.loadFile(fsys, path.Join(dir, name))
}

// indexSections builds the SectionID index from the network [SECTION] table.
func indexSections(network map[string]*table) map[string]section {
	out := map[string]section{}
	t, ok := network["SECTION"]
	if !ok {
		return out
	}
	for _, row := range t.rows {
		id := row.get("SectionID")
		if id == "" {
			continue
		}
		out[strings.ToLower(id)] = section{
			id:         id,
			from:       row.get("FromNodeID"),
			to:         row.get("ToNodeID"),
			phases:     row.get("Phase"),
			feeder:     row.feeder,
			substation: row.substation,
		}
	}
	return out
}

// seedBuses creates a Bus for every node, before any device maps. Positions
// come from the [NODE] table; phases accumulate from every section touching
// the node. Nodes referenced only by sections are still seeded, so a sparse
// [NODE] table never breaks device mapping.
func (r *Reader) seedBuses(sys *model.DistributionSystem, network map[string]*table, sections map[string]section, col *mapper.Collector) {
	phasesAt := map[string]model.PhaseSet{}
	var order []string
	note := func(node, phases string) {
		if node == "" {
			return
		}
		key := model.NormalizeIdentity(node)
		if _, ok := phasesAt[key]; !ok {
			order = append(order, key)
		}
		phasesAt[key] = append(phasesAt[key], parsePhaseLetters(phases)...).Normalize()
	}

	positions := map[string]*model.Position{}
	if t, ok := network["NODE"]; ok {
		for _, row := range t.rows {
			node := row.get("NodeID")
			note(node, "")
			x, errX := strconv.ParseFloat(coalesce(row.get("CoordX"), row.get("CoordX1")), 64)
			y, errY := strconv.ParseFloat(coalesce(row.get("CoordY"), row.get("CoordY1")), 64)
			if errX == nil && errY == nil {
				positions[model.NormalizeIdentity(node)] = &model.Position{X: x, Y: y}
			}
		}
	}
	secIDs := make([]string, 0, len(sections))
	for id := range sections {
		secIDs = append(secIDs, id)
	}
	sort.Strings(secIDs)
	for _, id := range secIDs {
		sec := sections[id]
		note(sec.from, sec.phases)
		note(sec.to, sec.phases)
	}
	if t, ok := network["SOURCE"]; ok {
		for _, row := range t.rows {
			note(row.get("NodeID"), "")
		}
	}

	for _, key := range order {
		phases := phasesAt[key]
		if len(phases) == 0 {
			// No section touches this node; assume a full three-phase bus.
			phases = model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
		}
		if err := sys.Add(&model.Bus{
			Name:     key,
			Phases:   phases,
			Position: positions[key],
		}); err != nil {
			col.Add(err)
		}
	}
	r.log.Debug("seeded buses", "count", len(order))
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// collectSources turns the network [SOURCE] table into source records.
func (r *Reader) collectSources(network map[string]*table, add func(string, map[string]string)) {
	t, ok := network["SOURCE"]
	if !ok {
		return
	}
	for _, row := range t.rows {
		node := row.get("NodeID")
		name := coalesce(row.get("SourceID"), node)
		add("source", map[string]string{
			"name":       name,
			"bus":        node,
			"kvll":       coalesce(row.get("DesiredVoltage"), row.get("KVLL")),
			"angle":      row.get("OperatingAngle1"),
			"substation": row.substation,
		})
	}
}

// collectLineEquipment turns the equipment [LINE] table into line code
// records.
func (r *Reader) collectLineEquipment(equipment map[string]*table, add func(string, map[string]string)) {
	t, ok := equipment["LINE"]
	if !ok {
		return
	}
	for _, row := range t.rows {
		add("line_equipment", map[string]string{
			"name": row.get("ID"),
			"r1":   row.get("R1"),
			"x1":   row.get("X1"),
			"r0":   row.get("R0"),
			"x0":   row.get("X0"),
			"amps": row.get("Amps"),
		})
	}
}

// settingTables routes network device setting tables to their constructs.
var settingTables = []struct {
	table     string
	construct string
}{
	{"OVERHEADLINE SETTING", "line"},
	{"UNDERGROUNDLINE SETTING", "line"},
	{"SWITCH SETTING", "switch"},
	{"FUSE SETTING", "fuse"},
	{"TRANSFORMER SETTING", "transformer"},
	{"SHUNT CAPACITOR SETTING", "capacitor"},
}

// collectSectionDevices joins every device setting row onto its section and
// flattens equipment ratings into the record, so mappers never reach back
// into the tables.
func (r *Reader) collectSectionDevices(network, equipment map[string]*table, sections map[string]section, add func(string, map[string]string), col *mapper.Collector) {
	for _, st := range settingTables {
		t, ok := network[st.table]
		if !ok {
			continue
		}
		for _, row := range t.rows {
			secID := row.get("SectionID")
			sec, ok := sections[strings.ToLower(secID)]
			if !ok {
				col.Add(model.NewViolation(
					fmt.Sprintf("%s %q", strings.ToLower(st.table), coalesce(row.get("DeviceNumber"), secID)),
					"SectionID", fmt.Sprintf("unknown section %q", secID), model.ErrUnknownReference))
				continue
			}
			fields := map[string]string{
				"name":    coalesce(row.get("DeviceNumber"), sec.id),
				"frombus": sec.from,
				"tobus":   sec.to,
				"phases":  sec.phases,
			}
			switch st.construct {
			case "line":
				fields["linecode"] = row.get("LineCableID")
				fields["length"] = row.get("Length")
			case "switch":
				fields["closedphase"] = row.get("ClosedPhase")
			case "fuse":
				fields["amps"] = row.get("Amps")
			case "transformer":
				if !joinEquipment(equipment, "TRANSFORMER", row.get("EqID"), fields, map[string]string{
					"kva": "KVA", "kvllprim": "KVLLprim", "kvllsec": "KVLLsec",
					"z1": "Z1", "xr": "XR",
				}) {
					col.Add(model.NewViolation(fields["name"], "EqID",
						fmt.Sprintf("unknown transformer equipment %q", row.get("EqID")),
						model.ErrUnknownReference))
					continue
				}
			case "capacitor":
				// Shunt equipment hangs off the section's far end.
				fields["bus"] = sec.to
				if !joinEquipment(equipment, "SHUNT CAPACITOR", row.get("EqID"), fields, map[string]string{
					"kvar": "KVAR", "kv": "KV",
				}) {
					col.Add(model.NewViolation(fields["name"], "EqID",
						fmt.Sprintf("unknown capacitor equipment %q", row.get("EqID")),
						model.ErrUnknownReference))
					continue
				}
			}
			add(st.construct, fields)
		}
	}
}

// joinEquipment copies rating columns of the equipment row with the given ID
// into fields under the mapper's field names. False when the ID is unknown.
func joinEquipment(equipment map[string]*table, tableName, id string, fields map[string]string, columns map[string]string) bool {
	t, ok := equipment[tableName]
	if !ok {
		return false
	}
	for _, row := range t.rows {
		if !strings.EqualFold(row.get("ID"), id) {
			continue
		}
		for field, column := range columns {
			fields[field] = row.get(column)
		}
		return true
	}
	return false
}

// collectLoads aggregates the load file [LOADS] rows per device (CYME splits
// polyphase loads into one row per phase) and joins each device onto its
// section's far end. When the file carries several load models, the
// "load-model" option selects one; reading more than one model at once has no
// meaning.
func (r *Reader) collectLoads(loads map[string]*table, sections map[string]section, loadModel string, add func(string, map[string]string), col *mapper.Collector) error {
	t, ok := loads["LOADS"]
	if !ok {
		return nil
	}

	models := map[string]bool{}
	for _, row := range t.rows {
		if id := row.get("LoadModelID"); id != "" {
			models[id] = true
		}
	}
	if loadModel == "" && len(models) > 1 {
		names := make([]string, 0, len(models))
		for id := range models {
			names = append(names, id)
		}
		sort.Strings(names)
		return fmt.Errorf("load file carries %d load models (%s): select one with the load-model option",
			len(names), strings.Join(names, ", "))
	}

	type agg struct {
		bus    string
		phases string
		kw     float64
		kvar   float64
	}
	byDevice := map[string]*agg{}
	var order []string
	for _, row := range t.rows {
		if loadModel != "" && !strings.EqualFold(row.get("LoadModelID"), loadModel) {
			continue
		}
		secID := row.get("SectionID")
		sec, ok := sections[strings.ToLower(secID)]
		if !ok {
			col.Add(model.NewViolation(
				fmt.Sprintf("load %q", coalesce(row.get("DeviceNumber"), secID)),
				"SectionID", fmt.Sprintf("unknown section %q", secID), model.ErrUnknownReference))
			continue
		}
		name := coalesce(row.get("DeviceNumber"), sec.id+"_load")
		a, ok := byDevice[name]
		if !ok {
			a = &agg{bus: sec.to}
			byDevice[name] = a
			order = append(order, name)
		}
		a.phases += row.get("Phase")
		kw, _ := strconv.ParseFloat(row.get("KW"), 64)
		kvar, _ := strconv.ParseFloat(row.get("KVAR"), 64)
		a.kw += kw
		a.kvar += kvar
	}

	for _, name := range order {
		a := byDevice[name]
		add("load", map[string]string{
			"name":   name,
			"bus":    a.bus,
			"phases": a.phases,
			"kw":     fmtFloat(a.kw),
			"kvar":   fmtFloat(a.kvar),
		})
	}
	return nil
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// assignVoltages walks outward from every source and fills in nominal bus
// voltages: branches carry the voltage across unchanged, transformers step it
// to the far winding's rating. Buses that already carry a voltage keep it.
func assignVoltages(sys *model.DistributionSystem) {
	// Same-voltage adjacency from branch edges.
	adj := map[string][]string{}
	link := func(a, b string) {
		a, b = model.NormalizeIdentity(a), model.NormalizeIdentity(b)
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	txAt := map[string][]*model.Transformer{}
	for _, c := range sys.Components() {
		switch v := c.(type) {
		case model.Branch:
			from, to := v.Endpoints()
			link(from, to)
		case *model.Transformer:
			for _, w := range v.Windings {
				key := model.NormalizeIdentity(w.Bus)
				txAt[key] = append(txAt[key], v)
			}
		}
	}

	type visit struct {
		bus      string
		voltageV float64
	}
	var queue []visit
	for _, src := range sys.Sources() {
		queue = append(queue, visit{model.NormalizeIdentity(src.Bus), src.VoltageV})
	}

	seen := map[string]bool{}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if seen[v.bus] {
			continue
		}
		seen[v.bus] = true
		if b, err := sys.Bus(v.bus); err == nil && b.NominalVoltageV == 0 {
			b.NominalVoltageV = v.voltageV
		}
		for _, next := range adj[v.bus] {
			queue = append(queue, visit{next, v.voltageV})
		}
		for _, tx := range txAt[v.bus] {
			for _, w := range tx.Windings {
				key := model.NormalizeIdentity(w.Bus)
				if key != v.bus {
					queue = append(queue, visit{key, w.NominalVoltageV})
				}
			}
		}
	}
}
