package partition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/topology"
)

// Axis is one grouping dimension a writer can request.
type Axis string

const (
	AxisFeeder     Axis = "feeder"
	AxisSubstation Axis = "substation"
	AxisType       Axis = "type"
)

// Unassigned is the document boundary group for components with no valid
// membership under a requested axis (e.g. an island bus under AxisFeeder).
// Nothing is ever silently dropped.
const Unassigned = "unassigned"

// Key identifies one output group. Only the fields for requested axes are
// populated; a component belongs to exactly one key (intersection of all
// requested axes).
type Key struct {
	Feeder     string
	Substation string
	Type       string
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// FileName derives the deterministic output file stem for this group, e.g.
// "feeder-fd1__type-line".
func (k Key) FileName() string {
	var parts []string
	if k.Feeder != "" {
		parts = append(parts, "feeder-"+sanitize(k.Feeder))
	}
	if k.Substation != "" {
		parts = append(parts, "substation-"+sanitize(k.Substation))
	}
	if k.Type != "" {
		parts = append(parts, "type-"+sanitize(k.Type))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, "__")
}

func (k Key) String() string { return k.FileName() }

func sanitize(s string) string {
	return unsafeFileChars.ReplaceAllString(strings.ToLower(s), "-")
}

// Group computes the partition of every component along the requested axes.
// Members are normalized identities in ascending order. Partition labels are
// recomputed first if the system has none (mutation clears them).
func Group(sys *model.DistributionSystem, axes ...Axis) (map[Key][]string, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("at least one partition axis is required")
	}
	seen := map[Axis]bool{}
	for _, a := range axes {
		switch a {
		case AxisFeeder, AxisSubstation, AxisType:
		default:
			return nil, fmt.Errorf("unknown partition axis %q", a)
		}
		if seen[a] {
			return nil, fmt.Errorf("duplicate partition axis %q", a)
		}
		seen[a] = true
	}

	labels := sys.Labels()
	if labels == nil {
		labels = topology.Apply(sys)
	}

	out := make(map[Key][]string)
	for _, c := range sys.Components() {
		identity := model.NormalizeIdentity(c.Identity())
		var key Key
		if seen[AxisFeeder] {
			key.Feeder = labelOr(labels.Feeder, identity, Unassigned)
		}
		if seen[AxisSubstation] {
			key.Substation = labelOr(labels.Substation, identity, Unassigned)
		}
		if seen[AxisType] {
			key.Type = string(c.Kind())
		}
		out[key] = append(out[key], identity)
	}
	for _, members := range out {
		sort.Strings(members)
	}
	return out, nil
}

func labelOr(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

// SortedKeys returns group keys in deterministic ascending order.
func SortedKeys[V any](groups map[Key]V) []Key {
	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Feeder != keys[j].Feeder {
			return keys[i].Feeder < keys[j].Feeder
		}
		if keys[i].Substation != keys[j].Substation {
			return keys[i].Substation < keys[j].Substation
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}
