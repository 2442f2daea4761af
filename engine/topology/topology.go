// Package topology derives connectivity metadata from a populated IR: which
// feeder each bus, branch and equipment belongs to, which buses are islands,
// and how feeders group into substations. The computation is a pure function
// of the system; recomputing on an unchanged IR yields identical labels.
package topology

import (
	"fmt"

	"github.com/gridweave/gridweave/engine/model"
)

// Analyze labels the system's components with feeder and substation
// membership.
//
// From each declared source, in declaration order, a breadth-first traversal
// labels every reached bus and branch with that source's feeder id. Neighbor
// expansion is ordered by ascending bus identity so repeated runs produce the
// same labels. Traversal does not continue through another source's bus: a
// feeder ends where the next one begins. Buses reached by more than one
// source are flagged AmbiguousFeeder and keep the first-declared source's
// label; buses reached by none are flagged Island and stay out of every
// feeder group. Substations sit one level above feeders, grouping the
// feeders whose sources declare the same substation.
func Analyze(sys *model.DistributionSystem) *model.PartitionLabels {
	labels := &model.PartitionLabels{
		Feeder:     make(map[string]string),
		Substation: make(map[string]string),
	}
	graph := sys.Graph()
	sources := sys.Sources()

	sourceBuses := make(map[string]bool, len(sources))
	for _, src := range sources {
		sourceBuses[model.NormalizeIdentity(src.Bus)] = true
	}

	busFeeder := make(map[string]string)
	edgeFeeder := make(map[string]string)
	ambiguous := make(map[string]bool)

	for _, src := range sources {
		feeder := model.NormalizeIdentity(src.Name)
		origin := model.NormalizeIdentity(src.Bus)
		if !graph.HasNode(origin) {
			continue
		}

		queue := []string{origin}
		visited := map[string]bool{origin: true}
		for len(queue) > 0 {
			bus := queue[0]
			queue = queue[1:]

			if prev, taken := busFeeder[bus]; taken {
				if prev != feeder && !ambiguous[bus] {
					ambiguous[bus] = true
					labels.Warnings = append(labels.Warnings, model.Warning{
						Code:      model.WarnAmbiguousFeeder,
						Component: bus,
						Detail:    fmt.Sprintf("reached from %s and %s; keeping %s", prev, feeder, prev),
					})
				}
			} else {
				busFeeder[bus] = feeder
			}

			// A feeder stops at the next source's bus.
			if bus != origin && sourceBuses[bus] {
				continue
			}

			for _, edge := range graph.Incident(bus) {
				if _, labeled := edgeFeeder[edge.ID]; !labeled {
					edgeFeeder[edge.ID] = feeder
				}
				next := edge.Other(bus)
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}

	// Substation of a feeder comes from its source's declaration.
	feederSubstation := make(map[string]string)
	for _, src := range sources {
		if src.Substation != "" {
			feederSubstation[model.NormalizeIdentity(src.Name)] = model.NormalizeIdentity(src.Substation)
		}
	}

	assign := func(identity, feeder string) {
		labels.Feeder[identity] = feeder
		if sub, ok := feederSubstation[feeder]; ok {
			labels.Substation[identity] = sub
		}
	}

	for _, bus := range graph.Nodes() {
		feeder, ok := busFeeder[bus]
		if !ok {
			labels.Warnings = append(labels.Warnings, model.Warning{
				Code:      model.WarnIsland,
				Component: bus,
				Detail:    "no path from any declared source",
			})
			continue
		}
		assign(bus, feeder)
	}
	for _, edge := range graph.Edges() {
		if feeder, ok := edgeFeeder[edge.ID]; ok {
			assign(edge.ID, feeder)
		}
	}

	// Equipment inherits the feeder of its first labeled connection bus.
	for _, c := range sys.Components() {
		conn, ok := c.(model.Connectable)
		if !ok {
			continue
		}
		identity := model.NormalizeIdentity(c.Identity())
		if _, done := labels.Feeder[identity]; done {
			continue
		}
		for _, cn := range conn.Connections() {
			if feeder, ok := labels.Feeder[model.NormalizeIdentity(cn.Bus)]; ok {
				assign(identity, feeder)
				break
			}
		}
	}

	return labels
}

// Apply recomputes partition labels and stores them on the system. Always
// call it again after mutating a validated system before the next write.
func Apply(sys *model.DistributionSystem) *model.PartitionLabels {
	labels := Analyze(sys)
	sys.SetLabels(labels)
	return labels
}

// Islands returns the island bus identities recorded in labels, in the order
// they were found.
func Islands(labels *model.PartitionLabels) []string {
	var out []string
	for _, w := range labels.Warnings {
		if w.Code == model.WarnIsland {
			out = append(out, w.Component)
		}
	}
	return out
}
