package model

import "sort"

// GraphEdge is one branch in the connectivity graph.
type GraphEdge struct {
	ID   string // normalized branch identity
	From string // normalized bus identity
	To   string
	Kind Kind
}

// Other returns the endpoint opposite to bus.
func (e GraphEdge) Other(bus string) string {
	if e.From == bus {
		return e.To
	}
	return e.From
}

// Graph is a read-only undirected view of the system: buses are nodes,
// branches are edges, non-branch equipment hangs off its connection buses.
// Branches whose endpoints do not resolve, and self-loops, are excluded;
// Validate reports them as violations.
type Graph struct {
	nodes    []string
	edges    []GraphEdge
	adj      map[string][]GraphEdge
	attached map[string][]string // bus -> equipment identities
}

func buildGraph(components map[string]Component, order []string) *Graph {
	g := &Graph{
		adj:      make(map[string][]GraphEdge),
		attached: make(map[string][]string),
	}
	isBus := make(map[string]bool)
	for _, key := range order {
		if components[key].Kind() == KindBus {
			g.nodes = append(g.nodes, key)
			isBus[key] = true
		}
	}
	sort.Strings(g.nodes)

	for _, key := range order {
		switch c := components[key].(type) {
		case Branch:
			from, to := c.Endpoints()
			from, to = NormalizeIdentity(from), NormalizeIdentity(to)
			if !isBus[from] || !isBus[to] || from == to {
				continue
			}
			e := GraphEdge{ID: key, From: from, To: to, Kind: c.Kind()}
			g.edges = append(g.edges, e)
			g.adj[from] = append(g.adj[from], e)
			g.adj[to] = append(g.adj[to], e)
		case Connectable:
			for _, conn := range c.Connections() {
				bus := NormalizeIdentity(conn.Bus)
				if isBus[bus] {
					g.attached[bus] = append(g.attached[bus], key)
				}
			}
		}
	}

	// Deterministic adjacency: ascending far-endpoint, then edge id.
	for bus := range g.adj {
		edges := g.adj[bus]
		sort.Slice(edges, func(i, j int) bool {
			oi, oj := edges[i].Other(bus), edges[j].Other(bus)
			if oi != oj {
				return oi < oj
			}
			return edges[i].ID < edges[j].ID
		})
	}
	return g
}

// Nodes returns all bus identities in ascending order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []GraphEdge {
	out := make([]GraphEdge, len(g.edges))
	copy(out, g.edges)
	return out
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the edge count.
func (g *Graph) NumEdges() int { return len(g.edges) }

// HasNode reports whether the bus exists in the graph.
func (g *Graph) HasNode(bus string) bool {
	for _, n := range g.nodes {
		if n == NormalizeIdentity(bus) {
			return true
		}
	}
	return false
}

// Incident returns the edges touching a bus, in deterministic order.
func (g *Graph) Incident(bus string) []GraphEdge {
	return g.adj[NormalizeIdentity(bus)]
}

// Attached returns non-branch equipment identities connected to a bus.
func (g *Graph) Attached(bus string) []string {
	return g.attached[NormalizeIdentity(bus)]
}
