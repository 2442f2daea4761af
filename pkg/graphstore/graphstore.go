// Package graphstore mirrors a validated distribution system into Neo4j for
// interactive exploration: buses become nodes, branches become relationships,
// other equipment hangs off its bus. The mirror is derived data and can be
// rebuilt from the IR at any time.
package graphstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/pkg/resilience"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Store writes and queries the Neo4j mirror of one or more systems.
type Store struct {
	driver     neo4j.DriverWithContext
	log        *slog.Logger
	breaker    *resilience.Breaker
	newSession func(ctx context.Context) runner // for testing
}

// New creates a store over an open driver.
func New(driver neo4j.DriverWithContext, log *slog.Logger) *Store {
	return &Store{
		driver:  driver,
		log:     log.With("component", "graphstore"),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (s *Store) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	return &neo4jSessionAdapter{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// MirrorSystem replaces the mirror of sys. Buses are merged first so branch
// and equipment writes always find their endpoints; the system name scopes
// everything so several systems can coexist in one database.
func (s *Store) MirrorSystem(ctx context.Context, sys *model.DistributionSystem) error {
	labels := sys.Labels()
	feederOf := func(id string) string {
		if labels == nil {
			return ""
		}
		return labels.Feeder[model.NormalizeIdentity(id)]
	}

	return s.breaker.Call(ctx, func(ctx context.Context) error {
		sess := s.session(ctx)
		defer sess.Close(ctx)

		if err := s.clear(ctx, sess, sys.Name); err != nil {
			return err
		}

		graph := sys.Graph()
		for _, bus := range graph.Nodes() {
			b, err := sys.Bus(bus)
			if err != nil {
				return err
			}
			props := map[string]any{
				"system":  sys.Name,
				"id":      bus,
				"voltage": b.NominalVoltageV,
				"phases":  b.Phases.String(),
				"feeder":  feederOf(bus),
			}
			_, err = sess.Run(ctx,
				"MERGE (b:Bus {system: $system, id: $id}) SET b += $props",
				map[string]any{"system": sys.Name, "id": bus, "props": props})
			if err != nil {
				return fmt.Errorf("mirror bus %s: %w", bus, err)
			}
		}

		for _, edge := range graph.Edges() {
			_, err := sess.Run(ctx,
				`MATCH (a:Bus {system: $system, id: $from}), (b:Bus {system: $system, id: $to})
				 MERGE (a)-[r:BRANCH {id: $id}]->(b) SET r.kind = $kind, r.feeder = $feeder`,
				map[string]any{
					"system": sys.Name, "from": edge.From, "to": edge.To,
					"id": edge.ID, "kind": string(edge.Kind), "feeder": feederOf(edge.ID),
				})
			if err != nil {
				return fmt.Errorf("mirror branch %s: %w", edge.ID, err)
			}
		}

		for _, c := range sys.Components() {
			conn, ok := c.(model.Connectable)
			if !ok || c.Kind() == model.KindBus {
				continue
			}
			id := model.NormalizeIdentity(c.Identity())
			for _, cn := range conn.Connections() {
				_, err := sess.Run(ctx,
					`MATCH (b:Bus {system: $system, id: $bus})
					 MERGE (e:Equipment {system: $system, id: $id})
					 SET e.kind = $kind, e.feeder = $feeder
					 MERGE (e)-[:ATTACHED_TO]->(b)`,
					map[string]any{
						"system": sys.Name, "bus": model.NormalizeIdentity(cn.Bus),
						"id": id, "kind": string(c.Kind()), "feeder": feederOf(id),
					})
				if err != nil {
					return fmt.Errorf("mirror equipment %s: %w", id, err)
				}
			}
		}

		s.log.Info("system mirrored",
			"system", sys.Name, "buses", graph.NumNodes(), "branches", graph.NumEdges())
		return nil
	})
}

func (s *Store) clear(ctx context.Context, sess runner, system string) error {
	_, err := sess.Run(ctx,
		"MATCH (n {system: $system}) DETACH DELETE n",
		map[string]any{"system": system})
	if err != nil {
		return fmt.Errorf("clear mirror %s: %w", system, err)
	}
	return nil
}

// Neighbors returns bus identities within depth hops of a bus.
func (s *Store) Neighbors(ctx context.Context, system, bus string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = 1
	}
	var out []string
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		sess := s.session(ctx)
		defer sess.Close(ctx)

		cypher := fmt.Sprintf(
			"MATCH (a:Bus {system: $system, id: $id})-[:BRANCH*1..%d]-(b:Bus) RETURN DISTINCT b.id AS id",
			depth)
		res, err := sess.Run(ctx, cypher,
			map[string]any{"system": system, "id": model.NormalizeIdentity(bus)})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			if id, ok := stringValue(res.Record(), "id"); ok {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

// TracePath returns the bus identities along the shortest path between two
// buses, or nil when no path exists.
func (s *Store) TracePath(ctx context.Context, system, from, to string) ([]string, error) {
	var out []string
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		sess := s.session(ctx)
		defer sess.Close(ctx)

		res, err := sess.Run(ctx,
			`MATCH p = shortestPath((a:Bus {system: $system, id: $from})-[:BRANCH*]-(b:Bus {system: $system, id: $to}))
			 UNWIND nodes(p) AS n RETURN n.id AS id`,
			map[string]any{
				"system": system,
				"from":   model.NormalizeIdentity(from),
				"to":     model.NormalizeIdentity(to),
			})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			if id, ok := stringValue(res.Record(), "id"); ok {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

// Stats returns the mirrored node and relationship counts for a system.
func (s *Store) Stats(ctx context.Context, system string) (nodes, rels int64, err error) {
	err = s.breaker.Call(ctx, func(ctx context.Context) error {
		sess := s.session(ctx)
		defer sess.Close(ctx)

		res, err := sess.Run(ctx,
			`MATCH (n {system: $system})
			 OPTIONAL MATCH (n)-[r:BRANCH]->()
			 RETURN count(DISTINCT n) AS nodes, count(DISTINCT r) AS rels`,
			map[string]any{"system": system})
		if err != nil {
			return err
		}
		if res.Next(ctx) {
			rec := res.Record()
			nodes, _ = intValue(rec, "nodes")
			rels, _ = intValue(rec, "rels")
		}
		return nil
	})
	return nodes, rels, err
}

func stringValue(rec *neo4j.Record, key string) (string, bool) {
	v, ok := rec.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intValue(rec *neo4j.Record, key string) (int64, bool) {
	v, ok := rec.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}
