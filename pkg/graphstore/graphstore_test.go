package graphstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/topology"
)

type runCall struct {
	cypher string
	params map[string]any
}

// fakeRunner records every cypher statement and replays scripted records.
type fakeRunner struct {
	calls   []runCall
	records []*neo4j.Record
	err     error
	pos     int
}

type fakeResult struct {
	r *fakeRunner
}

func (f *fakeResult) Next(ctx context.Context) bool {
	return f.r.pos < len(f.r.records)
}

func (f *fakeResult) Record() *neo4j.Record {
	rec := f.r.records[f.r.pos]
	f.r.pos++
	return rec
}

func (f *fakeRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	f.calls = append(f.calls, runCall{cypher: cypher, params: params})
	if f.err != nil {
		return nil, f.err
	}
	return &fakeResult{r: f}, nil
}

func (f *fakeRunner) Close(ctx context.Context) error { return nil }

func testStore(f *fakeRunner) *Store {
	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	s := New(nil, log)
	s.newSession = func(ctx context.Context) runner { return f }
	return s
}

func record(keys []string, values []any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func sampleSystem(t *testing.T) *model.DistributionSystem {
	t.Helper()
	sys := model.NewSystem("ckt1")
	abc := model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
	comps := []model.Component{
		&model.Bus{Name: "src", Phases: abc, NominalVoltageV: 7200},
		&model.Bus{Name: "mid", Phases: abc, NominalVoltageV: 7200},
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc, VoltageV: 7200},
		&model.Line{Name: "l1", FromBus: "src", ToBus: "mid", Phases: abc},
		&model.Load{Name: "ld", Bus: "mid", Phases: abc},
	}
	for _, c := range comps {
		require.NoError(t, sys.Add(c))
	}
	topology.Apply(sys)
	return sys
}

func TestMirrorSystemStatementShape(t *testing.T) {
	f := &fakeRunner{}
	store := testStore(f)

	require.NoError(t, store.MirrorSystem(context.Background(), sampleSystem(t)))

	// clear + 2 buses + 1 branch + 2 equipment connections (source and load)
	require.Len(t, f.calls, 6)
	assert.Contains(t, f.calls[0].cypher, "DETACH DELETE")
	assert.Contains(t, f.calls[1].cypher, "MERGE (b:Bus")
	assert.Contains(t, f.calls[3].cypher, "MERGE (a)-[r:BRANCH")

	// Everything carries the system scope.
	for _, call := range f.calls {
		assert.Equal(t, "ckt1", call.params["system"], call.cypher)
	}

	// The branch carries its feeder label.
	branch := f.calls[3]
	assert.Equal(t, "l1", branch.params["id"])
	assert.Equal(t, "fd1", branch.params["feeder"])
}

func TestMirrorSystemPropagatesRunError(t *testing.T) {
	f := &fakeRunner{err: errors.New("connection refused")}
	store := testStore(f)

	err := store.MirrorSystem(context.Background(), sampleSystem(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNeighbors(t *testing.T) {
	f := &fakeRunner{records: []*neo4j.Record{
		record([]string{"id"}, []any{"mid"}),
		record([]string{"id"}, []any{"end"}),
	}}
	store := testStore(f)

	got, err := store.Neighbors(context.Background(), "ckt1", "SRC", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "end"}, got)

	call := f.calls[0]
	assert.Contains(t, call.cypher, "*1..2")
	assert.Equal(t, "src", call.params["id"], "bus identity is normalized")
}

func TestTracePath(t *testing.T) {
	f := &fakeRunner{records: []*neo4j.Record{
		record([]string{"id"}, []any{"src"}),
		record([]string{"id"}, []any{"mid"}),
		record([]string{"id"}, []any{"end"}),
	}}
	store := testStore(f)

	got, err := store.TracePath(context.Background(), "ckt1", "src", "end")
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "mid", "end"}, got)
	assert.Contains(t, f.calls[0].cypher, "shortestPath")
}

func TestStats(t *testing.T) {
	f := &fakeRunner{records: []*neo4j.Record{
		record([]string{"nodes", "rels"}, []any{int64(12), int64(9)}),
	}}
	store := testStore(f)

	nodes, rels, err := store.Stats(context.Background(), "ckt1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), nodes)
	assert.Equal(t, int64(9), rels)
}

func TestBreakerShieldsRepeatedFailures(t *testing.T) {
	f := &fakeRunner{err: errors.New("down")}
	store := testStore(f)

	for i := 0; i < 10; i++ {
		_, _, _ = store.Stats(context.Background(), "ckt1")
	}
	// After the breaker trips the session is no longer touched.
	assert.Less(t, len(f.calls), 10)
	_, _, err := store.Stats(context.Background(), "ckt1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit breaker") || strings.Contains(err.Error(), "down"))
}
