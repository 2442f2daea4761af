package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
)

func abc() model.PhaseSet {
	return model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
}

func addAll(t *testing.T, sys *model.DistributionSystem, comps ...model.Component) {
	t.Helper()
	for _, c := range comps {
		require.NoError(t, sys.Add(c))
	}
}

func line(name, from, to string) *model.Line {
	return &model.Line{Name: name, FromBus: from, ToBus: to, Phases: abc()}
}

func bus(name string) *model.Bus {
	return &model.Bus{Name: name, Phases: abc()}
}

func TestAnalyzeSingleFeeder(t *testing.T) {
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("src"), bus("m1"), bus("m2"),
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200, Substation: "SubA"},
		line("l1", "src", "m1"),
		line("l2", "m1", "m2"),
		&model.Load{Name: "ld", Bus: "m2", Phases: abc()},
	)

	labels := Analyze(sys)
	assert.Empty(t, labels.Warnings)
	for _, id := range []string{"src", "m1", "m2", "l1", "l2", "ld"} {
		assert.Equal(t, "fd1", labels.Feeder[id], id)
		assert.Equal(t, "suba", labels.Substation[id], id)
	}
}

func TestAnalyzeFeederStopsAtNextSource(t *testing.T) {
	// src1 -- a -- src2bus -- b : a tie line joins two feeders.
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("s1"), bus("a"), bus("s2"), bus("b"),
		&model.VoltageSource{Name: "fd1", Bus: "s1", Phases: abc(), VoltageV: 7200},
		&model.VoltageSource{Name: "fd2", Bus: "s2", Phases: abc(), VoltageV: 7200},
		line("l1", "s1", "a"),
		line("tie", "a", "s2"),
		line("l2", "s2", "b"),
	)

	labels := Analyze(sys)
	assert.Equal(t, "fd1", labels.Feeder["a"])
	assert.Equal(t, "fd2", labels.Feeder["b"])
	assert.Equal(t, "fd1", labels.Feeder["l1"])
	assert.Equal(t, "fd2", labels.Feeder["l2"])
	// The first feeder reaches s2's bus but does not traverse past it.
	assert.Equal(t, "fd1", labels.Feeder["s2"], "first-declared source keeps the shared bus")
}

func TestAnalyzeAmbiguousFeederFirstDeclaredWins(t *testing.T) {
	// Both sources reach mid with no intervening source bus.
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("s1"), bus("s2"), bus("mid"),
		&model.VoltageSource{Name: "fdx", Bus: "s1", Phases: abc(), VoltageV: 7200},
		&model.VoltageSource{Name: "fdy", Bus: "s2", Phases: abc(), VoltageV: 7200},
		line("l1", "s1", "mid"),
		line("l2", "s2", "mid"),
	)

	labels := Analyze(sys)
	assert.Equal(t, "fdx", labels.Feeder["mid"])

	var found bool
	for _, w := range labels.Warnings {
		if w.Code == model.WarnAmbiguousFeeder && w.Component == "mid" {
			found = true
		}
	}
	assert.True(t, found, "shared bus must be flagged ambiguous")
}

func TestAnalyzeIslands(t *testing.T) {
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("src"), bus("m"), bus("iso1"), bus("iso2"),
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200},
		line("l1", "src", "m"),
		line("far", "iso1", "iso2"),
	)

	labels := Analyze(sys)
	assert.NotContains(t, labels.Feeder, "iso1")
	assert.NotContains(t, labels.Feeder, "iso2")
	assert.ElementsMatch(t, []string{"iso1", "iso2"}, Islands(labels))
}

func TestAnalyzeEquipmentInheritsBusFeeder(t *testing.T) {
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("src"), bus("m"),
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200},
		line("l1", "src", "m"),
		&model.Capacitor{Name: "cap1", Bus: "m", Phases: abc()},
		&model.Solar{Name: "pv1", Bus: "m", Phases: abc()},
	)

	labels := Analyze(sys)
	assert.Equal(t, "fd1", labels.Feeder["cap1"])
	assert.Equal(t, "fd1", labels.Feeder["pv1"])
}

func TestAnalyzeDeterministic(t *testing.T) {
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("src"), bus("a"), bus("b"), bus("c"),
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200},
		line("l1", "src", "c"),
		line("l2", "src", "a"),
		line("l3", "a", "b"),
		line("l4", "c", "b"),
	)

	first := Analyze(sys)
	for i := 0; i < 5; i++ {
		again := Analyze(sys)
		assert.Equal(t, first.Feeder, again.Feeder)
		assert.Equal(t, first.Warnings, again.Warnings)
	}
}

func TestApplyStoresLabels(t *testing.T) {
	sys := model.NewSystem("s")
	addAll(t, sys,
		bus("src"),
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200},
	)
	labels := Apply(sys)
	assert.Same(t, labels, sys.Labels())
}
