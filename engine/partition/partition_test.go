package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
)

func abc() model.PhaseSet {
	return model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
}

func feederSystem(t *testing.T) *model.DistributionSystem {
	t.Helper()
	sys := model.NewSystem("s")
	comps := []model.Component{
		&model.Bus{Name: "src", Phases: abc()},
		&model.Bus{Name: "m", Phases: abc()},
		&model.Bus{Name: "iso", Phases: abc()},
		&model.VoltageSource{Name: "fd1", Bus: "src", Phases: abc(), VoltageV: 7200, Substation: "subA"},
		&model.Line{Name: "l1", FromBus: "src", ToBus: "m", Phases: abc()},
		&model.Load{Name: "ld", Bus: "m", Phases: abc()},
	}
	for _, c := range comps {
		require.NoError(t, sys.Add(c))
	}
	return sys
}

func TestGroupByFeeder(t *testing.T) {
	sys := feederSystem(t)
	groups, err := Group(sys, AxisFeeder)
	require.NoError(t, err)

	require.Contains(t, groups, Key{Feeder: "fd1"})
	assert.Equal(t, []string{"fd1", "l1", "ld", "m", "src"}, groups[Key{Feeder: "fd1"}])

	// The island bus lands in the unassigned group, never dropped.
	require.Contains(t, groups, Key{Feeder: Unassigned})
	assert.Equal(t, []string{"iso"}, groups[Key{Feeder: Unassigned}])

	total := 0
	for _, members := range groups {
		total += len(members)
	}
	assert.Equal(t, sys.Len(), total, "partition conserves components")
}

func TestGroupByType(t *testing.T) {
	sys := feederSystem(t)
	groups, err := Group(sys, AxisType)
	require.NoError(t, err)
	assert.Len(t, groups[Key{Type: string(model.KindBus)}], 3)
	assert.Len(t, groups[Key{Type: string(model.KindLine)}], 1)
	assert.Len(t, groups[Key{Type: string(model.KindLoad)}], 1)
}

func TestGroupIntersectionOfAxes(t *testing.T) {
	sys := feederSystem(t)
	groups, err := Group(sys, AxisFeeder, AxisType)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, groups[Key{Feeder: "fd1", Type: string(model.KindLine)}])
	assert.Equal(t, []string{"iso"}, groups[Key{Feeder: Unassigned, Type: string(model.KindBus)}])
}

func TestGroupBySubstation(t *testing.T) {
	sys := feederSystem(t)
	groups, err := Group(sys, AxisSubstation)
	require.NoError(t, err)
	assert.Contains(t, groups[Key{Substation: "suba"}], "ld")
	assert.Contains(t, groups[Key{Substation: Unassigned}], "iso")
}

func TestGroupAxisValidation(t *testing.T) {
	sys := feederSystem(t)
	_, err := Group(sys)
	assert.Error(t, err)
	_, err = Group(sys, Axis("color"))
	assert.Error(t, err)
	_, err = Group(sys, AxisFeeder, AxisFeeder)
	assert.Error(t, err)
}

func TestGroupRecomputesStaleLabels(t *testing.T) {
	sys := feederSystem(t)
	_, err := Group(sys, AxisFeeder)
	require.NoError(t, err)

	// A mutation clears labels; the next Group must rebuild them.
	require.NoError(t, sys.Add(&model.Load{Name: "ld2", Bus: "m", Phases: abc()}))
	require.Nil(t, sys.Labels())

	groups, err := Group(sys, AxisFeeder)
	require.NoError(t, err)
	assert.Contains(t, groups[Key{Feeder: "fd1"}], "ld2")
}

func TestKeyFileName(t *testing.T) {
	assert.Equal(t, "feeder-fd1", Key{Feeder: "fd1"}.FileName())
	assert.Equal(t, "feeder-fd1__type-line", Key{Feeder: "fd1", Type: "line"}.FileName())
	assert.Equal(t, "substation-sub-a-2", Key{Substation: "Sub A/2"}.FileName())
	assert.Equal(t, "all", Key{}.FileName())
}

func TestSortedKeys(t *testing.T) {
	groups := map[Key][]string{
		{Feeder: "b", Type: "line"}: nil,
		{Feeder: "a", Type: "load"}: nil,
		{Feeder: "a", Type: "bus"}:  nil,
	}
	keys := SortedKeys(groups)
	assert.Equal(t, []Key{
		{Feeder: "a", Type: "bus"},
		{Feeder: "a", Type: "load"},
		{Feeder: "b", Type: "line"},
	}, keys)

	// Ordering is independent of what the groups hold; writers key arbitrary
	// payloads by partition.
	counts := map[Key]int{
		{Feeder: "b"}: 2,
		{Feeder: "a"}: 1,
	}
	assert.Equal(t, []Key{{Feeder: "a"}, {Feeder: "b"}}, SortedKeys(counts))
}

func TestMergeFailPolicy(t *testing.T) {
	dst := feederSystem(t)
	src := model.NewSystem("other")
	require.NoError(t, src.Add(&model.Bus{Name: "new1", Phases: abc()}))
	require.NoError(t, src.Add(&model.Load{Name: "ld", Bus: "m", Phases: abc()}))

	err := Merge(dst, src, MergeFail)
	require.ErrorIs(t, err, model.ErrDuplicateIdentity)

	// Non-colliding components still merged.
	assert.True(t, dst.Has("new1"))
}

func TestMergeReplacePolicy(t *testing.T) {
	dst := feederSystem(t)
	src := model.NewSystem("other")
	require.NoError(t, src.Add(&model.Load{Name: "ld", Bus: "m", Phases: abc(), ActivePowerW: 999}))

	require.NoError(t, Merge(dst, src, MergeReplace))
	c, err := dst.Resolve("ld")
	require.NoError(t, err)
	assert.Equal(t, 999.0, c.(*model.Load).ActivePowerW)
}

func TestMergeFieldsPolicy(t *testing.T) {
	dst := model.NewSystem("a")
	require.NoError(t, dst.Add(&model.Load{
		Name: "ld", Bus: "m", Phases: abc(),
		ActivePowerW: 1000, ReactivePowerVar: 250,
	}))

	src := model.NewSystem("b")
	require.NoError(t, src.Add(&model.Load{
		Name: "ld", Bus: "m", Phases: abc(),
		ActivePowerW: 2000, // reactive power left unset
	}))

	require.NoError(t, Merge(dst, src, MergeFields))
	c, err := dst.Resolve("ld")
	require.NoError(t, err)
	ld := c.(*model.Load)
	assert.Equal(t, 2000.0, ld.ActivePowerW, "set fields overlay")
	assert.Equal(t, 250.0, ld.ReactivePowerVar, "unset fields keep earlier values")
}

func TestMergeFieldsKindMismatch(t *testing.T) {
	dst := model.NewSystem("a")
	require.NoError(t, dst.Add(&model.Bus{Name: "x", Phases: abc()}))
	src := model.NewSystem("b")
	require.NoError(t, src.Add(&model.Load{Name: "x", Bus: "m", Phases: abc()}))

	err := Merge(dst, src, MergeFields)
	require.ErrorIs(t, err, model.ErrDuplicateIdentity)
}

func TestParseMergePolicy(t *testing.T) {
	for in, want := range map[string]MergePolicy{
		"": MergeFail, "fail": MergeFail, "replace": MergeReplace, "merge-fields": MergeFields,
	} {
		got, err := ParseMergePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMergePolicy("overwrite")
	assert.Error(t, err)
}
