package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmptySystem(t *testing.T) {
	assert.Empty(t, NewSystem("empty").Validate())
}

func TestValidateCleanSystem(t *testing.T) {
	sys := radial(t)
	assert.Empty(t, sys.Validate())
}

func TestValidateReportsEveryViolation(t *testing.T) {
	sys := NewSystem("bad")
	require.NoError(t, sys.Add(&Bus{Name: "b1", Phases: PhaseSet{PhaseA}}))
	// dangling endpoint and phase mismatch
	require.NoError(t, sys.Add(&Line{Name: "l1", FromBus: "b1", ToBus: "ghost", Phases: abc()}))
	// self-loop
	require.NoError(t, sys.Add(&Line{Name: "l2", FromBus: "b1", ToBus: "b1", Phases: PhaseSet{PhaseA}}))
	// missing line code
	require.NoError(t, sys.Add(&Line{Name: "l3", FromBus: "b1", ToBus: "b1", Phases: PhaseSet{PhaseA}, LineCode: "ghost"}))
	// equipment on unknown bus
	require.NoError(t, sys.Add(&Load{Name: "ld", Bus: "nowhere", Phases: PhaseSet{PhaseA}}))
	// one winding only
	require.NoError(t, sys.Add(&Transformer{Name: "t1", Windings: []Winding{
		{Bus: "b1", Phases: PhaseSet{PhaseA}},
	}}))

	out := sys.Validate()
	require.NotEmpty(t, out)

	err := out.AsError()
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	byComponent := map[string]int{}
	for _, v := range out {
		byComponent[v.Component]++
	}
	assert.GreaterOrEqual(t, byComponent["l1"], 2, "dangling ref and phase mismatch")
	assert.GreaterOrEqual(t, byComponent["l2"], 1, "self-loop")
	assert.GreaterOrEqual(t, byComponent["l3"], 1, "unknown line code")
	assert.GreaterOrEqual(t, byComponent["ld"], 1, "unknown bus")
	assert.GreaterOrEqual(t, byComponent["t1"], 1, "single winding")
}

func TestValidatePhaseSubset(t *testing.T) {
	sys := NewSystem("p")
	require.NoError(t, sys.Add(&Bus{Name: "b1", Phases: PhaseSet{PhaseA, PhaseB}}))
	require.NoError(t, sys.Add(&Bus{Name: "b2", Phases: PhaseSet{PhaseA}}))
	require.NoError(t, sys.Add(&Line{Name: "l1", FromBus: "b1", ToBus: "b2", Phases: PhaseSet{PhaseA, PhaseB}}))

	out := sys.Validate()
	require.Len(t, out, 1)
	assert.Equal(t, "l1", out[0].Component)
	assert.True(t, errors.Is(out[0], ErrValidationFailed))
}

func TestViolationListError(t *testing.T) {
	var vl ViolationList
	assert.Nil(t, vl.AsError())

	vl = append(vl, NewViolation("c1", "f", "bad", ErrMissingRequiredField))
	vl = append(vl, NewViolation("c2", "", "", ErrUnknownReference))
	msg := vl.Error()
	assert.Contains(t, msg, "2 violation(s)")
	assert.Contains(t, msg, "c1")
	assert.Contains(t, msg, "c2")
}
