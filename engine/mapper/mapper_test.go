package mapper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/units"
)

// busMapper is a minimal mapper used to exercise registry dispatch and MapAll.
type busMapper struct{}

func (busMapper) Construct() string   { return "bus" }
func (busMapper) Kinds() []model.Kind { return []model.Kind{model.KindBus} }
func (busMapper) Capability() Capability {
	return Capability{Construct: "bus", Fields: []string{"name", "kv"}}
}

func (busMapper) ToIR(rec Record, ctx *Context) ([]model.Component, error) {
	name, err := RequiredField(rec, "name")
	if err != nil {
		return nil, err
	}
	kv, err := OptionalQuantity(rec, "kv", "kv", units.Voltage, 0)
	if err != nil {
		return nil, err
	}
	return []model.Component{&model.Bus{
		Name:            name,
		NominalVoltageV: kv,
		Phases:          model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC},
	}}, nil
}

func (busMapper) FromIR(c model.Component, ctx *Context) ([]Record, error) {
	b, ok := c.(*model.Bus)
	if !ok {
		return nil, fmt.Errorf("busMapper cannot emit %s", c.Kind())
	}
	return []Record{{Construct: "bus", Fields: map[string]string{"name": b.Name}}}, nil
}

// catchAllMapper claims KindBus too; registration order decides who wins.
type catchAllMapper struct{ busMapper }

func (catchAllMapper) Construct() string { return "any" }

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry("testfmt")
	reg.Register(busMapper{})
	reg.Register(catchAllMapper{})

	assert.Equal(t, "testfmt", reg.Format())

	m, ok := reg.ForConstruct("bus")
	require.True(t, ok)
	assert.Equal(t, "bus", m.Construct())

	_, ok = reg.ForConstruct("ghost")
	assert.False(t, ok)

	// First registration keeps the kind.
	m, ok = reg.ForKind(model.KindBus)
	require.True(t, ok)
	assert.Equal(t, "bus", m.Construct())

	assert.Len(t, reg.Mappers(), 2)
}

func TestMapAllCollectsEveryFailure(t *testing.T) {
	sys := model.NewSystem("s")
	mctx := &Context{System: sys}
	recs := []Record{
		{Construct: "bus", Fields: map[string]string{"name": "b1"}},
		{Construct: "bus", Fields: map[string]string{}}, // missing name
		{Construct: "bus", Fields: map[string]string{"name": "b2"}},
		{Construct: "bus", Fields: map[string]string{"name": "b1"}}, // duplicate
		{Construct: "bus", Fields: map[string]string{"name": "b3", "kv": "abc"}},
	}

	err := MapAll(context.Background(), mctx, busMapper{}, recs, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMissingRequiredField)
	assert.ErrorIs(t, err, model.ErrDuplicateIdentity)

	// Good records landed despite the failures.
	assert.True(t, sys.Has("b1"))
	assert.True(t, sys.Has("b2"))
	assert.Equal(t, 2, sys.Len())
}

func TestMapAllHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sys := model.NewSystem("s")
	err := MapAll(ctx, &Context{System: sys},
		busMapper{}, []Record{{Construct: "bus", Fields: map[string]string{"name": "b1"}}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), context.Canceled.Error())
}

func TestFieldHelpers(t *testing.T) {
	rec := Record{Construct: "bus", Fields: map[string]string{
		"name": "b1", "kv": "12.47", "bad": "xyz", "blank": "",
	}}

	v, err := RequiredField(rec, "name")
	require.NoError(t, err)
	assert.Equal(t, "b1", v)

	_, err = RequiredField(rec, "blank")
	assert.ErrorIs(t, err, model.ErrMissingRequiredField)

	f, err := RequiredFloat(rec, "kv")
	require.NoError(t, err)
	assert.Equal(t, 12.47, f)

	_, err = RequiredFloat(rec, "bad")
	assert.ErrorIs(t, err, model.ErrMissingRequiredField)

	assert.Equal(t, "fallback", OptionalField(rec, "missing", "fallback"))
	assert.Equal(t, "b1", OptionalField(rec, "name", "fallback"))

	f, err = OptionalFloat(rec, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, f)

	f, err = RequiredQuantity(rec, "kv", "kv", units.Voltage)
	require.NoError(t, err)
	assert.InDelta(t, 12470, f, 1e-9)

	_, err = RequiredQuantity(rec, "kv", "bogus", units.Voltage)
	assert.ErrorIs(t, err, units.ErrUnsupportedUnit)

	f, err = OptionalQuantity(rec, "missing", "kv", units.Voltage, 240)
	require.NoError(t, err)
	assert.Equal(t, 240.0, f)
}

func TestCollector(t *testing.T) {
	col := &Collector{}
	require.NoError(t, col.Err())

	col.Add(nil)
	assert.Equal(t, 0, col.Len())

	col.Add(model.NewViolation("c1", "f", "", model.ErrMissingRequiredField))
	col.Add(model.ViolationList{
		model.NewViolation("c2", "", "", model.ErrUnknownReference),
		model.NewViolation("c3", "", "", model.ErrUnknownReference),
	})
	col.Add(errors.New("plain failure"))
	assert.Equal(t, 4, col.Len())

	err := col.Err()
	assert.ErrorIs(t, err, model.ErrValidationFailed)
	assert.ErrorIs(t, err, model.ErrMissingRequiredField)
	assert.ErrorIs(t, err, model.ErrUnknownReference)
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator("winding")
	acc.Put("T1", Record{Construct: "winding", Fields: map[string]string{"n": "1"}})
	acc.Put(" t1 ", Record{Construct: "winding", Fields: map[string]string{"n": "2"}})
	acc.Put("t2", Record{Construct: "winding", Fields: map[string]string{"n": "1"}})

	assert.Len(t, acc.Peek("t1"), 2, "key normalization folds variants together")

	parts, ok := acc.Take("T1")
	require.True(t, ok)
	assert.Len(t, parts, 2)

	_, ok = acc.Take("t1")
	assert.False(t, ok, "Take drains the key")

	assert.Equal(t, []string{"t2"}, acc.Remaining())
	err := acc.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrIncompleteMultiPartRecord)

	acc.Take("t2")
	assert.NoError(t, acc.Err())
}

func TestContextOption(t *testing.T) {
	ctx := &Context{Options: map[string]string{"policy": "replace"}}
	assert.Equal(t, "replace", ctx.Option("policy", "fail"))
	assert.Equal(t, "fail", ctx.Option("missing", "fail"))

	empty := &Context{}
	assert.Equal(t, "fail", empty.Option("policy", "fail"))
}
