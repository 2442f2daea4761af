// Package mapper defines the shared contract for format-specific component
// mappers. One mapper per (format, construct) pair translates raw source
// records into IR components and back; a registry dispatches by construct
// tag in the reading direction and by component kind in the writing
// direction. Field-level failures wrap the shared error taxonomy so a whole
// run's problems can be reported together.
package mapper

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/units"
	"github.com/gridweave/gridweave/pkg/fn"
)

// Record is a raw source record: a construct tag plus flat string fields.
// Readers own all parsing; by the time a Record reaches a mapper it is fully
// materialized in memory.
type Record struct {
	Construct string
	Fields    map[string]string
}

// Get returns a field value, or "" when absent.
func (r Record) Get(name string) string { return r.Fields[name] }

// Context carries the partially built IR for resolving cross-references that
// earlier constructs have already inserted, plus direction-specific options.
type Context struct {
	System  *model.DistributionSystem
	Options map[string]string
}

// Option returns an option value, or def when unset.
func (c *Context) Option(key, def string) string {
	if c.Options == nil {
		return def
	}
	if v, ok := c.Options[key]; ok {
		return v
	}
	return def
}

// Capability declares what a mapper supports. Fields round-trip through the
// IR. Dropped fields are accepted on read but not representable in the IR;
// they are enumerated here and dropped, never substituted with wrong values.
type Capability struct {
	Construct string
	Fields    []string
	Dropped   []string
}

// Mapper converts between one source construct and its IR components.
type Mapper interface {
	Construct() string
	Kinds() []model.Kind
	ToIR(rec Record, ctx *Context) ([]model.Component, error)
	FromIR(c model.Component, ctx *Context) ([]Record, error)
	Capability() Capability
}

// Registry dispatches mappers for one format.
type Registry struct {
	format      string
	byConstruct map[string]Mapper
	byKind      map[model.Kind]Mapper
	order       []Mapper
}

// NewRegistry creates an empty registry for a format name.
func NewRegistry(format string) *Registry {
	return &Registry{
		format:      format,
		byConstruct: make(map[string]Mapper),
		byKind:      make(map[model.Kind]Mapper),
	}
}

// Format returns the format name this registry serves.
func (r *Registry) Format() string { return r.format }

// Register adds a mapper. Later registrations win for kind dispatch only if
// the kind was not already claimed, so a catch-all mapper registers last.
func (r *Registry) Register(m Mapper) {
	r.byConstruct[m.Construct()] = m
	for _, k := range m.Kinds() {
		if _, taken := r.byKind[k]; !taken {
			r.byKind[k] = m
		}
	}
	r.order = append(r.order, m)
}

// ForConstruct returns the mapper for a source construct tag.
func (r *Registry) ForConstruct(construct string) (Mapper, bool) {
	m, ok := r.byConstruct[construct]
	return m, ok
}

// ForKind returns the mapper that emits a component kind.
func (r *Registry) ForKind(k model.Kind) (Mapper, bool) {
	m, ok := r.byKind[k]
	return m, ok
}

// Mappers returns all registered mappers in registration order.
func (r *Registry) Mappers() []Mapper { return r.order }

// MapAll maps independent records of one construct with bounded concurrency
// and inserts the results through the system's single serialized insertion
// point. Per-record failures are collected, not thrown: every record that can
// be mapped is mapped, and the aggregate error carries everything that could
// not.
func MapAll(ctx context.Context, mctx *Context, m Mapper, recs []Record, workers int) error {
	results := fn.ParMapResult(recs, workers, func(rec Record) fn.Result[[]model.Component] {
		select {
		case <-ctx.Done():
			return fn.Err[[]model.Component](ctx.Err())
		default:
		}
		return fn.FromPair(m.ToIR(rec, mctx))
	})

	col := &Collector{}
	for _, res := range results {
		comps, err := res.Unwrap()
		if err != nil {
			col.Add(err)
			continue
		}
		for _, c := range comps {
			if err := mctx.System.Add(c); err != nil {
				col.Add(err)
			}
		}
	}
	return col.Err()
}

// --- Field helpers ---

// RequiredField returns a field value or a MissingRequiredField violation
// naming the field and construct.
func RequiredField(rec Record, name string) (string, error) {
	v, ok := rec.Fields[name]
	if !ok || v == "" {
		return "", model.NewViolation(
			fmt.Sprintf("%s %q", rec.Construct, rec.Get("name")),
			name, "", model.ErrMissingRequiredField)
	}
	return v, nil
}

// RequiredFloat parses a required numeric field.
func RequiredFloat(rec Record, name string) (float64, error) {
	raw, err := RequiredField(rec, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.NewViolation(
			fmt.Sprintf("%s %q", rec.Construct, rec.Get("name")),
			name, fmt.Sprintf("not a number: %q", raw), model.ErrMissingRequiredField)
	}
	return f, nil
}

// OptionalField returns a field value or def when absent.
func OptionalField(rec Record, name, def string) string {
	if v, ok := rec.Fields[name]; ok && v != "" {
		return v
	}
	return def
}

// OptionalFloat parses an optional numeric field, defaulting when absent.
func OptionalFloat(rec Record, name string, def float64) (float64, error) {
	raw, ok := rec.Fields[name]
	if !ok || raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.NewViolation(
			fmt.Sprintf("%s %q", rec.Construct, rec.Get("name")),
			name, fmt.Sprintf("not a number: %q", raw), model.ErrMissingRequiredField)
	}
	return f, nil
}

// RequiredQuantity parses a required numeric field and normalizes it from
// sourceUnit into the canonical unit of kind.
func RequiredQuantity(rec Record, name, sourceUnit string, kind units.Kind) (float64, error) {
	f, err := RequiredFloat(rec, name)
	if err != nil {
		return 0, err
	}
	v, err := units.Normalize(f, sourceUnit, kind)
	if err != nil {
		return 0, model.NewViolation(
			fmt.Sprintf("%s %q", rec.Construct, rec.Get("name")),
			name, err.Error(), units.ErrUnsupportedUnit)
	}
	return v, nil
}

// OptionalQuantity is RequiredQuantity with a canonical-unit default.
func OptionalQuantity(rec Record, name, sourceUnit string, kind units.Kind, def float64) (float64, error) {
	if _, ok := rec.Fields[name]; !ok || rec.Fields[name] == "" {
		return def, nil
	}
	return RequiredQuantity(rec, name, sourceUnit, kind)
}
