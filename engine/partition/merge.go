// Package partition groups IR components for writers that split output into
// multiple files, and merges multiple source documents into one IR for
// many-to-one ingestion.
package partition

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridweave/gridweave/engine/model"
)

// MergePolicy decides what happens when a later document carries an identity
// that already exists. Silent overwrite is never the default.
type MergePolicy int

const (
	// MergeFail treats any identity collision as a fatal DuplicateIdentity.
	MergeFail MergePolicy = iota
	// MergeReplace explicitly replaces the earlier component.
	MergeReplace
	// MergeFields explicitly overlays the incoming component's set fields
	// onto the earlier one; unset incoming fields keep the earlier values.
	MergeFields
)

// ParseMergePolicy maps a policy name to its value.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "fail":
		return MergeFail, nil
	case "replace":
		return MergeReplace, nil
	case "merge-fields":
		return MergeFields, nil
	}
	return MergeFail, fmt.Errorf("unknown merge policy %q", s)
}

// Merge applies every component of src into dst under the given policy.
// Collisions are collected across the whole document so the caller sees all
// of them at once; any collision under MergeFail is fatal.
func Merge(dst, src *model.DistributionSystem, policy MergePolicy) error {
	var out model.ViolationList
	for _, c := range src.Components() {
		if !dst.Has(c.Identity()) {
			if err := dst.Add(c); err != nil {
				appendErr(&out, err)
			}
			continue
		}
		switch policy {
		case MergeFail:
			out = append(out, model.NewViolation(c.Identity(), "",
				"identity exists in an earlier document (no override policy)", model.ErrDuplicateIdentity))
		case MergeReplace:
			if err := dst.Replace(c); err != nil {
				appendErr(&out, err)
			}
		case MergeFields:
			if err := overlayFields(dst, c); err != nil {
				appendErr(&out, err)
			}
		}
	}
	return out.AsError()
}

// overlayFields merges the incoming component's set fields over the existing
// one. Both sides must be the same kind.
func overlayFields(dst *model.DistributionSystem, incoming model.Component) error {
	existing, err := dst.Resolve(incoming.Identity())
	if err != nil {
		return err
	}
	if existing.Kind() != incoming.Kind() {
		return model.NewViolation(incoming.Identity(), "",
			fmt.Sprintf("cannot merge %s into %s", incoming.Kind(), existing.Kind()),
			model.ErrDuplicateIdentity)
	}

	base, err := toFieldMap(existing)
	if err != nil {
		return err
	}
	overlay, err := toFieldMap(incoming)
	if err != nil {
		return err
	}
	for k, v := range overlay {
		if isZeroJSON(v) {
			continue
		}
		base[k] = v
	}

	data, err := json.Marshal(base)
	if err != nil {
		return err
	}
	fresh, err := model.DecodeComponent(existing.Kind(), data)
	if err != nil {
		return err
	}
	return dst.Replace(fresh)
}

func toFieldMap(c model.Component) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isZeroJSON(raw json.RawMessage) bool {
	switch string(raw) {
	case "null", `""`, "0", "false", "[]", "{}":
		return true
	}
	return false
}

func appendErr(out *model.ViolationList, err error) {
	var v *model.Violation
	var vl model.ViolationList
	switch {
	case errors.As(err, &v):
		*out = append(*out, v)
	case errors.As(err, &vl):
		*out = append(*out, vl...)
	default:
		*out = append(*out, model.NewViolation("", "", err.Error(), model.ErrValidationFailed))
	}
}
