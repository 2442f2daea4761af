package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the shared error taxonomy. Mappers, the model and
// the partition layer all wrap these so callers can match with errors.Is.
var (
	ErrDuplicateIdentity         = errors.New("duplicate identity")
	ErrUnknownReference          = errors.New("unknown reference")
	ErrMissingRequiredField      = errors.New("missing required field")
	ErrIncompleteMultiPartRecord = errors.New("incomplete multi-part record")
	ErrValidationFailed          = errors.New("validation failed")
)

// Violation wraps a sentinel with the component and field it concerns.
type Violation struct {
	Component string
	Field     string
	Detail    string
	Err       error
}

func (v *Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %s", v.Err, v.Component)
	if v.Field != "" {
		fmt.Fprintf(&b, " field=%s", v.Field)
	}
	if v.Detail != "" {
		fmt.Fprintf(&b, " (%s)", v.Detail)
	}
	return b.String()
}

func (v *Violation) Unwrap() error { return v.Err }

// NewViolation creates a Violation.
func NewViolation(component, field, detail string, err error) *Violation {
	return &Violation{Component: component, Field: field, Detail: detail, Err: err}
}

// ViolationList aggregates every violation found in one pass so callers can
// fix all issues at once instead of replaying one failure at a time.
type ViolationList []*Violation

func (vl ViolationList) Error() string {
	if len(vl) == 0 {
		return "no violations"
	}
	lines := make([]string, len(vl))
	for i, v := range vl {
		lines[i] = v.Error()
	}
	return fmt.Sprintf("%v: %d violation(s):\n  %s",
		ErrValidationFailed, len(vl), strings.Join(lines, "\n  "))
}

// Unwrap exposes the list to errors.Is/As: the aggregate matches
// ErrValidationFailed as well as every wrapped sentinel.
func (vl ViolationList) Unwrap() []error {
	out := make([]error, 0, len(vl)+1)
	out = append(out, ErrValidationFailed)
	for _, v := range vl {
		out = append(out, v)
	}
	return out
}

// AsError returns the list as an error, or nil when it is empty.
func (vl ViolationList) AsError() error {
	if len(vl) == 0 {
		return nil
	}
	return vl
}
