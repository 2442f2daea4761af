package mapper

import "github.com/gridweave/gridweave/engine/model"

// Collector accumulates per-record mapping errors so a conversion run maps
// everything it can and reports every failure together.
type Collector struct {
	violations model.ViolationList
}

// Add records an error. Violations and violation lists keep their structure;
// anything else is wrapped so the aggregate stays uniform.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	switch e := err.(type) {
	case *model.Violation:
		c.violations = append(c.violations, e)
	case model.ViolationList:
		c.violations = append(c.violations, e...)
	default:
		c.violations = append(c.violations, model.NewViolation("", "", e.Error(), model.ErrValidationFailed))
	}
}

// Len returns the number of collected violations.
func (c *Collector) Len() int { return len(c.violations) }

// Violations returns the collected list.
func (c *Collector) Violations() model.ViolationList { return c.violations }

// Err returns the aggregate error, or nil when nothing was collected.
func (c *Collector) Err() error { return c.violations.AsError() }
