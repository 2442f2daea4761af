package mapper

import (
	"sort"

	"github.com/gridweave/gridweave/engine/model"
)

// Accumulator gathers the parts of multi-record constructs (a device spread
// over several source lines) against a per-construct key until the set is
// complete. Keys still pending when the input is exhausted fail with
// IncompleteMultiPartRecord.
type Accumulator struct {
	construct string
	pending   map[string][]Record
}

// NewAccumulator creates an accumulator for one construct.
func NewAccumulator(construct string) *Accumulator {
	return &Accumulator{construct: construct, pending: make(map[string][]Record)}
}

// Put appends a part under key.
func (a *Accumulator) Put(key string, rec Record) {
	key = model.NormalizeIdentity(key)
	a.pending[key] = append(a.pending[key], rec)
}

// Take removes and returns all parts accumulated under key.
func (a *Accumulator) Take(key string) ([]Record, bool) {
	key = model.NormalizeIdentity(key)
	recs, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
	}
	return recs, ok
}

// Peek returns the parts under key without removing them.
func (a *Accumulator) Peek(key string) []Record {
	return a.pending[model.NormalizeIdentity(key)]
}

// Remaining returns the keys that never completed, in ascending order.
func (a *Accumulator) Remaining() []string {
	keys := make([]string, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Err returns one IncompleteMultiPartRecord violation per pending key, or
// nil when every accumulation completed.
func (a *Accumulator) Err() error {
	var out model.ViolationList
	for _, key := range a.Remaining() {
		out = append(out, model.NewViolation(key, "", a.construct, model.ErrIncompleteMultiPartRecord))
	}
	return out.AsError()
}
