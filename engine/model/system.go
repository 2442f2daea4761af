package model

import (
	"fmt"
	"strings"
	"sync"
)

// DistributionSystem is the IR root: a catalog of components keyed by
// case-normalized identity, plus a lazily built connectivity graph and the
// derived partition labels. A system is exclusively owned by one conversion;
// the mutex only serializes the insertion point so independent records may be
// mapped concurrently.
type DistributionSystem struct {
	Name string

	mu         sync.Mutex
	components map[string]Component
	order      []string // normalized identities, insertion order
	graph      *Graph
	labels     *PartitionLabels
}

// NewSystem creates an empty DistributionSystem.
func NewSystem(name string) *DistributionSystem {
	return &DistributionSystem{
		Name:       name,
		components: make(map[string]Component),
	}
}

// NormalizeIdentity is the canonical identity form: trimmed, lowercased.
func NormalizeIdentity(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add inserts a component. Identities are unique within a system; inserting
// an existing identity fails with ErrDuplicateIdentity.
func (s *DistributionSystem) Add(c Component) error {
	key := NormalizeIdentity(c.Identity())
	if key == "" {
		return NewViolation(fmt.Sprintf("(%s)", c.Kind()), "name", "empty identity", ErrMissingRequiredField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.components[key]; exists {
		return NewViolation(c.Identity(), "", "", ErrDuplicateIdentity)
	}
	s.components[key] = c
	s.order = append(s.order, key)
	s.invalidateLocked()
	return nil
}

// Replace overwrites an existing component with the same identity. It is the
// explicit override path for merge policies; Add never overwrites silently.
func (s *DistributionSystem) Replace(c Component) error {
	key := NormalizeIdentity(c.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.components[key]; !exists {
		return NewViolation(c.Identity(), "", "", ErrUnknownReference)
	}
	s.components[key] = c
	s.invalidateLocked()
	return nil
}

// Remove deletes a component. Used by readers that collapse several source
// records into one IR component, and by programmatic edits; like any
// mutation it clears derived state, so validate and recompute topology
// before the next write.
func (s *DistributionSystem) Remove(name string) error {
	key := NormalizeIdentity(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.components[key]; !exists {
		return NewViolation(name, "", "", ErrUnknownReference)
	}
	delete(s.components, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.invalidateLocked()
	return nil
}

// Resolve returns the component with the given identity.
func (s *DistributionSystem) Resolve(name string) (Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[NormalizeIdentity(name)]
	if !ok {
		return nil, NewViolation(name, "", "", ErrUnknownReference)
	}
	return c, nil
}

// Bus resolves an identity and asserts it names a Bus.
func (s *DistributionSystem) Bus(name string) (*Bus, error) {
	c, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	b, ok := c.(*Bus)
	if !ok {
		return nil, NewViolation(name, "", fmt.Sprintf("expected bus, found %s", c.Kind()), ErrUnknownReference)
	}
	return b, nil
}

// Has reports whether an identity exists.
func (s *DistributionSystem) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.components[NormalizeIdentity(name)]
	return ok
}

// Len returns the number of components.
func (s *DistributionSystem) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.components)
}

// Components returns every component in insertion order.
func (s *DistributionSystem) Components() []Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Component, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.components[key])
	}
	return out
}

// OfKind returns components of one kind in insertion order.
func (s *DistributionSystem) OfKind(k Kind) []Component {
	var out []Component
	for _, c := range s.Components() {
		if c.Kind() == k {
			out = append(out, c)
		}
	}
	return out
}

// Sources returns declared voltage sources in insertion order. Declaration
// order is the precedence order for ambiguous-feeder resolution.
func (s *DistributionSystem) Sources() []*VoltageSource {
	var out []*VoltageSource
	for _, c := range s.OfKind(KindVoltageSource) {
		out = append(out, c.(*VoltageSource))
	}
	return out
}

// Graph returns the connectivity graph, building it on first use and caching
// it until the next mutation.
func (s *DistributionSystem) Graph() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		s.graph = buildGraph(s.components, s.order)
	}
	return s.graph
}

// SetLabels stores derived feeder/substation partition metadata. Labels are
// a derived view: any mutation after SetLabels clears them again.
func (s *DistributionSystem) SetLabels(l *PartitionLabels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = l
}

// Labels returns the current partition metadata, or nil when topology has
// not been computed since the last mutation.
func (s *DistributionSystem) Labels() *PartitionLabels {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labels
}

// invalidateLocked drops derived state after a mutation. Must hold mu.
func (s *DistributionSystem) invalidateLocked() {
	s.graph = nil
	s.labels = nil
}

// PartitionLabels is the derived feeder/substation membership, keyed by
// normalized component identity. Zero-or-one feeder and zero-or-one
// substation per component; absent means unassigned.
type PartitionLabels struct {
	Feeder     map[string]string `json:"feeder"`
	Substation map[string]string `json:"substation"`
	Warnings   []Warning         `json:"warnings,omitempty"`
}

// Warning codes for non-fatal topology findings.
const (
	WarnAmbiguousFeeder = "AmbiguousFeeder"
	WarnIsland          = "Island"
)

// Warning records a non-fatal finding. Warnings never block writing.
type Warning struct {
	Code      string `json:"code"`
	Component string `json:"component"`
	Detail    string `json:"detail,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s %s", w.Code, w.Component, w.Detail)
}
