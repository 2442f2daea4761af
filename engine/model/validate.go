package model

import "fmt"

// Validate walks every component's cross-references and phase constraints and
// returns the complete set of violations, not just the first, so a caller can
// correct a whole batch in one pass. A populated system is only handed to
// writers once Validate returns an empty list.
func (s *DistributionSystem) Validate() ViolationList {
	var out ViolationList
	for _, c := range s.Components() {
		out = append(out, s.validateComponent(c)...)
	}
	return out
}

func (s *DistributionSystem) validateComponent(c Component) ViolationList {
	var out ViolationList

	if br, ok := c.(Branch); ok {
		from, to := br.Endpoints()
		fromBus := s.checkBusRef(c, "from_bus", from, &out)
		toBus := s.checkBusRef(c, "to_bus", to, &out)
		if NormalizeIdentity(from) == NormalizeIdentity(to) {
			out = append(out, NewViolation(c.Identity(), "to_bus",
				"self-loop branch", ErrUnknownReference))
		}
		phases := br.BranchPhases()
		if len(phases) == 0 {
			out = append(out, NewViolation(c.Identity(), "phases", "empty phase set", ErrMissingRequiredField))
		}
		if fromBus != nil && !phases.SubsetOf(fromBus.Phases) {
			out = append(out, NewViolation(c.Identity(), "phases",
				fmt.Sprintf("phases %s not a subset of bus %s phases %s", phases, fromBus.Name, fromBus.Phases),
				ErrValidationFailed))
		}
		if toBus != nil && !phases.SubsetOf(toBus.Phases) {
			out = append(out, NewViolation(c.Identity(), "phases",
				fmt.Sprintf("phases %s not a subset of bus %s phases %s", phases, toBus.Name, toBus.Phases),
				ErrValidationFailed))
		}
	} else if conn, ok := c.(Connectable); ok {
		for i, cn := range conn.Connections() {
			field := fmt.Sprintf("connections[%d].bus", i)
			bus := s.checkBusRef(c, field, cn.Bus, &out)
			if len(cn.Phases) == 0 {
				out = append(out, NewViolation(c.Identity(), fmt.Sprintf("connections[%d].phases", i),
					"empty phase set", ErrMissingRequiredField))
			}
			if bus != nil && !cn.Phases.SubsetOf(bus.Phases) {
				out = append(out, NewViolation(c.Identity(), fmt.Sprintf("connections[%d].phases", i),
					fmt.Sprintf("phases %s not a subset of bus %s phases %s", cn.Phases, bus.Name, bus.Phases),
					ErrValidationFailed))
			}
		}
	}

	switch v := c.(type) {
	case *Line:
		out = append(out, s.checkLineCodeRef(c, v.LineCode)...)
	case *Switch:
		out = append(out, s.checkLineCodeRef(c, v.LineCode)...)
	case *Fuse:
		out = append(out, s.checkLineCodeRef(c, v.LineCode)...)
	case *Transformer:
		if len(v.Windings) < 2 {
			out = append(out, NewViolation(c.Identity(), "windings",
				fmt.Sprintf("transformer needs at least 2 windings, has %d", len(v.Windings)),
				ErrMissingRequiredField))
		}
	}
	return out
}

// checkBusRef verifies a bus reference resolves to a Bus and returns it, or
// nil after appending a violation.
func (s *DistributionSystem) checkBusRef(c Component, field, name string, out *ViolationList) *Bus {
	if name == "" {
		*out = append(*out, NewViolation(c.Identity(), field, "empty bus reference", ErrMissingRequiredField))
		return nil
	}
	bus, err := s.Bus(name)
	if err != nil {
		*out = append(*out, NewViolation(c.Identity(), field,
			fmt.Sprintf("bus %q does not exist", name), ErrUnknownReference))
		return nil
	}
	return bus
}

// checkLineCodeRef verifies an optional line-code reference.
func (s *DistributionSystem) checkLineCodeRef(c Component, code string) ViolationList {
	if code == "" {
		return nil
	}
	ref, err := s.Resolve(code)
	if err != nil || ref.Kind() != KindLineCode {
		return ViolationList{NewViolation(c.Identity(), "line_code",
			fmt.Sprintf("line code %q does not exist", code), ErrUnknownReference)}
	}
	return nil
}
