// Package opendss reads and writes the OpenDSS dialect: line-oriented
// "New <Class>.<Name> key=value ..." command files. Buses are implicit in
// OpenDSS; the reader infers them from bus references before mapping
// anything that points at them.
package opendss

import (
	"fmt"
	"strings"

	"github.com/gridweave/gridweave/engine/mapper"
	"github.com/gridweave/gridweave/engine/model"
)

// FormatName is the registry name of this format.
const FormatName = "opendss"

// constructs recognized by the reader. Anything else New-ed in a source file
// is reported, not silently skipped.
var knownConstructs = map[string]bool{
	"circuit": true, "vsource": true, "linecode": true, "line": true,
	"load": true, "capacitor": true, "pvsystem": true, "storage": true,
	"transformer": true, "regcontrol": true, "fuse": true,
}

// directive lines the parser consumes itself.
type directive struct {
	name string // "redirect", "buscoords", "setbusxy"
	args []string
}

// parsed is the outcome of scanning one DSS file.
type parsed struct {
	records    []mapper.Record
	directives []directive
}

// parseScript scans DSS text into records and directives. Continuation lines
// beginning with "~" or "more" extend the previous record. Comments ("!" to
// end of line, lines starting with "//") are stripped.
func parseScript(src string) (parsed, error) {
	var out parsed
	var current *mapper.Record

	for lineNo, raw := range strings.Split(src, "\n") {
		line := stripComment(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "~") || strings.HasPrefix(lower, "more "):
			if current == nil {
				return out, fmt.Errorf("line %d: continuation without a preceding New", lineNo+1)
			}
			rest := strings.TrimPrefix(line, "~")
			if strings.HasPrefix(lower, "more ") {
				rest = line[len("more "):]
			}
			if err := parseFields(rest, current.Fields); err != nil {
				return out, fmt.Errorf("line %d: %w", lineNo+1, err)
			}

		case strings.HasPrefix(lower, "new "):
			if current != nil {
				out.records = append(out.records, *current)
			}
			rec, err := parseNew(line[len("new "):])
			if err != nil {
				return out, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			current = &rec

		case strings.HasPrefix(lower, "redirect ") || strings.HasPrefix(lower, "compile "):
			out.directives = append(out.directives, directive{name: "redirect", args: strings.Fields(line)[1:]})

		case strings.HasPrefix(lower, "buscoords "):
			out.directives = append(out.directives, directive{name: "buscoords", args: strings.Fields(line)[1:]})

		case strings.HasPrefix(lower, "setbusxy "):
			out.directives = append(out.directives, directive{name: "setbusxy", args: strings.Fields(line)[1:]})

		case lower == "clear" || strings.HasPrefix(lower, "set ") || lower == "solve" ||
			strings.HasPrefix(lower, "solve ") || strings.HasPrefix(lower, "calcvoltagebases"):
			// Solution-control commands carry no model data.

		default:
			return out, fmt.Errorf("line %d: unrecognized command %q", lineNo+1, strings.Fields(line)[0])
		}
	}
	if current != nil {
		out.records = append(out.records, *current)
	}
	return out, nil
}

// parseNew parses "Class.Name key=value ..." into a Record.
func parseNew(rest string) (mapper.Record, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return mapper.Record{}, fmt.Errorf("empty New command")
	}
	class, name, ok := strings.Cut(fields[0], ".")
	if !ok {
		return mapper.Record{}, fmt.Errorf("malformed object reference %q", fields[0])
	}
	construct := strings.ToLower(class)
	if !knownConstructs[construct] {
		return mapper.Record{}, fmt.Errorf("unsupported object class %q", class)
	}
	rec := mapper.Record{
		Construct: construct,
		Fields:    map[string]string{"name": name},
	}
	if err := parseFields(strings.Join(fields[1:], " "), rec.Fields); err != nil {
		return rec, err
	}
	return rec, nil
}

// parseFields parses key=value pairs. Values may be bracketed matrices like
// [0.09 | 0.04 0.09] which contain spaces.
func parseFields(s string, into map[string]string) error {
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return fmt.Errorf("expected key=value, got %q", s[i:])
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1
		var value string
		if i < len(s) && (s[i] == '[' || s[i] == '(') {
			close := closingOf(s[i])
			end := strings.IndexByte(s[i:], close)
			if end < 0 {
				return fmt.Errorf("unterminated bracket in value for %q", key)
			}
			value = s[i+1 : i+end]
			i += end + 1
		} else if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return fmt.Errorf("unterminated quote in value for %q", key)
			}
			value = s[i+1 : i+1+end]
			i += end + 2
		} else {
			end := strings.IndexByte(s[i:], ' ')
			if end < 0 {
				end = len(s) - i
			}
			value = s[i : i+end]
			i += end
		}
		if key == "" {
			return fmt.Errorf("empty key before %q", value)
		}
		into[key] = strings.TrimSpace(value)
	}
	return nil
}

func closingOf(open byte) byte {
	if open == '(' {
		return ')'
	}
	return ']'
}

func stripComment(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "//") {
		return ""
	}
	if idx := strings.IndexByte(line, '!'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	return line
}

// busRef is a parsed OpenDSS bus reference: "name.1.2" is bus "name" on
// phases A and B. No suffix means all three phases.
type busRef struct {
	Bus    string
	Phases model.PhaseSet
}

var terminalPhase = map[string]model.Phase{
	"1": model.PhaseA, "2": model.PhaseB, "3": model.PhaseC,
}

func parseBusRef(s string) busRef {
	parts := strings.Split(strings.TrimSpace(s), ".")
	ref := busRef{Bus: parts[0]}
	for _, t := range parts[1:] {
		if t == "0" { // explicit ground terminal
			continue
		}
		if p, ok := terminalPhase[t]; ok {
			ref.Phases = append(ref.Phases, p)
		}
	}
	if len(ref.Phases) == 0 {
		ref.Phases = model.PhaseSet{model.PhaseA, model.PhaseB, model.PhaseC}
	}
	ref.Phases = ref.Phases.Normalize()
	return ref
}

// formatBusRef renders a bus reference with phase terminals, omitting the
// suffix for a full three-phase connection.
func formatBusRef(bus string, phases model.PhaseSet) string {
	phases = phases.Normalize()
	full := phases.Contains(model.PhaseA) && phases.Contains(model.PhaseB) && phases.Contains(model.PhaseC)
	if full || len(phases) == 0 {
		return bus
	}
	var b strings.Builder
	b.WriteString(bus)
	for _, p := range phases {
		switch p {
		case model.PhaseA:
			b.WriteString(".1")
		case model.PhaseB:
			b.WriteString(".2")
		case model.PhaseC:
			b.WriteString(".3")
		}
	}
	return b.String()
}
