// Package cyme reads the CYME ASCII dialect: sectioned text files in which a
// [SECTION NAME] header opens a table, a FORMAT_SECTIONNAME=col1,col2 line
// names its columns, and every following line is one comma-separated row
// until a blank line closes the table. FEEDER= and SUBSTATION= lines inside a
// table scope the rows after them to a network. A model arrives as up to
// three files: the network file (entry), an equipment file and a load file.
package cyme

import (
	"fmt"
	"strings"
)

// FormatName is the registry name of this format.
const FormatName = "cyme"

// row is one table row with the network context active where it appeared.
type row struct {
	fields     map[string]string
	feeder     string
	substation string
}

// get returns a column value, or "" when the column is absent.
func (r row) get(name string) string { return r.fields[name] }

// table is one named section of a CYME file. Repeated sections with the same
// name append their rows.
type table struct {
	name    string
	headers []string
	rows    []row
}

// parseTables scans one CYME file into its tables, keyed by upper-cased
// section name.
func parseTables(src string) (map[string]*table, error) {
	tables := map[string]*table{}
	var current *table
	var feeder, substation string

	for lineNo, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		switch {
		case line == "":
			current = nil

		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			name := strings.ToUpper(strings.TrimSpace(line[1 : len(line)-1]))
			if name == "" {
				return nil, fmt.Errorf("line %d: empty section header", lineNo+1)
			}
			t, ok := tables[name]
			if !ok {
				t = &table{name: name}
				tables[name] = t
			}
			current = t
			feeder, substation = "", ""

		case current == nil:
			// Preamble outside any section (file headers, version tags).
			continue

		case strings.HasPrefix(strings.ToUpper(line), "FORMAT_"):
			_, spec, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: FORMAT without columns", lineNo+1)
			}
			current.headers = splitRow(spec)

		case strings.HasPrefix(strings.ToUpper(line), "FEEDER="):
			feeder = firstValue(line)

		case strings.HasPrefix(strings.ToUpper(line), "SUBSTATION="):
			substation = firstValue(line)

		default:
			if len(current.headers) == 0 {
				return nil, fmt.Errorf("line %d: row in [%s] before its FORMAT line", lineNo+1, current.name)
			}
			values := splitRow(line)
			fields := make(map[string]string, len(current.headers))
			for i, h := range current.headers {
				if i < len(values) {
					fields[h] = values[i]
				}
			}
			current.rows = append(current.rows, row{
				fields: fields, feeder: feeder, substation: substation,
			})
		}
	}
	return tables, nil
}

// splitRow splits a comma-separated line, trimming each value.
func splitRow(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// firstValue extracts the identifier from a context line such as
// "FEEDER=fd1,extra,columns".
func firstValue(line string) string {
	_, rest, _ := strings.Cut(line, "=")
	return splitRow(rest)[0]
}
