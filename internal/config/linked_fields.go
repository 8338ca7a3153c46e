package config

import (
	"fmt"
	"strings"
)

// LinkedField maps a linked-record field on the primary table to the table
// its record ids point into
type LinkedField struct {
	Name  string // Display name as returned by the API, e.g. "Applications ↗"
	Table string // Target table id
}

// ParseLinkedFields parses the linked-field table.
// Format: "Field name=tblXXXX;Other field=tblYYYY"
// Entries keep their configured order so expansion output is deterministic.
func ParseLinkedFields(raw string) ([]LinkedField, error) {
	var fields []LinkedField
	seen := make(map[string]bool)

	for _, entry := range SplitList(raw) {
		idx := strings.LastIndex(entry, "=")
		if idx < 0 {
			return nil, fmt.Errorf("invalid linked field format: %s (expected 'Field name=tblXXXX')", entry)
		}

		name := strings.TrimSpace(entry[:idx])
		table := strings.TrimSpace(entry[idx+1:])
		if name == "" {
			return nil, fmt.Errorf("empty field name in linked field: %s", entry)
		}
		if table == "" {
			return nil, fmt.Errorf("empty table id for linked field %s", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate linked field: %s", name)
		}
		seen[name] = true

		fields = append(fields, LinkedField{Name: name, Table: table})
	}

	return fields, nil
}

// SplitList splits a ';'-separated setting, dropping blank entries.
// Field names may contain spaces, so whitespace is not a separator.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LinkedTable returns the target table configured for a linked field
func (c *ExpansionConfig) LinkedTable(name string) (string, bool) {
	return LinkedTable(c.LinkedFields, name)
}

// LinkedTable returns the table of the first entry in fields named name
func LinkedTable(fields []LinkedField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Table, true
		}
	}
	return "", false
}
