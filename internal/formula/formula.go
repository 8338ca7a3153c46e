// Package formula builds Airtable filterByFormula expressions.
//
// Every literal interpolated into a formula passes through Escape so that
// user input can neither terminate the string literal early nor split the
// formula over several lines.
package formula

import (
	"fmt"
	"strings"
)

// Formula is an expression in the Airtable formula language
type Formula string

// String implements fmt.Stringer
func (f Formula) String() string { return string(f) }

// literalEscaper doubles backslashes before quoting so an input backslash
// cannot cancel the escape of the quote that follows it
var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	"'", `\'`,
	"\n", `\n`,
	"\r", `\r`,
)

// Escape prefixes every single quote and backslash in value with a backslash
// and spells out line breaks, keeping the literal on one line
func Escape(value string) string {
	return literalEscaper.Replace(value)
}

// Equality matches records whose field equals value, ignoring case:
// LOWER({field}) = 'value'
func Equality(field, value string) Formula {
	return Formula(fmt.Sprintf("LOWER({%s}) = '%s'", field, Escape(strings.ToLower(value))))
}

// RecordIDIn matches records whose id is one of ids. A single id yields the
// bare clause; more are combined with OR(). An empty slice yields "".
func RecordIDIn(ids []string) Formula {
	switch len(ids) {
	case 0:
		return ""
	case 1:
		return recordIDClause(ids[0])
	}

	clauses := make([]string, len(ids))
	for i, id := range ids {
		clauses[i] = string(recordIDClause(id))
	}
	return Formula("OR(" + strings.Join(clauses, ",") + ")")
}

func recordIDClause(id string) Formula {
	return Formula(fmt.Sprintf("RECORD_ID() = '%s'", Escape(id)))
}

// IsAfter matches records whose date field is strictly after timestamp
func IsAfter(field, timestamp string) Formula {
	return Formula(fmt.Sprintf("IS_AFTER({%s}, '%s')", field, Escape(timestamp)))
}
