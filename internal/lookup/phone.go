package lookup

import "strings"

// israelPrefix is the country code whose numbers are stored both with and
// without the trunk zero
const israelPrefix = "972"

// AlternatePhone returns the other spelling of an Israeli number:
// 9720XXXX becomes 972XXXX and 972XXXX becomes 9720XXXX.
// ok is false for anything else.
func AlternatePhone(value string) (variant string, ok bool) {
	if !strings.HasPrefix(value, israelPrefix) || len(value) < len(israelPrefix)+1 {
		return "", false
	}

	rest := value[len(israelPrefix):]
	if rest[0] == '0' {
		return israelPrefix + rest[1:], true
	}
	return israelPrefix + "0" + rest, true
}
