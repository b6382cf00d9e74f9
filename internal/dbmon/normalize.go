package dbmon

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

// Query normalisation turns a concrete SQL statement into a stable
// template: quoted and numeric literals and bind placeholders become
// `?` and whitespace collapses to single spaces. Normalisation is
// idempotent, so equal templates hash equally no matter how many times
// they pass through.

var (
	reSingleQuoted = regexp.MustCompile(`'(?:[^']|'')*'`)
	rePlaceholder  = regexp.MustCompile(`\$\d+`)
	reNumber       = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// Normalize rewrites q into its template form.
func Normalize(q string) string {
	s := reSingleQuoted.ReplaceAllString(q, "?")
	s = rePlaceholder.ReplaceAllString(s, "?")
	s = reNumber.ReplaceAllString(s, "?")
	s = reWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// QueryHash derives the metric key: the first 12 hex characters of the
// MD5 of the normalised template.
func QueryHash(q string) string {
	sum := md5.Sum([]byte(Normalize(q)))
	return hex.EncodeToString(sum[:])[:12]
}

// OperationType classifies the statement by its leading keyword.
func OperationType(q string) string {
	fields := strings.Fields(strings.ToLower(q))
	if len(fields) == 0 {
		return "other"
	}
	switch fields[0] {
	case "select", "with":
		return "select"
	case "insert":
		return "insert"
	case "update":
		return "update"
	case "delete":
		return "delete"
	case "create", "alter", "drop", "truncate":
		return "ddl"
	default:
		return "other"
	}
}

// TableNames extracts the referenced table identifiers, in order of
// first appearance.
func TableNames(q string) []string {
	fields := strings.Fields(q)
	var out []string
	seen := make(map[string]bool)

	expectTable := false
	for _, f := range fields {
		lower := strings.ToLower(f)
		if expectTable {
			name := cleanIdentifier(f)
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			expectTable = false
			continue
		}
		switch lower {
		case "from", "into", "update", "join", "table":
			expectTable = true
		}
	}
	return out
}

func cleanIdentifier(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return r == '(' || r == ')' || r == ',' || r == ';' || r == '"'
	})
	// Keywords can follow FROM in subquery-less constructs; reject
	// anything that is not a plain identifier.
	if s == "" || strings.ContainsAny(s, "()'=") {
		return ""
	}
	// schema.table reads as table
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}
