package query

import (
	"regexp"
)

// TableRef is a three-part reference appearing in a query:
// connection.schema.table.
type TableRef struct {
	Connection string
	Schema     string
	Table      string
}

// Identifiers may be bare or double-quoted; quoted parts keep their case.
var tableRefPattern = regexp.MustCompile(
	`(?:"([^"]+)"|([A-Za-z_][A-Za-z0-9_$]*))\.(?:"([^"]+)"|([A-Za-z_][A-Za-z0-9_$]*))\.(?:"([^"]+)"|([A-Za-z_][A-Za-z0-9_$]*))`)

// ExtractTableRefs scans a query for three-part identifiers whose first part
// names a known connection. The match is lookup-driven, not grammar-driven:
// anything not naming a registered connection is ignored, so column paths and
// function calls cannot produce false bindings.
func ExtractTableRefs(sql string, knownConnections map[string]bool) []TableRef {
	pick := func(quoted, bare string) string {
		if quoted != "" {
			return quoted
		}
		return bare
	}

	var refs []TableRef
	seen := make(map[TableRef]bool)
	for _, m := range tableRefPattern.FindAllStringSubmatch(sql, -1) {
		ref := TableRef{
			Connection: pick(m[1], m[2]),
			Schema:     pick(m[3], m[4]),
			Table:      pick(m[5], m[6]),
		}
		if !knownConnections[ref.Connection] || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}
