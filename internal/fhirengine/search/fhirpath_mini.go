// Package search's FHIRPath mini-parser extracts field paths from the
// narrow subset of FHIRPath used in search-parameter expression strings. It
// is not a FHIRPath evaluator: it never resolves a path against a document,
// only tokenizes the expression text itself so the query builders know which
// concrete field(s) to query.
package search

import "strings"

// ParsedPath is the parsed shape of one search parameter's FHIRPath
// expression: a simple path (Patient.name.family), a union of alternatives
// (a | b), a choice type (Observation.effective[x]), or an extension
// selector (extension('url').valueString).
type ParsedPath struct {
	Raw              string
	FieldPaths       []string // one per union member, where()/cast/[x] stripped
	IsUnion          bool
	PrimaryFieldPath string // FieldPaths[0]
	IsChoiceType     bool
	ChoiceBase       string // e.g. "Observation.effective" for "Observation.effective[x]"
	IsExtension      bool
	ExtensionURL     string
	ExtensionValueField string
}

// ParseFHIRPath parses a search-parameter FHIRPath expression. Unknown
// constructs degrade to a PrimaryFieldPath equal to the raw expression
// rather than failing — this parser only needs to extract field paths, not
// validate FHIRPath grammar.
func ParseFHIRPath(expr string) *ParsedPath {
	members := splitUnion(expr)

	p := &ParsedPath{
		Raw:     expr,
		IsUnion: len(members) > 1,
	}

	for _, m := range members {
		field := stripToFieldPath(m)
		p.FieldPaths = append(p.FieldPaths, field)
	}
	if len(p.FieldPaths) == 0 {
		p.FieldPaths = []string{expr}
	}
	p.PrimaryFieldPath = p.FieldPaths[0]

	if url, valueField, ok := parseExtensionSelector(p.PrimaryFieldPath); ok {
		p.IsExtension = true
		p.ExtensionURL = url
		p.ExtensionValueField = valueField
	}

	if base, ok := choiceBase(p.PrimaryFieldPath); ok {
		p.IsChoiceType = true
		p.ChoiceBase = base
	}

	return p
}

// splitUnion splits a FHIRPath union expression ("a | b") into its members,
// respecting parenthesis nesting so "(a.b as C) | d" doesn't split inside
// the cast expression.
func splitUnion(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

// stripToFieldPath reduces one union member to its bare field path: strips
// a wrapping "(... as Type)" cast, a trailing ".where(...)" predicate, and
// leaves any "[x]" choice-type marker in place for choiceBase to detect.
func stripToFieldPath(member string) string {
	m := strings.TrimSpace(member)

	if strings.HasPrefix(m, "(") && strings.HasSuffix(m, ")") {
		inner := m[1 : len(m)-1]
		if idx := strings.Index(inner, " as "); idx >= 0 {
			m = strings.TrimSpace(inner[:idx])
		} else {
			m = inner
		}
	}

	if idx := strings.Index(m, ".where("); idx >= 0 {
		m = m[:idx]
	}

	return m
}

// choiceBase reports whether fieldPath ends in a FHIR choice-type marker
// ("value[x]", "effective[x]") and, if so, returns the path with the
// marker removed.
func choiceBase(fieldPath string) (string, bool) {
	const marker = "[x]"
	if strings.HasSuffix(fieldPath, marker) {
		return strings.TrimSuffix(fieldPath, marker), true
	}
	return "", false
}

// parseExtensionSelector recognizes "extension('url').valueField" selectors
// anywhere in a field path and extracts the extension URL and the value
// field accessed on it.
func parseExtensionSelector(fieldPath string) (url, valueField string, ok bool) {
	const marker = "extension("
	idx := strings.Index(fieldPath, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := fieldPath[idx+len(marker):]
	closeParen := strings.Index(rest, ")")
	if closeParen < 0 {
		return "", "", false
	}
	url = strings.Trim(rest[:closeParen], `'"`)
	after := strings.TrimPrefix(rest[closeParen+1:], ".")
	return url, after, true
}

// dateFieldVariant is one concrete indexed field a choice-typed or
// Period-typed date parameter may need to expand to. Loaded from
// choice_types.json; see choice_types.go.
type dateFieldVariant struct {
	Field    string `json:"field"`
	IsPeriod bool   `json:"isPeriod,omitempty"`
}

// ExpandDateFields resolves a parsed date parameter's FHIRPath to the
// concrete field(s) the FTS index actually stores, expanding choice types
// and Periods. Parameters with no registered expansion fall back to
// querying PrimaryFieldPath directly.
func ExpandDateFields(parsed *ParsedPath) []dateFieldVariant {
	if parsed.IsChoiceType {
		if variants, ok := dateChoiceVariants[parsed.ChoiceBase]; ok {
			return variants
		}
	}
	if variants, ok := dateChoiceVariants[parsed.PrimaryFieldPath]; ok {
		return variants
	}
	return []dateFieldVariant{{Field: parsed.PrimaryFieldPath}}
}
