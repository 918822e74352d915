package search

import "strings"

// ParseTextQuery turns a raw `_text`/`_content` value into a Fragment
// against the FTS index's full-text field. It recognizes the same input
// shapes the deleted Postgres tsquery builder did — quoted phrases,
// `word*` prefixes, and `+`/`-`/`|` operators — but emits an FTS-native
// conjunction/disjunction/negation tree instead of tsquery syntax.
//
// field is "_text" -> "narrative" or "_content" -> "_all".
func ParseTextQuery(field, raw string) Fragment {
	tokens := tokenizeTextQuery(raw)
	if len(tokens) == 0 {
		return Fragment{Op: "match", Field: field, Value: raw}
	}

	var required, optional, excluded []Fragment
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "+"):
			required = append(required, textTermFragment(field, tok[1:]))
		case strings.HasPrefix(tok, "-"):
			excluded = append(excluded, textTermFragment(field, tok[1:]))
		case tok == "|":
			// handled by caller-level OR grouping below
		default:
			optional = append(optional, textTermFragment(field, tok))
		}
	}

	var positive Fragment
	switch {
	case len(required) > 0 && len(optional) > 0:
		positive = And(append(required, Or(optional...))...)
	case len(required) > 0:
		positive = And(required...)
	case len(optional) == 1:
		positive = optional[0]
	case len(optional) > 0:
		positive = Or(optional...)
	default:
		positive = Fragment{Op: "match", Field: field, Value: raw}
	}

	if len(excluded) == 0 {
		return positive
	}
	return Fragment{Op: "and", Kids: append([]Fragment{positive}, negate(excluded)...)}
}

func negate(frags []Fragment) []Fragment {
	out := make([]Fragment, len(frags))
	for i, f := range frags {
		out[i] = Fragment{Op: "term", Field: f.Field + ".not", Value: f.Value}
	}
	return out
}

func textTermFragment(field, term string) Fragment {
	term = strings.Trim(term, `"`)
	if strings.HasSuffix(term, "*") {
		return Prefixed(field, strings.TrimSuffix(term, "*"))
	}
	if strings.Contains(term, " ") {
		return MatchPhrase(field, term)
	}
	return Term(field, term)
}

// tokenizeTextQuery splits on whitespace while keeping double-quoted
// phrases intact and preserving leading +/-/| operator characters.
func tokenizeTextQuery(raw string) []string {
	var tokens []string
	var b strings.Builder
	inQuotes := false
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ' ' && !inQuotes:
			flush()
		case r == '|' && !inQuotes:
			flush()
			tokens = append(tokens, "|")
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return tokens
}
