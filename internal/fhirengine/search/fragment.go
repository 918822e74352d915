package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prefix is a FHIR search prefix for ordered values (date, number, quantity).
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// ParsedValue holds a parsed search parameter value with its prefix.
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

// ParseValue extracts the prefix from a FHIR search value, e.g.
// "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100").
func ParseValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: p, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// Fragment is a small boolean query-fragment tree that both FTS backends
// (native SDK query.Query and the N1QL-embedded SEARCH() predicate) can
// render from. Query Builders never construct SQL/N1QL text directly — they
// emit Fragment values, keeping the two backends interchangeable.
type Fragment struct {
	Op    string     // "and" | "or" | "term" | "match" | "prefix" | "range" | "exists"
	Field string     // indexed field path, e.g. "identifier.value"
	Value string     // for term/match/prefix
	Low   *time.Time // for range
	High  *time.Time
	LowN  *float64 // numeric range
	HighN *float64
	Kids  []Fragment
}

func And(kids ...Fragment) Fragment  { return Fragment{Op: "and", Kids: kids} }
func Or(kids ...Fragment) Fragment   { return Fragment{Op: "or", Kids: kids} }
func Term(field, value string) Fragment {
	return Fragment{Op: "term", Field: field, Value: value}
}
func MatchPhrase(field, value string) Fragment {
	return Fragment{Op: "match", Field: field, Value: value}
}
func Prefixed(field, value string) Fragment {
	return Fragment{Op: "prefix", Field: field, Value: value}
}
func Exists(field string) Fragment { return Fragment{Op: "exists", Field: field} }
func DateRange(field string, low, high *time.Time) Fragment {
	return Fragment{Op: "range", Field: field, Low: low, High: high}
}
func NumberRange(field string, low, high *float64) Fragment {
	return Fragment{Op: "range", Field: field, LowN: low, HighN: high}
}

// N1QL renders the fragment as an embedded SEARCH() predicate argument,
// used by the SQL-like backend of the FTS Search Service.
func (f Fragment) N1QL() string {
	switch f.Op {
	case "and":
		return joinBool(f.Kids, "+")
	case "or":
		return joinBool(f.Kids, " ")
	case "term":
		return fmt.Sprintf(`%s:%s`, f.Field, quoteIfNeeded(f.Value))
	case "match":
		return fmt.Sprintf(`%s:"%s"`, f.Field, f.Value)
	case "prefix":
		return fmt.Sprintf(`%s:%s*`, f.Field, f.Value)
	case "exists":
		return fmt.Sprintf(`+%s:*`, f.Field)
	case "range":
		if f.Low != nil || f.High != nil {
			return dateRangeN1QL(f.Field, f.Low, f.High)
		}
		return numberRangeN1QL(f.Field, f.LowN, f.HighN)
	}
	return ""
}

func joinBool(kids []Fragment, sep string) string {
	parts := make([]string, 0, len(kids))
	for _, k := range kids {
		if s := k.N1QL(); s != "" {
			parts = append(parts, s)
		}
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}

func dateRangeN1QL(field string, low, high *time.Time) string {
	var parts []string
	if low != nil {
		parts = append(parts, fmt.Sprintf("%s:>%s", field, low.UTC().Format(time.RFC3339)))
	}
	if high != nil {
		parts = append(parts, fmt.Sprintf("%s:<%s", field, high.UTC().Format(time.RFC3339)))
	}
	return "(" + strings.Join(parts, "+") + ")"
}

func numberRangeN1QL(field string, low, high *float64) string {
	var parts []string
	if low != nil {
		parts = append(parts, fmt.Sprintf("%s:>%s", field, strconv.FormatFloat(*low, 'f', -1, 64)))
	}
	if high != nil {
		parts = append(parts, fmt.Sprintf("%s:<%s", field, strconv.FormatFloat(*high, 'f', -1, 64)))
	}
	return "(" + strings.Join(parts, "+") + ")"
}
