package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
)

// BuildFragment translates one raw query-string value for a resolved
// parameter definition into a Fragment, dispatching on the parameter's FHIR
// search type. A single ANDed Fragment tree is produced per (param,
// modifier) pair; ORing of comma-separated values happens one level up in
// ApplyParam, matching FHIR's "comma means OR, repeat means AND" rule.
func BuildFragment(def *ParamDef, modifier, rawValue string) (Fragment, error) {
	switch def.Type {
	case Token:
		return tokenFragment(def, modifier, rawValue)
	case String:
		return stringFragment(def, modifier, rawValue)
	case Date:
		return dateFragment(def, rawValue)
	case Number:
		return numberFragment(def, rawValue)
	case Quantity:
		return quantityFragment(def, rawValue)
	case Reference:
		return referenceFragment(def, modifier, rawValue)
	case URI:
		return uriFragment(def, modifier, rawValue)
	default:
		return Fragment{}, fhirerr.New(fhirerr.UnsupportedParameterCombo, "search parameter %q has no query builder for type %s", def.Name, def.Type)
	}
}

// ApplyParam ORs together the fragments for a comma-separated value list.
func ApplyParam(def *ParamDef, modifier, commaSeparated string) (Fragment, error) {
	values := strings.Split(commaSeparated, ",")
	frags := make([]Fragment, 0, len(values))
	for _, v := range values {
		f, err := BuildFragment(def, modifier, v)
		if err != nil {
			return Fragment{}, err
		}
		frags = append(frags, f)
	}
	if len(frags) == 1 {
		return frags[0], nil
	}
	return Or(frags...), nil
}

func tokenFragment(def *ParamDef, modifier, raw string) (Fragment, error) {
	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	system, code := splitTokenValue(raw)
	switch modifier {
	case "not":
		return Fragment{Op: "and", Kids: []Fragment{{Op: "term", Field: field + ".not", Value: raw}}}, nil
	case "text":
		return MatchPhrase(field+".text", code), nil
	case "":
		if system != "" && code != "" {
			return And(Term(field+".system", system), Term(field+".code", code)), nil
		}
		if system != "" && code == "" {
			return Term(field+".system", system), nil
		}
		return Term(field+".code", code), nil
	default:
		return Fragment{}, fhirerr.New(fhirerr.UnsupportedParameterCombo, "modifier %q not supported for token parameter %q", modifier, def.Name)
	}
}

func splitTokenValue(raw string) (system, code string) {
	if idx := strings.Index(raw, "|"); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return "", raw
}

func stringFragment(def *ParamDef, modifier, raw string) (Fragment, error) {
	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	switch modifier {
	case "exact":
		return Term(field+".exact", raw), nil
	case "contains":
		return MatchPhrase(field, raw), nil
	case "missing":
		if raw == "true" {
			return Fragment{Op: "term", Field: field + ".absent", Value: "true"}, nil
		}
		return Exists(field), nil
	case "":
		return Prefixed(field, raw), nil
	default:
		return Fragment{}, fhirerr.New(fhirerr.UnsupportedParameterCombo, "modifier %q not supported for string parameter %q", modifier, def.Name)
	}
}

// dateFragment builds a date-range query, expanding choice-type and Period
// FHIRPaths into their concrete indexed field(s) per the metadata table in
// choice_types.json: gt/ge/sa keep a Period's ".start", lt/le/eb keep
// ".end", and eq/ne/ap query the whole range on both. Multiple expanded
// fields combine with OR, since a document matching any variant of a
// choice-typed expression must appear in the result set.
func dateFragment(def *ParamDef, raw string) (Fragment, error) {
	pv := ParseValue(raw)
	t, err := parseFHIRDate(pv.Value)
	if err != nil {
		return Fragment{}, fhirerr.New(fhirerr.InvalidParameterValue, "invalid date value %q for parameter %q", raw, def.Name)
	}

	low, high := dateRangeForPrefix(pv.Prefix, t)

	variants := ExpandDateFields(ParseFHIRPath(def.FHIRPath))
	frags := make([]Fragment, 0, len(variants))
	for _, v := range variants {
		if !v.IsPeriod {
			frags = append(frags, DateRange(v.Field, low, high))
			continue
		}
		frags = append(frags, periodFragment(v.Field, pv.Prefix, low, high))
	}
	if len(frags) == 1 {
		return frags[0], nil
	}
	return Or(frags...), nil
}

// dateRangeForPrefix derives the open/closed range endpoints a FHIR search
// prefix implies for a single instant value.
func dateRangeForPrefix(prefix Prefix, t time.Time) (low, high *time.Time) {
	switch prefix {
	case PrefixGt, PrefixSa, PrefixGe:
		return &t, nil
	case PrefixLt, PrefixEb, PrefixLe:
		return nil, &t
	default: // eq, ne, ap
		return &t, &t
	}
}

// periodFragment queries a Period field's ".start"/".end" sub-fields,
// pruned by prefix: gt/ge/sa only need the period to have started after the
// value (".start"), lt/le/eb only need it to have ended before the value
// (".end"); equality/range queries constrain both bounds of the period.
func periodFragment(field string, prefix Prefix, low, high *time.Time) Fragment {
	switch prefix {
	case PrefixGt, PrefixGe, PrefixSa:
		return DateRange(field+".start", low, nil)
	case PrefixLt, PrefixLe, PrefixEb:
		return DateRange(field+".end", nil, high)
	default:
		return And(DateRange(field+".start", nil, high), DateRange(field+".end", low, nil))
	}
}

func parseFHIRDate(raw string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

func numberFragment(def *ParamDef, raw string) (Fragment, error) {
	pv := ParseValue(raw)
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return Fragment{}, fhirerr.New(fhirerr.InvalidParameterValue, "invalid numeric value %q for parameter %q", raw, def.Name)
	}
	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	switch pv.Prefix {
	case PrefixGt, PrefixGe, PrefixSa:
		return NumberRange(field, &n, nil), nil
	case PrefixLt, PrefixLe, PrefixEb:
		return NumberRange(field, nil, &n), nil
	default:
		return NumberRange(field, &n, &n), nil
	}
}

// quantityFragment builds a Quantity search fragment: FHIR's
// `[prefix]number|system|code` grammar, e.g. "5.4|http://unitsofmeasure.org|mg"
// or a bare "gt5.4". The numeric part becomes a range on the leaf value
// field, exactly like numberFragment; system and code, when present, are
// ANDed in as term matches against the same indexed fields tokenFragment
// uses for a coded value.
func quantityFragment(def *ParamDef, raw string) (Fragment, error) {
	parts := strings.SplitN(raw, "|", 3)
	var system, code string
	if len(parts) > 1 {
		system = parts[1]
	}
	if len(parts) > 2 {
		code = parts[2]
	}

	pv := ParseValue(parts[0])
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return Fragment{}, fhirerr.New(fhirerr.InvalidParameterValue, "invalid quantity value %q for parameter %q", raw, def.Name)
	}

	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	var numRange Fragment
	switch pv.Prefix {
	case PrefixGt, PrefixGe, PrefixSa:
		numRange = NumberRange(field+".value", &n, nil)
	case PrefixLt, PrefixLe, PrefixEb:
		numRange = NumberRange(field+".value", nil, &n)
	default:
		numRange = NumberRange(field+".value", &n, &n)
	}

	kids := []Fragment{numRange}
	if code != "" {
		kids = append(kids, Term(field+".code", code))
	}
	if system != "" {
		kids = append(kids, Term(field+".system", system))
	}
	if len(kids) == 1 {
		return numRange, nil
	}
	return And(kids...), nil
}

func referenceFragment(def *ParamDef, modifier, raw string) (Fragment, error) {
	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	value := raw
	if !strings.Contains(raw, "/") {
		switch {
		case modifier != "":
			value = modifier + "/" + raw
		case len(def.Target) == 1:
			value = def.Target[0] + "/" + raw
		}
	}
	return Term(field+".reference", value), nil
}

func uriFragment(def *ParamDef, modifier, raw string) (Fragment, error) {
	field := ParseFHIRPath(def.FHIRPath).PrimaryFieldPath
	switch modifier {
	case "below":
		return Prefixed(field, raw), nil
	case "above":
		return Term(field+".ancestor", raw), nil
	default:
		return Term(field, raw), nil
	}
}
