package search

import (
	"net/url"
	"strings"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
)

// Preprocessor runs before query building (spec §4.4): it rejects unknown
// parameter names, malformed values, and the two cross-value conflict
// rules the query builders can't detect on their own because ApplyParam
// only ever sees one raw query-string value at a time.
type Preprocessor struct {
	resolver *Resolver
}

func NewPreprocessor(resolver *Resolver) *Preprocessor {
	return &Preprocessor{resolver: resolver}
}

// Validate checks every search parameter in values against resourceType,
// returning the first violation found as a funneled *fhirerr.Error. Callers
// must never build or execute a query against a request that fails here.
func (p *Preprocessor) Validate(resourceType string, values url.Values) error {
	for name, raw := range values {
		if isBypassedParam(name) {
			continue
		}

		def, modifier, err := p.resolver.Resolve(resourceType, name)
		if err != nil {
			return err
		}
		if def.Type == Special {
			continue
		}

		switch def.Type {
		case Date:
			if err := validateDateConflicts(def, raw); err != nil {
				return err
			}
		case Token:
			if err := validateTokenConflicts(def, raw); err != nil {
				return err
			}
		}

		for _, v := range raw {
			for _, single := range strings.Split(v, ",") {
				if strings.TrimSpace(single) == "" {
					return fhirerr.New(fhirerr.InvalidParameterValue, "empty value for parameter %q", name)
				}
				if _, err := BuildFragment(def, modifier, single); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// isBypassedParam reports whether name skips the resolver entirely: control
// parameters (handled by resolver.IsControlParam) plus "_has:..." reverse
// chaining parameters, which the Group Filter Service validates on its own
// terms via ParseHasParam.
func isBypassedParam(name string) bool {
	if strings.HasPrefix(name, "_has:") {
		return true
	}
	return IsControlParam(name)
}

// validateDateConflicts enforces the repeated-date-value conflict rule:
// multiple values with no comparison prefix are logically impossible (two
// simultaneous exact dates), and mixing a prefixed value with an
// unprefixed one is rejected as ambiguous. Multiple prefixed values are
// allowed — they express a range.
func validateDateConflicts(def *ParamDef, raw []string) error {
	if len(raw) <= 1 {
		return nil
	}

	unprefixed := 0
	for _, v := range raw {
		if !hasExplicitDatePrefix(v) {
			unprefixed++
		}
	}

	switch {
	case unprefixed == len(raw):
		return fhirerr.New(fhirerr.UnsupportedParameterCombo,
			"multiple date range parameters for %q were submitted without a qualifier; use gt/ge/lt/le to express a range", def.Name)
	case unprefixed > 0:
		return fhirerr.New(fhirerr.UnsupportedParameterCombo,
			"parameter %q mixes a qualified and an unqualified date value, which is ambiguous", def.Name)
	}
	return nil
}

// hasExplicitDatePrefix reports whether raw begins with one of the FHIR
// search comparison prefixes (eq, ne, gt, lt, ge, le, sa, eb, ap). A bare
// date like "1987-02-20" has none.
func hasExplicitDatePrefix(raw string) bool {
	if len(raw) < 2 {
		return false
	}
	switch Prefix(strings.ToLower(raw[:2])) {
	case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
		return true
	default:
		return false
	}
}

// validateTokenConflicts enforces the single-valued-token conflict rule: a
// whitelisted set of fields (gender, active, deceased, status, ...) can
// only ever hold one code per resource, so more than one distinct code
// submitted for them — whether via repeated params or a comma-joined
// value — is a contradiction, not a valid OR.
func validateTokenConflicts(def *ParamDef, raw []string) error {
	if !IsSingleValuedToken(def.Name) {
		return nil
	}

	codes := make(map[string]bool)
	for _, v := range raw {
		for _, single := range strings.Split(v, ",") {
			_, code := splitTokenValue(strings.TrimSpace(single))
			codes[code] = true
		}
	}
	if len(codes) > 1 {
		return fhirerr.New(fhirerr.UnsupportedParameterCombo,
			"parameter %q is single-valued but %d distinct codes were submitted", def.Name, len(codes))
	}
	return nil
}
