package search

import (
	"strings"
	"sync"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
)

// ParamType enumerates the FHIR search parameter type grammar.
type ParamType string

const (
	Token     ParamType = "TOKEN"
	String    ParamType = "STRING"
	Date      ParamType = "DATE"
	Reference ParamType = "REFERENCE"
	Quantity  ParamType = "QUANTITY"
	Number    ParamType = "NUMBER"
	URI       ParamType = "URI"
	Composite ParamType = "COMPOSITE"
	Special   ParamType = "SPECIAL"
)

// Source records which table a resolved parameter definition came from.
type Source string

const (
	SourceBase   Source = "BASE"
	SourceIG     Source = "IG"
	SourceCustom Source = "CUSTOM"
)

// ParamDef is a resolved search parameter definition: everything the query
// builders need to translate a raw query-string value into an FTS fragment.
type ParamDef struct {
	Name         string
	ResourceType string
	Type         ParamType
	FHIRPath     string
	Target       []string // reference type target resource types
	Modifiers    []string
	Source       Source
}

// controlParams are framework parameters that begin with "_" and are always
// accepted regardless of whether a ParamDef is registered for them.
var controlParams = map[string]bool{
	"_id": true, "_lastUpdated": true, "_tag": true, "_security": true,
	"_profile": true, "_text": true, "_content": true, "_has": true,
	"_list": true, "_source": true, "_count": true, "_offset": true,
	"_sort": true, "_include": true, "_revinclude": true, "_elements": true,
	"_summary": true, "_total": true, "_format": true, "_pretty": true,
}

// IsControlParam reports whether name is a framework control parameter that
// bypasses the Parameter Resolver.
func IsControlParam(name string) bool {
	return strings.HasPrefix(name, "_") && controlParams[name] || name == "_has"
}

// Resolver maps (resourceType, rawName) to a resolved ParamDef. Base FHIR R4
// definitions always win over configured Implementation Guide overlays with
// the same name, per the deterministic precedence rule. Resolution results
// are cached; the resolver itself is stateless and safe for concurrent use.
type Resolver struct {
	base map[string]map[string]*ParamDef // resourceType -> code -> def
	ig   map[string]map[string]*ParamDef

	cacheMu sync.RWMutex
	cache   map[string]*ParamDef // "resourceType\x00name" -> def
}

// NewResolver builds a resolver from base and (optional) IG parameter sets.
func NewResolver(base, ig []*ParamDef) *Resolver {
	r := &Resolver{
		base:  index(base, SourceBase),
		ig:    index(ig, SourceIG),
		cache: make(map[string]*ParamDef),
	}
	return r
}

func index(defs []*ParamDef, source Source) map[string]map[string]*ParamDef {
	out := make(map[string]map[string]*ParamDef)
	for _, d := range defs {
		d.Source = source
		if out[d.ResourceType] == nil {
			out[d.ResourceType] = make(map[string]*ParamDef)
		}
		out[d.ResourceType][d.Name] = d
	}
	return out
}

// Resolve splits "name:modifier", then looks up base definitions before IG
// definitions for the given resource type. Control parameters resolve to a
// synthetic SPECIAL definition without touching either table.
func (r *Resolver) Resolve(resourceType, rawName string) (*ParamDef, string, error) {
	name, modifier := splitModifier(rawName)

	if IsControlParam(name) {
		return &ParamDef{Name: name, ResourceType: resourceType, Type: Special, Source: SourceBase}, modifier, nil
	}

	cacheKey := resourceType + "\x00" + rawName
	r.cacheMu.RLock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.cacheMu.RUnlock()
		return cached, modifier, nil
	}
	r.cacheMu.RUnlock()

	def := lookup(r.base, resourceType, name)
	if def == nil {
		def = lookup(r.ig, resourceType, name)
	}
	if def == nil {
		// "Resource"-level base parameters (_id, _lastUpdated, ...) apply to
		// every type; already handled above via IsControlParam, but custom
		// cross-cutting IG params may also target "Resource".
		def = lookup(r.base, "Resource", name)
	}
	if def == nil {
		def = lookup(r.ig, "Resource", name)
	}
	if def == nil {
		return nil, "", fhirerr.New(fhirerr.UnknownParameter, "unknown search parameter %q on %s", name, resourceType)
	}

	r.cacheMu.Lock()
	r.cache[cacheKey] = def
	r.cacheMu.Unlock()

	return def, modifier, nil
}

func lookup(table map[string]map[string]*ParamDef, resourceType, name string) *ParamDef {
	byName := table[resourceType]
	if byName == nil {
		return nil
	}
	return byName[name]
}

// splitModifier splits a parameter name from its ":modifier" suffix.
func splitModifier(paramName string) (string, string) {
	if idx := strings.IndexByte(paramName, ':'); idx >= 0 {
		return paramName[:idx], paramName[idx+1:]
	}
	return paramName, ""
}
