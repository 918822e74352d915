// Package group implements bulk-membership queries (spec §4.7): resolving a
// search into either a preview sample or the full set of matching keys, and
// resolving "_has" reverse-chained references.
package group

import (
	"context"
	"strings"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/search"
)

const (
	pageSize   = 1000
	defaultCap = 10000
)

// pager is the subset of search.Service the Group Filter Service needs;
// narrowing it keeps this package testable without a live gocb cluster.
type pager interface {
	Search(ctx context.Context, resourceType string, fragment search.Fragment, offset, count int) (search.Page, error)
}

// fetcher is the subset of kvfetch.Service used to materialize target
// resources when resolving "_has".
type fetcher interface {
	FetchByType(ctx context.Context, resourceType string, ids []string) ([]resource.Doc, error)
}

// Service serves the Preview and All-keys bulk-membership modes, and
// resolves "_has" reverse chaining on top of them.
type Service struct {
	search   pager
	fetch    fetcher
	resolver *search.Resolver
}

func NewService(searchSvc pager, fetchSvc fetcher, resolver *search.Resolver) *Service {
	return &Service{search: searchSvc, fetch: fetchSvc, resolver: resolver}
}

// Preview returns a bounded sample of matching keys plus the accurate total
// count, for UI "here's what this Group would contain" previews.
func (s *Service) Preview(ctx context.Context, resourceType string, fragment search.Fragment, sampleSize int) (search.Page, error) {
	return s.search.Search(ctx, resourceType, fragment, 0, sampleSize)
}

// AllKeys returns up to capAt matching keys (0 or negative means the
// default cap), paginating internally at pageSize and stopping as soon as a
// page returns fewer results than requested — the store has no more to give.
func (s *Service) AllKeys(ctx context.Context, resourceType string, fragment search.Fragment, capAt int) ([]string, error) {
	if capAt <= 0 || capAt > defaultCap {
		capAt = defaultCap
	}

	var keys []string
	offset := 0
	for len(keys) < capAt {
		remaining := capAt - len(keys)
		want := pageSize
		if remaining < want {
			want = remaining
		}

		page, err := s.search.Search(ctx, resourceType, fragment, offset, want)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			keys = append(keys, r.Key)
		}
		if len(page.Results) < want {
			break
		}
		offset += want
	}
	return keys, nil
}

// HasQuery is a parsed "_has:<TargetType>:<refField>:<param>" parameter.
type HasQuery struct {
	TargetType string
	RefField   string
	Param      string
}

// ParseHasParam parses a raw "_has:..." search parameter name. Callers must
// URL-decode the parameter name and value before calling this — spec §4.7
// requires decoding to happen before "_has" dispatch, since the target
// parameter name and value may themselves contain encoded characters.
func ParseHasParam(name string) (HasQuery, bool) {
	if !strings.HasPrefix(name, "_has:") {
		return HasQuery{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "_has:"), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return HasQuery{}, false
	}
	return HasQuery{TargetType: parts[0], RefField: parts[1], Param: parts[2]}, true
}

// ResolveHas performs one hop of reverse chaining: search TargetType with
// Param=value, fetch the matches, and extract the unique ids referenced by
// RefField on each match. Only one hop is supported — a RefField value that
// is itself a "_has" query is not recursively resolved, per spec §4.7.
func (s *Service) ResolveHas(ctx context.Context, q HasQuery, value string) ([]string, error) {
	def, modifier, err := s.resolver.Resolve(q.TargetType, q.Param)
	if err != nil {
		return nil, err
	}
	fragment, err := search.BuildFragment(def, modifier, value)
	if err != nil {
		return nil, err
	}

	keys, err := s.AllKeys(ctx, q.TargetType, fragment, defaultCap)
	if err != nil {
		return nil, err
	}
	docs, err := s.fetch.FetchByType(ctx, q.TargetType, idsFromKeys(keys))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, doc := range docs {
		for _, id := range extractReferenceIDs(doc, q.RefField) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// idsFromKeys strips the "<Type>/" prefix from search result keys, since
// FetchByType expects bare ids within a known resource type's collection.
func idsFromKeys(keys []string) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		_, id, err := resource.ParseKey(k)
		if err != nil {
			ids[i] = k
			continue
		}
		ids[i] = id
	}
	return ids
}

// extractReferenceIDs pulls the referenced resource id(s) out of a
// single-valued or array-valued Reference field.
func extractReferenceIDs(doc resource.Doc, field string) []string {
	v, ok := doc[field]
	if !ok {
		return nil
	}

	var refs []string
	switch val := v.(type) {
	case map[string]interface{}:
		if id, ok := referenceID(val); ok {
			refs = append(refs, id)
		}
	case []interface{}:
		for _, item := range val {
			if m, ok := item.(map[string]interface{}); ok {
				if id, ok := referenceID(m); ok {
					refs = append(refs, id)
				}
			}
		}
	}
	return refs
}

func referenceID(m map[string]interface{}) (string, bool) {
	ref, ok := m["reference"].(string)
	if !ok || ref == "" {
		return "", false
	}
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:], true
	}
	return ref, true
}
