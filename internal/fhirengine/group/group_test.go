package group

import (
	"context"
	"testing"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/search"
)

type fakePager struct {
	pages [][]search.Result
	calls int
}

func (f *fakePager) Search(ctx context.Context, resourceType string, fragment search.Fragment, offset, count int) (search.Page, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.pages) {
		return search.Page{}, nil
	}
	return search.Page{Results: f.pages[idx], Total: len(f.pages)}, nil
}

type fakeFetcher struct {
	byID map[string]resource.Doc
}

func (f *fakeFetcher) FetchByType(ctx context.Context, resourceType string, ids []string) ([]resource.Doc, error) {
	var out []resource.Doc
	for _, id := range ids {
		if d, ok := f.byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func results(keys ...string) []search.Result {
	rs := make([]search.Result, len(keys))
	for i, k := range keys {
		rs[i] = search.Result{Key: k}
	}
	return rs
}

func TestParseHasParam_Valid(t *testing.T) {
	q, ok := ParseHasParam("_has:Observation:patient:code")
	if !ok {
		t.Fatal("expected valid _has param")
	}
	if q.TargetType != "Observation" || q.RefField != "patient" || q.Param != "code" {
		t.Errorf("unexpected parse result: %+v", q)
	}
}

func TestParseHasParam_NotHas(t *testing.T) {
	if _, ok := ParseHasParam("name"); ok {
		t.Error("expected false for non-_has parameter")
	}
}

func TestParseHasParam_MalformedTooFewParts(t *testing.T) {
	if _, ok := ParseHasParam("_has:Observation:patient"); ok {
		t.Error("expected false for malformed _has parameter")
	}
}

func TestParseHasParam_EmptyComponent(t *testing.T) {
	if _, ok := ParseHasParam("_has::patient:code"); ok {
		t.Error("expected false when a component is empty")
	}
}

func TestAllKeys_StopsOnShortPage(t *testing.T) {
	pager := &fakePager{pages: [][]search.Result{results("Patient/1", "Patient/2")}}
	svc := NewService(pager, nil, nil)

	keys, err := svc.AllKeys(context.Background(), "Patient", search.Fragment{}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if pager.calls != 1 {
		t.Errorf("expected exactly 1 page fetched, got %d", pager.calls)
	}
}

func TestExtractReferenceIDs_SingleValued(t *testing.T) {
	doc := resource.Doc{"subject": map[string]interface{}{"reference": "Patient/123"}}
	ids := extractReferenceIDs(doc, "subject")
	if len(ids) != 1 || ids[0] != "123" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestExtractReferenceIDs_ArrayValued(t *testing.T) {
	doc := resource.Doc{"performer": []interface{}{
		map[string]interface{}{"reference": "Practitioner/1"},
		map[string]interface{}{"reference": "Practitioner/2"},
	}}
	ids := extractReferenceIDs(doc, "performer")
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestExtractReferenceIDs_MissingField(t *testing.T) {
	if ids := extractReferenceIDs(resource.Doc{}, "subject"); ids != nil {
		t.Errorf("expected nil, got %v", ids)
	}
}

func TestExtractReferenceIDs_BareIDNoSlash(t *testing.T) {
	doc := resource.Doc{"subject": map[string]interface{}{"reference": "123"}}
	ids := extractReferenceIDs(doc, "subject")
	if len(ids) != 1 || ids[0] != "123" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestResolveHas_ExtractsUniqueIDs(t *testing.T) {
	pager := &fakePager{pages: [][]search.Result{results("Observation/1", "Observation/2")}}
	fetch := &fakeFetcher{byID: map[string]resource.Doc{
		"1": {"resourceType": "Observation", "id": "1", "patient": map[string]interface{}{"reference": "Patient/A"}},
		"2": {"resourceType": "Observation", "id": "2", "patient": map[string]interface{}{"reference": "Patient/A"}},
	}}
	resolver := search.NewResolver(search.BaseSearchParameters(), nil)
	svc := NewService(pager, fetch, resolver)

	ids, err := svc.ResolveHas(context.Background(), HasQuery{TargetType: "Observation", RefField: "patient", Param: "code"}, "1234-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "A" {
		t.Errorf("expected deduped [A], got %v", ids)
	}
}
