package search

import "testing"

func newTestResolver() *Resolver {
	ig := []*ParamDef{
		{Name: "race", ResourceType: "Patient", Type: Token, FHIRPath: "Patient.extension('race')"},
		// Deliberately shadows a base parameter to exercise BASE-wins precedence.
		{Name: "birthdate", ResourceType: "Patient", Type: String, FHIRPath: "wrong"},
	}
	return NewResolver(BaseSearchParameters(), ig)
}

func TestResolve_BaseWinsOverIG(t *testing.T) {
	r := newTestResolver()
	def, _, err := r.Resolve("Patient", "birthdate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Source != SourceBase {
		t.Errorf("expected base definition to win, got source %s", def.Source)
	}
	if def.Type != Date {
		t.Errorf("expected Date type from base def, got %s", def.Type)
	}
}

func TestResolve_IGFallback(t *testing.T) {
	r := newTestResolver()
	def, _, err := r.Resolve("Patient", "race")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Source != SourceIG {
		t.Errorf("expected IG definition, got source %s", def.Source)
	}
}

func TestResolve_UnknownParam(t *testing.T) {
	r := newTestResolver()
	if _, _, err := r.Resolve("Patient", "not-a-real-param"); err == nil {
		t.Fatal("expected UNKNOWN_PARAM error")
	}
}

func TestResolve_ModifierSplit(t *testing.T) {
	r := newTestResolver()
	def, modifier, err := r.Resolve("Patient", "name:exact")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if modifier != "exact" {
		t.Errorf("expected modifier 'exact', got %q", modifier)
	}
	if def.Name != "name" {
		t.Errorf("expected resolved name 'name', got %q", def.Name)
	}
}

func TestResolve_ControlParamBypasses(t *testing.T) {
	r := newTestResolver()
	def, _, err := r.Resolve("Patient", "_count")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Type != Special {
		t.Errorf("expected SPECIAL type for control param, got %s", def.Type)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	r := newTestResolver()
	first, _, _ := r.Resolve("Patient", "gender")
	second, _, _ := r.Resolve("Patient", "gender")
	if first != second {
		t.Error("expected cached resolution to return the same pointer")
	}
}
