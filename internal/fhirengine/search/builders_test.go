package search

import "testing"

func TestBuildFragment_TokenSystemAndCode(t *testing.T) {
	def := &ParamDef{Name: "code", ResourceType: "Observation", Type: Token, FHIRPath: "code"}
	f, err := BuildFragment(def, "", "http://loinc.org|1234-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "and" || len(f.Kids) != 2 {
		t.Fatalf("expected AND of system+code, got %+v", f)
	}
}

func TestBuildFragment_TokenCodeOnly(t *testing.T) {
	def := &ParamDef{Name: "gender", ResourceType: "Patient", Type: Token, FHIRPath: "gender"}
	f, err := BuildFragment(def, "", "male")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "term" || f.Field != "gender.code" || f.Value != "male" {
		t.Errorf("unexpected fragment: %+v", f)
	}
}

func TestBuildFragment_StringExactVsPrefix(t *testing.T) {
	def := &ParamDef{Name: "family", ResourceType: "Patient", Type: String, FHIRPath: "name.family"}

	exact, err := BuildFragment(def, "exact", "Smith")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exact.Op != "term" || exact.Field != "name.family.exact" {
		t.Errorf("unexpected exact fragment: %+v", exact)
	}

	prefix, err := BuildFragment(def, "", "Smi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefix.Op != "prefix" {
		t.Errorf("expected prefix fragment for unmodified string param, got %+v", prefix)
	}
}

func TestBuildFragment_DateEqRange(t *testing.T) {
	def := &ParamDef{Name: "birthdate", ResourceType: "Patient", Type: Date, FHIRPath: "birthDate"}
	f, err := BuildFragment(def, "", "2023-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "range" || f.Low == nil || f.High == nil {
		t.Errorf("expected closed range for eq date, got %+v", f)
	}
}

func TestBuildFragment_DateInvalid(t *testing.T) {
	def := &ParamDef{Name: "birthdate", ResourceType: "Patient", Type: Date, FHIRPath: "birthDate"}
	if _, err := BuildFragment(def, "", "not-a-date"); err == nil {
		t.Fatal("expected error for invalid date value")
	}
}

func TestBuildFragment_NumberComparators(t *testing.T) {
	def := &ParamDef{Name: "value-quantity", ResourceType: "Observation", Type: Number, FHIRPath: "value"}

	gt, err := BuildFragment(def, "", "gt5.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gt.LowN == nil || gt.HighN != nil {
		t.Errorf("expected open-ended low range for gt, got %+v", gt)
	}
}

func TestBuildFragment_QuantityWithUnit(t *testing.T) {
	def := &ParamDef{Name: "value-quantity", ResourceType: "Observation", Type: Quantity, FHIRPath: "(Observation.value as Quantity)"}

	f, err := BuildFragment(def, "", "5.4|http://unitsofmeasure.org|mg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "and" || len(f.Kids) != 3 {
		t.Fatalf("expected a 3-way AND (range + code + system), got %+v", f)
	}
	if f.Kids[0].LowN == nil || *f.Kids[0].LowN != 5.4 || f.Kids[0].HighN == nil || *f.Kids[0].HighN != 5.4 {
		t.Errorf("expected exact range on 5.4, got %+v", f.Kids[0])
	}
	if f.Kids[0].Field != "Observation.value.value" {
		t.Errorf("range field = %q, want Observation.value.value", f.Kids[0].Field)
	}
	if f.Kids[1].Field != "Observation.value.code" || f.Kids[1].Value != "mg" {
		t.Errorf("expected code term on mg, got %+v", f.Kids[1])
	}
	if f.Kids[2].Field != "Observation.value.system" || f.Kids[2].Value != "http://unitsofmeasure.org" {
		t.Errorf("expected system term, got %+v", f.Kids[2])
	}
}

func TestBuildFragment_QuantityBareNumber(t *testing.T) {
	def := &ParamDef{Name: "value-quantity", ResourceType: "Observation", Type: Quantity, FHIRPath: "(Observation.value as Quantity)"}

	f, err := BuildFragment(def, "", "gt5.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "range" || f.LowN == nil || f.HighN != nil {
		t.Errorf("expected an open-ended low range, got %+v", f)
	}
}

func TestBuildFragment_QuantityInvalidNumber(t *testing.T) {
	def := &ParamDef{Name: "value-quantity", ResourceType: "Observation", Type: Quantity, FHIRPath: "value"}
	if _, err := BuildFragment(def, "", "not-a-number|http://unitsofmeasure.org|mg"); err == nil {
		t.Fatal("expected error for non-numeric quantity value")
	}
}

func TestBuildFragment_Reference(t *testing.T) {
	def := &ParamDef{Name: "patient", ResourceType: "Observation", Type: Reference, FHIRPath: "subject", Target: []string{"Patient"}}
	f, err := BuildFragment(def, "", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Value != "Patient/123" {
		t.Errorf("expected target-qualified reference value, got %q", f.Value)
	}
}

func TestApplyParam_CommaMeansOr(t *testing.T) {
	def := &ParamDef{Name: "gender", ResourceType: "Patient", Type: Token, FHIRPath: "gender"}
	f, err := ApplyParam(def, "", "male,female")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "or" || len(f.Kids) != 2 {
		t.Fatalf("expected OR of two values, got %+v", f)
	}
}

func TestBuildFragment_DateChoiceTypeExpandsToOrOfVariants(t *testing.T) {
	def := &ParamDef{Name: "date", ResourceType: "Observation", Type: Date, FHIRPath: "Observation.effective[x]"}
	f, err := BuildFragment(def, "", "2023-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Op != "or" || len(f.Kids) != 3 {
		t.Fatalf("expected OR of 3 choice-type variants, got %+v", f)
	}
	var sawPeriodField bool
	for _, k := range f.Kids {
		if k.Op == "range" && k.Field == "Observation.effectiveDateTime" {
			continue
		}
		if k.Op == "and" {
			sawPeriodField = true
		}
	}
	if !sawPeriodField {
		t.Errorf("expected the Period variant to expand into a .start/.end AND, got %+v", f)
	}
}

func TestBuildFragment_DatePeriodPrefixPruning(t *testing.T) {
	def := &ParamDef{Name: "date", ResourceType: "Encounter", Type: Date, FHIRPath: "Encounter.period"}

	gt, err := BuildFragment(def, "", "gt2023-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gt.Op != "range" || gt.Field != "Encounter.period.start" {
		t.Errorf("expected gt to query only .start, got %+v", gt)
	}

	lt, err := BuildFragment(def, "", "lt2023-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lt.Op != "range" || lt.Field != "Encounter.period.end" {
		t.Errorf("expected lt to query only .end, got %+v", lt)
	}
}

func TestBuildFragment_ReferenceWithWhereClauseStripsToBareField(t *testing.T) {
	def := &ParamDef{Name: "patient", ResourceType: "Observation", Type: Reference, FHIRPath: "Observation.subject.where(resolve() is Patient)", Target: []string{"Patient"}}
	f, err := BuildFragment(def, "", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Field != "Observation.subject.reference" {
		t.Errorf("expected where() clause stripped from field, got %q", f.Field)
	}
}

func TestBuildFragment_UnsupportedType(t *testing.T) {
	def := &ParamDef{Name: "x", ResourceType: "Patient", Type: Composite, FHIRPath: "x"}
	if _, err := BuildFragment(def, "", "y"); err == nil {
		t.Fatal("expected error for unsupported composite type")
	}
}
