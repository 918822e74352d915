package resource

import (
	"testing"
	"time"
)

func TestResourceType_ID_Key(t *testing.T) {
	doc := Doc{"resourceType": "Patient", "id": "test-123"}
	if got := ResourceType(doc); got != "Patient" {
		t.Errorf("expected Patient, got %v", got)
	}
	if got := ID(doc); got != "test-123" {
		t.Errorf("expected test-123, got %v", got)
	}
	if got := Key(doc); got != "Patient/test-123" {
		t.Errorf("expected Patient/test-123, got %v", got)
	}
}

func TestVersionID(t *testing.T) {
	doc := Doc{"meta": map[string]interface{}{"versionId": "3"}}
	if got := VersionID(doc); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}

	if got := VersionID(Doc{}); got != 0 {
		t.Errorf("expected 0 for missing meta, got %d", got)
	}
}

func TestSetMeta(t *testing.T) {
	doc := Doc{"resourceType": "Patient", "id": "example"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	SetMeta(doc, 2, now)

	meta, ok := doc["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("expected meta object to be created")
	}
	if meta["versionId"] != "2" {
		t.Errorf("expected versionId \"2\", got %v", meta["versionId"])
	}
	if meta["lastUpdated"] != "2025-01-01T12:00:00Z" {
		t.Errorf("unexpected lastUpdated: %v", meta["lastUpdated"])
	}
}

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"example":   true,
		"a.b-c9":    true,
		"":          false,
		"has space": false,
		"has/slash": false,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestParseKey(t *testing.T) {
	rt, id, err := ParseKey("Patient/example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt != "Patient" || id != "example" {
		t.Errorf("expected (Patient, example), got (%s, %s)", rt, id)
	}

	if _, _, err := ParseKey("malformed"); err == nil {
		t.Error("expected error for malformed key")
	}
}
