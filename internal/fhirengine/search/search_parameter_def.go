package search

// BaseSearchParameters returns the base FHIR R4 search parameter
// definitions the Parameter Resolver's base table is seeded with. This
// mirrors a small, representative slice of the R4 search parameter
// registry (cross-resource parameters plus a handful of common clinical
// resource types) rather than the full ~1000-parameter registry, matching
// the search engine's stated scope: proving out the resolution and query
// building pipeline, not shipping an exhaustive parameter catalog.
func BaseSearchParameters() []*ParamDef {
	return []*ParamDef{
		// Cross-resource (Resource) parameters.
		{Name: "_id", ResourceType: "Resource", Type: Token, FHIRPath: "Resource.id"},
		{Name: "_lastUpdated", ResourceType: "Resource", Type: Date, FHIRPath: "Resource.meta.lastUpdated"},
		{Name: "_tag", ResourceType: "Resource", Type: Token, FHIRPath: "Resource.meta.tag"},
		{Name: "_profile", ResourceType: "Resource", Type: URI, FHIRPath: "Resource.meta.profile"},

		// Patient.
		{Name: "name", ResourceType: "Patient", Type: String, FHIRPath: "Patient.name", Modifiers: []string{"exact", "contains"}},
		{Name: "family", ResourceType: "Patient", Type: String, FHIRPath: "Patient.name.family", Modifiers: []string{"exact", "contains"}},
		{Name: "given", ResourceType: "Patient", Type: String, FHIRPath: "Patient.name.given", Modifiers: []string{"exact", "contains"}},
		{Name: "birthdate", ResourceType: "Patient", Type: Date, FHIRPath: "Patient.birthDate"},
		{Name: "gender", ResourceType: "Patient", Type: Token, FHIRPath: "Patient.gender"},
		{Name: "identifier", ResourceType: "Patient", Type: Token, FHIRPath: "Patient.identifier"},
		{Name: "active", ResourceType: "Patient", Type: Token, FHIRPath: "Patient.active"},
		{Name: "deceased", ResourceType: "Patient", Type: Token, FHIRPath: "Patient.deceased"},
		{Name: "general-practitioner", ResourceType: "Patient", Type: Reference, FHIRPath: "Patient.generalPractitioner", Target: []string{"Organization", "Practitioner", "PractitionerRole"}},

		// Observation.
		{Name: "code", ResourceType: "Observation", Type: Token, FHIRPath: "Observation.code"},
		{Name: "subject", ResourceType: "Observation", Type: Reference, FHIRPath: "Observation.subject", Target: []string{"Patient", "Group", "Device", "Location"}},
		{Name: "patient", ResourceType: "Observation", Type: Reference, FHIRPath: "Observation.subject.where(resolve() is Patient)", Target: []string{"Patient"}},
		{Name: "category", ResourceType: "Observation", Type: Token, FHIRPath: "Observation.category"},
		{Name: "date", ResourceType: "Observation", Type: Date, FHIRPath: "Observation.effective[x]"},
		{Name: "status", ResourceType: "Observation", Type: Token, FHIRPath: "Observation.status"},
		{Name: "value-quantity", ResourceType: "Observation", Type: Quantity, FHIRPath: "(Observation.value as Quantity)"},

		// Encounter.
		{Name: "patient", ResourceType: "Encounter", Type: Reference, FHIRPath: "Encounter.subject.where(resolve() is Patient)", Target: []string{"Patient"}},
		{Name: "status", ResourceType: "Encounter", Type: Token, FHIRPath: "Encounter.status"},
		{Name: "class", ResourceType: "Encounter", Type: Token, FHIRPath: "Encounter.class"},
		{Name: "date", ResourceType: "Encounter", Type: Date, FHIRPath: "Encounter.period"},

		// Condition.
		{Name: "code", ResourceType: "Condition", Type: Token, FHIRPath: "Condition.code"},
		{Name: "clinical-status", ResourceType: "Condition", Type: Token, FHIRPath: "Condition.clinicalStatus"},
		{Name: "patient", ResourceType: "Condition", Type: Reference, FHIRPath: "Condition.subject.where(resolve() is Patient)", Target: []string{"Patient"}},

		// MedicationRequest.
		{Name: "patient", ResourceType: "MedicationRequest", Type: Reference, FHIRPath: "MedicationRequest.subject.where(resolve() is Patient)", Target: []string{"Patient"}},
		{Name: "status", ResourceType: "MedicationRequest", Type: Token, FHIRPath: "MedicationRequest.status"},

		// Organization (referenced by Patient.managingOrganization in the
		// canonical Bundle-transaction scenario).
		{Name: "name", ResourceType: "Organization", Type: String, FHIRPath: "Organization.name", Modifiers: []string{"exact", "contains"}},
	}
}

// singleValuedTokenParams is the whitelisted set of semantically
// single-valued token fields the Preprocessor rejects multiple distinct
// codes for.
var singleValuedTokenParams = map[string]bool{
	"gender":   true,
	"active":   true,
	"deceased": true,
	"status":   true,
}

// IsSingleValuedToken reports whether name is in the single-valued token
// whitelist used by the conflict rule; the whitelist is the same for every
// resource type.
func IsSingleValuedToken(name string) bool {
	return singleValuedTokenParams[name]
}
