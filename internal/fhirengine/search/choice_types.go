package search

import (
	_ "embed"
	"encoding/json"
)

// choiceTypesJSON is a small extract of the R4 StructureDefinition choice-
// type ("[x]") and Period-typed date declarations relevant to the search
// parameters this engine resolves. The Date Query Builder's "metadata-
// driven, not hard-coded" expansion table is loaded from this asset instead
// of a Go map/switch literal, so adding a resource's date choice types is a
// data change here rather than a code change in fhirpath_mini.go.
//
//go:embed choice_types.json
var choiceTypesJSON []byte

// choiceTypeEntry is one row of choice_types.json: a FHIRPath choice base
// or bare Period field, and the concrete indexed fields it expands to.
type choiceTypeEntry struct {
	Path     string             `json:"path"`
	Variants []dateFieldVariant `json:"variants"`
}

// dateChoiceVariants is the metadata table the Date Query Builder consults
// to expand a choice-type or Period-typed FHIRPath into its concrete
// indexed field(s). Keyed by the parsed choice base (for "value[x]"-style
// paths) or by the full field path (for parameters whose declared type is
// Period directly, with no "[x]" marker at all).
var dateChoiceVariants = mustLoadDateChoiceVariants()

func mustLoadDateChoiceVariants() map[string][]dateFieldVariant {
	var entries []choiceTypeEntry
	if err := json.Unmarshal(choiceTypesJSON, &entries); err != nil {
		panic("search: invalid choice_types.json: " + err.Error())
	}
	variants := make(map[string][]dateFieldVariant, len(entries))
	for _, e := range entries {
		variants[e.Path] = e.Variants
	}
	return variants
}
