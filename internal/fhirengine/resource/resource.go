// Package resource defines the generic FHIR resource vocabulary and the
// accessor helpers the search engine and write pipeline use to work with a
// resource as a raw JSON document (map[string]interface{}) instead of a
// per-type struct. This is what makes the resource-type-keyed dispatch table
// possible: one engine walks the same map shape for every FHIR type.
package resource

import (
	"fmt"
	"strconv"
	"time"
)

// Doc is a FHIR resource represented as its raw decoded JSON document.
type Doc = map[string]interface{}

// Meta mirrors the FHIR Meta element for typed access where convenient.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// ResourceType returns the "resourceType" field of a document, or "" if
// absent or not a string.
func ResourceType(doc Doc) string {
	s, _ := doc["resourceType"].(string)
	return s
}

// ID returns the "id" field of a document, or "" if absent.
func ID(doc Doc) string {
	s, _ := doc["id"].(string)
	return s
}

// Key returns the canonical "<Type>/<id>" key for a document.
func Key(doc Doc) string {
	return ResourceType(doc) + "/" + ID(doc)
}

// VersionID returns meta.versionId as an int, or 0 if absent/unparseable.
func VersionID(doc Doc) int {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	switch v := meta["versionId"].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case float64:
		return int(v)
	}
	return 0
}

// SetMeta stamps meta.versionId and meta.lastUpdated on doc in place,
// creating the meta object if absent. versionId is always written as a
// string per the FHIR wire format.
func SetMeta(doc Doc, versionID int, lastUpdated time.Time) {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta
}

// ValidID reports whether id satisfies the FHIR id grammar: 1-64 chars of
// [A-Za-z0-9.-].
func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// ParseKey splits a "<Type>/<id>" key into its parts.
func ParseKey(key string) (resourceType, id string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed resource key %q: expected \"<Type>/<id>\"", key)
}
