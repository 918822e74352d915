package write

import (
	"time"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
)

// Bundle is the response representation for transaction, batch, and history
// interactions. Individual resources travel as resource.Doc, keeping the
// write pipeline free of per-type resource structs.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink mirrors Bundle.link: paging and self-reference URLs for
// searchset and history Bundles.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource resource.Doc    `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleSearch mirrors Bundle.entry.search, set on searchset Bundle entries
// to record why each resource matched (always "match" for the base search
// parameters this engine resolves; "include" is reserved for a future
// _include/_revinclude implementation).
type BundleSearch struct {
	Mode  string  `json:"mode,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// BundleRequest mirrors Bundle.entry.request, including the conditional
// headers a transaction entry may carry.
type BundleRequest struct {
	Method          string `json:"method"`
	URL             string `json:"url"`
	IfNoneMatch     string `json:"ifNoneMatch,omitempty"`
	IfModifiedSince string `json:"ifModifiedSince,omitempty"`
	IfMatch         string `json:"ifMatch,omitempty"`
	IfNoneExist     string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	Etag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}
