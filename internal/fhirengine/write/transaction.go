package write

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
)

// TransactionEntry is one parsed entry of an incoming transaction or batch
// Bundle, ready for the three-pass processing algorithm.
type TransactionEntry struct {
	FullURL  string
	Resource resource.Doc
	Request  BundleRequest
}

// TransactionBundle is the parsed representation of a submitted transaction
// or batch Bundle.
type TransactionBundle struct {
	ResourceType string
	Type         string
	Entries      []TransactionEntry
}

var validHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true, "HEAD": true,
}

// methodSortOrder defines FHIR's mandated transaction processing order:
// DELETE, POST, PUT/PATCH, GET/HEAD.
var methodSortOrder = map[string]int{
	"DELETE": 0, "POST": 1, "PUT": 2, "PATCH": 3, "GET": 4, "HEAD": 5,
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string          `json:"fullUrl,omitempty"`
			Resource json.RawMessage `json:"resource,omitempty"`
			Request  *BundleRequest  `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", raw.ResourceType)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}
		if len(e.Resource) > 0 {
			var res resource.Doc
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("invalid resource in entry %d: %w", i, err)
			}
			entry.Resource = res
		}
		if e.Request != nil {
			entry.Request = *e.Request
		}
		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ValidateTransactionBundle validates the structure of a transaction or
// batch Bundle, returning every issue found as OperationOutcome issues.
func ValidateTransactionBundle(bundle *TransactionBundle) []fhirerr.OperationOutcomeIssue {
	var issues []fhirerr.OperationOutcomeIssue

	if bundle.Type != "transaction" && bundle.Type != "batch" {
		issues = append(issues, fhirerr.OperationOutcomeIssue{
			Severity:    "error",
			Code:        "value",
			Diagnostics: fmt.Sprintf("bundle type must be 'transaction' or 'batch', got %q", bundle.Type),
			Expression:  []string{"Bundle.type"},
		})
	}

	fullURLSet := make(map[string]bool)

	for i, entry := range bundle.Entries {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)

		if entry.Request.Method == "" {
			issues = append(issues, fhirerr.OperationOutcomeIssue{
				Severity: "error", Code: "required",
				Diagnostics: fmt.Sprintf("entry %d: request.method is required", i),
				Expression:  []string{prefix + ".request.method"},
			})
		} else if !validHTTPMethods[entry.Request.Method] {
			issues = append(issues, fhirerr.OperationOutcomeIssue{
				Severity: "error", Code: "value",
				Diagnostics: fmt.Sprintf("entry %d: invalid HTTP method %q", i, entry.Request.Method),
				Expression:  []string{prefix + ".request.method"},
			})
		}

		if entry.Request.URL == "" {
			issues = append(issues, fhirerr.OperationOutcomeIssue{
				Severity: "error", Code: "required",
				Diagnostics: fmt.Sprintf("entry %d: request.url is required", i),
				Expression:  []string{prefix + ".request.url"},
			})
		}

		if bundle.Type == "transaction" && entry.FullURL == "" {
			issues = append(issues, fhirerr.OperationOutcomeIssue{
				Severity: "error", Code: "required",
				Diagnostics: fmt.Sprintf("entry %d: fullUrl is required for transaction entries", i),
				Expression:  []string{prefix + ".fullUrl"},
			})
		}

		if entry.FullURL != "" {
			if fullURLSet[entry.FullURL] {
				issues = append(issues, fhirerr.OperationOutcomeIssue{
					Severity: "error", Code: "business-rule",
					Diagnostics: fmt.Sprintf("entry %d: duplicate fullUrl %q detected", i, entry.FullURL),
					Expression:  []string{prefix + ".fullUrl"},
				})
			}
			fullURLSet[entry.FullURL] = true
		}
	}

	issues = append(issues, detectCircularReferences(bundle.Entries)...)
	return issues
}

// detectCircularReferences reports cycles among entries that reference one
// another by fullUrl, which the write pipeline could never resolve.
func detectCircularReferences(entries []TransactionEntry) []fhirerr.OperationOutcomeIssue {
	adj := make(map[string][]string)
	urlSet := make(map[string]bool)
	for _, e := range entries {
		if e.FullURL != "" {
			urlSet[e.FullURL] = true
		}
	}
	for _, e := range entries {
		if e.FullURL == "" || e.Resource == nil {
			continue
		}
		for _, ref := range extractReferences(e.Resource) {
			if urlSet[ref] && ref != e.FullURL {
				adj[e.FullURL] = append(adj[e.FullURL], ref)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var issues []fhirerr.OperationOutcomeIssue

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, neighbor := range adj[node] {
			if color[neighbor] == gray {
				issues = append(issues, fhirerr.OperationOutcomeIssue{
					Severity: "error", Code: "business-rule",
					Diagnostics: fmt.Sprintf("circular reference detected between %s and %s", node, neighbor),
					Expression:  []string{"Bundle.entry"},
				})
				return true
			}
			if color[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		color[node] = black
		return false
	}

	for url := range adj {
		if color[url] == white {
			dfs(url)
		}
	}
	return issues
}

func extractReferences(res resource.Doc) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(res)
	return refs
}

// ResourceHandler performs the actual CRUD operation for one Bundle entry
// and reports its outcome. The write Pipeline implements this signature.
type ResourceHandler func(method, url string, res resource.Doc) (*BundleResponse, error)

// TransactionProcessor executes transaction and batch Bundles by delegating
// each entry to a ResourceHandler.
type TransactionProcessor struct {
	Handler ResourceHandler
}

func NewTransactionProcessor(handler ResourceHandler) *TransactionProcessor {
	return &TransactionProcessor{Handler: handler}
}

// ProcessTransaction runs the three-pass transaction algorithm: (1) sort
// entries into FHIR's mandated processing order, (2) rewrite urn:uuid
// references as each entry's assigned id becomes known, (3) invoke the
// handler per entry. The first entry failure stops processing and returns
// an error. Entries already handled are not undone: the write Pipeline
// commits each entry in its own document-store transaction.
func (p *TransactionProcessor) ProcessTransaction(bundle *TransactionBundle) (*Bundle, error) {
	sorted := SortTransactionEntries(bundle.Entries)

	idMap := make(map[string]string)
	responseEntries := make([]BundleEntry, len(sorted))

	for i, entry := range sorted {
		if entry.Resource != nil && len(idMap) > 0 {
			resolveRefsInResource(entry.Resource, idMap)
		}
		url := replaceURNRefs(entry.Request.URL, idMap)

		resp, err := p.Handler(entry.Request.Method, url, entry.Resource)
		if err != nil {
			return nil, fhirerr.Wrap(err, "transaction failed at entry %d (%s %s)", i, entry.Request.Method, entry.Request.URL)
		}

		if entry.FullURL != "" && strings.HasPrefix(entry.FullURL, "urn:uuid:") && resp.Location != "" {
			idMap[entry.FullURL] = resp.Location
		}

		responseEntries[i] = bundleEntryFromResponse(resp)
	}

	now := time.Now().UTC()
	return &Bundle{ResourceType: "Bundle", Type: "transaction-response", Timestamp: &now, Entry: responseEntries}, nil
}

// ProcessBatch processes each entry independently; a failing entry's
// OperationOutcome is embedded in its own response slot and processing
// continues.
func (p *TransactionProcessor) ProcessBatch(bundle *TransactionBundle) *Bundle {
	responseEntries := make([]BundleEntry, len(bundle.Entries))

	for i, entry := range bundle.Entries {
		resp, err := p.Handler(entry.Request.Method, entry.Request.URL, entry.Resource)
		if err != nil {
			ferr := fhirerr.Wrap(err, "batch entry %d failed", i)
			responseEntries[i] = BundleEntry{
				Response: &BundleResponse{Status: "400 Bad Request", Outcome: ferr.ToOperationOutcome()},
			}
			continue
		}
		responseEntries[i] = bundleEntryFromResponse(resp)
	}

	now := time.Now().UTC()
	return &Bundle{ResourceType: "Bundle", Type: "batch-response", Timestamp: &now, Entry: responseEntries}
}

func bundleEntryFromResponse(resp *BundleResponse) BundleEntry {
	return BundleEntry{FullURL: resp.Location, Response: resp}
}

// ResolveInternalReferences replaces urn:uuid references with resolved
// resource locations across a whole entry set, used when the pipeline needs
// to pre-resolve before the per-entry loop (e.g. re-validation passes).
func ResolveInternalReferences(entries []TransactionEntry, idMap map[string]string) {
	for i := range entries {
		if entries[i].Resource != nil {
			resolveRefsInResource(entries[i].Resource, idMap)
		}
		entries[i].Request.URL = replaceURNRefs(entries[i].Request.URL, idMap)
	}
}

func resolveRefsInResource(res resource.Doc, idMap map[string]string) {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if mapped, found := idMap[ref]; found {
							val[k] = mapped
						}
					}
				} else {
					val[k] = walk(child)
				}
			}
			return val
		case []interface{}:
			for i, item := range val {
				val[i] = walk(item)
			}
			return val
		default:
			return val
		}
	}
	walk(res)
}

func replaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

// SortTransactionEntries stably sorts entries into FHIR's mandated
// processing order: DELETE, POST, PUT/PATCH, GET/HEAD.
func SortTransactionEntries(entries []TransactionEntry) []TransactionEntry {
	sorted := make([]TransactionEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return methodSortOrder[sorted[i].Request.Method] < methodSortOrder[sorted[j].Request.Method]
	})
	return sorted
}

// ParseEntryURL parses a relative FHIR URL from a Bundle entry request.
//
//	"Patient/123"        -> ("Patient", "123", false)
//	"Patient?name=Smith" -> ("Patient", "", true)
//	"Patient"            -> ("Patient", "", false)
func ParseEntryURL(url string) (resourceType, id string, isSearch bool) {
	if idx := strings.Index(url, "?"); idx >= 0 {
		return url[:idx], "", true
	}
	parts := strings.SplitN(url, "/", 3)
	resourceType = parts[0]
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resourceType, id, false
}

// TransactionHandler returns an echo.HandlerFunc for POST /fhir, the
// transaction/batch Bundle submission endpoint.
func TransactionHandler(processor *TransactionProcessor) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return fhirerr.New(fhirerr.ValidationFailed, "failed to read request body: %v", err)
		}

		bundle, err := ParseTransactionBundle(body)
		if err != nil {
			return fhirerr.New(fhirerr.ValidationFailed, "failed to parse Bundle: %v", err)
		}

		if issues := ValidateTransactionBundle(bundle); len(issues) > 0 {
			return fhirerr.NewMulti(fhirerr.ValidationFailed, "Bundle failed validation", issues)
		}

		switch bundle.Type {
		case "transaction":
			result, err := processor.ProcessTransaction(bundle)
			if err != nil {
				return err
			}
			return c.JSON(http.StatusOK, result)
		case "batch":
			return c.JSON(http.StatusOK, processor.ProcessBatch(bundle))
		default:
			return fhirerr.New(fhirerr.ValidationFailed, "unsupported bundle type %q; expected 'transaction' or 'batch'", bundle.Type)
		}
	}
}
