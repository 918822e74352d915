// Package rest is the FHIR REST HTTP surface (spec §6): it exposes the
// instance-level CRUD and history verbs and type-level search over echo,
// translating each request into a call against the write Pipeline, the FTS
// Search Service, and the KV Fetch Service, and rendering the result (or a
// funneled *fhirerr.Error) back as FHIR JSON.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/group"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/kvfetch"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/search"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/write"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/smartauth"
)

// Handler wires the write pipeline and the search stack to the FHIR REST
// verbs. One Handler serves every resource type; the type is a path
// parameter, not a compile-time choice, matching the document-store model
// where collections are provisioned per type but the API surface is generic.
type Handler struct {
	pipeline     *write.Pipeline
	searchSvc    *search.Service
	kvFetch      *kvfetch.Service
	groupSvc     *group.Service
	resolver     *search.Resolver
	preprocessor *search.Preprocessor
	log          zerolog.Logger
}

// New constructs the REST handler from the components it dispatches to.
func New(pipeline *write.Pipeline, searchSvc *search.Service, kvFetch *kvfetch.Service, groupSvc *group.Service, resolver *search.Resolver, preprocessor *search.Preprocessor, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline:     pipeline,
		searchSvc:    searchSvc,
		kvFetch:      kvFetch,
		groupSvc:     groupSvc,
		resolver:     resolver,
		preprocessor: preprocessor,
		log:          log,
	}
}

// RegisterRoutes mounts the instance, type, and whole-system FHIR endpoints
// under the given group (typically one guarded by JWTMiddleware and
// FHIRScopeMiddleware).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.transactionOrBatch)
	g.POST("/:type", h.create)
	g.GET("/:type", h.search)
	g.GET("/:type/:id", h.read)
	g.PUT("/:type/:id", h.update)
	g.DELETE("/:type/:id", h.delete)
	g.GET("/:type/:id/_history", h.history)
	g.GET("/:type/:id/_history/:vid", h.vread)
}

func provenanceFromRequest(c echo.Context) write.AuditProvenance {
	actor := smartauth.UserIDFromContext(c.Request().Context())
	if actor == "" {
		actor = "anonymous"
	}
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = c.Request().Header.Get(echo.HeaderXRequestID)
	}
	return write.AuditProvenance{
		RequestID: requestID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Method:    c.Request().Method,
	}
}

func writeResponse(c echo.Context, status string, resp *write.BundleResponse, body resource.Doc) error {
	code, err := strconv.Atoi(status[:3])
	if err != nil {
		code = http.StatusOK
	}
	if resp.Etag != "" {
		c.Response().Header().Set("ETag", resp.Etag)
	}
	if resp.Location != "" {
		c.Response().Header().Set("Location", resp.Location)
	}
	if resp.LastModified != nil {
		c.Response().Header().Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
	}
	if body == nil {
		return c.NoContent(code)
	}
	return c.JSON(code, body)
}

// create implements `POST /{type}` (spec §4.8): the resource id, if any, in
// the body is ignored in favor of a server-assigned id.
func (h *Handler) create(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "reading request body: %v", err)
	}
	var res resource.Doc
	if err := json.Unmarshal(body, &res); err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "invalid JSON body: %v", err)
	}
	res["resourceType"] = resourceType
	delete(res, "id")

	resp, err := h.pipeline.Upsert(c.Request().Context(), res, provenanceFromRequest(c))
	if err != nil {
		return err
	}
	return writeResponse(c, resp.Status, resp, res)
}

// read implements `GET /{type}/{id}`.
func (h *Handler) read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	doc, err := h.pipeline.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return err
	}
	if write.CheckIfNoneMatch(c, resource.VersionID(doc)) {
		return c.NoContent(http.StatusNotModified)
	}
	write.SetVersionHeaders(c, resource.VersionID(doc), "")
	return c.JSON(http.StatusOK, doc)
}

// update implements `PUT /{type}/{id}` (spec §4.8): a conditional replace
// honoring If-Match, or a client-assigned-id create if the resource is new.
func (h *Handler) update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !resource.ValidID(id) {
		return fhirerr.New(fhirerr.ValidationFailed, "invalid resource id %q", id)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "reading request body: %v", err)
	}
	var res resource.Doc
	if err := json.Unmarshal(body, &res); err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "invalid JSON body: %v", err)
	}
	res["resourceType"] = resourceType
	res["id"] = id

	if current, getErr := h.pipeline.Read(c.Request().Context(), resourceType, id); getErr == nil {
		if _, err := write.CheckIfMatch(c, resource.VersionID(current)); err != nil {
			return err
		}
	}

	resp, err := h.pipeline.Upsert(c.Request().Context(), res, provenanceFromRequest(c))
	if err != nil {
		return err
	}
	return writeResponse(c, resp.Status, resp, res)
}

// delete implements `DELETE /{type}/{id}`.
func (h *Handler) delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	resp, err := h.pipeline.Delete(c.Request().Context(), resourceType, id, provenanceFromRequest(c))
	if err != nil {
		if ferr, ok := err.(*fhirerr.Error); ok && ferr.Kind == fhirerr.NotFound {
			return c.NoContent(http.StatusNoContent)
		}
		return err
	}
	return writeResponse(c, resp.Status, resp, nil)
}

// vread implements `GET /{type}/{id}/_history/{vid}`.
func (h *Handler) vread(c echo.Context) error {
	resourceType, id, vidParam := c.Param("type"), c.Param("id"), c.Param("vid")
	vid, err := strconv.Atoi(vidParam)
	if err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "version id must be numeric, got %q", vidParam)
	}
	entry, getErr := h.pipeline.HistoryRepository().GetVersion(c.Request().Context(), resourceType, id, vid)
	if getErr != nil {
		return fhirerr.New(fhirerr.NotFound, "%s/%s version %d not found", resourceType, id, vid)
	}
	if entry.Action == "delete" {
		return fhirerr.New(fhirerr.NotFound, "%s/%s version %d was a delete", resourceType, id, vid)
	}
	write.SetVersionHeaders(c, entry.VersionID, "")
	return c.JSON(http.StatusOK, entry.Resource)
}

// history implements `GET /{type}/{id}/_history`.
func (h *Handler) history(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	count, offset := search.ParseCountAndOffset(c.QueryParams())

	entries, total, err := h.pipeline.HistoryRepository().ListVersions(c.Request().Context(), resourceType, id, count, offset)
	if err != nil {
		return fhirerr.Wrap(err, "listing history for %s/%s", resourceType, id)
	}
	baseURL := baseURLFromRequest(c)
	bundle := write.NewHistoryBundle(entries, total, baseURL, resourceType, id, offset, count)
	return c.JSON(http.StatusOK, bundle)
}

// search implements `GET /{type}` (spec §4.4/§4.5): resolve and validate
// query parameters, build an FTS fragment, run it through the Search
// Service, then hydrate the matched keys through the KV Fetch Service.
func (h *Handler) search(c echo.Context) error {
	resourceType := c.Param("type")
	values := c.QueryParams()

	if err := h.preprocessor.Validate(resourceType, values); err != nil {
		return err
	}

	count, offset := search.ParseCountAndOffset(values)

	var frags []search.Fragment
	for name, raw := range values {
		if hasQuery, ok := group.ParseHasParam(name); ok {
			for _, v := range raw {
				ids, err := h.groupSvc.ResolveHas(c.Request().Context(), hasQuery, v)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return c.JSON(http.StatusOK, newSearchBundle(nil, 0, baseURLFromRequest(c), resourceType, values, offset, count))
				}
				idFrags := make([]search.Fragment, len(ids))
				for i, id := range ids {
					idFrags[i] = search.Term("id", id)
				}
				frags = append(frags, search.Or(idFrags...))
			}
			continue
		}
		if search.IsControlParam(name) {
			continue
		}
		def, modifier, err := h.resolver.Resolve(resourceType, name)
		if err != nil {
			return err
		}
		if def.Type == search.Special {
			continue
		}
		for _, v := range raw {
			f, err := search.ApplyParam(def, modifier, v)
			if err != nil {
				return err
			}
			frags = append(frags, f)
		}
	}

	fragment := search.Fragment{Op: "exists", Field: "resourceType"}
	if len(frags) > 0 {
		fragment = search.And(frags...)
	}

	page, err := h.searchSvc.Search(c.Request().Context(), resourceType, fragment, offset, count)
	if err != nil {
		return err
	}

	keys := make([]string, len(page.Results))
	for i, r := range page.Results {
		keys[i] = r.Key
	}
	docs, err := h.kvFetch.FetchKeys(c.Request().Context(), keys)
	if err != nil {
		return fhirerr.Wrap(err, "hydrating search results for %s", resourceType)
	}

	bundle := newSearchBundle(docs, page.Total, baseURLFromRequest(c), resourceType, values, offset, count)
	return c.JSON(http.StatusOK, bundle)
}

// transactionOrBatch implements `POST /` (spec §4.8): a transaction or
// batch Bundle submission.
func (h *Handler) transactionOrBatch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirerr.New(fhirerr.ValidationFailed, "reading request body: %v", err)
	}
	bundle, err := h.pipeline.ProcessBundle(body, provenanceFromRequest(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bundle)
}

func newSearchBundle(docs []resource.Doc, total int, baseURL, resourceType string, values url.Values, offset, count int) *write.Bundle {
	now := time.Now().UTC()
	entries := make([]write.BundleEntry, len(docs))
	for i, doc := range docs {
		id := resource.ID(doc)
		entries[i] = write.BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, resourceType, id),
			Resource: doc,
			Search:   &write.BundleSearch{Mode: "match"},
		}
	}
	return &write.Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         searchsetLinks(baseURL, resourceType, values, offset, count, total),
		Entry:        entries,
	}
}

// searchsetLinks builds Bundle.link.self and, when more results exist past
// this page, Bundle.link.next, by rewriting _offset on the incoming query
// against every other parameter the client sent.
func searchsetLinks(baseURL, resourceType string, values url.Values, offset, count, total int) []write.BundleLink {
	links := []write.BundleLink{
		{Relation: "self", URL: pageURL(baseURL, resourceType, values, offset, count)},
	}
	if offset+count < total {
		links = append(links, write.BundleLink{
			Relation: "next",
			URL:      pageURL(baseURL, resourceType, values, offset+count, count),
		})
	}
	return links
}

func pageURL(baseURL, resourceType string, values url.Values, offset, count int) string {
	q := url.Values{}
	for k, v := range values {
		if k == "_offset" || k == "_count" {
			continue
		}
		q[k] = v
	}
	q.Set("_offset", strconv.Itoa(offset))
	q.Set("_count", strconv.Itoa(count))
	return fmt.Sprintf("%s/%s?%s", baseURL, resourceType, q.Encode())
}

func baseURLFromRequest(c echo.Context) string {
	scheme := "https"
	if c.Request().TLS == nil {
		scheme = "http"
	}
	if forwarded := c.Request().Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Request().Host, basePath(c))
}

// basePath strips the current route's parameter suffix, leaving the mount
// point the group was registered under (e.g. "/fhir").
func basePath(c echo.Context) string {
	path := c.Path()
	for i, name := range c.ParamNames() {
		_ = name
		if i == 0 {
			if idx := indexOfFirstParam(path); idx >= 0 {
				return path[:idx]
			}
		}
	}
	return path
}

func indexOfFirstParam(path string) int {
	for i := 0; i < len(path); i++ {
		if path[i] == ':' {
			if i > 0 && path[i-1] == '/' {
				return i - 1
			}
			return i
		}
	}
	return -1
}
