package write

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

// AuditProvenance is stamped into meta.extension on every write, giving each
// resource version an in-band record of who wrote it and in response to
// which request — the document-store equivalent of the teacher's HTTP audit
// middleware, but attached to the resource itself rather than a log line.
type AuditProvenance struct {
	RequestID string
	Actor     string
	Timestamp time.Time
	Method    string
}

const provenanceExtensionURL = "http://couchbase-fhir-ce.local/StructureDefinition/audit-provenance"

func stampProvenance(doc resource.Doc, prov AuditProvenance) {
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	extensions, _ := meta["extension"].([]interface{})
	extensions = append(extensions, map[string]interface{}{
		"url": provenanceExtensionURL,
		"extension": []interface{}{
			map[string]interface{}{"url": "requestId", "valueString": prov.RequestID},
			map[string]interface{}{"url": "actor", "valueString": prov.Actor},
			map[string]interface{}{"url": "method", "valueString": prov.Method},
			map[string]interface{}{"url": "timestamp", "valueDateTime": prov.Timestamp.UTC().Format(time.RFC3339Nano)},
		},
	})
	meta["extension"] = extensions
	doc["meta"] = meta
}

// Tombstone marks a "<type>/<id>" pair as permanently retired: once written,
// the pair can never be reused by a later create or conditional update.
type Tombstone struct {
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	TombstonedAt time.Time `json:"tombstonedAt"`
}

// Pipeline is the sole mutator of resources, versions, and tombstones. All
// FHIR write interactions — create, conditional update, delete, and Bundle
// transaction/batch — funnel through it so versioning, history snapshotting,
// and audit stamping happen exactly once, in one place.
type Pipeline struct {
	gw      *store.Gateway
	history *HistoryRepository
}

func NewPipeline(gw *store.Gateway) *Pipeline {
	return &Pipeline{gw: gw, history: NewHistoryRepository(gw)}
}

func (p *Pipeline) tombstoneKey(resourceType, id string) string {
	return resourceType + "/" + id
}

func (p *Pipeline) isTombstoned(ctx context.Context, resourceType, id string) (bool, error) {
	coll := p.gw.Collection(store.ResourcesScope, store.TombstonesColl)
	var found bool
	err := p.gw.WithRetry(ctx, func(ctx context.Context) error {
		_, err := coll.Get(p.tombstoneKey(resourceType, id), &gocb.GetOptions{Context: ctx})
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			found = false
			return nil
		}
		return err
	})
	return found, err
}

// Upsert implements the PUT algorithm (spec §4.8): reject tombstoned ids,
// snapshot the current document to history, bump the version, stamp
// meta and provenance, and replace the current document — all inside one
// document-store transaction so a mid-write failure leaves neither a
// dangling history snapshot nor a half-applied current document.
func (p *Pipeline) Upsert(ctx context.Context, res resource.Doc, prov AuditProvenance) (*BundleResponse, error) {
	resourceType := resource.ResourceType(res)
	if resourceType == "" {
		return nil, fhirerr.New(fhirerr.ValidationFailed, "resource is missing resourceType")
	}
	id := resource.ID(res)
	if id == "" {
		id = uuid.NewString()
		res["id"] = id
	}
	if !resource.ValidID(id) {
		return nil, fhirerr.New(fhirerr.ValidationFailed, "invalid resource id %q", id)
	}

	tombstoned, err := p.isTombstoned(ctx, resourceType, id)
	if err != nil {
		return nil, fhirerr.Wrap(err, "checking tombstone for %s/%s", resourceType, id)
	}
	if tombstoned {
		return nil, fhirerr.New(fhirerr.VersionConflict, "%s/%s has been deleted and its id cannot be reused", resourceType, id)
	}

	var nextVersion int
	var created bool
	now := time.Now().UTC()

	txErr := p.gw.RunTransaction(ctx, func(txCtx *gocb.TransactionAttemptContext) error {
		coll := p.gw.Collection(store.ResourcesScope, resourceType)
		histColl := p.gw.Collection(store.ResourcesScope, store.VersionsColl)

		existing, getErr := txCtx.Get(coll, id)
		switch {
		case getErr == nil:
			var current resource.Doc
			if err := existing.Content(&current); err != nil {
				return fmt.Errorf("decode current %s/%s: %w", resourceType, id, err)
			}
			currentVersion := resource.VersionID(current)
			nextVersion = currentVersion + 1
			// SaveVersion normally recorded this version after the write that
			// produced it; insert the snapshot only when that entry is missing.
			histKey := versionKey(resourceType, id, currentVersion)
			if _, err := txCtx.Get(histColl, histKey); errors.Is(err, gocb.ErrDocumentNotFound) {
				if _, err := txCtx.Insert(histColl, histKey, HistoryEntry{
					ResourceType: resourceType, ResourceID: id, VersionID: currentVersion,
					Resource: current, Action: "update", Timestamp: now,
				}); err != nil {
					return fmt.Errorf("snapshot history for %s/%s: %w", resourceType, id, err)
				}
			} else if err != nil {
				return fmt.Errorf("snapshot history for %s/%s: %w", resourceType, id, err)
			}
			resource.SetMeta(res, nextVersion, now)
			stampProvenance(res, prov)
			_, err := txCtx.Replace(existing, res)
			return err
		case errors.Is(getErr, gocb.ErrDocumentNotFound):
			created = true
			nextVersion = 1
			resource.SetMeta(res, nextVersion, now)
			stampProvenance(res, prov)
			_, err := txCtx.Insert(coll, id, res)
			return err
		default:
			return getErr
		}
	})
	if txErr != nil {
		return nil, fhirerr.Wrap(txErr, "upsert %s/%s", resourceType, id)
	}

	action := "update"
	status := "200 OK"
	if created {
		action = "create"
		status = "201 Created"
	}
	if err := p.history.SaveVersion(ctx, resourceType, id, nextVersion, res, action); err != nil {
		// The current document already committed; a missing history row for
		// this version is a gap in the audit trail, not a failed write.
	}

	return &BundleResponse{
		Status:       status,
		Location:     fmt.Sprintf("%s/%s", resourceType, id),
		Etag:         FormatETag(nextVersion),
		LastModified: &now,
	}, nil
}

// Delete removes the current document and writes a tombstone atomically,
// so the (type,id) pair can never again satisfy a create or update.
func (p *Pipeline) Delete(ctx context.Context, resourceType, id string, prov AuditProvenance) (*BundleResponse, error) {
	now := time.Now().UTC()
	var deletedVersion int
	var found bool

	txErr := p.gw.RunTransaction(ctx, func(txCtx *gocb.TransactionAttemptContext) error {
		coll := p.gw.Collection(store.ResourcesScope, resourceType)
		histColl := p.gw.Collection(store.ResourcesScope, store.VersionsColl)
		tombColl := p.gw.Collection(store.ResourcesScope, store.TombstonesColl)

		existing, getErr := txCtx.Get(coll, id)
		if errors.Is(getErr, gocb.ErrDocumentNotFound) {
			found = false
			return nil
		}
		if getErr != nil {
			return getErr
		}
		found = true

		var current resource.Doc
		if err := existing.Content(&current); err != nil {
			return fmt.Errorf("decode current %s/%s: %w", resourceType, id, err)
		}
		deletedVersion = resource.VersionID(current)
		histKey := versionKey(resourceType, id, deletedVersion)
		if _, err := txCtx.Get(histColl, histKey); errors.Is(err, gocb.ErrDocumentNotFound) {
			if _, err := txCtx.Insert(histColl, histKey, HistoryEntry{
				ResourceType: resourceType, ResourceID: id, VersionID: deletedVersion,
				Resource: current, Action: "delete", Timestamp: now,
			}); err != nil {
				return fmt.Errorf("snapshot history for %s/%s: %w", resourceType, id, err)
			}
		} else if err != nil {
			return fmt.Errorf("snapshot history for %s/%s: %w", resourceType, id, err)
		}
		if err := txCtx.Remove(existing); err != nil {
			return err
		}
		_, err := txCtx.Insert(tombColl, p.tombstoneKey(resourceType, id), Tombstone{
			ResourceType: resourceType, ResourceID: id, TombstonedAt: now,
		})
		return err
	})
	if txErr != nil {
		return nil, fhirerr.Wrap(txErr, "delete %s/%s", resourceType, id)
	}
	if !found {
		return nil, fhirerr.New(fhirerr.NotFound, "%s/%s not found", resourceType, id)
	}

	if err := p.history.SaveVersion(ctx, resourceType, id, deletedVersion, nil, "delete"); err != nil {
		// Replaces this version's history entry with a resource-less
		// delete record; on failure the entry the transaction kept or
		// wrote stays as it is.
	}

	return &BundleResponse{Status: "204 No Content", LastModified: &now}, nil
}

// Read fetches the current version of a resource, for the FHIR REST
// `GET /{type}/{id}` endpoint.
func (p *Pipeline) Read(ctx context.Context, resourceType, id string) (resource.Doc, error) {
	return p.fetchCurrent(ctx, resourceType, id)
}

// HistoryRepository exposes the version store backing `_history`/`vread`,
// so the REST layer can serve them without the pipeline mediating every
// read-only history query.
func (p *Pipeline) HistoryRepository() *HistoryRepository {
	return p.history
}

// fetchCurrent performs a bare KV get for the Bundle GET/HEAD verbs, which
// the transaction and batch processors both need to be able to dispatch.
func (p *Pipeline) fetchCurrent(ctx context.Context, resourceType, id string) (resource.Doc, error) {
	coll := p.gw.Collection(store.ResourcesScope, resourceType)
	var doc resource.Doc
	err := p.gw.WithRetry(ctx, func(ctx context.Context) error {
		res, err := coll.Get(id, &gocb.GetOptions{Context: ctx})
		if err != nil {
			return err
		}
		return res.Content(&doc)
	})
	if err != nil {
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			return nil, fhirerr.New(fhirerr.NotFound, "%s/%s not found", resourceType, id)
		}
		return nil, fhirerr.Wrap(err, "fetch %s/%s", resourceType, id)
	}
	return doc, nil
}

// Handler adapts the pipeline to the ResourceHandler signature expected by
// TransactionProcessor, dispatching each Bundle entry's HTTP method to the
// appropriate pipeline operation.
func (p *Pipeline) Handler(prov AuditProvenance) ResourceHandler {
	return func(method, url string, res resource.Doc) (*BundleResponse, error) {
		ctx := context.Background()
		resourceType, id, isSearch := ParseEntryURL(url)

		switch method {
		case "POST":
			return p.Upsert(ctx, res, prov)
		case "PUT":
			if id == "" {
				return nil, fhirerr.New(fhirerr.ValidationFailed, "PUT %s requires a resource id", url)
			}
			if res == nil {
				res = resource.Doc{}
			}
			res["resourceType"] = resourceType
			res["id"] = id
			return p.Upsert(ctx, res, prov)
		case "DELETE":
			if id == "" {
				return nil, fhirerr.New(fhirerr.ValidationFailed, "DELETE %s requires a resource id", url)
			}
			return p.Delete(ctx, resourceType, id, prov)
		case "GET", "HEAD":
			if isSearch || id == "" {
				return nil, fhirerr.New(fhirerr.ValidationFailed, "Bundle entry GET/HEAD must target a specific resource, got %s", url)
			}
			doc, err := p.fetchCurrent(ctx, resourceType, id)
			if err != nil {
				return nil, err
			}
			return &BundleResponse{Status: "200 OK", Location: fmt.Sprintf("%s/%s", resourceType, id), Etag: FormatETag(resource.VersionID(doc))}, nil
		default:
			return nil, fhirerr.New(fhirerr.ValidationFailed, "unsupported Bundle entry method %q", method)
		}
	}
}

// ProcessBundle parses, validates, and executes a transaction or batch
// Bundle body, returning the response Bundle the FHIR endpoint writes back.
func (p *Pipeline) ProcessBundle(body []byte, prov AuditProvenance) (*Bundle, error) {
	bundle, err := ParseTransactionBundle(body)
	if err != nil {
		return nil, fhirerr.New(fhirerr.ValidationFailed, "%v", err)
	}
	if issues := ValidateTransactionBundle(bundle); len(issues) > 0 {
		return nil, fhirerr.NewMulti(fhirerr.ValidationFailed, "Bundle failed validation", issues)
	}

	processor := NewTransactionProcessor(p.Handler(prov))
	if bundle.Type == "batch" {
		return processor.ProcessBatch(bundle), nil
	}
	return processor.ProcessTransaction(bundle)
}
