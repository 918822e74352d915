package write

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

// HistoryEntry is one retained version of a resource, stored as a document
// in the Resources/Versions collection keyed "<Type>/<id>/<versionId>".
type HistoryEntry struct {
	ResourceType string       `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	VersionID    int          `json:"versionId"`
	Resource     resource.Doc `json:"resource,omitempty"`
	Action       string       `json:"action"` // "create", "update", "delete"
	Timestamp    time.Time    `json:"timestamp"`
}

func versionKey(resourceType, resourceID string, versionID int) string {
	return fmt.Sprintf("%s/%s/%d", resourceType, resourceID, versionID)
}

// HistoryRepository stores and retrieves resource versions in the
// Resources/Versions collection, giving every write a durable audit trail
// independent of the current-state document.
type HistoryRepository struct {
	gw *store.Gateway
}

func NewHistoryRepository(gw *store.Gateway) *HistoryRepository {
	return &HistoryRepository{gw: gw}
}

func (r *HistoryRepository) collection() *gocb.Collection {
	return r.gw.Collection(store.ResourcesScope, store.VersionsColl)
}

// SaveVersion persists a snapshot of a resource version. Called once per
// successful write, after the current-state document has been committed, so
// history never records a version that didn't actually land.
func (r *HistoryRepository) SaveVersion(ctx context.Context, resourceType, resourceID string, versionID int, res resource.Doc, action string) error {
	entry := HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    versionID,
		Resource:     res,
		Action:       action,
		Timestamp:    time.Now().UTC(),
	}
	return r.gw.WithRetry(ctx, func(ctx context.Context) error {
		_, err := r.collection().Upsert(versionKey(resourceType, resourceID, versionID), entry, &gocb.UpsertOptions{Context: ctx})
		return err
	})
}

// GetVersion retrieves a specific version of a resource.
func (r *HistoryRepository) GetVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	var entry HistoryEntry
	err := r.gw.WithRetry(ctx, func(ctx context.Context) error {
		res, err := r.collection().Get(versionKey(resourceType, resourceID, versionID), &gocb.GetOptions{Context: ctx})
		if err != nil {
			return err
		}
		return res.Content(&entry)
	})
	if err != nil {
		return nil, fmt.Errorf("get history version: %w", err)
	}
	return &entry, nil
}

// ListVersions retrieves versions of a resource ordered by version
// descending, paged by limit/offset.
func (r *HistoryRepository) ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	scope := r.gw.Scope(store.ResourcesScope)

	var total int
	countQuery := fmt.Sprintf("SELECT RAW COUNT(*) FROM `%s` WHERE resourceType = $rt AND resourceId = $id", store.VersionsColl)
	err := r.gw.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := scope.Query(countQuery, &gocb.QueryOptions{
			Context:         ctx,
			NamedParameters: map[string]interface{}{"rt": resourceType, "id": resourceID},
			ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
		})
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			return rows.Row(&total)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	listQuery := fmt.Sprintf(
		"SELECT v.* FROM `%s` v WHERE resourceType = $rt AND resourceId = $id ORDER BY versionId DESC LIMIT $limit OFFSET $offset",
		store.VersionsColl,
	)
	var entries []*HistoryEntry
	err = r.gw.WithRetry(ctx, func(ctx context.Context) error {
		entries = nil
		rows, err := scope.Query(listQuery, &gocb.QueryOptions{
			Context: ctx,
			NamedParameters: map[string]interface{}{
				"rt": resourceType, "id": resourceID, "limit": limit, "offset": offset,
			},
			ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
		})
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var entry HistoryEntry
			if err := rows.Row(&entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}
	return entries, total, nil
}

// NewHistoryBundle builds a FHIR history Bundle from a page of history
// entries, newest first, as returned by ListVersions. resourceType/
// resourceID and the offset/count ListVersions was called with are needed
// only to construct link.self/link.next; they play no part in the entries
// themselves.
func NewHistoryBundle(entries []*HistoryEntry, total int, baseURL, resourceType, resourceID string, offset, count int) *Bundle {
	now := time.Now().UTC()
	bundleEntries := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		fullURL := fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, entry.ResourceType, entry.ResourceID, entry.VersionID)

		method := "PUT"
		status := "200 OK"
		switch entry.Action {
		case "create":
			method = "POST"
			status = "201 Created"
		case "delete":
			method = "DELETE"
			status = "204 No Content"
		}

		ts := entry.Timestamp
		bundleEntries[i] = BundleEntry{
			FullURL:  fullURL,
			Resource: entry.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &ts,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Link:         historyLinks(baseURL, resourceType, resourceID, offset, count, total),
		Entry:        bundleEntries,
	}
}

func historyLinks(baseURL, resourceType, resourceID string, offset, count, total int) []BundleLink {
	base := fmt.Sprintf("%s/%s/%s/_history", baseURL, resourceType, resourceID)
	links := []BundleLink{
		{Relation: "self", URL: fmt.Sprintf("%s?_offset=%d&_count=%d", base, offset, count)},
	}
	if offset+count < total {
		links = append(links, BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s?_offset=%d&_count=%d", base, offset+count, count),
		})
	}
	return links
}
