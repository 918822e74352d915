// Package kvfetch implements the bulk multi-get step (spec §4.6) that turns
// the ordered document keys a search returns into materialized resources.
package kvfetch

import (
	"context"
	"errors"
	"sync"

	"github.com/couchbase/gocb/v2"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

// maxConcurrency bounds the number of in-flight KV gets a single fetch
// issues, so a large search result page doesn't open thousands of
// simultaneous requests against the store.
const maxConcurrency = 32

// getter fetches a single document by id, reporting (doc, found, error).
// found is false — with a nil error — when the key doesn't exist, which the
// caller treats as a skip rather than a failure: the store may have deleted
// a row between the index hit and the fetch.
type getter func(ctx context.Context, id string) (resource.Doc, bool, error)

// Service performs bulk multi-get through the centralized store gateway,
// which owns retry and circuit-breaker policy for every underlying call.
type Service struct {
	gw *store.Gateway
}

func NewService(gw *store.Gateway) *Service {
	return &Service{gw: gw}
}

// FetchByType fetches every id from a single resource type's collection,
// preserving the input order and silently dropping ids that no longer
// exist.
func (s *Service) FetchByType(ctx context.Context, resourceType string, ids []string) ([]resource.Doc, error) {
	coll := s.gw.Collection(store.ResourcesScope, resourceType)
	return fetchOrdered(ctx, ids, func(ctx context.Context, id string) (resource.Doc, bool, error) {
		var doc resource.Doc
		err := s.gw.WithRetry(ctx, func(ctx context.Context) error {
			res, err := coll.Get(id, &gocb.GetOptions{Context: ctx})
			if err != nil {
				return err
			}
			return res.Content(&doc)
		})
		if err != nil {
			if errors.Is(err, gocb.ErrDocumentNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return doc, true, nil
	})
}

// FetchKeys fetches a list of "<Type>/<id>" keys that may span multiple
// resource types (e.g. the reference targets `_has` reverse chaining
// extracts), preserving input order and dropping missing keys.
func (s *Service) FetchKeys(ctx context.Context, keys []string) ([]resource.Doc, error) {
	return fetchOrdered(ctx, keys, func(ctx context.Context, key string) (resource.Doc, bool, error) {
		resourceType, id, err := resource.ParseKey(key)
		if err != nil {
			return nil, false, err
		}
		coll := s.gw.Collection(store.ResourcesScope, resourceType)
		var doc resource.Doc
		err = s.gw.WithRetry(ctx, func(ctx context.Context) error {
			res, getErr := coll.Get(id, &gocb.GetOptions{Context: ctx})
			if getErr != nil {
				return getErr
			}
			return res.Content(&doc)
		})
		if err != nil {
			if errors.Is(err, gocb.ErrDocumentNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return doc, true, nil
	})
}

// fetchOrdered runs get concurrently (bounded by maxConcurrency) over keys
// and reassembles the results in input order, dropping keys that were not
// found. It is the pure orchestration core, independent of gocb, so it can
// be unit tested with a fake getter.
func fetchOrdered(ctx context.Context, keys []string, get getter) ([]resource.Doc, error) {
	results := make([]resource.Doc, len(keys))
	found := make([]bool, len(keys))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, key string) {
			defer wg.Done()
			defer func() { <-sem }()

			doc, ok, err := get(ctx, key)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = doc
			found[i] = ok
		}(i, key)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]resource.Doc, 0, len(keys))
	for i, ok := range found {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}
