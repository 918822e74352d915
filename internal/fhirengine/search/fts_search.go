package search

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

// gateway is the subset of store.Gateway the FTS Search Service depends on,
// narrowed for testability.
type gateway interface {
	UseNativeFTS() bool
	Scope(scope string) *gocb.Scope
	WithRetry(ctx context.Context, op func(ctx context.Context) error) error
}

// Result is one matched resource key plus the score assigned by the FTS
// backend, ordered highest score first unless a client-requested _sort is
// applied downstream.
type Result struct {
	Key   string
	Score float64
}

// Page is a bounded, ordered result set plus a total count for Bundle
// pagination link construction.
type Page struct {
	Results []Result
	Total   int
}

const (
	defaultCount = 10
	maxCount     = 1000
)

// Service is the FTS Search Service (component §4.5): it runs a resolved
// Fragment tree against the per-collection FTS index for a resource type,
// through whichever of the two interchangeable backends the gateway is
// configured for — the native gocb search SDK, or an embedded N1QL
// SEARCH() predicate. Both paths are routed through the gateway's retry
// and circuit-breaker policy, so callers never see raw transport errors.
type Service struct {
	gw gateway
}

func NewService(gw *store.Gateway) *Service {
	return &Service{gw: gw}
}

// Search runs fragment against resourceType's FTS index, returning up to
// count results starting at offset, alongside an exact total match count
// from Count — never an estimate derived from the page size. A count of 0
// or less falls back to defaultCount; a count above maxCount is capped.
func (s *Service) Search(ctx context.Context, resourceType string, fragment Fragment, offset, count int) (Page, error) {
	if count <= 0 {
		count = defaultCount
	}
	if count > maxCount {
		count = maxCount
	}

	indexName := "fts" + resourceType

	var page Page
	err := s.gw.WithRetry(ctx, func(ctx context.Context) error {
		var results []Result
		var err error
		if s.gw.UseNativeFTS() {
			results, err = s.searchNative(ctx, indexName, fragment, offset, count)
		} else {
			results, err = s.searchN1QL(ctx, resourceType, indexName, fragment, offset, count)
		}
		if err != nil {
			return err
		}
		total, err := s.count(ctx, resourceType, indexName, fragment)
		if err != nil {
			return err
		}
		page = Page{Results: results, Total: total}
		return nil
	})
	if err != nil {
		return Page{}, fhirerr.Wrap(err, "searching %s", resourceType)
	}
	return page, nil
}

// Count runs fragment against resourceType's FTS index and returns the
// exact total match count with no page of results attached: limit=0 and
// scoring disabled on the native backend, a bare COUNT(*) on the N1QL
// backend. Search uses the same count path for Page.Total, which is how
// group.Service.Preview gets an accurate total independent of whatever
// sample size it fetches.
func (s *Service) Count(ctx context.Context, resourceType string, fragment Fragment) (int, error) {
	indexName := "fts" + resourceType
	var total int
	err := s.gw.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		total, err = s.count(ctx, resourceType, indexName, fragment)
		return err
	})
	if err != nil {
		return 0, fhirerr.Wrap(err, "counting %s", resourceType)
	}
	return total, nil
}

func (s *Service) count(ctx context.Context, resourceType, indexName string, fragment Fragment) (int, error) {
	if s.gw.UseNativeFTS() {
		return s.countNative(ctx, indexName, fragment)
	}
	return s.countN1QL(ctx, resourceType, indexName, fragment)
}

func (s *Service) searchNative(ctx context.Context, indexName string, fragment Fragment, offset, count int) ([]Result, error) {
	q := toGocbQuery(fragment)
	scope := s.gw.Scope(store.ResourcesScope)
	res, err := scope.Search(indexName, gocb.SearchRequest{SearchQuery: q},
		&gocb.SearchOptions{
			Limit:   uint32(count),
			Skip:    uint32(offset),
			Context: ctx,
		},
	)
	if err != nil {
		return nil, err
	}

	var results []Result
	for res.Next() {
		row := res.Row()
		results = append(results, Result{Key: row.ID, Score: row.Score})
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// countNative asks the native FTS backend for the match count only:
// limit(0) skips hydrating any hits, and disabling scoring skips the work
// of ranking hits it isn't going to return.
func (s *Service) countNative(ctx context.Context, indexName string, fragment Fragment) (int, error) {
	q := toGocbQuery(fragment)
	scope := s.gw.Scope(store.ResourcesScope)
	res, err := scope.Search(indexName, gocb.SearchRequest{SearchQuery: q},
		&gocb.SearchOptions{
			Limit:          0,
			DisableScoring: true,
			Context:        ctx,
		},
	)
	if err != nil {
		return 0, err
	}
	for res.Next() {
	}
	if err := res.Err(); err != nil {
		return 0, err
	}
	meta, err := res.MetaData()
	if err != nil {
		return 0, err
	}
	return int(meta.Metrics.TotalRows), nil
}

func (s *Service) searchN1QL(ctx context.Context, resourceType, indexName string, fragment Fragment, offset, count int) ([]Result, error) {
	predicate := fragment.N1QL()
	scope := s.gw.Scope(store.ResourcesScope)

	statement := fmt.Sprintf(
		`SELECT META(r).id AS id, SEARCH_SCORE() AS score FROM `+"`%s`"+` AS r
		 WHERE SEARCH(r, {"index": $index, "query": %s})
		 ORDER BY score DESC LIMIT $limit OFFSET $offset`,
		resourceType, quoteN1QL(predicate),
	)
	rows, err := scope.Query(statement, &gocb.QueryOptions{
		NamedParameters: map[string]interface{}{
			"index":  indexName,
			"limit":  count,
			"offset": offset,
		},
		Context: ctx,
	})
	if err != nil {
		return nil, err
	}

	var results []Result
	for rows.Next() {
		var row struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		}
		if err := rows.Row(&row); err != nil {
			return nil, err
		}
		results = append(results, Result{Key: resourceType + "/" + row.ID, Score: row.Score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// countN1QL asks the embedded-SEARCH() backend for the match count only,
// via a bare COUNT(*) rather than the paged SELECT searchN1QL issues.
func (s *Service) countN1QL(ctx context.Context, resourceType, indexName string, fragment Fragment) (int, error) {
	predicate := fragment.N1QL()
	scope := s.gw.Scope(store.ResourcesScope)

	statement := fmt.Sprintf(
		`SELECT COUNT(*) AS total FROM `+"`%s`"+` AS r
		 WHERE SEARCH(r, {"index": $index, "query": %s})`,
		resourceType, quoteN1QL(predicate),
	)
	rows, err := scope.Query(statement, &gocb.QueryOptions{
		NamedParameters: map[string]interface{}{"index": indexName},
		Context:         ctx,
	})
	if err != nil {
		return 0, err
	}

	var row struct {
		Total int `json:"total"`
	}
	if rows.Next() {
		if err := rows.Row(&row); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return row.Total, nil
}

// toGocbQuery lowers a Fragment tree into the native gocb search SDK's
// query.Query composite, used by the native FTS backend.
func toGocbQuery(f Fragment) search.Query {
	switch f.Op {
	case "and":
		qs := make([]search.Query, 0, len(f.Kids))
		for _, k := range f.Kids {
			qs = append(qs, toGocbQuery(k))
		}
		return search.NewConjunctionQuery(qs...)
	case "or":
		qs := make([]search.Query, 0, len(f.Kids))
		for _, k := range f.Kids {
			qs = append(qs, toGocbQuery(k))
		}
		return search.NewDisjunctionQuery(qs...)
	case "term":
		return search.NewTermQuery(f.Value).Field(f.Field)
	case "match":
		return search.NewMatchPhraseQuery(f.Value).Field(f.Field)
	case "prefix":
		return search.NewPrefixQuery(f.Value).Field(f.Field)
	case "exists":
		return search.NewWildcardQuery("*").Field(f.Field)
	case "range":
		if f.Low != nil || f.High != nil {
			q := search.NewDateRangeQuery().Field(f.Field)
			if f.Low != nil {
				q = q.Start(f.Low.UTC().Format("2006-01-02T15:04:05Z"), true)
			}
			if f.High != nil {
				q = q.End(f.High.UTC().Format("2006-01-02T15:04:05Z"), true)
			}
			return q
		}
		q := search.NewNumericRangeQuery().Field(f.Field)
		if f.LowN != nil {
			q = q.Min(float32(*f.LowN), true)
		}
		if f.HighN != nil {
			q = q.Max(float32(*f.HighN), true)
		}
		return q
	}
	return search.NewMatchNoneQuery()
}

func quoteN1QL(s string) string {
	return strconv.Quote(s)
}

// ParseCountAndOffset extracts FHIR's _count/_offset control parameters
// with their documented defaults and cap.
func ParseCountAndOffset(values url.Values) (count, offset int) {
	count = defaultCount
	offset = 0
	if v := values.Get("_count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			count = n
		}
	}
	if v := values.Get("_offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if count > maxCount {
		count = maxCount
	}
	return count, offset
}
