// Package store is the single component through which all document-store
// I/O passes. It owns the gocb cluster connection, the Admin/Resources scope
// handles, and the retry/circuit-breaker policy that every KV, FTS, and N1QL
// call goes through.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog"
)

const (
	AdminScope     = "Admin"
	ResourcesScope = "Resources"
	VersionsColl   = "Versions"
	TombstonesColl = "Tombstones"

	defaultOpTimeout = 30 * time.Second
)

// Config carries the connection settings needed to open the gateway.
type Config struct {
	ConnectionString string
	Bucket           string
	Username         string
	Password         string
	UseNativeFTS     bool
}

// Gateway owns the cluster connection and centralizes retry/circuit-breaker
// policy for every store operation issued by the search, KV fetch, and write
// pipeline components.
type Gateway struct {
	cluster *gocb.Cluster
	bucket  *gocb.Bucket
	log     zerolog.Logger

	useNativeFTS bool

	mu             sync.Mutex
	consecutiveErr int
	breakerOpenAt  time.Time
}

const (
	breakerFailureThreshold = 5
	breakerCooldown         = 15 * time.Second
	maxRetries              = 3
)

// Open connects to the cluster and opens the deployment's bucket. Scope and
// collection provisioning is an external concern (see cmd's `provision`
// subcommand); Open only verifies the bucket is reachable.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Gateway, error) {
	cluster, err := gocb.Connect(cfg.ConnectionString, gocb.ClusterOptions{
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(defaultOpTimeout, nil); err != nil {
		return nil, fmt.Errorf("waiting for bucket %q: %w", cfg.Bucket, err)
	}

	return &Gateway{
		cluster:      cluster,
		bucket:       bucket,
		log:          log,
		useNativeFTS: cfg.UseNativeFTS,
	}, nil
}

// Close releases the underlying cluster connection.
func (g *Gateway) Close() error {
	return g.cluster.Close(nil)
}

// UseNativeFTS reports which of the two interchangeable FTS backends (§4.5)
// this gateway is configured to use.
func (g *Gateway) UseNativeFTS() bool { return g.useNativeFTS }

// Collection returns the collection handle for a scope/collection pair,
// e.g. (ResourcesScope, "Patient") or (AdminScope, "Users").
func (g *Gateway) Collection(scope, collection string) *gocb.Collection {
	return g.bucket.Scope(scope).Collection(collection)
}

// Scope returns a scope handle, used for N1QL/FTS queries scoped to
// Resources or Admin.
func (g *Gateway) Scope(scope string) *gocb.Scope {
	return g.bucket.Scope(scope)
}

// RunTransaction executes fn inside a gocb multi-document ACID transaction,
// the mechanism the write pipeline relies on to snapshot a prior version,
// replace the current document, and (for deletes) write a tombstone as one
// atomic unit. gocb retries the attempt internally on conflicts; fn must be
// safe to run more than once.
func (g *Gateway) RunTransaction(ctx context.Context, fn func(txCtx *gocb.TransactionAttemptContext) error) error {
	_, err := g.cluster.Transactions().Run(func(txCtx *gocb.TransactionAttemptContext) error {
		return fn(txCtx)
	}, &gocb.TransactionOptions{})
	if err != nil {
		return fmt.Errorf("store transaction: %w", err)
	}
	return nil
}

// breakerAllows reports whether the circuit breaker currently permits a call.
func (g *Gateway) breakerAllows() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consecutiveErr < breakerFailureThreshold {
		return true
	}
	return time.Now().After(g.breakerOpenAt.Add(breakerCooldown))
}

func (g *Gateway) recordResult(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.consecutiveErr = 0
		return
	}
	g.consecutiveErr++
	if g.consecutiveErr == breakerFailureThreshold {
		g.breakerOpenAt = time.Now()
	}
}

// WithRetry runs op with jittered exponential backoff on transient errors,
// short-circuiting immediately once the breaker has tripped from repeated
// consecutive failures. Callers (search, KV fetch, write pipeline) never
// implement their own retry loop — this is the centralized policy required
// by the KV Fetch component design.
func (g *Gateway) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	if !g.breakerAllows() {
		return fmt.Errorf("store circuit breaker open: %d consecutive failures", breakerFailureThreshold)
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
		lastErr = op(opCtx)
		cancel()

		g.recordResult(lastErr)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		g.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("store operation failed, retrying")

		// Jitter: wait between one and two backoff intervals.
		wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

// Provision creates the Admin and Resources scopes, a collection per given
// resource type plus the shared Versions/Tombstones collections, and (when
// the gateway is configured for the native FTS backend) one search index per
// resource-type collection. It is idempotent: "already exists" responses
// from the collection and search index managers are swallowed, so a second
// run against an already-provisioned bucket is a no-op. This is the external
// provisioning step referenced by the write pipeline and search service —
// neither ever creates a collection or index itself.
func (g *Gateway) Provision(ctx context.Context, resourceTypes []string) error {
	mgr := g.bucket.Collections()

	for _, scope := range []string{AdminScope, ResourcesScope} {
		if err := mgr.CreateScope(scope, &gocb.CreateScopeOptions{Context: ctx}); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("creating scope %q: %w", scope, err)
		}
	}

	collections := append(append([]string{}, resourceTypes...), VersionsColl, TombstonesColl)
	for _, coll := range collections {
		spec := gocb.CollectionSpec{Name: coll, ScopeName: ResourcesScope}
		if err := mgr.CreateCollection(spec, &gocb.CreateCollectionOptions{Context: ctx}); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("creating collection %s.%s: %w", ResourcesScope, coll, err)
		}
	}
	if err := mgr.CreateCollection(gocb.CollectionSpec{Name: "Users", ScopeName: AdminScope}, &gocb.CreateCollectionOptions{Context: ctx}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating collection %s.Users: %w", AdminScope, err)
	}
	if err := mgr.CreateCollection(gocb.CollectionSpec{Name: "Config", ScopeName: AdminScope}, &gocb.CreateCollectionOptions{Context: ctx}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating collection %s.Config: %w", AdminScope, err)
	}

	if !g.useNativeFTS {
		return nil
	}
	searchMgr := g.cluster.SearchIndexes()
	for _, rt := range resourceTypes {
		index := gocb.SearchIndex{
			Name:       "fts" + rt,
			SourceName: g.bucket.Name(),
			Type:       "fulltext-index",
			SourceType: "couchbase",
			Params: map[string]interface{}{
				"doc_config": map[string]interface{}{
					"mode": "scope.collection.type_field",
				},
				"mapping": map[string]interface{}{
					"types": map[string]interface{}{
						fmt.Sprintf("%s.%s", ResourcesScope, rt): map[string]interface{}{"enabled": true, "dynamic": true},
					},
					"default_mapping": map[string]interface{}{"enabled": false},
				},
			},
		}
		if err := searchMgr.UpsertIndex(index, &gocb.UpsertSearchIndexOptions{Context: ctx}); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("creating search index fts%s: %w", rt, err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, gocb.ErrCollectionExists) || errors.Is(err, gocb.ErrScopeExists) || strings.Contains(err.Error(), "already exists")
}

// isRetryable classifies gocb errors that are safe to retry: timeouts and
// transient ambiguous-state failures. Document-not-found and CAS mismatches
// are never retried — they are caller-visible outcomes, not transport noise.
func isRetryable(err error) bool {
	var timeoutErr *gocb.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case err == gocb.ErrTemporaryFailure, err == gocb.ErrAmbiguousTimeout, err == gocb.ErrUnambiguousTimeout:
		return true
	default:
		return false
	}
}
