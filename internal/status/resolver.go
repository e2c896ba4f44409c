// Package status resolves verified locators to document statuses, keeping
// results in a TTL cache so repeated scans skip the network.
package status

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"docqr/internal/cache"
	"docqr/internal/domain"
	"docqr/internal/signature"
)

// DefaultTTL is how long a fetched status stays fresh in the cache.
const DefaultTTL = 15 * time.Minute

// Fetcher is the network side of the resolver. *Client implements it.
type Fetcher interface {
	FetchStatus(ctx context.Context, docUID, revision string, page int) (Response, error)
}

type Resolver struct {
	fetcher Fetcher
	cache   *cache.Cache[domain.DocumentStatus]
	ttl     time.Duration
	log     *zap.Logger
}

func NewResolver(fetcher Fetcher, c *cache.Cache[domain.DocumentStatus], ttl time.Duration, log *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, cache: c, ttl: ttl, log: log.Named("status")}
}

// Resolve returns the status for v, from cache when a live entry exists.
// A 410 (superseded) answer is a valid result and is cached like a 200.
func (r *Resolver) Resolve(ctx context.Context, v signature.VerifiedLocator) (domain.DocumentStatus, error) {
	if !v.Valid() {
		return domain.DocumentStatus{}, domain.Errorf(domain.KindInvalidSignature, "locator was not verified")
	}
	loc := v.Locator()
	key := loc.StatusKey()
	if st, ok := r.cache.Get(ctx, key); ok {
		r.log.Debug("status cache hit", zap.String("key", key))
		return st, nil
	}

	resp, err := r.fetcher.FetchStatus(ctx, loc.DocUID, loc.Revision, loc.Page)
	if err != nil {
		r.log.Warn("status lookup failed",
			zap.String("key", key),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Int("http_status", domain.HTTPStatusOf(err)),
			zap.Error(err))
		return domain.DocumentStatus{}, err
	}
	if resp.StatusCode == http.StatusGone {
		r.log.Info("document superseded", zap.String("key", key), zap.String("superseded_by", resp.Status.SupersededBy))
	}
	if err := r.cache.Set(ctx, key, resp.Status, r.ttl); err != nil {
		r.log.Warn("status cache write failed", zap.String("key", key), zap.Error(err))
	}
	return resp.Status, nil
}

// Forget drops every cached status of a document, all revisions and pages.
func (r *Resolver) Forget(ctx context.Context, docUID string) (int, error) {
	return r.cache.Invalidate(ctx, regexp.MustCompile("^status:"+regexp.QuoteMeta(docUID)+":"))
}
