package pokedexcache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
	"github.com/kolbylandon/pokedex-cache/pkg/fetch"
	"github.com/kolbylandon/pokedex-cache/store"
)

// result is one servable outcome of a strategy: the entry to write to the
// client and the cache status explaining how it was obtained.
type result struct {
	entry  store.Entry
	status CacheStatus
}

func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, d classifier.Descriptor, route classifier.Route) {
	ctx := r.Context()
	partition := store.Partition{Role: route.Partition, Generation: g.generation}
	key := g.keyer.Key(d.URL)
	g.log.Trace().Str("key", key).Str("partition", partition.Name()).
		Str("strategy", route.Strategy.String()).Msg("Executing strategy")

	var res result
	var err error
	switch route.Strategy {
	case classifier.CacheFirst:
		res, err = g.cacheFirst(ctx, partition, key, d.URL, route)
	case classifier.NetworkFirst:
		res, err = g.networkFirst(ctx, partition, key, d.URL, route)
	case classifier.StaleWhileRevalidate:
		res, err = g.staleWhileRevalidate(ctx, partition, key, d.URL)
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.send(w, r, res)
}

// cacheFirst serves straight from the cache and only fetches on a miss.
// Freshness is not checked: whatever is cached is good enough.
func (g *Gateway) cacheFirst(ctx context.Context, p store.Partition, key string, target *url.URL, route classifier.Route) (result, error) {
	entry, err := g.store.Get(ctx, p, key)
	if err == nil {
		g.metrics.Hit(p.Role)
		cs := CacheStatus{}
		cs.Hit()
		cs.TTL(g.ttlRemaining(p.Role, entry))
		return result{entry: entry, status: cs}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		g.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
	}
	g.metrics.Miss(p.Role)

	entry, err = g.fetchAndStore(ctx, p, key, target)
	if err == nil {
		cs := CacheStatus{Stored: true}
		cs.Forward(FwdUriMiss)
		return result{entry: entry, status: cs}, nil
	}
	if route.Fallback == classifier.FallbackPlaceholder {
		return g.placeholderResult(ctx, err), nil
	}
	return result{}, err
}

// networkFirst tries the network and falls back to whatever is cached,
// regardless of freshness, when the fetch fails.
func (g *Gateway) networkFirst(ctx context.Context, p store.Partition, key string, target *url.URL, route classifier.Route) (result, error) {
	entry, fetchErr := g.fetchAndStore(ctx, p, key, target)
	if fetchErr == nil {
		cs := CacheStatus{Stored: true}
		cs.Forward(FwdRequest)
		return result{entry: entry, status: cs}, nil
	}
	if fetch.IsTerminal(fetchErr) {
		return result{}, fetchErr
	}

	entry, err := g.store.Get(ctx, p, key)
	if err == nil {
		g.metrics.Hit(p.Role)
		g.metrics.Fallback("cached")
		cs := CacheStatus{Detail: "offline"}
		cs.Hit()
		cs.TTL(g.ttlRemaining(p.Role, entry))
		return result{entry: entry, status: cs}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		g.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
	}
	g.metrics.Miss(p.Role)

	if route.Fallback == classifier.FallbackDocument {
		if res, ok := g.documentFallback(ctx); ok {
			return res, nil
		}
	}
	return result{}, fetchErr
}

// staleWhileRevalidate serves from the cache and refreshes in the
// background while the entry is fresh. A stale entry is refreshed
// synchronously, but still served if the refresh fails.
func (g *Gateway) staleWhileRevalidate(ctx context.Context, p store.Partition, key string, target *url.URL) (result, error) {
	entry, err := g.store.Get(ctx, p, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		}
		g.metrics.Miss(p.Role)
		entry, err = g.fetchAndStore(ctx, p, key, target)
		if err != nil {
			return result{}, err
		}
		cs := CacheStatus{Stored: true}
		cs.Forward(FwdUriMiss)
		return result{entry: entry, status: cs}, nil
	}

	policy := g.policies[p.Role]
	if policy.Fresh(entry.Age(g.clock())) {
		g.metrics.Hit(p.Role)
		g.revalidateDetached(p, key)
		cs := CacheStatus{}
		cs.Hit()
		cs.TTL(g.ttlRemaining(p.Role, entry))
		return result{entry: entry, status: cs}, nil
	}

	fresh, fetchErr := g.refresh(ctx, p, key)
	if fetchErr == nil {
		cs := CacheStatus{Stored: true}
		cs.Forward(FwdStale)
		return result{entry: fresh, status: cs}, nil
	}
	g.log.Debug().Err(fetchErr).Str("key", key).Msg("Refresh failed, serving stale entry")
	g.metrics.Hit(p.Role)
	g.metrics.Fallback("stale")
	cs := CacheStatus{Detail: "stale"}
	cs.Hit()
	cs.TTL(g.ttlRemaining(p.Role, entry))
	return result{entry: entry, status: cs}, nil
}

// fetchAndStore fetches the target and writes the response through to the
// cache. A failed cache write is logged and the response is still returned:
// persistence problems must not break serving.
func (g *Gateway) fetchAndStore(ctx context.Context, p store.Partition, key string, target *url.URL) (store.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return store.Entry{}, err
	}
	res, err := g.fetcher.Fetch(ctx, req)
	if err != nil {
		g.metrics.Fetch(false, g.fetcher.MaxAttempts())
		return store.Entry{}, err
	}
	g.metrics.Fetch(true, res.Attempts)

	if res.StatusCode == http.StatusNotModified {
		// the entry is still good, only refresh its capture time
		if entry, err := g.store.Get(ctx, p, key); err == nil {
			entry.CapturedAt = g.clock()
			g.writeThrough(ctx, p, entry)
			return entry, nil
		}
	}

	entry := store.Entry{
		Key:        key,
		Status:     res.StatusCode,
		Header:     storableHeader(res.Header),
		Body:       res.Body,
		CapturedAt: g.clock(),
	}
	g.writeThrough(ctx, p, entry)
	return entry, nil
}

// writeThrough persists the entry and enforces the partition capacity, both
// under the partition lock so concurrent writes cannot interleave with the
// eviction pass.
func (g *Gateway) writeThrough(ctx context.Context, p store.Partition, entry store.Entry) {
	lock := g.partitionLock(p)
	lock.Lock()
	defer lock.Unlock()
	if err := g.store.Put(ctx, p, entry); err != nil {
		g.log.Error().Err(err).Str("key", entry.Key).Str("partition", p.Name()).
			Msg("Could not write to cache")
		return
	}
	g.log.Trace().Str("key", entry.Key).Str("partition", p.Name()).Msg("Wrote to cache")
	if err := g.enforceCapacity(ctx, p); err != nil {
		g.log.Error().Err(err).Str("partition", p.Name()).Msg("Could not enforce capacity")
	}
}

// documentFallback serves the offline document, or failing that the root
// document, for a navigation that can be satisfied neither from network nor
// cache.
func (g *Gateway) documentFallback(ctx context.Context) (result, bool) {
	fallbacks := []struct {
		path   string
		detail string
	}{
		{g.fallbacks.OfflinePath, "offline-doc"},
		{g.fallbacks.RootPath, "root-doc"},
	}
	for _, fallback := range fallbacks {
		if fallback.path == "" {
			continue
		}
		entry, err := g.staticEntry(ctx, fallback.path)
		if err != nil {
			continue
		}
		g.metrics.Fallback(fallback.detail)
		cs := CacheStatus{Detail: fallback.detail}
		cs.Forward(FwdUriMiss)
		return result{entry: entry, status: cs}, true
	}
	return result{}, false
}

// placeholderResult answers a failed binary fetch with the cached
// placeholder asset, or a synthesized unavailable response as the very last
// resort. Binary fetches never surface raw errors.
func (g *Gateway) placeholderResult(ctx context.Context, cause error) result {
	if g.fallbacks.PlaceholderPath != "" {
		if entry, err := g.staticEntry(ctx, g.fallbacks.PlaceholderPath); err == nil {
			g.metrics.Fallback("placeholder")
			cs := CacheStatus{Detail: "placeholder"}
			cs.Forward(FwdUriMiss)
			return result{entry: entry, status: cs}
		}
	}
	g.log.Debug().Err(cause).Msg("No placeholder available, synthesizing response")
	g.metrics.Fallback("synthesized")
	cs := CacheStatus{Detail: "synthesized"}
	cs.Forward(FwdUriMiss)
	return result{
		entry: store.Entry{
			Status:     http.StatusServiceUnavailable,
			Header:     http.Header{},
			CapturedAt: g.clock(),
		},
		status: cs,
	}
}

// staticEntry looks up an origin path in the static partition.
func (g *Gateway) staticEntry(ctx context.Context, path string) (store.Entry, error) {
	p := store.Partition{Role: store.RoleStatic, Generation: g.generation}
	key := g.keyer.Key(g.resolveTarget(&url.URL{Path: path}))
	return g.store.Get(ctx, p, key)
}

// ttlRemaining returns the remaining freshness lifetime in whole seconds,
// negative if the entry is already stale.
func (g *Gateway) ttlRemaining(role store.Role, entry store.Entry) int {
	policy := g.policies[role]
	if policy.TTL <= 0 {
		return 0
	}
	return int((policy.TTL - entry.Age(g.clock())) / time.Second)
}
