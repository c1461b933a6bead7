package pokedexcache

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
	"github.com/kolbylandon/pokedex-cache/pkg/tasks"
	"github.com/kolbylandon/pokedex-cache/store"
)

// revalidationTask is one pending in-place refresh of a cached entry. A
// task lives until its refresh succeeds; a key that keeps failing carries
// its attempt count over to the next reconciliation pass.
type revalidationTask struct {
	Key         string
	Partition   store.Partition
	Attempts    int
	LastAttempt time.Time
}

// reconcileLoop periodically refreshes entries past their staleness
// threshold. A reconnect signal triggers an immediate pass plus a warmup
// round. Only this goroutine touches the pending task map.
func (g *Gateway) reconcileLoop(ctx context.Context) {
	g.log.Info().Dur("interval", g.reconcileInterval).Msg("Starting reconcile loop")
	ticker := time.NewTicker(g.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.log.Debug().Msg("Reconcile loop stopped")
			return
		case <-ticker.C:
			g.reconcile(ctx)
		case <-g.reconnect:
			g.log.Info().Msg("Connectivity restored")
			g.reconcile(ctx)
			g.warmup(ctx)
		}
	}
}

// Reconnect signals that network connectivity returned after an outage.
// The reconciler reacts with an immediate pass; callers are never blocked
// and duplicate signals collapse.
func (g *Gateway) Reconnect() {
	select {
	case g.reconnect <- struct{}{}:
	default:
	}
}

// reconcile refreshes every entry whose age exceeds its partition's
// staleness threshold, one at a time. A failed refresh keeps the stale
// entry in place for the next pass.
func (g *Gateway) reconcile(ctx context.Context) {
	for _, role := range store.Roles {
		policy := g.policies[role]
		if policy.StaleAfter <= 0 {
			continue
		}
		p := store.Partition{Role: role, Generation: g.generation}
		cutoff := g.clock().Add(-policy.StaleAfter)
		keys, err := g.store.StaleKeys(ctx, p, cutoff)
		if err != nil {
			g.log.Error().Err(err).Str("partition", p.Name()).Msg("Could not scan for stale entries")
			continue
		}
		if len(keys) == 0 {
			continue
		}
		g.log.Debug().Str("partition", p.Name()).Int("stale", len(keys)).
			Msg("Reconciling stale entries")
		for _, key := range keys {
			task, ok := g.pending[key]
			if !ok {
				task = &revalidationTask{Key: key, Partition: p}
				g.pending[key] = task
			}
			task.Attempts++
			task.LastAttempt = g.clock()
			if _, err := g.refresh(ctx, task.Partition, task.Key); err != nil {
				g.metrics.Revalidate(false)
				g.log.Debug().Err(err).Str("key", key).Int("attempts", task.Attempts).
					Msg("Revalidation failed, keeping stale entry")
				continue
			}
			g.metrics.Revalidate(true)
			g.log.Trace().Str("key", key).Int("attempts", task.Attempts).Msg("Revalidated entry")
			delete(g.pending, key)
		}
	}
}

// refresh fetches the entry's target again and overwrites it in place with
// a new capture time. Concurrent refreshes of the same key collapse into a
// single fetch.
func (g *Gateway) refresh(ctx context.Context, p store.Partition, key string) (store.Entry, error) {
	v, err, _ := g.flight.Do(key, func() (interface{}, error) {
		target, err := url.Parse(key)
		if err != nil {
			return nil, err
		}
		return g.fetchAndStore(ctx, p, key, target)
	})
	if err != nil {
		return store.Entry{}, err
	}
	return v.(store.Entry), nil
}

// revalidateDetached refreshes the entry on a tracked background job. The
// caller is never blocked and never sees the outcome.
func (g *Gateway) revalidateDetached(p store.Partition, key string) tasks.Handle {
	return g.tasks.Go("revalidate", func() {
		if _, err := g.refresh(context.Background(), p, key); err != nil {
			g.metrics.Revalidate(false)
			g.log.Debug().Err(err).Str("key", key).Msg("Background revalidation failed")
			return
		}
		g.metrics.Revalidate(true)
	})
}

// warmup proactively fetches the configured high-value URLs, so that the
// content users reach for first is fresh right after an outage ends.
func (g *Gateway) warmup(ctx context.Context) {
	for _, raw := range g.warmURLs {
		u, err := url.Parse(raw)
		if err != nil {
			g.log.Warn().Err(err).Str("url", raw).Msg("Could not parse warm URL")
			continue
		}
		if !u.IsAbs() {
			u = g.resolveTarget(u)
		}
		route := g.classifier.Classify(classifier.Descriptor{Method: http.MethodGet, URL: u})
		if route.PassThrough {
			continue
		}
		p := store.Partition{Role: route.Partition, Generation: g.generation}
		key := g.keyer.Key(u)
		if _, err := g.refresh(ctx, p, key); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("Could not warm entry")
			continue
		}
		g.log.Debug().Str("key", key).Msg("Warmed entry")
	}
}
