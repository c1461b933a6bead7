package pokedexcache

import "github.com/kolbylandon/pokedex-cache/store"

// Metrics receives cache observability events. Implementations must be safe
// for concurrent use. NoopMetrics is used when none is configured.
type Metrics interface {
	// Hit is called when a request is answered from the cache.
	Hit(role store.Role)
	// Miss is called when the cache had nothing usable for a request.
	Miss(role store.Role)
	// Evict is called after a capacity pass, with the number of entries
	// removed.
	Evict(role store.Role, n int)
	// Fetch is called once per resilient fetch with its outcome and the
	// number of attempts consumed.
	Fetch(ok bool, attempts int)
	// Revalidate is called once per background revalidation.
	Revalidate(ok bool)
	// Fallback is called when a degraded response is served, with the kind
	// of fallback used.
	Fallback(kind string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) Hit(store.Role)        {}
func (NoopMetrics) Miss(store.Role)       {}
func (NoopMetrics) Evict(store.Role, int) {}
func (NoopMetrics) Fetch(bool, int)       {}
func (NoopMetrics) Revalidate(bool)       {}
func (NoopMetrics) Fallback(string)       {}
